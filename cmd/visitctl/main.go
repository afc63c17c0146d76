package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ehr/visitflow/internal/platform/auth"
	"github.com/ehr/visitflow/pkg/visitclient"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type cli struct {
	v   *viper.Viper
	out io.Writer
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{v: viper.New(), out: out}
	c.v.SetEnvPrefix("VISITCTL")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "visitctl",
		Short:         "Command line client for the visit workflow API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.String("server", "http://localhost:8000", "API base URL")
	pf.String("token", "", "bearer token")
	pf.String("signing-key", "", "mint a short-lived HS256 token with this key instead of --token")
	pf.String("user", "visitctl", "user id for minted tokens and dev headers")
	pf.String("roles", "", "comma separated roles for minted tokens and dev headers")
	pf.String("branch", "", "branch id; defaults to the caller's branch claim")
	pf.Bool("json", false, "print raw JSON")
	_ = c.v.BindPFlags(pf)

	root.AddCommand(c.getCmd(), c.handoffCmd(), c.queueCmd(), c.statsCmd())
	return root
}

func (c *cli) client() (*visitclient.Client, error) {
	cfg := visitclient.Config{BaseURL: c.v.GetString("server"), Token: c.v.GetString("token")}
	roles := splitRoles(c.v.GetString("roles"))

	if key := c.v.GetString("signing-key"); key != "" {
		tok, err := auth.IssueToken([]byte(key), c.v.GetString("user"), roles, c.v.GetString("branch"), 15*time.Minute)
		if err != nil {
			return nil, fmt.Errorf("mint token: %w", err)
		}
		cfg.Token = tok
	}
	if cfg.Token == "" {
		// development servers read the identity from these headers
		cfg.Header = http.Header{}
		cfg.Header.Set(auth.DevUserHeader, c.v.GetString("user"))
		if len(roles) > 0 {
			cfg.Header.Set(auth.DevRolesHeader, strings.Join(roles, ","))
		}
		if b := c.v.GetString("branch"); b != "" {
			cfg.Header.Set(auth.DevBranchHeader, b)
		}
	}
	return visitclient.New(cfg), nil
}

func (c *cli) branch() (uuid.UUID, error) {
	raw := c.v.GetString("branch")
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --branch: %w", err)
	}
	return id, nil
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get VISIT_ID",
		Short: "Show a visit and its stage history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid visit id: %w", err)
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			v, err := cl.GetVisit(cmd.Context(), id)
			if err != nil {
				return err
			}
			if c.v.GetBool("json") {
				return c.printJSON(v)
			}
			c.printVisit(v)
			return nil
		},
	}
}

func (c *cli) handoffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handoff VISIT_ID TARGET_STAGE",
		Short: "Move a visit to the next stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid visit id: %w", err)
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			version, _ := cmd.Flags().GetInt("version")
			note, _ := cmd.Flags().GetString("note")

			req := visitclient.HandoffRequest{
				VisitID:         id,
				TargetStage:     visitclient.Stage(args[1]),
				ExpectedVersion: version,
				Note:            note,
			}
			if version == 0 {
				current, err := cl.GetVisit(cmd.Context(), id)
				if err != nil {
					return err
				}
				req.ExpectedVersion = current.Version
				req.From = current.CurrentStage
			}

			v, err := cl.Handoff(cmd.Context(), req)
			if err != nil {
				return err
			}
			if c.v.GetBool("json") {
				return c.printJSON(v)
			}
			fmt.Fprintf(c.out, "visit %s is now at %s (version %d)\n", v.ID, v.CurrentStage, v.Version)
			return nil
		},
	}
	cmd.Flags().Int("version", 0, "expected version; read from the server when omitted")
	cmd.Flags().String("note", "", "handoff note")
	return cmd
}

func (c *cli) queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue STAGE",
		Short: "List the visits waiting at a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			branch, err := c.branch()
			if err != nil {
				return err
			}
			stage := visitclient.Stage(args[0])

			show := func(ctx context.Context) error {
				entries, err := cl.Queue(ctx, stage, branch)
				if err != nil {
					return err
				}
				if c.v.GetBool("json") {
					return c.printJSON(entries)
				}
				c.printQueue(stage, entries)
				return nil
			}

			watch, _ := cmd.Flags().GetBool("watch")
			if !watch {
				return show(cmd.Context())
			}
			if branch == uuid.Nil {
				return fmt.Errorf("--watch needs --branch")
			}
			interval, _ := cmd.Flags().GetDuration("interval")
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
			w := visitclient.NewWatcher(cl, branch, show, logger)
			w.PollInterval = interval
			w.Run(cmd.Context())
			return nil
		},
	}
	cmd.Flags().Bool("watch", false, "keep the queue on screen, refreshing on changes")
	cmd.Flags().Duration("interval", visitclient.DefaultPollInterval, "poll interval for --watch")
	return cmd
}

func (c *cli) statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show dashboard counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			branch, err := c.branch()
			if err != nil {
				return err
			}
			role, _ := cmd.Flags().GetString("role")
			period, _ := cmd.Flags().GetString("period")

			s, err := cl.Stats(cmd.Context(), branch, role, period)
			if err != nil {
				return err
			}
			if c.v.GetBool("json") {
				return c.printJSON(s)
			}
			c.printStats(s)
			return nil
		},
	}
	cmd.Flags().String("role", "", "dashboard role (admin only for roles you do not hold)")
	cmd.Flags().String("period", "day", "day, week or month")
	return cmd
}

func (c *cli) printJSON(v interface{}) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) printVisit(v *visitclient.Visit) {
	fmt.Fprintf(c.out, "visit    %s\npatient  %s\nbranch   %s\nstage    %s\nstatus   %s\nversion  %d\n\n",
		v.ID, v.PatientID, v.BranchID, v.CurrentStage, v.Status, v.Version)

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tSTAGE\tENTERED\tBY\tEXITED\tNOTE")
	for _, e := range v.StageHistory {
		exited := "-"
		if e.ExitedAt != nil {
			exited = e.ExitedAt.Local().Format(time.TimeOnly)
		}
		note := ""
		if e.Note != nil {
			note = *e.Note
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, e.Stage, e.EnteredAt.Local().Format(time.TimeOnly), e.EnteredBy, exited, note)
	}
	tw.Flush()
}

func (c *cli) printQueue(stage visitclient.Stage, entries []visitclient.QueueEntry) {
	fmt.Fprintf(c.out, "%s queue: %d waiting (%s)\n", stage, len(entries), time.Now().Format(time.TimeOnly))
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tPATIENT\tMRN\tWAITING\tVISIT\tVERSION")
	for i, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\n",
			i+1, e.Patient.Name, e.Patient.MRN,
			(time.Duration(e.WaitingSeconds) * time.Second).String(), e.Visit.ID, e.Visit.Version)
	}
	tw.Flush()
}

func (c *cli) printStats(s *visitclient.Stats) {
	fmt.Fprintf(c.out, "%s dashboard (%s, period %s)\n", s.Role, s.Kind, s.Period)
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COUNTER\tTOTAL\tCHANGE")
	row := func(name string, ct visitclient.Counter) {
		fmt.Fprintf(tw, "%s\t%g\t%s\n", name, ct.Total, formatChange(ct))
	}
	if fd := s.FrontDesk; fd != nil {
		row("checked in", fd.CheckedInToday)
		row("waiting", fd.Waiting)
		row("returned", fd.Returned)
		row("new patients", fd.NewPatients)
		row("appointments", fd.Appointments)
	}
	if cl := s.Clinical; cl != nil {
		row("waiting", cl.Waiting)
		row("handed off", cl.HandedOff)
		row("completed", cl.CompletedToday)
	}
	if b := s.Billing; b != nil {
		row("billing waiting", b.Waiting)
		row("billing completed", b.CompletedToday)
		row("transactions", b.Transactions)
		row("revenue", b.Revenue)
	}
	tw.Flush()
	if len(s.Degraded) > 0 {
		fmt.Fprintf(c.out, "unavailable: %s\n", strings.Join(s.Degraded, ", "))
	}
}

func formatChange(ct visitclient.Counter) string {
	arrow := "▼"
	if ct.IsIncrease {
		arrow = "▲"
	}
	return fmt.Sprintf("%s %.1f%%", arrow, ct.ChangePercent)
}

func splitRoles(s string) []string {
	var out []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
