package dashboard

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/visitflow/internal/domain/visit"
	"github.com/ehr/visitflow/internal/platform/auth"
)

type Handler struct {
	agg    *Aggregator
	logger zerolog.Logger
}

func NewHandler(agg *Aggregator, logger zerolog.Logger) *Handler {
	return &Handler{agg: agg, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/dashboard", auth.RequireRole(visit.AllRoles...))
	g.GET("/stats", h.GetStats)
}

// GetStats serves GET /dashboard/stats?branch_id=&role=&period=. Role
// defaults to the caller's first staff role; only admin may ask for a role
// it does not hold.
func (h *Handler) GetStats(c echo.Context) error {
	ctx := c.Request().Context()
	callerRoles := auth.RolesFromContext(ctx)

	branchRaw := c.QueryParam("branch_id")
	if branchRaw == "" {
		branchRaw = auth.BranchIDFromContext(ctx)
	}
	branchID, err := uuid.Parse(branchRaw)
	if err != nil {
		return badRequest("branch_id is required and must be a UUID")
	}

	role := strings.ToLower(c.QueryParam("role"))
	if role == "" {
		role = defaultRole(callerRoles)
	}
	if !auth.HasAnyRole(callerRoles, role) {
		return echo.NewHTTPError(http.StatusForbidden, visit.ErrorBody{
			Code:    "forbidden",
			Message: "you don't have permission to view the " + role + " dashboard",
		})
	}

	period, err := ParsePeriod(c.QueryParam("period"))
	if err != nil {
		return badRequest(err.Error())
	}

	stats, err := h.agg.Stats(ctx, branchID, role, period)
	switch {
	case errors.Is(err, ErrUnknownRole), errors.Is(err, ErrUnknownPeriod), errors.Is(err, ErrBranchRequired):
		return badRequest(err.Error())
	case err != nil:
		h.logger.Error().Err(err).Str("branch_id", branchID.String()).Msg("dashboard stats failed")
		return echo.NewHTTPError(http.StatusInternalServerError, visit.ErrorBody{Code: "internal", Message: "please retry"})
	}
	return c.JSON(http.StatusOK, stats)
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, visit.ErrorBody{Code: "invalid_request", Message: msg})
}

func defaultRole(roles []string) string {
	for _, r := range roles {
		for _, known := range visit.AllRoles {
			if strings.EqualFold(r, known) {
				return known
			}
		}
	}
	return ""
}
