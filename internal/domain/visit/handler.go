package visit

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/visitflow/internal/platform/auth"
	"github.com/ehr/visitflow/pkg/pagination"
)

var workflowRoles = []string{RoleFrontDesk, RoleNurse, RoleDoctor, RoleLab, RolePharmacist, RoleBilling}

type Handler struct {
	svc    *Service
	queues *Projector
	logger zerolog.Logger
}

func NewHandler(svc *Service, queues *Projector, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, queues: queues, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read and handoff endpoints – any workflow role; per-stage ownership is checked by the service
	staff := api.Group("", auth.RequireRole(workflowRoles...))
	staff.GET("/visits", h.ListVisits)
	staff.GET("/visits/:id", h.GetVisit)
	staff.GET("/visits/:id/history", h.GetHistory)
	staff.POST("/visits/:id/handoff", h.Handoff)
	staff.GET("/queues", h.GetRoleQueue)
	staff.GET("/queues/:stage", h.GetQueue)

	// Front desk endpoints
	desk := api.Group("", auth.RequireRole(RoleFrontDesk))
	desk.POST("/visits", h.CheckIn)
	desk.POST("/visits/:id/cancel", h.Cancel)
}

type handoffRequest struct {
	TargetStage     Stage  `json:"targetStage"`
	ExpectedVersion int    `json:"expectedVersion"`
	Note            string `json:"note"`
}

type checkInRequest struct {
	PatientID     uuid.UUID  `json:"patientId"`
	BranchID      uuid.UUID  `json:"branchId"`
	AppointmentID *uuid.UUID `json:"appointmentId,omitempty"`
}

type cancelRequest struct {
	ExpectedVersion int    `json:"expectedVersion"`
	Reason          string `json:"reason"`
}

func (h *Handler) Handoff(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req handoffRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{Code: "invalid_request", Message: "invalid request body"})
	}
	version, err := expectedVersion(c, req.ExpectedVersion)
	if err != nil {
		return err
	}

	v, err := h.svc.Handoff(c.Request().Context(), HandoffInput{
		VisitID:         id,
		TargetStage:     req.TargetStage,
		Actor:           actorFrom(c),
		ExpectedVersion: version,
		Note:            req.Note,
	})
	if err != nil {
		return h.httpError(c, err)
	}
	setETag(c, v.Version)
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) CheckIn(c echo.Context) error {
	var req checkInRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{Code: "invalid_request", Message: "invalid request body"})
	}
	if req.BranchID == uuid.Nil {
		if b, err := uuid.Parse(auth.BranchIDFromContext(c.Request().Context())); err == nil {
			req.BranchID = b
		}
	}

	v, err := h.svc.CheckIn(c.Request().Context(), CheckInInput{
		PatientID:     req.PatientID,
		BranchID:      req.BranchID,
		AppointmentID: req.AppointmentID,
		Actor:         actorFrom(c),
	})
	if err != nil {
		return h.httpError(c, err)
	}
	setETag(c, v.Version)
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{Code: "invalid_request", Message: "invalid request body"})
	}
	version, err := expectedVersion(c, req.ExpectedVersion)
	if err != nil {
		return err
	}

	v, err := h.svc.Cancel(c.Request().Context(), CancelInput{
		VisitID:         id,
		Actor:           actorFrom(c),
		ExpectedVersion: version,
		Reason:          req.Reason,
	})
	if err != nil {
		return h.httpError(c, err)
	}
	setETag(c, v.Version)
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) GetVisit(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return h.httpError(c, err)
	}
	setETag(c, v.Version)
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	durations, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, durations)
}

func (h *Handler) ListVisits(c echo.Context) error {
	pg := pagination.FromContext(c)
	branch, err := branchParam(c)
	if err != nil {
		return err
	}
	f := VisitFilter{
		BranchID: branch,
		Status:   Status(c.QueryParam("status")),
		Stage:    Stage(c.QueryParam("stage")),
	}
	if p := c.QueryParam("patient_id"); p != "" {
		pid, err := uuid.Parse(p)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{Code: "invalid_request", Message: "invalid patient_id"})
		}
		f.PatientID = pid
	}

	visits, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(visits, total, pg.Limit, pg.Offset).WithLinks(listPath(c)))
}

func (h *Handler) GetQueue(c echo.Context) error {
	branch, err := branchParam(c)
	if err != nil {
		return err
	}
	entries, err := h.queues.QueueForStage(c.Request().Context(), Stage(c.Param("stage")), branch)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, entries)
}

// GetRoleQueue serves the queue for ?role=, defaulting to the caller's first
// workflow role.
func (h *Handler) GetRoleQueue(c echo.Context) error {
	branch, err := branchParam(c)
	if err != nil {
		return err
	}
	role := strings.ToLower(c.QueryParam("role"))
	if role == "" {
		role = primaryRole(auth.RolesFromContext(c.Request().Context()))
	}
	entries, err := h.queues.QueueForRole(c.Request().Context(), role, branch)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *Handler) httpError(c echo.Context, err error) error {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).
			Str("method", c.Request().Method).
			Str("path", c.Path()).
			Msg("visit request failed")
	}
	return echo.NewHTTPError(status, ToErrorBody(err))
}

func actorFrom(c echo.Context) Actor {
	ctx := c.Request().Context()
	return Actor{ID: auth.UserIDFromContext(ctx), Roles: auth.RolesFromContext(ctx)}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, ErrorBody{Code: "invalid_request", Message: "invalid id"})
	}
	return id, nil
}

// branchParam reads ?branch_id=, falling back to the caller's branch claim.
func branchParam(c echo.Context) (uuid.UUID, error) {
	raw := c.QueryParam("branch_id")
	if raw == "" {
		raw = auth.BranchIDFromContext(c.Request().Context())
	}
	if raw == "" {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, ErrorBody{Code: "invalid_request", Message: "branch_id is required"})
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, ErrorBody{Code: "invalid_request", Message: "invalid branch_id"})
	}
	return id, nil
}

// expectedVersion prefers the body value and falls back to If-Match.
func expectedVersion(c echo.Context, body int) (int, error) {
	if body > 0 {
		return body, nil
	}
	ifMatch := c.Request().Header.Get("If-Match")
	if ifMatch == "" {
		return 0, nil
	}
	v, err := parseETag(ifMatch)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, ErrorBody{Code: "invalid_request", Message: "invalid If-Match header: " + err.Error()})
	}
	return v, nil
}

// parseETag extracts the version from W/"3" or "3".
func parseETag(etag string) (int, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)
	v, err := strconv.Atoi(etag)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("ETag must contain a positive version: %s", etag)
	}
	return v, nil
}

func setETag(c echo.Context, version int) {
	c.Response().Header().Set("ETag", fmt.Sprintf(`W/"%d"`, version))
}

func primaryRole(roles []string) string {
	for _, r := range roles {
		for _, w := range workflowRoles {
			if strings.EqualFold(r, w) {
				return w
			}
		}
	}
	for _, r := range roles {
		if strings.EqualFold(r, RoleAdmin) {
			return RoleAdmin
		}
	}
	return ""
}

func listPath(c echo.Context) string {
	q := c.QueryParams()
	q.Del("limit")
	q.Del("offset")
	if enc := q.Encode(); enc != "" {
		return c.Request().URL.Path + "?" + enc
	}
	return c.Request().URL.Path
}
