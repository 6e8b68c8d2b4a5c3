package flow

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hms/patientflow/internal/domain/visit"
	"github.com/hms/patientflow/internal/platform/apperr"
	"github.com/hms/patientflow/internal/platform/auth"
	"github.com/hms/patientflow/pkg/pagination"
)

// Everyone who moves patients between stations.
var staffRoles = []string{
	auth.RoleRegistrar, auth.RoleNurse, auth.RolePhysician,
	auth.RolePharmacist, auth.RoleLabTech, auth.RoleCashier,
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := auth.RequireRole(staffRoles...)

	visits := api.Group("/visits", staff)
	visits.GET("", h.ListVisits)
	visits.GET("/:id", h.GetVisit)
	visits.GET("/:id/history", h.History)
	visits.POST("/:id/transitions", h.AdvanceVisit)
	visits.POST("/:id/cancel", h.CancelVisit)

	api.POST("/visits", h.StartVisit, auth.RequireRole(auth.RoleRegistrar, auth.RoleNurse))
	api.POST("/visits/:id/triage", h.TriageVisit, auth.RequireRole(auth.RoleNurse, auth.RolePhysician))

	queues := api.Group("/queues", staff)
	queues.GET("/:station", h.ListQueue)
	queues.POST("/:station/next", h.CallNext)

	entries := api.Group("/queue-entries", staff)
	entries.POST("/:id/hold", h.HoldEntry)
	entries.POST("/:id/release", h.ReleaseEntry)
	entries.POST("/:id/complete", h.CompleteEntry)
}

func paramID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) StartVisit(c echo.Context) error {
	var in StartVisitInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.StartVisit(c.Request().Context(), in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) GetVisit(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	view, err := h.svc.GetVisit(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) ListVisits(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := visit.ListFilter{
		Status:   visit.Status(c.QueryParam("status")),
		OpenOnly: c.QueryParam("open") == "true",
	}
	if pid := c.QueryParam("patient_id"); pid != "" {
		id, err := uuid.Parse(pid)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = id
	}
	items, total, err := h.svc.ListVisits(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithNext(c.Request().URL.Path))
}

func (h *Handler) History(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	recs, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, recs)
}

type transitionRequest struct {
	Transition visit.Transition `json:"transition"`
}

func (h *Handler) AdvanceVisit(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Transition == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "transition is required")
	}
	out, err := h.svc.AdvanceVisit(c.Request().Context(), id, req.Transition)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) CancelVisit(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	out, err := h.svc.CancelVisit(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) TriageVisit(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var in TriageInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.TriageVisit(c.Request().Context(), id, in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) ListQueue(c echo.Context) error {
	entries, err := h.svc.ListQueue(c.Request().Context(), visit.Station(c.Param("station")))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *Handler) CallNext(c echo.Context) error {
	out, err := h.svc.CallNext(c.Request().Context(), visit.Station(c.Param("station")))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) HoldEntry(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	out, err := h.svc.HoldEntry(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ReleaseEntry(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	out, err := h.svc.ReleaseEntry(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, out)
}

type completeRequest struct {
	// Next is optional; the station default is used when empty.
	Next visit.Transition `json:"next"`
}

func (h *Handler) CompleteEntry(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req completeRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	out, err := h.svc.CompleteEntry(c.Request().Context(), id, req.Next)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, out)
}
