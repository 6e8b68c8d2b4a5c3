package admission

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hms/patientflow/internal/platform/apperr"
	"github.com/hms/patientflow/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleBedManager, auth.RolePhysician, auth.RoleNurse))
	read.GET("/wards", h.ListWards)
	read.GET("/wards/:id/beds", h.ListBeds)
	read.GET("/wards/:id/beds/available", h.ListAvailableBeds)
	read.GET("/admissions/pending", h.ListPendingRequests)
	read.GET("/admissions/:id", h.GetRequest)

	api.POST("/admissions", h.CreateAdmissionRequest, auth.RequireRole(auth.RolePhysician))

	beds := api.Group("", auth.RequireRole(auth.RoleBedManager))
	beds.POST("/admissions/:id/assign", h.AssignBed)
	beds.POST("/admissions/:id/cancel", h.CancelAdmissionRequest)
	beds.POST("/beds/:id/release", h.ReleaseBed)
	beds.PUT("/beds/:id/status", h.SetBedStatus)

	inv := api.Group("", auth.RequireRole(auth.RoleAdmin))
	inv.POST("/wards", h.CreateWard)
	inv.POST("/wards/:id/beds", h.AddBed)
}

func paramID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) ListWards(c echo.Context) error {
	wards, err := h.svc.ListWards(c.Request().Context())
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, wards)
}

type wardRequest struct {
	Name string   `json:"name"`
	Type WardType `json:"type"`
}

func (h *Handler) CreateWard(c echo.Context) error {
	var req wardRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	w, err := h.svc.CreateWard(c.Request().Context(), req.Name, req.Type)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, w)
}

func (h *Handler) AddBed(c echo.Context) error {
	wardID, err := paramID(c)
	if err != nil {
		return err
	}
	var in BedInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.AddBed(c.Request().Context(), wardID, in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) ListBeds(c echo.Context) error {
	wardID, err := paramID(c)
	if err != nil {
		return err
	}
	beds, err := h.svc.ListBeds(c.Request().Context(), wardID)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, beds)
}

func (h *Handler) ListAvailableBeds(c echo.Context) error {
	wardID, err := paramID(c)
	if err != nil {
		return err
	}
	beds, err := h.svc.ListAvailableBeds(c.Request().Context(), wardID)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, beds)
}

func (h *Handler) CreateAdmissionRequest(c echo.Context) error {
	var in RequestInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req, err := h.svc.CreateAdmissionRequest(c.Request().Context(), in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, req)
}

func (h *Handler) GetRequest(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	req, err := h.svc.GetRequest(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) ListPendingRequests(c echo.Context) error {
	reqs, err := h.svc.ListPendingRequests(c.Request().Context())
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, reqs)
}

type assignRequest struct {
	BedID uuid.UUID `json:"bed_id"`
}

func (h *Handler) AssignBed(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var body assignRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.BedID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bed_id is required")
	}
	out, err := h.svc.AssignBed(c.Request().Context(), id, body.BedID)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) CancelAdmissionRequest(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	req, err := h.svc.CancelAdmissionRequest(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) ReleaseBed(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	bed, err := h.svc.ReleaseBed(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, bed)
}

type bedStatusRequest struct {
	Status BedStatus `json:"status"`
}

func (h *Handler) SetBedStatus(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var body bedStatusRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	bed, err := h.svc.SetBedStatus(c.Request().Context(), id, body.Status)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, bed)
}
