package triage

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hms/patientflow/internal/platform/apperr"
	"github.com/hms/patientflow/internal/platform/auth"
)

type Handler struct {
	classifier *Classifier
}

func NewHandler(classifier *Classifier) *Handler {
	return &Handler{classifier: classifier}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/triage", auth.RequireRole(auth.RoleNurse, auth.RolePhysician))
	g.GET("/complaints", h.ListComplaints)
	g.GET("/levels", h.ListLevels)
	g.POST("/classify", h.Classify)
}

type classifyRequest struct {
	ComplaintID string   `json:"complaint_id"`
	Observed    []string `json:"observed"`
}

func (h *Handler) Classify(c echo.Context) error {
	var req classifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.classifier.Classify(req.ComplaintID, req.Observed)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListComplaints(c echo.Context) error {
	return c.JSON(http.StatusOK, h.classifier.Complaints())
}

func (h *Handler) ListLevels(c echo.Context) error {
	return c.JSON(http.StatusOK, h.classifier.Levels())
}
