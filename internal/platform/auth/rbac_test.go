package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		want  int
	}{
		{"matching role", []string{RoleNurse}, http.StatusOK},
		{"admin bypass", []string{RoleAdmin}, http.StatusOK},
		{"wrong role", []string{RoleCashier}, http.StatusForbidden},
		{"no roles", nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(WithUser(context.Background(), "u1", tt.roles...))
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			h := RequireRole(RoleNurse, RolePhysician)(func(c echo.Context) error {
				return c.NoContent(http.StatusOK)
			})
			err := h(c)
			code := rec.Code
			if he, ok := err.(*echo.HTTPError); ok {
				code = he.Code
			}
			if code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, code)
			}
		})
	}
}
