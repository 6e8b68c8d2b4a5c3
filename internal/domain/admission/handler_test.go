package admission

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hms/patientflow/internal/domain/triage"
)

func jsonContext(e *echo.Echo, method, path, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func withID(c echo.Context, id string) echo.Context {
	c.SetParamNames("id")
	c.SetParamValues(id)
	return c
}

func assertHTTPCode(t *testing.T, want int, err error) {
	t.Helper()
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, want, he.Code)
}

func TestHandler_AssignBed(t *testing.T) {
	f := newFixture(t)
	h, e := NewHandler(f.svc), echo.New()
	req := f.request(t, triage.PriorityUrgent)

	c, rec := jsonContext(e, http.MethodPost, "/", `{"bed_id":"`+f.beds[0].ID.String()+`"}`)
	require.NoError(t, h.AssignBed(withID(c, req.ID.String())))
	require.Equal(t, http.StatusOK, rec.Code)
	var out Assignment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, BedOccupied, out.Bed.Status)

	// Second request for the same bed maps to 409.
	other := f.request(t, triage.PriorityUrgent)
	c, _ = jsonContext(e, http.MethodPost, "/", `{"bed_id":"`+f.beds[0].ID.String()+`"}`)
	assertHTTPCode(t, http.StatusConflict, h.AssignBed(withID(c, other.ID.String())))
}

func TestHandler_AssignBed_MissingBed(t *testing.T) {
	f := newFixture(t)
	h, e := NewHandler(f.svc), echo.New()
	req := f.request(t, triage.PriorityRoutine)

	c, _ := jsonContext(e, http.MethodPost, "/", `{}`)
	assertHTTPCode(t, http.StatusBadRequest, h.AssignBed(withID(c, req.ID.String())))
}

func TestHandler_ListAvailableBeds(t *testing.T) {
	f := newFixture(t)
	h, e := NewHandler(f.svc), echo.New()

	c, rec := jsonContext(e, http.MethodGet, "/", "")
	require.NoError(t, h.ListAvailableBeds(withID(c, f.ward.ID.String())))
	var beds []Bed
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &beds))
	assert.Len(t, beds, 3)

	c, _ = jsonContext(e, http.MethodGet, "/", "")
	assertHTTPCode(t, http.StatusBadRequest, h.ListAvailableBeds(withID(c, "not-a-uuid")))
}

func TestHandler_CreateAdmissionRequest(t *testing.T) {
	f := newFixture(t)
	h, e := NewHandler(f.svc), echo.New()
	pid := f.patient("active")

	body := `{"patient_id":"` + pid.String() + `","department":"cardiology","requesting_doctor":"Dr. Ade","diagnosis":"NSTEMI","priority":"emergency"}`
	c, rec := jsonContext(e, http.MethodPost, "/api/v1/admissions", body)
	require.NoError(t, h.CreateAdmissionRequest(c))
	assert.Equal(t, http.StatusCreated, rec.Code)

	c, _ = jsonContext(e, http.MethodPost, "/api/v1/admissions", `{"patient_id":"`+pid.String()+`"}`)
	assertHTTPCode(t, http.StatusBadRequest, h.CreateAdmissionRequest(c))
}
