package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hms/patientflow/internal/platform/auth"
)

// AuditEntry records one staff action against the flow API: who did what
// to which record, and how it ended.
type AuditEntry struct {
	UserID     string    `json:"user_id"`
	UserRoles  []string  `json:"user_roles"`
	Facility   string    `json:"facility,omitempty"`
	Resource   string    `json:"resource"`
	ResourceID string    `json:"resource_id,omitempty"`
	Action     string    `json:"action"`
	Route      string    `json:"route"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	StatusCode int       `json:"status"`
	RequestID  string    `json:"request_id,omitempty"`
	IPAddress  string    `json:"remote_ip"`
	Timestamp  time.Time `json:"timestamp"`
}

// AuditRecorder persists audit entries somewhere durable.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every state-changing request under /api/v1/ and hands it to
// the recorders. Reads are not audited; the event stream already covers
// what staff saw change.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditable(req.Method, req.URL.Path) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}

			resource, resourceID := splitResource(req.URL.Path)
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(req.Context()),
				UserRoles:  auth.RolesFromContext(req.Context()),
				Resource:   resource,
				ResourceID: resourceID,
				Action:     auditAction(req.Method, req.URL.Path),
				Route:      c.Path(),
				Method:     req.Method,
				Path:       req.URL.Path,
				StatusCode: status,
				IPAddress:  c.RealIP(),
				Timestamp:  time.Now().UTC(),
			}
			entry.Facility, _ = c.Get("facility_id").(string)
			entry.RequestID, _ = c.Get("request_id").(string)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", entry.RequestID).Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "staff_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("facility_id", entry.Facility).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Int("status", entry.StatusCode).
				Msg("staff_action")

			return err
		}
	}
}

func isAuditable(method, path string) bool {
	if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
		return false
	}
	return strings.HasPrefix(path, "/api/v1/")
}

func pathSegments(path string) []string {
	trimmed := strings.Trim(strings.TrimPrefix(path, "/api/v1/"), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// splitResource returns the collection and, when the next segment is a
// uuid, the record id: /api/v1/visits/<id>/cancel -> visits, <id>.
func splitResource(path string) (string, string) {
	segs := pathSegments(path)
	if len(segs) == 0 {
		return "unknown", ""
	}
	if len(segs) > 1 {
		if _, err := uuid.Parse(segs[1]); err == nil {
			return segs[0], segs[1]
		}
	}
	return segs[0], ""
}

// auditAction names the operation. Command routes end in a verb
// (/cancel, /assign, /next) and that verb wins over the HTTP method.
func auditAction(method, path string) string {
	segs := pathSegments(path)
	if len(segs) > 2 {
		return segs[len(segs)-1]
	}
	if len(segs) == 2 {
		if _, err := uuid.Parse(segs[1]); err != nil {
			return segs[1]
		}
	}
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return strings.ToLower(method)
	}
}
