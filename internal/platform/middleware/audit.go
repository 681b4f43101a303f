package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/labresults/internal/platform/auth"
)

const apiPrefix = "/api/v1/"

// AuditEntry records who touched which lab resource and how it went.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	Resource   string
	ResourceID string
	PatientID  string
	Action     string // read, submit, create, update, delete
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries in addition to the structured log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every /api/v1/ request after it ran, with the caller identity
// taken from the auth context. Recorder failures are logged and never fail
// the request.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !strings.HasPrefix(path, apiPrefix) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			resource, resourceID := splitResource(path)
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(req.Context()),
				UserRoles:  auth.RolesFromContext(req.Context()),
				Resource:   resource,
				ResourceID: resourceID,
				PatientID:  patientFromQuery(c),
				Action:     actionFor(req.Method, resource),
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				Path:       path,
				Method:     req.Method,
				Timestamp:  time.Now().UTC(),
				StatusCode: status,
			}
			entry.RequestID, _ = c.Get("request_id").(string)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Int("status", entry.StatusCode).
				Str("remote_ip", entry.IPAddress).
				Msg("lab_access")

			return err
		}
	}
}

func actionFor(method, resource string) string {
	switch method {
	case http.MethodPost:
		if resource == "lab-batches" {
			return "submit"
		}
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	}
	return "read"
}

// splitResource turns /api/v1/lab-reports/<uuid> into ("lab-reports", "<uuid>").
func splitResource(path string) (string, string) {
	segments := strings.Split(strings.TrimPrefix(path, apiPrefix), "/")
	resource := "unknown"
	if segments[0] != "" {
		resource = segments[0]
	}
	if len(segments) > 1 && segments[1] != "" {
		return resource, segments[1]
	}
	return resource, ""
}

func patientFromQuery(c echo.Context) string {
	for _, key := range []string{"patient_id", "patient"} {
		if p := c.QueryParam(key); p != "" {
			if _, err := uuid.Parse(p); err == nil {
				return p
			}
		}
	}
	return ""
}
