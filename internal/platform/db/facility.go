package db

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	FacilityIDKey contextKey = "facility_id"
	DBConnKey     contextKey = "db_conn"
	txKey         contextKey = "db_tx"
)

// FacilityHeader lets callers without a facility claim pick a facility.
const FacilityHeader = "X-Facility-ID"

var facilityIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// SchemaName returns the PostgreSQL schema that holds a facility's tables.
func SchemaName(facilityID string) (string, error) {
	if !facilityIDPattern.MatchString(facilityID) {
		return "", fmt.Errorf("invalid facility identifier: %q", facilityID)
	}
	return "facility_" + facilityID, nil
}

// FacilityMiddleware resolves the facility for the request and, when a pool
// is configured, pins a connection whose search_path points at the
// facility's schema. With a nil pool only the facility id is recorded.
func FacilityMiddleware(pool *pgxpool.Pool, defaultFacility string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			facilityID := extractFacilityID(c, defaultFacility)
			schema, err := SchemaName(facilityID)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid facility identifier")
			}

			ctx := WithFacility(c.Request().Context(), facilityID)
			c.Set("facility_id", facilityID)

			if pool != nil {
				conn, err := pool.Acquire(ctx)
				if err != nil {
					return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
				}
				defer conn.Release()

				if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", schema)); err != nil {
					return echo.NewHTTPError(http.StatusInternalServerError, "facility resolution failed")
				}
				ctx = context.WithValue(ctx, DBConnKey, conn)
			}

			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func extractFacilityID(c echo.Context, defaultFacility string) string {
	// A facility claim in the token wins over anything the client sends.
	if fid, ok := c.Get("jwt_facility_id").(string); ok && fid != "" {
		return fid
	}
	if fid := c.Request().Header.Get(FacilityHeader); fid != "" {
		return fid
	}
	return defaultFacility
}

// WithFacility returns a copy of ctx carrying facilityID.
func WithFacility(ctx context.Context, facilityID string) context.Context {
	return context.WithValue(ctx, FacilityIDKey, facilityID)
}

// FacilityFromContext returns the facility id set by FacilityMiddleware.
func FacilityFromContext(ctx context.Context) string {
	fid, _ := ctx.Value(FacilityIDKey).(string)
	return fid
}

// ConnFromContext retrieves the facility-scoped connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// CreateFacilitySchema creates the schema for a facility and migrates it.
func CreateFacilitySchema(ctx context.Context, pool *pgxpool.Pool, facilityID string, migrator *Migrator) error {
	schema, err := SchemaName(facilityID)
	if err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrator != nil {
		if _, err := migrator.Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return nil
}
