package queue

import (
	"context"

	"github.com/google/uuid"

	"github.com/hms/patientflow/internal/domain/triage"
	"github.com/hms/patientflow/internal/domain/visit"
	"github.com/hms/patientflow/internal/platform/apperr"
)

// ErrVisitQueued is returned by Create when the visit already has an open entry.
var ErrVisitQueued = apperr.Conflict("visit already has an open queue entry")

type Repository interface {
	// Create stores e and assigns its sequence number.
	Create(ctx context.Context, e *Entry) error
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	// GetOpenByVisit returns the visit's entry that is not completed.
	GetOpenByVisit(ctx context.Context, visitID uuid.UUID) (*Entry, error)
	// Update writes e only if the stored status still equals expected;
	// otherwise it fails with a state error.
	Update(ctx context.Context, e *Entry, expected Status) error
	// UpdatePriority re-bands the entry without touching its enqueue time.
	// The stored status must still equal expected.
	UpdatePriority(ctx context.Context, id uuid.UUID, p triage.Priority, expected Status) error
	// Delete removes an entry that is waiting or on hold.
	Delete(ctx context.Context, id uuid.UUID) error
	// PeekNext returns the first waiting entry of station without claiming
	// it. Callers claim through Update, whose status check settles races.
	PeekNext(ctx context.Context, station visit.Station) (*Entry, error)
	// ListOpen returns the station's entries that are not completed, in
	// service order.
	ListOpen(ctx context.Context, station visit.Station) ([]*Entry, error)
}

func emptyQueue(station visit.Station) error {
	return apperr.NotFound("no waiting entries at %s", station)
}
