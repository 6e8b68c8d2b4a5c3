package admission

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hms/patientflow/internal/platform/apperr"
)

// ErrBedTaken is returned when a bed's status changed between read and write.
var ErrBedTaken = apperr.Conflict("bed status changed concurrently")

// Inventory is the ward and bed store.
type Inventory interface {
	CreateWard(ctx context.Context, w *Ward) error
	GetWard(ctx context.Context, id uuid.UUID) (*Ward, error)
	ListWards(ctx context.Context) ([]*Ward, error)
	CreateBed(ctx context.Context, b *Bed) error
	GetBed(ctx context.Context, id uuid.UUID) (*Bed, error)
	// ListBeds returns the ward's beds ordered by number. An empty status
	// matches every bed.
	ListBeds(ctx context.Context, wardID uuid.UUID, status BedStatus) ([]*Bed, error)
	// UpdateBedStatus moves the bed from expected to to, failing with
	// ErrBedTaken when the stored status is no longer expected.
	UpdateBedStatus(ctx context.Context, id uuid.UUID, expected, to BedStatus, now time.Time) (*Bed, error)
}

type RequestRepository interface {
	// Create stores r and assigns its sequence number.
	Create(ctx context.Context, r *Request) error
	GetByID(ctx context.Context, id uuid.UUID) (*Request, error)
	// Update writes r only if the stored status still equals expected.
	Update(ctx context.Context, r *Request, expected RequestStatus) error
	// ListByStatus returns requests in creation order.
	ListByStatus(ctx context.Context, status RequestStatus) ([]*Request, error)
	// GetAssignedByBed returns the request currently holding the bed.
	GetAssignedByBed(ctx context.Context, bedID uuid.UUID) (*Request, error)
}

func wardNotFound(id uuid.UUID) error    { return apperr.NotFound("ward %s not found", id) }
func bedNotFound(id uuid.UUID) error     { return apperr.NotFound("bed %s not found", id) }
func requestNotFound(id uuid.UUID) error { return apperr.NotFound("admission request %s not found", id) }

func staleRequest(r *Request, actual, expected RequestStatus) error {
	return apperr.State("admission request %s is %s, not %s", r.ID, actual, expected)
}
