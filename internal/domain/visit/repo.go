package visit

import (
	"context"

	"github.com/google/uuid"

	"github.com/hms/patientflow/internal/platform/apperr"
)

// ErrOpenVisit is returned by Create when the patient already has a
// non-terminal visit.
var ErrOpenVisit = apperr.Conflict("patient already has an open visit")

type ListFilter struct {
	Status    Status
	PatientID uuid.UUID
	OpenOnly  bool
}

type Repository interface {
	Create(ctx context.Context, v *Visit) error
	GetByID(ctx context.Context, id uuid.UUID) (*Visit, error)
	// GetForUpdate reads the visit and, in a transaction, locks its row
	// until commit.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Visit, error)
	GetOpenByPatient(ctx context.Context, patientID uuid.UUID) (*Visit, error)
	Update(ctx context.Context, v *Visit) error
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Visit, int, error)

	AppendTransition(ctx context.Context, rec *TransitionRecord) error
	History(ctx context.Context, visitID uuid.UUID) ([]TransitionRecord, error)
}
