package identity

import (
	"context"

	"github.com/google/uuid"

	"github.com/hms/patientflow/internal/platform/apperr"
)

// ErrMRNTaken is returned by Create when another patient already holds the MRN.
var ErrMRNTaken = apperr.Conflict("medical record number already issued")

type PatientRepository interface {
	// Create inserts p. It fails with ErrMRNTaken if p.MRN is in use.
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByMRN(ctx context.Context, mrn string) (*Patient, error)
	Update(ctx context.Context, p *Patient) error

	// Search does a case-insensitive substring match over MRN, phone, full
	// name and identification number, in registration order.
	Search(ctx context.Context, text string, limit, offset int) ([]*Patient, int, error)

	// FindCandidates returns every patient sharing at least one exact field
	// with c: identification number, phone, or lowercased full name.
	FindCandidates(ctx context.Context, c Candidate) ([]*Patient, error)
}
