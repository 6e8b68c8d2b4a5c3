package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hms/patientflow/internal/platform/apperr"
)

type patientRepoMem struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*Patient
	byMRN map[string]uuid.UUID
	order []uuid.UUID
}

// NewPatientRepoMem returns a process-local PatientRepository.
func NewPatientRepoMem() PatientRepository {
	return &patientRepoMem{
		byID:  make(map[uuid.UUID]*Patient),
		byMRN: make(map[string]uuid.UUID),
	}
}

func (r *patientRepoMem) Create(_ context.Context, p *Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byMRN[p.MRN]; taken {
		return ErrMRNTaken
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	cp := *p
	r.byID[p.ID] = &cp
	r.byMRN[p.MRN] = p.ID
	r.order = append(r.order, p.ID)
	return nil
}

func (r *patientRepoMem) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return nil, apperr.NotFound("patient %s not found", id)
	}
	cp := *p
	return &cp, nil
}

func (r *patientRepoMem) GetByMRN(_ context.Context, mrn string) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byMRN[mrn]
	if !ok {
		return nil, apperr.NotFound("patient with mrn %s not found", mrn)
	}
	cp := *r.byID[id]
	return &cp, nil
}

func (r *patientRepoMem) Update(_ context.Context, p *Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[p.ID]
	if !ok {
		return apperr.NotFound("patient %s not found", p.ID)
	}
	cp := *p
	cp.MRN = cur.MRN
	cp.CreatedAt = cur.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	r.byID[p.ID] = &cp
	*p = cp
	return nil
}

func (r *patientRepoMem) Search(_ context.Context, text string, limit, offset int) ([]*Patient, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(text))
	var matched []*Patient
	for _, id := range r.order {
		p := r.byID[id]
		if needle == "" || containsFold(p, needle) {
			cp := *p
			matched = append(matched, &cp)
		}
	}

	total := len(matched)
	if offset >= total {
		return []*Patient{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}

func containsFold(p *Patient, needle string) bool {
	for _, field := range []string{p.MRN, p.Phone, p.FullName(), p.IdentificationNumber} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

func (r *patientRepoMem) FindCandidates(_ context.Context, c Candidate) ([]*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Patient
	for _, id := range r.order {
		p := r.byID[id]
		if score, _ := Score(c, p.Candidate()); score > 0 {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}
