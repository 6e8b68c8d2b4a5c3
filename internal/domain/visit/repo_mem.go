package visit

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/hms/patientflow/internal/platform/apperr"
)

type repoMem struct {
	mu      sync.RWMutex
	visits  map[uuid.UUID]*Visit
	order   []uuid.UUID
	open    map[uuid.UUID]uuid.UUID // patient -> open visit
	history map[uuid.UUID][]TransitionRecord
	nextRec int64
}

func NewRepoMem() Repository {
	return &repoMem{
		visits:  make(map[uuid.UUID]*Visit),
		open:    make(map[uuid.UUID]uuid.UUID),
		history: make(map[uuid.UUID][]TransitionRecord),
	}
}

func clone(v *Visit) *Visit {
	cp := *v
	if v.Triage != nil {
		t := *v.Triage
		cp.Triage = &t
	}
	if v.ClosedAt != nil {
		c := *v.ClosedAt
		cp.ClosedAt = &c
	}
	return &cp
}

func (r *repoMem) Create(_ context.Context, v *Visit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.open[v.PatientID]; busy && v.Open() {
		return ErrOpenVisit
	}
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	r.visits[v.ID] = clone(v)
	r.order = append(r.order, v.ID)
	if v.Open() {
		r.open[v.PatientID] = v.ID
	}
	return nil
}

func (r *repoMem) GetByID(_ context.Context, id uuid.UUID) (*Visit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.visits[id]
	if !ok {
		return nil, apperr.NotFound("visit %s not found", id)
	}
	return clone(v), nil
}

// GetForUpdate relies on the caller's per-visit lock in memory mode.
func (r *repoMem) GetForUpdate(ctx context.Context, id uuid.UUID) (*Visit, error) {
	return r.GetByID(ctx, id)
}

func (r *repoMem) GetOpenByPatient(_ context.Context, patientID uuid.UUID) (*Visit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.open[patientID]
	if !ok {
		return nil, apperr.NotFound("patient %s has no open visit", patientID)
	}
	return clone(r.visits[id]), nil
}

func (r *repoMem) Update(_ context.Context, v *Visit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.visits[v.ID]; !ok {
		return apperr.NotFound("visit %s not found", v.ID)
	}
	r.visits[v.ID] = clone(v)
	if !v.Open() && r.open[v.PatientID] == v.ID {
		delete(r.open, v.PatientID)
	}
	return nil
}

func (r *repoMem) List(_ context.Context, f ListFilter, limit, offset int) ([]*Visit, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Visit
	for _, id := range r.order {
		v := r.visits[id]
		if f.Status != "" && v.Status != f.Status {
			continue
		}
		if f.PatientID != uuid.Nil && v.PatientID != f.PatientID {
			continue
		}
		if f.OpenOnly && !v.Open() {
			continue
		}
		matched = append(matched, clone(v))
	}
	total := len(matched)
	if offset >= total {
		return []*Visit{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}

func (r *repoMem) AppendTransition(_ context.Context, rec *TransitionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextRec++
	rec.ID = r.nextRec
	r.history[rec.VisitID] = append(r.history[rec.VisitID], *rec)
	return nil
}

func (r *repoMem) History(_ context.Context, visitID uuid.UUID) ([]TransitionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.visits[visitID]; !ok {
		return nil, apperr.NotFound("visit %s not found", visitID)
	}
	out := make([]TransitionRecord, len(r.history[visitID]))
	copy(out, r.history[visitID])
	return out, nil
}
