package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/hms/patientflow/internal/domain/triage"
	"github.com/hms/patientflow/internal/domain/visit"
	"github.com/hms/patientflow/internal/platform/apperr"
)

type repoMem struct {
	mu      sync.Mutex
	seq     int64
	entries map[uuid.UUID]*Entry
	open    map[uuid.UUID]uuid.UUID // visit -> open entry

	// stations indexes open entries so ordering never walks completed history.
	stations map[visit.Station]map[uuid.UUID]*Entry
}

func NewRepoMem() Repository {
	return &repoMem{
		entries:  make(map[uuid.UUID]*Entry),
		open:     make(map[uuid.UUID]uuid.UUID),
		stations: make(map[visit.Station]map[uuid.UUID]*Entry),
	}
}

func clone(e *Entry) *Entry {
	cp := *e
	return &cp
}

func (r *repoMem) indexLocked(e *Entry) {
	byID, ok := r.stations[e.Station]
	if !ok {
		byID = make(map[uuid.UUID]*Entry)
		r.stations[e.Station] = byID
	}
	byID[e.ID] = e
}

func (r *repoMem) unindexLocked(e *Entry) {
	delete(r.stations[e.Station], e.ID)
	delete(r.open, e.VisitID)
}

func (r *repoMem) Create(_ context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.open[e.VisitID]; ok {
		return ErrVisitQueued
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	r.seq++
	e.Seq = r.seq
	stored := clone(e)
	r.entries[e.ID] = stored
	r.open[e.VisitID] = e.ID
	r.indexLocked(stored)
	return nil
}

func (r *repoMem) GetByID(_ context.Context, id uuid.UUID) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, apperr.NotFound("queue entry %s not found", id)
	}
	return clone(e), nil
}

func (r *repoMem) GetOpenByVisit(_ context.Context, visitID uuid.UUID) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.open[visitID]
	if !ok {
		return nil, apperr.NotFound("visit %s has no open queue entry", visitID)
	}
	return clone(r.entries[id]), nil
}

func (r *repoMem) Update(_ context.Context, e *Entry, expected Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[e.ID]
	if !ok {
		return apperr.NotFound("queue entry %s not found", e.ID)
	}
	if cur.Status != expected {
		return apperr.State("queue entry %s is %s, not %s", e.ID, cur.Status, expected)
	}
	stored := clone(e)
	r.entries[e.ID] = stored
	if stored.Status == StatusCompleted {
		r.unindexLocked(stored)
	} else {
		r.indexLocked(stored)
	}
	return nil
}

func (r *repoMem) UpdatePriority(_ context.Context, id uuid.UUID, p triage.Priority, expected Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[id]
	if !ok {
		return apperr.NotFound("queue entry %s not found", id)
	}
	if cur.Status != expected {
		return apperr.State("queue entry %s is %s, not %s", id, cur.Status, expected)
	}
	cur.Priority = p
	return nil
}

func (r *repoMem) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return apperr.NotFound("queue entry %s not found", id)
	}
	if e.Status != StatusWaiting && e.Status != StatusOnHold {
		return apperr.State("queue entry %s is %s and cannot be withdrawn", id, e.Status)
	}
	delete(r.entries, id)
	r.unindexLocked(e)
	return nil
}

func (r *repoMem) sortedLocked(station visit.Station, keep func(*Entry) bool) []*Entry {
	var out []*Entry
	for _, e := range r.stations[station] {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func isWaiting(e *Entry) bool { return e.Status == StatusWaiting }

func (r *repoMem) PeekNext(_ context.Context, station visit.Station) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiting := r.sortedLocked(station, isWaiting)
	if len(waiting) == 0 {
		return nil, emptyQueue(station)
	}
	return clone(waiting[0]), nil
}

func (r *repoMem) ListOpen(_ context.Context, station visit.Station) ([]*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	open := r.sortedLocked(station, func(*Entry) bool { return true })
	out := make([]*Entry, len(open))
	for i, e := range open {
		out[i] = clone(e)
	}
	return out, nil
}

