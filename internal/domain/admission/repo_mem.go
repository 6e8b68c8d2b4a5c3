package admission

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hms/patientflow/internal/platform/apperr"
)

type inventoryMem struct {
	mu    sync.Mutex
	wards map[uuid.UUID]*Ward
	beds  map[uuid.UUID]*Bed
}

func NewInventoryMem() Inventory {
	return &inventoryMem{
		wards: make(map[uuid.UUID]*Ward),
		beds:  make(map[uuid.UUID]*Bed),
	}
}

func (m *inventoryMem) CreateWard(_ context.Context, w *Ward) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.wards {
		if existing.Name == w.Name {
			return apperr.Conflict("ward %q already exists", w.Name)
		}
	}
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	cp := *w
	m.wards[w.ID] = &cp
	return nil
}

func (m *inventoryMem) GetWard(_ context.Context, id uuid.UUID) (*Ward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wards[id]
	if !ok {
		return nil, wardNotFound(id)
	}
	cp := *w
	return &cp, nil
}

func (m *inventoryMem) ListWards(_ context.Context) ([]*Ward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Ward, 0, len(m.wards))
	for _, w := range m.wards {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *inventoryMem) CreateBed(_ context.Context, b *Bed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wards[b.WardID]; !ok {
		return wardNotFound(b.WardID)
	}
	for _, existing := range m.beds {
		if existing.WardID == b.WardID && existing.Number == b.Number {
			return apperr.Conflict("bed %s already exists in ward", b.Number)
		}
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.Status == "" {
		b.Status = BedAvailable
	}
	b.UpdatedAt = time.Now().UTC()
	cp := *b
	m.beds[b.ID] = &cp
	return nil
}

func (m *inventoryMem) GetBed(_ context.Context, id uuid.UUID) (*Bed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.beds[id]
	if !ok {
		return nil, bedNotFound(id)
	}
	cp := *b
	return &cp, nil
}

func (m *inventoryMem) ListBeds(_ context.Context, wardID uuid.UUID, status BedStatus) ([]*Bed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Bed{}
	for _, b := range m.beds {
		if b.WardID != wardID || (status != "" && b.Status != status) {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *inventoryMem) UpdateBedStatus(_ context.Context, id uuid.UUID, expected, to BedStatus, now time.Time) (*Bed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.beds[id]
	if !ok {
		return nil, bedNotFound(id)
	}
	if b.Status != expected {
		return nil, ErrBedTaken
	}
	b.Status = to
	b.UpdatedAt = now
	cp := *b
	return &cp, nil
}

type requestRepoMem struct {
	mu       sync.Mutex
	seq      int64
	requests map[uuid.UUID]*Request
}

func NewRequestRepoMem() RequestRepository {
	return &requestRepoMem{requests: make(map[uuid.UUID]*Request)}
}

func (m *requestRepoMem) Create(_ context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	m.seq++
	r.Seq = m.seq
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *requestRepoMem) GetByID(_ context.Context, id uuid.UUID) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, requestNotFound(id)
	}
	cp := *r
	return &cp, nil
}

func (m *requestRepoMem) Update(_ context.Context, r *Request, expected RequestStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.requests[r.ID]
	if !ok {
		return requestNotFound(r.ID)
	}
	if cur.Status != expected {
		return staleRequest(r, cur.Status, expected)
	}
	if r.Status == RequestAssigned && r.BedID != nil {
		for _, o := range m.requests {
			if o.ID != r.ID && o.Status == RequestAssigned && o.BedID != nil && *o.BedID == *r.BedID {
				return ErrBedTaken
			}
		}
	}
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *requestRepoMem) ListByStatus(_ context.Context, status RequestStatus) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Request{}
	for _, r := range m.requests {
		if r.Status == status {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *requestRepoMem) GetAssignedByBed(_ context.Context, bedID uuid.UUID) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.Status == RequestAssigned && r.BedID != nil && *r.BedID == bedID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("no admission request holds bed %s", bedID)
}
