package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/patientflow/internal/domain/triage"
	"github.com/hms/patientflow/internal/domain/visit"
	"github.com/hms/patientflow/internal/platform/apperr"
)

// Service manages the per-station queues. It knows nothing about visit
// statuses; callers keep the two in step.
type Service struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.With().Str("component", "queue").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func checkStation(station visit.Station) error {
	if !station.Queued() {
		return apperr.Validation("%q is not a queue station", station)
	}
	return nil
}

// Enqueue adds the visit to the back of its priority band at station.
// Unknown priorities are queued as routine.
func (s *Service) Enqueue(ctx context.Context, visitID, patientID uuid.UUID, station visit.Station, priority triage.Priority) (*Entry, error) {
	if err := checkStation(station); err != nil {
		return nil, err
	}
	if !priority.Valid() {
		priority = triage.PriorityRoutine
	}
	e := &Entry{
		ID:         uuid.New(),
		VisitID:    visitID,
		PatientID:  patientID,
		Station:    station,
		Priority:   priority,
		Status:     StatusWaiting,
		EnqueuedAt: s.now(),
	}
	if err := s.repo.Create(ctx, e); err != nil {
		return nil, err
	}
	s.logger.Debug().Str("station", string(station)).Str("visit_id", visitID.String()).
		Str("priority", string(priority)).Int64("seq", e.Seq).Msg("enqueued")
	return e, nil
}

// PeekNext returns the entry that would be served next at station without
// claiming it. Claim it with Start; a concurrent claim fails the status
// check there.
func (s *Service) PeekNext(ctx context.Context, station visit.Station) (*Entry, error) {
	if err := checkStation(station); err != nil {
		return nil, err
	}
	return s.repo.PeekNext(ctx, station)
}

func (s *Service) move(ctx context.Context, id uuid.UUID, a action) (*Entry, error) {
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	from, err := e.apply(a, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, e, from); err != nil {
		return nil, err
	}
	return e, nil
}

// Start picks a specific waiting entry out of order.
func (s *Service) Start(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.move(ctx, id, actStart)
}

// Hold parks a waiting or in-progress entry. Its enqueue time is kept so a
// later Release puts it back where it was.
func (s *Service) Hold(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.move(ctx, id, actHold)
}

func (s *Service) Release(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.move(ctx, id, actRelease)
}

func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.move(ctx, id, actComplete)
}

// Reprioritize re-bands a waiting or held entry after triage. The entry keeps
// its enqueue time so it lands at its arrival place within the new band.
// In-progress entries are returned unchanged.
func (s *Service) Reprioritize(ctx context.Context, id uuid.UUID, priority triage.Priority) (*Entry, error) {
	if !priority.Valid() {
		return nil, apperr.Validation("unknown priority %q", priority)
	}
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch e.Status {
	case StatusInProgress:
		return e, nil
	case StatusCompleted:
		return nil, apperr.State("queue entry %s is completed", id)
	}
	if e.Priority == priority {
		return e, nil
	}
	if err := s.repo.UpdatePriority(ctx, id, priority, e.Status); err != nil {
		return nil, err
	}
	s.logger.Debug().Str("entry_id", id.String()).Str("from", string(e.Priority)).
		Str("to", string(priority)).Msg("reprioritized")
	e.Priority = priority
	return e, nil
}

// Withdraw drops a waiting or held entry whose visit left the station.
func (s *Service) Withdraw(ctx context.Context, id uuid.UUID) error {
	return s.repo.Delete(ctx, id)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.repo.GetByID(ctx, id)
}

// OpenForVisit returns the visit's entry that is not yet completed.
func (s *Service) OpenForVisit(ctx context.Context, visitID uuid.UUID) (*Entry, error) {
	return s.repo.GetOpenByVisit(ctx, visitID)
}

// List returns every open entry at station in service order, held ones
// included.
func (s *Service) List(ctx context.Context, station visit.Station) ([]*Entry, error) {
	if err := checkStation(station); err != nil {
		return nil, err
	}
	return s.repo.ListOpen(ctx, station)
}

// Position is the 1-based place of the entry among waiting entries at its
// station. A held entry reports the place it would take once released and
// an in-progress entry reports 0.
func (s *Service) Position(ctx context.Context, id uuid.UUID) (int, error) {
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	switch e.Status {
	case StatusCompleted:
		return 0, apperr.State("queue entry %s is completed", id)
	case StatusInProgress:
		return 0, nil
	}
	open, err := s.repo.ListOpen(ctx, e.Station)
	if err != nil {
		return 0, err
	}
	pos := 1
	for _, o := range open {
		if o.Status == StatusWaiting && o.ID != e.ID && o.Before(e) {
			pos++
		}
	}
	return pos, nil
}
