package flow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hms/patientflow/internal/domain/identity"
	"github.com/hms/patientflow/internal/domain/queue"
	"github.com/hms/patientflow/internal/domain/triage"
	"github.com/hms/patientflow/internal/domain/visit"
	"github.com/hms/patientflow/internal/platform/apperr"
	"github.com/hms/patientflow/internal/platform/auth"
	"github.com/hms/patientflow/internal/platform/db"
	"github.com/hms/patientflow/internal/platform/events"
	"github.com/hms/patientflow/internal/platform/lock"
	"github.com/hms/patientflow/internal/platform/telemetry"
)

// maxCallAttempts bounds CallNext retries when another caller claims the
// head of the queue between peek and lock.
const maxCallAttempts = 5

var errRaced = errors.New("queue head changed")

// PatientLookup resolves the patient a visit is opened for.
type PatientLookup interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*identity.Patient, error)
}

type Deps struct {
	Patients   PatientLookup
	Visits     visit.Repository
	Queues     *queue.Service
	Classifier *triage.Classifier
	Tx         db.TxRunner
	Publisher  events.Publisher
	Metrics    *telemetry.Metrics
	Logger     zerolog.Logger
}

// Service owns visit status. Every change goes through it so the visit, its
// queue entry and its history commit together.
type Service struct {
	patients   PatientLookup
	visits     visit.Repository
	queues     *queue.Service
	classifier *triage.Classifier
	tx         db.TxRunner
	publisher  events.Publisher
	metrics    *telemetry.Metrics
	logger     zerolog.Logger
	now        func() time.Time

	// Lock order: visit lock, then any store row locks.
	visitLocks *lock.Keyed[uuid.UUID]
}

func NewService(d Deps) *Service {
	if d.Tx == nil {
		d.Tx = db.NoTx{}
	}
	if d.Publisher == nil {
		d.Publisher = events.Nop{}
	}
	if d.Classifier == nil {
		d.Classifier = triage.NewClassifier(nil)
	}
	return &Service{
		patients:   d.Patients,
		visits:     d.Visits,
		queues:     d.Queues,
		classifier: d.Classifier,
		tx:         d.Tx,
		publisher:  d.Publisher,
		metrics:    d.Metrics,
		logger:     d.Logger.With().Str("component", "flow").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
		visitLocks: lock.NewKeyed[uuid.UUID](),
	}
}

// batch collects what a command produced so it is only announced after the
// transaction commits.
type batch struct {
	events      []events.Event
	transitions []visit.TransitionRecord
	waits       []*queue.Entry
}

func (b *batch) add(t events.Type, topic, subject string, data interface{}) {
	b.events = append(b.events, events.New(t, topic, subject, data))
}

func (b *batch) entry(t events.Type, e *queue.Entry) {
	cp := *e
	b.add(t, events.QueueTopic(string(e.Station)), e.ID.String(), &cp)
}

func (b *batch) visit(t events.Type, v *visit.Visit, data interface{}) {
	if data == nil {
		cp := *v
		data = &cp
	}
	b.add(t, events.VisitTopic(v.ID), v.ID.String(), data)
}

func (s *Service) flush(ctx context.Context, b *batch) {
	for _, rec := range b.transitions {
		s.metrics.Transition(ctx, string(rec.Transition), string(rec.To.Station()))
		s.logger.Info().
			Str("visit_id", rec.VisitID.String()).
			Str("transition", string(rec.Transition)).
			Str("from", string(rec.From)).
			Str("to", string(rec.To)).
			Msg("visit transitioned")
	}
	for _, e := range b.waits {
		if e.CalledAt != nil {
			s.metrics.Waited(ctx, string(e.Station), e.CalledAt.Sub(e.EnqueuedAt))
		}
	}
	for _, ev := range b.events {
		s.publisher.Publish(ctx, ev)
	}
}

func actor(ctx context.Context) string {
	return auth.UserIDFromContext(ctx)
}

func (s *Service) assess(in *TriageInput) (*triage.Assessment, error) {
	if strings.TrimSpace(in.ComplaintID) == "" {
		return nil, apperr.Validation("triage complaint_id is required")
	}
	a, err := s.classifier.Classify(strings.TrimSpace(in.ComplaintID), in.Observed)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// StartVisit opens a visit for an active patient. With a triage input the
// visit takes the assessed priority; otherwise it is routine.
func (s *Service) StartVisit(ctx context.Context, in StartVisitInput) (out *Outcome, err error) {
	ctx, span := telemetry.StartSpan(ctx, "flow.StartVisit", attribute.String("patient.id", in.PatientID.String()))
	defer func() { telemetry.End(span, err) }()

	if in.PatientID == uuid.Nil {
		return nil, apperr.Validation("patient_id is required")
	}
	priority := triage.PriorityRoutine
	var assessment *triage.Assessment
	if in.Triage != nil {
		if assessment, err = s.assess(in.Triage); err != nil {
			return nil, err
		}
		priority = assessment.Priority
	}

	p, err := s.patients.GetPatient(ctx, in.PatientID)
	if err != nil {
		return nil, err
	}
	if !p.Active() {
		return nil, apperr.State("patient %s is inactive", p.ID)
	}

	now := s.now()
	v := &visit.Visit{
		ID:        uuid.New(),
		PatientID: p.ID,
		Status:    visit.StatusRegistered,
		Priority:  priority,
		Triage:    assessment,
		CreatedAt: now,
		UpdatedAt: now,
	}

	unlock := s.visitLocks.Lock(v.ID)
	defer unlock()

	var b batch
	out = &Outcome{Visit: v}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		b = batch{}
		if err := s.visits.Create(ctx, v); err != nil {
			return err
		}
		b.visit(events.VisitStarted, v, nil)
		if !in.SendToVitals {
			return nil
		}
		rec, entry, err := s.advanceLocked(ctx, v, visit.SendToVitals, &b)
		if err != nil {
			return err
		}
		out.Transition, out.Entry = rec, entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, &b)
	s.logger.Info().Str("visit_id", v.ID.String()).Str("patient_id", p.ID.String()).
		Str("priority", string(priority)).Msg("visit started")
	return out, nil
}

// advanceLocked applies t to v, performs the queue bookkeeping the move
// implies and stores the result. The caller holds v's lock and runs inside
// a transaction.
func (s *Service) advanceLocked(ctx context.Context, v *visit.Visit, t visit.Transition, b *batch) (*visit.TransitionRecord, *queue.Entry, error) {
	from := v.Status
	rec, err := v.Apply(t, actor(ctx), s.now())
	if err != nil {
		return nil, nil, err
	}
	entry, err := s.syncQueue(ctx, v, from, b)
	if err != nil {
		return nil, nil, err
	}
	if err := s.visits.Update(ctx, v); err != nil {
		return nil, nil, err
	}
	if err := s.visits.AppendTransition(ctx, &rec); err != nil {
		return nil, nil, err
	}
	b.transitions = append(b.transitions, rec)
	b.visit(events.VisitTransitioned, v, rec)
	return &rec, entry, nil
}

// syncQueue carries out visit.QueueSteps for a move from `from` to v.Status.
// It returns the entry the visit is queued or served under afterwards.
func (s *Service) syncQueue(ctx context.Context, v *visit.Visit, from visit.Status, b *batch) (*queue.Entry, error) {
	var current *queue.Entry
	for _, step := range visit.QueueSteps(from, v.Status) {
		if step.Action == visit.ActionEnqueue {
			e, err := s.queues.Enqueue(ctx, v.ID, v.PatientID, step.Station, v.Priority)
			if err != nil {
				return nil, err
			}
			b.entry(events.QueueEnqueued, e)
			current = e
			continue
		}

		e, err := s.queues.OpenForVisit(ctx, v.ID)
		if step.Action == visit.ActionWithdraw && apperr.KindOf(err) == apperr.KindNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}

		switch step.Action {
		case visit.ActionStart:
			if e, err = s.queues.Start(ctx, e.ID); err != nil {
				return nil, err
			}
			b.entry(events.QueueCalled, e)
			b.waits = append(b.waits, e)
			current = e
		case visit.ActionHold:
			if e, err = s.queues.Hold(ctx, e.ID); err != nil {
				return nil, err
			}
			b.entry(events.QueueHeld, e)
			current = e
		case visit.ActionComplete:
			if e, err = s.queues.Complete(ctx, e.ID); err != nil {
				return nil, err
			}
			b.entry(events.QueueCompleted, e)
		case visit.ActionWithdraw:
			if e.Status == queue.StatusInProgress {
				if e, err = s.queues.Complete(ctx, e.ID); err != nil {
					return nil, err
				}
				b.entry(events.QueueCompleted, e)
				continue
			}
			if err := s.queues.Withdraw(ctx, e.ID); err != nil {
				return nil, err
			}
			b.entry(events.QueueWithdrawn, e)
		}
	}
	return current, nil
}

// AdvanceVisit applies the named transition to the visit.
func (s *Service) AdvanceVisit(ctx context.Context, visitID uuid.UUID, t visit.Transition) (out *Outcome, err error) {
	ctx, span := telemetry.StartSpan(ctx, "flow.AdvanceVisit",
		attribute.String("visit.id", visitID.String()),
		attribute.String("visit.transition", string(t)))
	defer func() { telemetry.End(span, err) }()

	unlock := s.visitLocks.Lock(visitID)
	defer unlock()

	var b batch
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		b = batch{}
		v, err := s.visits.GetForUpdate(ctx, visitID)
		if err != nil {
			return err
		}
		rec, entry, err := s.advanceLocked(ctx, v, t, &b)
		if err != nil {
			return err
		}
		out = &Outcome{Visit: v, Transition: rec, Entry: entry}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, &b)
	return out, nil
}

// CancelVisit ends the visit from any open status and drops it from its queue.
func (s *Service) CancelVisit(ctx context.Context, visitID uuid.UUID) (*Outcome, error) {
	return s.AdvanceVisit(ctx, visitID, visit.Cancel)
}

// CallNext starts service for the next waiting patient at station.
func (s *Service) CallNext(ctx context.Context, station visit.Station) (out *Outcome, err error) {
	ctx, span := telemetry.StartSpan(ctx, "flow.CallNext", attribute.String("queue.station", string(station)))
	defer func() { telemetry.End(span, err) }()

	start, ok := visit.StartTransition(station)
	if !ok {
		return nil, apperr.Validation("%q is not a queue station", station)
	}
	for attempt := 1; attempt <= maxCallAttempts; attempt++ {
		head, err := s.queues.PeekNext(ctx, station)
		if err != nil {
			return nil, err
		}
		out, err = s.callEntry(ctx, head, start)
		if !errors.Is(err, errRaced) {
			return out, err
		}
		s.logger.Debug().Str("station", string(station)).Int("attempt", attempt).Msg("queue head taken, retrying")
	}
	return nil, apperr.Conflict("queue at %s is busy, try again", station)
}

func (s *Service) callEntry(ctx context.Context, head *queue.Entry, start visit.Transition) (*Outcome, error) {
	unlock := s.visitLocks.Lock(head.VisitID)
	defer unlock()

	var (
		b   batch
		out *Outcome
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		b = batch{}
		v, err := s.visits.GetForUpdate(ctx, head.VisitID)
		if err != nil {
			return err
		}
		e, err := s.queues.OpenForVisit(ctx, v.ID)
		if apperr.KindOf(err) == apperr.KindNotFound {
			return errRaced
		}
		if err != nil {
			return err
		}
		if e.ID != head.ID || e.Status != queue.StatusWaiting {
			return errRaced
		}
		rec, entry, err := s.advanceLocked(ctx, v, start, &b)
		if err != nil {
			return err
		}
		out = &Outcome{Visit: v, Transition: rec, Entry: entry}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, &b)
	return out, nil
}

// lockEntry loads the entry and locks its visit. The entry is re-read under
// the lock by the caller.
func (s *Service) lockEntry(ctx context.Context, entryID uuid.UUID) (*queue.Entry, func(), error) {
	e, err := s.queues.Get(ctx, entryID)
	if err != nil {
		return nil, nil, err
	}
	return e, s.visitLocks.Lock(e.VisitID), nil
}

// HoldEntry parks a queue entry. Holding a patient already being served
// also sends the visit back to the station's waiting status.
func (s *Service) HoldEntry(ctx context.Context, entryID uuid.UUID) (out *Outcome, err error) {
	ctx, span := telemetry.StartSpan(ctx, "flow.HoldEntry", attribute.String("queue.entry_id", entryID.String()))
	defer func() { telemetry.End(span, err) }()

	e, unlock, err := s.lockEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var b batch
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		b = batch{}
		v, err := s.visits.GetForUpdate(ctx, e.VisitID)
		if err != nil {
			return err
		}
		cur, err := s.queues.Get(ctx, entryID)
		if err != nil {
			return err
		}
		switch cur.Status {
		case queue.StatusInProgress:
			rec, entry, err := s.advanceLocked(ctx, v, visit.Hold, &b)
			if err != nil {
				return err
			}
			out = &Outcome{Visit: v, Transition: rec, Entry: entry}
		case queue.StatusWaiting:
			held, err := s.queues.Hold(ctx, cur.ID)
			if err != nil {
				return err
			}
			b.entry(events.QueueHeld, held)
			out = &Outcome{Visit: v, Entry: held}
		default:
			return apperr.State("queue entry %s is %s and cannot be held", entryID, cur.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, &b)
	return out, nil
}

// ReleaseEntry returns a held entry to the waiting line at its original place.
func (s *Service) ReleaseEntry(ctx context.Context, entryID uuid.UUID) (out *Outcome, err error) {
	ctx, span := telemetry.StartSpan(ctx, "flow.ReleaseEntry", attribute.String("queue.entry_id", entryID.String()))
	defer func() { telemetry.End(span, err) }()

	e, unlock, err := s.lockEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var b batch
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		b = batch{}
		v, err := s.visits.GetForUpdate(ctx, e.VisitID)
		if err != nil {
			return err
		}
		released, err := s.queues.Release(ctx, entryID)
		if err != nil {
			return err
		}
		b.entry(events.QueueReleased, released)
		out = &Outcome{Visit: v, Entry: released}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, &b)
	return out, nil
}

// CompleteEntry finishes service of an in-progress entry and moves the
// visit on with next, or with the station's default when next is empty.
// The transition has to take the patient away from the station.
func (s *Service) CompleteEntry(ctx context.Context, entryID uuid.UUID, next visit.Transition) (out *Outcome, err error) {
	ctx, span := telemetry.StartSpan(ctx, "flow.CompleteEntry",
		attribute.String("queue.entry_id", entryID.String()),
		attribute.String("visit.transition", string(next)))
	defer func() { telemetry.End(span, err) }()

	e, unlock, err := s.lockEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var b batch
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		b = batch{}
		v, err := s.visits.GetForUpdate(ctx, e.VisitID)
		if err != nil {
			return err
		}
		cur, err := s.queues.Get(ctx, entryID)
		if err != nil {
			return err
		}
		if cur.Status != queue.StatusInProgress {
			return apperr.State("queue entry %s is %s, not in_progress", entryID, cur.Status)
		}
		if v.Station() != cur.Station {
			return apperr.State("visit %s is at %s, not %s", v.ID, v.Station(), cur.Station)
		}

		t := next
		if t == "" {
			t, _ = visit.DefaultNext(cur.Station)
		}
		to, err := visit.Next(t, v.Status)
		if err != nil {
			return err
		}
		if to.Station() == cur.Station {
			return apperr.Validation("transition %s keeps the patient at %s", t, cur.Station)
		}

		rec, entry, err := s.advanceLocked(ctx, v, t, &b)
		if err != nil {
			return err
		}
		out = &Outcome{Visit: v, Transition: rec, Entry: entry}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, &b)
	return out, nil
}

// TriageVisit records an assessment on an open visit that has none yet. A
// waiting or held queue entry moves to the new priority band in the same
// transaction and keeps its arrival time.
func (s *Service) TriageVisit(ctx context.Context, visitID uuid.UUID, in TriageInput) (v *visit.Visit, err error) {
	ctx, span := telemetry.StartSpan(ctx, "flow.TriageVisit", attribute.String("visit.id", visitID.String()))
	defer func() { telemetry.End(span, err) }()

	a, err := s.assess(&in)
	if err != nil {
		return nil, err
	}

	unlock := s.visitLocks.Lock(visitID)
	defer unlock()

	var b batch
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		b = batch{}
		cur, err := s.visits.GetForUpdate(ctx, visitID)
		if err != nil {
			return err
		}
		if !cur.Open() {
			return apperr.State("visit %s is %s", visitID, cur.Status)
		}
		if cur.Triage != nil {
			return apperr.State("visit %s is already triaged", visitID)
		}
		cur.Triage = a
		cur.Priority = a.Priority
		cur.UpdatedAt = s.now()
		if err := s.visits.Update(ctx, cur); err != nil {
			return err
		}
		b.visit(events.VisitTriaged, cur, nil)
		if err := s.reprioritizeLocked(ctx, cur, &b); err != nil {
			return err
		}
		v = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, &b)
	return v, nil
}

func (s *Service) reprioritizeLocked(ctx context.Context, v *visit.Visit, b *batch) error {
	e, err := s.queues.OpenForVisit(ctx, v.ID)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if (e.Status != queue.StatusWaiting && e.Status != queue.StatusOnHold) || e.Priority == v.Priority {
		return nil
	}
	if e, err = s.queues.Reprioritize(ctx, e.ID, v.Priority); err != nil {
		return err
	}
	b.entry(events.QueueReprioritized, e)
	return nil
}

// ClassifyTriage runs the classifier without touching any visit.
func (s *Service) ClassifyTriage(complaintID string, observed []string) (triage.Assessment, error) {
	return s.classifier.Classify(complaintID, observed)
}

func (s *Service) GetVisit(ctx context.Context, id uuid.UUID) (*VisitView, error) {
	v, err := s.visits.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &VisitView{Visit: v, Allowed: visit.Allowed(v.Status)}
	if !v.Station().Queued() {
		return view, nil
	}
	e, err := s.queues.OpenForVisit(ctx, v.ID)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return view, nil
	}
	if err != nil {
		return nil, err
	}
	view.Entry = e
	if e.Status != queue.StatusInProgress {
		pos, err := s.queues.Position(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		view.Position = &pos
	}
	return view, nil
}

func (s *Service) History(ctx context.Context, id uuid.UUID) ([]visit.TransitionRecord, error) {
	if _, err := s.visits.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.visits.History(ctx, id)
}

func (s *Service) ListVisits(ctx context.Context, f visit.ListFilter, limit, offset int) ([]*visit.Visit, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperr.Validation("unknown visit status %q", f.Status)
	}
	return s.visits.List(ctx, f, limit, offset)
}

// ListQueue is the station's open entries in service order.
func (s *Service) ListQueue(ctx context.Context, station visit.Station) ([]*queue.Entry, error) {
	return s.queues.List(ctx, station)
}
