package flow

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hms/patientflow/internal/domain/identity"
	"github.com/hms/patientflow/internal/domain/queue"
	"github.com/hms/patientflow/internal/domain/triage"
	"github.com/hms/patientflow/internal/domain/visit"
	"github.com/hms/patientflow/internal/platform/apperr"
	"github.com/hms/patientflow/internal/platform/events"
)

type harness struct {
	svc      *Service
	rec      *events.Recorder
	patients *identity.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rec := &events.Recorder{}
	patients := identity.NewService(identity.NewPatientRepoMem(), nil, rec, zerolog.Nop())
	svc := NewService(Deps{
		Patients:  patients,
		Visits:    visit.NewRepoMem(),
		Queues:    queue.NewService(queue.NewRepoMem(), zerolog.Nop()),
		Publisher: rec,
		Logger:    zerolog.Nop(),
	})
	return &harness{svc: svc, rec: rec, patients: patients}
}

func (h *harness) register(t *testing.T) uuid.UUID {
	t.Helper()
	reg, err := h.patients.RegisterPatient(context.Background(), identity.RegistrationInput{
		FirstName: "Kofi",
		LastName:  "Boateng",
		BirthDate: "1975-09-30",
		Gender:    "male",
		Phone:     "+233201234567",
	})
	require.NoError(t, err)
	return reg.PatientID
}

func (h *harness) start(t *testing.T, in StartVisitInput) *Outcome {
	t.Helper()
	if in.PatientID == uuid.Nil {
		in.PatientID = h.register(t)
	}
	out, err := h.svc.StartVisit(context.Background(), in)
	require.NoError(t, err)
	return out
}

func (h *harness) advance(t *testing.T, id uuid.UUID, transitions ...visit.Transition) *Outcome {
	t.Helper()
	var out *Outcome
	for _, tr := range transitions {
		var err error
		out, err = h.svc.AdvanceVisit(context.Background(), id, tr)
		require.NoError(t, err, "transition %s", tr)
	}
	return out
}

func queueVisits(t *testing.T, h *harness, st visit.Station) []uuid.UUID {
	t.Helper()
	entries, err := h.svc.ListQueue(context.Background(), st)
	require.NoError(t, err)
	var ids []uuid.UUID
	for _, e := range entries {
		ids = append(ids, e.VisitID)
	}
	return ids
}

func TestStartVisit(t *testing.T) {
	h := newHarness(t)
	out := h.start(t, StartVisitInput{})

	assert.Equal(t, visit.StatusRegistered, out.Visit.Status)
	assert.Equal(t, visit.StationRegistration, out.Visit.Station())
	assert.Equal(t, triage.PriorityRoutine, out.Visit.Priority)
	assert.Nil(t, out.Entry)
	assert.Contains(t, h.rec.Types(), events.VisitStarted)

	_, err := h.svc.StartVisit(context.Background(), StartVisitInput{PatientID: out.Visit.PatientID})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err), "second open visit for the same patient")
}

func TestStartVisit_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.StartVisit(ctx, StartVisitInput{})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = h.svc.StartVisit(ctx, StartVisitInput{PatientID: uuid.New()})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	pid := h.register(t)
	_, err = h.svc.StartVisit(ctx, StartVisitInput{PatientID: pid, Triage: &TriageInput{}})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), "triage without complaint")

	_, err = h.svc.StartVisit(ctx, StartVisitInput{PatientID: pid, Triage: &TriageInput{ComplaintID: "hiccups"}})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = h.patients.DeactivatePatient(ctx, pid)
	require.NoError(t, err)
	_, err = h.svc.StartVisit(ctx, StartVisitInput{PatientID: pid})
	assert.Equal(t, apperr.KindState, apperr.KindOf(err), "inactive patient")
}

func TestStartVisit_EmergencyTriage(t *testing.T) {
	h := newHarness(t)
	out := h.start(t, StartVisitInput{
		Triage:       &TriageInput{ComplaintID: "chest_pain", Observed: []string{"cardiac_pain", "shock"}},
		SendToVitals: true,
	})

	require.NotNil(t, out.Visit.Triage)
	assert.Equal(t, 1, out.Visit.Triage.Level)
	assert.Equal(t, triage.PriorityEmergency, out.Visit.Priority)
	assert.Equal(t, visit.StatusWaitingVitals, out.Visit.Status)
	require.NotNil(t, out.Entry)
	assert.Equal(t, visit.StationVitals, out.Entry.Station)
	assert.Equal(t, triage.PriorityEmergency, out.Entry.Priority)
}

func TestAdvanceVisit_PharmacyEnqueue(t *testing.T) {
	h := newHarness(t)
	out := h.start(t, StartVisitInput{SendToVitals: true})
	id := out.Visit.ID

	out = h.advance(t, id, visit.StartVitals, visit.FinishVitals, visit.StartConsultation)
	assert.Equal(t, visit.StatusInConsultation, out.Visit.Status)

	out = h.advance(t, id, visit.SendToPharmacy)
	assert.Equal(t, visit.StatusWaitingPharmacy, out.Visit.Status)
	assert.Equal(t, visit.StationPharmacy, out.Visit.Station())
	require.NotNil(t, out.Entry)
	assert.Equal(t, queue.StatusWaiting, out.Entry.Status)
	assert.Equal(t, []uuid.UUID{id}, queueVisits(t, h, visit.StationPharmacy))
	assert.Empty(t, queueVisits(t, h, visit.StationDoctor), "doctor entry completed on leaving")

	view, err := h.svc.GetVisit(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, view.Position)
	assert.Equal(t, 1, *view.Position)
	assert.Contains(t, view.Allowed, visit.StartPharmacy)
}

func TestAdvanceVisit_IllegalLeavesVisitUnchanged(t *testing.T) {
	h := newHarness(t)
	out := h.start(t, StartVisitInput{})
	id := out.Visit.ID

	_, err := h.svc.AdvanceVisit(context.Background(), id, visit.Complete)
	assert.Equal(t, apperr.KindState, apperr.KindOf(err))

	_, err = h.svc.AdvanceVisit(context.Background(), id, "teleport")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	view, err := h.svc.GetVisit(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, visit.StatusRegistered, view.Visit.Status)

	hist, err := h.svc.History(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, hist)

	_, err = h.svc.AdvanceVisit(context.Background(), uuid.New(), visit.SendToVitals)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestCallNext_OrderAndVisitStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.start(t, StartVisitInput{SendToVitals: true})
	b := h.start(t, StartVisitInput{SendToVitals: true, Triage: &TriageInput{ComplaintID: "chest_pain", Observed: []string{"shock"}}})
	c := h.start(t, StartVisitInput{SendToVitals: true, Triage: &TriageInput{ComplaintID: "abdominal_pain", Observed: []string{"moderate_pain"}}})
	require.Equal(t, triage.PriorityUrgent, c.Visit.Priority)

	for _, want := range []*Outcome{b, c, a} {
		got, err := h.svc.CallNext(ctx, visit.StationVitals)
		require.NoError(t, err)
		assert.Equal(t, want.Visit.ID, got.Visit.ID)
		assert.Equal(t, visit.StatusInVitals, got.Visit.Status)
		assert.Equal(t, queue.StatusInProgress, got.Entry.Status)
		assert.Equal(t, visit.StartVitals, got.Transition.Transition)
	}

	_, err := h.svc.CallNext(ctx, visit.StationVitals)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, err = h.svc.CallNext(ctx, visit.StationExit)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestCallNext_Concurrent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const n = 12
	for i := 0; i < n; i++ {
		h.start(t, StartVisitInput{SendToVitals: true})
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[uuid.UUID]bool{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.svc.CallNext(ctx, visit.StationVitals)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[out.Visit.ID], "visit called twice")
			seen[out.Visit.ID] = true
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestHoldRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.start(t, StartVisitInput{SendToVitals: true})
	second := h.start(t, StartVisitInput{SendToVitals: true})

	called, err := h.svc.CallNext(ctx, visit.StationVitals)
	require.NoError(t, err)
	require.Equal(t, first.Visit.ID, called.Visit.ID)

	// Holding a patient in service sends the visit back to waiting.
	held, err := h.svc.HoldEntry(ctx, called.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, visit.StatusWaitingVitals, held.Visit.Status)
	assert.Equal(t, queue.StatusOnHold, held.Entry.Status)
	assert.Equal(t, visit.Hold, held.Transition.Transition)

	// While held the next caller gets the second patient.
	next, err := h.svc.CallNext(ctx, visit.StationVitals)
	require.NoError(t, err)
	assert.Equal(t, second.Visit.ID, next.Visit.ID)

	_, err = h.svc.AdvanceVisit(ctx, first.Visit.ID, visit.StartVitals)
	assert.Equal(t, apperr.KindState, apperr.KindOf(err), "held entry must be released first")

	released, err := h.svc.ReleaseEntry(ctx, called.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusWaiting, released.Entry.Status)
	assert.True(t, released.Entry.EnqueuedAt.Equal(first.Entry.EnqueuedAt), "enqueue time kept")

	_, err = h.svc.ReleaseEntry(ctx, called.Entry.ID)
	assert.Equal(t, apperr.KindState, apperr.KindOf(err))

	again, err := h.svc.CallNext(ctx, visit.StationVitals)
	require.NoError(t, err)
	assert.Equal(t, first.Visit.ID, again.Visit.ID)
}

func TestHoldWaitingEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.start(t, StartVisitInput{SendToVitals: true})

	held, err := h.svc.HoldEntry(ctx, a.Entry.ID)
	require.NoError(t, err)
	assert.Nil(t, held.Transition, "visit status does not change")
	assert.Equal(t, visit.StatusWaitingVitals, held.Visit.Status)

	_, err = h.svc.HoldEntry(ctx, a.Entry.ID)
	assert.Equal(t, apperr.KindState, apperr.KindOf(err))

	_, err = h.svc.CallNext(ctx, visit.StationVitals)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestCompleteEntry_DefaultAndExplicitNext(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.start(t, StartVisitInput{SendToVitals: true})

	called, err := h.svc.CallNext(ctx, visit.StationVitals)
	require.NoError(t, err)

	_, err = h.svc.CompleteEntry(ctx, called.Entry.ID, visit.Hold)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), "hold keeps the patient at vitals")

	done, err := h.svc.CompleteEntry(ctx, called.Entry.ID, "")
	require.NoError(t, err)
	assert.Equal(t, visit.StatusWaitingDoctor, done.Visit.Status)
	assert.Equal(t, visit.StationDoctor, done.Entry.Station)

	_, err = h.svc.CompleteEntry(ctx, called.Entry.ID, "")
	assert.Equal(t, apperr.KindState, apperr.KindOf(err), "already completed")

	doc, err := h.svc.CallNext(ctx, visit.StationDoctor)
	require.NoError(t, err)
	assert.Equal(t, v.Visit.ID, doc.Visit.ID)

	lab, err := h.svc.CompleteEntry(ctx, doc.Entry.ID, visit.SendToLab)
	require.NoError(t, err)
	assert.Equal(t, visit.StatusWaitingLab, lab.Visit.Status)

	_, err = h.svc.CompleteEntry(ctx, lab.Entry.ID, "")
	assert.Equal(t, apperr.KindState, apperr.KindOf(err), "waiting entry cannot be completed")
}

func TestFullJourney(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.start(t, StartVisitInput{SendToVitals: true})

	steps := []struct {
		station visit.Station
		next    visit.Transition
		want    visit.Status
	}{
		{visit.StationVitals, "", visit.StatusWaitingDoctor},
		{visit.StationDoctor, visit.SendToLab, visit.StatusWaitingLab},
		{visit.StationLab, "", visit.StatusWaitingDoctor},
		{visit.StationDoctor, visit.SendToPharmacy, visit.StatusWaitingPharmacy},
		{visit.StationPharmacy, "", visit.StatusWaitingBilling},
		{visit.StationBilling, "", visit.StatusCompleted},
	}
	for _, st := range steps {
		called, err := h.svc.CallNext(ctx, st.station)
		require.NoError(t, err, "call at %s", st.station)
		out, err := h.svc.CompleteEntry(ctx, called.Entry.ID, st.next)
		require.NoError(t, err, "complete at %s", st.station)
		assert.Equal(t, st.want, out.Visit.Status)
	}

	view, err := h.svc.GetVisit(ctx, v.Visit.ID)
	require.NoError(t, err)
	assert.Equal(t, visit.StationExit, view.Visit.Station())
	assert.NotNil(t, view.Visit.ClosedAt)
	assert.Nil(t, view.Entry)
	assert.Empty(t, view.Allowed)

	hist, err := h.svc.History(ctx, v.Visit.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 13)
	assert.Equal(t, visit.SendToVitals, hist[0].Transition)
	assert.Equal(t, visit.StatusCompleted, hist[len(hist)-1].To)

	for _, st := range visit.QueueStations {
		assert.Empty(t, queueVisits(t, h, st), "queue %s", st)
	}

	// The patient may start a new visit once the old one is closed.
	h.start(t, StartVisitInput{PatientID: v.Visit.PatientID})
}

func TestCancelVisit_WithdrawsEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.start(t, StartVisitInput{SendToVitals: true})

	out, err := h.svc.CancelVisit(ctx, v.Visit.ID)
	require.NoError(t, err)
	assert.Equal(t, visit.StatusCancelled, out.Visit.Status)
	assert.Empty(t, queueVisits(t, h, visit.StationVitals))
	assert.Contains(t, h.rec.Types(), events.QueueWithdrawn)

	_, err = h.svc.CancelVisit(ctx, v.Visit.ID)
	assert.Equal(t, apperr.KindState, apperr.KindOf(err))
}

func TestCancelVisit_InService(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, StartVisitInput{SendToVitals: true})
	called, err := h.svc.CallNext(ctx, visit.StationVitals)
	require.NoError(t, err)

	_, err = h.svc.CancelVisit(ctx, called.Visit.ID)
	require.NoError(t, err)

	e, err := h.svc.queues.Get(ctx, called.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, e.Status)
}

func TestTriageVisit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.start(t, StartVisitInput{})

	got, err := h.svc.TriageVisit(ctx, v.Visit.ID, TriageInput{ComplaintID: "shortness_of_breath"})
	require.NoError(t, err)
	assert.Equal(t, triage.DefaultLevel, got.Triage.Level)
	assert.Equal(t, triage.PriorityRoutine, got.Priority)

	_, err = h.svc.TriageVisit(ctx, v.Visit.ID, TriageInput{ComplaintID: "chest_pain"})
	assert.Equal(t, apperr.KindState, apperr.KindOf(err), "assessment is immutable")
	assert.Contains(t, h.rec.Types(), events.VisitTriaged)
}

func TestTriageVisit_ReordersWaitingEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.start(t, StartVisitInput{SendToVitals: true})
	second := h.start(t, StartVisitInput{SendToVitals: true})
	require.Equal(t, triage.PriorityRoutine, second.Entry.Priority)

	_, err := h.svc.TriageVisit(ctx, second.Visit.ID, TriageInput{
		ComplaintID: "chest_pain",
		Observed:    []string{"cardiac_pain", "shock"},
	})
	require.NoError(t, err)
	assert.Contains(t, h.rec.Types(), events.QueueReprioritized)

	entries, err := h.svc.ListQueue(ctx, visit.StationVitals)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, second.Visit.ID, entries[0].VisitID)
	assert.Equal(t, triage.PriorityEmergency, entries[0].Priority)
	assert.True(t, entries[0].EnqueuedAt.Equal(second.Entry.EnqueuedAt), "arrival time kept")

	called, err := h.svc.CallNext(ctx, visit.StationVitals)
	require.NoError(t, err)
	assert.Equal(t, second.Visit.ID, called.Visit.ID)

	called, err = h.svc.CallNext(ctx, visit.StationVitals)
	require.NoError(t, err)
	assert.Equal(t, first.Visit.ID, called.Visit.ID)
}

func TestTriageVisit_HeldEntryTakesNewBand(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	out := h.start(t, StartVisitInput{SendToVitals: true})

	_, err := h.svc.HoldEntry(ctx, out.Entry.ID)
	require.NoError(t, err)
	_, err = h.svc.TriageVisit(ctx, out.Visit.ID, TriageInput{
		ComplaintID: "chest_pain",
		Observed:    []string{"cardiac_pain", "shock"},
	})
	require.NoError(t, err)

	entries, err := h.svc.ListQueue(ctx, visit.StationVitals)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, queue.StatusOnHold, entries[0].Status)
	assert.Equal(t, triage.PriorityEmergency, entries[0].Priority)
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.start(t, StartVisitInput{})
	before := len(h.rec.Events())

	_, err := h.svc.AdvanceVisit(ctx, v.Visit.ID, visit.Complete)
	require.Error(t, err)
	assert.Len(t, h.rec.Events(), before, "failed command publishes nothing")

	h.advance(t, v.Visit.ID, visit.SendToVitals)
	types := h.rec.Types()[before:]
	assert.Equal(t, []events.Type{events.QueueEnqueued, events.VisitTransitioned}, types)
}

func TestListVisits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.start(t, StartVisitInput{})
	h.start(t, StartVisitInput{SendToVitals: true})

	items, total, err := h.svc.ListVisits(ctx, visit.ListFilter{Status: visit.StatusRegistered}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, a.Visit.ID, items[0].ID)

	_, _, err = h.svc.ListVisits(ctx, visit.ListFilter{Status: "lost"}, 10, 0)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
