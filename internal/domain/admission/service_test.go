package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hms/patientflow/internal/domain/identity"
	"github.com/hms/patientflow/internal/domain/triage"
	"github.com/hms/patientflow/internal/platform/apperr"
	"github.com/hms/patientflow/internal/platform/events"
)

type stubPatients map[uuid.UUID]*identity.Patient

func (s stubPatients) GetPatient(_ context.Context, id uuid.UUID) (*identity.Patient, error) {
	p, ok := s[id]
	if !ok {
		return nil, apperr.NotFound("patient %s not found", id)
	}
	return p, nil
}

type fixture struct {
	svc      *Service
	rec      *events.Recorder
	patients stubPatients
	ward     *Ward
	beds     []*Bed
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{rec: &events.Recorder{}, patients: stubPatients{}}
	f.svc = NewService(NewInventoryMem(), NewRequestRepoMem(), f.patients, nil, f.rec, zerolog.Nop())

	ctx := context.Background()
	w, err := f.svc.CreateWard(ctx, "Ward A", WardGeneral)
	require.NoError(t, err)
	f.ward = w
	for _, n := range []string{"A-02", "A-01", "A-03"} {
		b, err := f.svc.AddBed(ctx, w.ID, BedInput{Number: n, PricePerDay: 150})
		require.NoError(t, err)
		f.beds = append(f.beds, b)
	}
	return f
}

func (f *fixture) patient(status identity.Status) uuid.UUID {
	id := uuid.New()
	f.patients[id] = &identity.Patient{ID: id, Status: status}
	return id
}

func (f *fixture) request(t *testing.T, p triage.Priority) *Request {
	t.Helper()
	req, err := f.svc.CreateAdmissionRequest(context.Background(), RequestInput{
		PatientID:        f.patient(identity.StatusActive),
		Department:       "internal medicine",
		RequestingDoctor: "Dr. Mensah",
		Diagnosis:        "community acquired pneumonia",
		Priority:         p,
	})
	require.NoError(t, err)
	return req
}

func TestListAvailableBeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	beds, err := f.svc.ListAvailableBeds(ctx, f.ward.ID)
	require.NoError(t, err)
	require.Len(t, beds, 3)
	assert.Equal(t, "A-01", beds[0].Number)

	_, err = f.svc.SetBedStatus(ctx, f.beds[0].ID, BedMaintenance)
	require.NoError(t, err)
	beds, err = f.svc.ListAvailableBeds(ctx, f.ward.ID)
	require.NoError(t, err)
	assert.Len(t, beds, 2)

	all, err := f.svc.ListBeds(ctx, f.ward.ID)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = f.svc.ListAvailableBeds(ctx, uuid.New())
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestCreateAdmissionRequest_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	valid := RequestInput{
		PatientID:        f.patient(identity.StatusActive),
		Department:       "surgery",
		RequestingDoctor: "Dr. Osei",
		Diagnosis:        "appendicitis",
		Priority:         triage.PriorityUrgent,
	}

	tests := []struct {
		name   string
		mutate func(*RequestInput)
		kind   apperr.Kind
	}{
		{"missing department", func(in *RequestInput) { in.Department = " " }, apperr.KindValidation},
		{"missing doctor", func(in *RequestInput) { in.RequestingDoctor = "" }, apperr.KindValidation},
		{"missing diagnosis", func(in *RequestInput) { in.Diagnosis = "" }, apperr.KindValidation},
		{"missing priority", func(in *RequestInput) { in.Priority = "" }, apperr.KindValidation},
		{"bad priority", func(in *RequestInput) { in.Priority = "asap" }, apperr.KindValidation},
		{"unknown patient", func(in *RequestInput) { in.PatientID = uuid.New() }, apperr.KindNotFound},
		{"inactive patient", func(in *RequestInput) { in.PatientID = f.patient(identity.StatusInactive) }, apperr.KindState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			_, err := f.svc.CreateAdmissionRequest(ctx, in)
			assert.Equal(t, tt.kind, apperr.KindOf(err), "err: %v", err)
		})
	}

	req, err := f.svc.CreateAdmissionRequest(ctx, valid)
	require.NoError(t, err)
	assert.Equal(t, RequestPending, req.Status)
	assert.Nil(t, req.BedID)
	assert.Contains(t, f.rec.Types(), events.AdmissionRequested)
}

func TestAssignBed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.request(t, triage.PriorityUrgent)
	bed := f.beds[0]

	out, err := f.svc.AssignBed(ctx, req.ID, bed.ID)
	require.NoError(t, err)
	assert.Equal(t, BedOccupied, out.Bed.Status)
	assert.Equal(t, RequestAssigned, out.Request.Status)
	require.NotNil(t, out.Request.BedID)
	assert.Equal(t, bed.ID, *out.Request.BedID)
	assert.NotNil(t, out.Request.AssignedAt)
	assert.Contains(t, f.rec.Types(), events.BedAssigned)

	// Assigning the same request again is a state error.
	_, err = f.svc.AssignBed(ctx, req.ID, f.beds[1].ID)
	assert.Equal(t, apperr.KindState, apperr.KindOf(err))

	// Another request cannot take the occupied bed.
	other := f.request(t, triage.PriorityEmergency)
	_, err = f.svc.AssignBed(ctx, other.ID, bed.ID)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	got, err := f.svc.GetRequest(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, RequestPending, got.Status)

	_, err = f.svc.AssignBed(ctx, other.ID, uuid.New())
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestAssignBed_CancelledRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.request(t, triage.PriorityRoutine)

	_, err := f.svc.CancelAdmissionRequest(ctx, req.ID)
	require.NoError(t, err)
	_, err = f.svc.CancelAdmissionRequest(ctx, req.ID)
	assert.Equal(t, apperr.KindState, apperr.KindOf(err))

	_, err = f.svc.AssignBed(ctx, req.ID, f.beds[0].ID)
	assert.Equal(t, apperr.KindState, apperr.KindOf(err))

	bed, err := f.svc.inventory.GetBed(ctx, f.beds[0].ID)
	require.NoError(t, err)
	assert.Equal(t, BedAvailable, bed.Status, "failed assign must not touch the bed")
}

func TestAssignBed_ConcurrentSameBed(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := newFixture(t)
		ctx := context.Background()
		bed := f.beds[0]
		r1 := f.request(t, triage.PriorityUrgent)
		r2 := f.request(t, triage.PriorityUrgent)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		start := make(chan struct{})
		for i, r := range []*Request{r1, r2} {
			wg.Add(1)
			go func(i int, id uuid.UUID) {
				defer wg.Done()
				<-start
				_, errs[i] = f.svc.AssignBed(ctx, id, bed.ID)
			}(i, r.ID)
		}
		close(start)
		wg.Wait()

		var ok, conflicts int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case apperr.KindOf(err) == apperr.KindConflict:
				conflicts++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		require.Equal(t, 1, ok)
		require.Equal(t, 1, conflicts)

		got, err := f.svc.inventory.GetBed(ctx, bed.ID)
		require.NoError(t, err)
		assert.Equal(t, BedOccupied, got.Status)

		assigned, err := f.svc.requests.ListByStatus(ctx, RequestAssigned)
		require.NoError(t, err)
		assert.Len(t, assigned, 1)
		pending, err := f.svc.ListPendingRequests(ctx)
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	}
}

func TestAssignBed_ConcurrentDistinctBeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, b := range f.beds {
		req := f.request(t, triage.PriorityRoutine)
		wg.Add(1)
		go func(reqID, bedID uuid.UUID) {
			defer wg.Done()
			_, err := f.svc.AssignBed(ctx, reqID, bedID)
			assert.NoError(t, err)
		}(req.ID, b.ID)
	}
	wg.Wait()

	beds, err := f.svc.ListAvailableBeds(ctx, f.ward.ID)
	require.NoError(t, err)
	assert.Empty(t, beds)
	assert.Zero(t, f.svc.bedLocks.Len())
}

func TestReleaseBed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.request(t, triage.PriorityUrgent)
	bed := f.beds[1]

	_, err := f.svc.ReleaseBed(ctx, bed.ID)
	assert.Equal(t, apperr.KindState, apperr.KindOf(err), "available bed cannot be released")

	_, err = f.svc.AssignBed(ctx, req.ID, bed.ID)
	require.NoError(t, err)

	released, err := f.svc.ReleaseBed(ctx, bed.ID)
	require.NoError(t, err)
	assert.Equal(t, BedCleaning, released.Status)

	got, err := f.svc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, RequestDischarged, got.Status)
	assert.NotNil(t, got.DischargedAt)

	// Cleaning beds are not offered until housekeeping clears them.
	_, err = f.svc.AssignBed(ctx, f.request(t, triage.PriorityRoutine).ID, bed.ID)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	_, err = f.svc.SetBedStatus(ctx, bed.ID, BedAvailable)
	require.NoError(t, err)
	next := f.request(t, triage.PriorityRoutine)
	_, err = f.svc.AssignBed(ctx, next.ID, bed.ID)
	assert.NoError(t, err)
}

func TestSetBedStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bed := f.beds[2]

	_, err := f.svc.SetBedStatus(ctx, bed.ID, BedOccupied)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = f.svc.SetBedStatus(ctx, bed.ID, "broken")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = f.svc.SetBedStatus(ctx, bed.ID, BedCleaning)
	assert.Equal(t, apperr.KindState, apperr.KindOf(err), "available to cleaning is not housekeeping")

	b, err := f.svc.SetBedStatus(ctx, bed.ID, BedMaintenance)
	require.NoError(t, err)
	assert.Equal(t, BedMaintenance, b.Status)
	b, err = f.svc.SetBedStatus(ctx, bed.ID, BedAvailable)
	require.NoError(t, err)
	assert.Equal(t, BedAvailable, b.Status)
	assert.Contains(t, f.rec.Types(), events.BedStatusChanged)
}

func TestListPendingRequests_PriorityOrder(t *testing.T) {
	f := newFixture(t)
	clock := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	routine := f.request(t, triage.PriorityRoutine)
	emergency := f.request(t, triage.PriorityEmergency)
	urgent := f.request(t, triage.PriorityUrgent)
	urgent2 := f.request(t, triage.PriorityUrgent)

	pending, err := f.svc.ListPendingRequests(context.Background())
	require.NoError(t, err)
	var got []uuid.UUID
	for _, r := range pending {
		got = append(got, r.ID)
	}
	assert.Equal(t, []uuid.UUID{emergency.ID, urgent.ID, urgent2.ID, routine.ID}, got)
}

func TestCreateWard_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateWard(ctx, "", WardICU)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = f.svc.CreateWard(ctx, "Ward B", "garden")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = f.svc.CreateWard(ctx, "Ward A", WardICU)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	_, err = f.svc.AddBed(ctx, f.ward.ID, BedInput{Number: "A-01"})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	_, err = f.svc.AddBed(ctx, uuid.New(), BedInput{Number: "Z-01"})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, err = f.svc.AddBed(ctx, f.ward.ID, BedInput{Number: "A-09", PricePerDay: -1})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
