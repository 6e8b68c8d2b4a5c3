package admission

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hms/patientflow/internal/domain/identity"
	"github.com/hms/patientflow/internal/platform/apperr"
	"github.com/hms/patientflow/internal/platform/db"
	"github.com/hms/patientflow/internal/platform/events"
	"github.com/hms/patientflow/internal/platform/lock"
	"github.com/hms/patientflow/internal/platform/telemetry"
)

// PatientLookup resolves the patient named on an admission request.
type PatientLookup interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*identity.Patient, error)
}

type Service struct {
	inventory Inventory
	requests  RequestRepository
	patients  PatientLookup
	tx        db.TxRunner
	publisher events.Publisher
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
	now       func() time.Time

	// Lock order: request, then bed.
	requestLocks *lock.Keyed[uuid.UUID]
	bedLocks     *lock.Keyed[uuid.UUID]
}

func NewService(inventory Inventory, requests RequestRepository, patients PatientLookup, tx db.TxRunner, publisher events.Publisher, logger zerolog.Logger) *Service {
	if tx == nil {
		tx = db.NoTx{}
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		inventory:    inventory,
		requests:     requests,
		patients:     patients,
		tx:           tx,
		publisher:    publisher,
		logger:       logger.With().Str("component", "admission").Logger(),
		now:          func() time.Time { return time.Now().UTC() },
		requestLocks: lock.NewKeyed[uuid.UUID](),
		bedLocks:     lock.NewKeyed[uuid.UUID](),
	}
}

// WithMetrics makes the service count bed assignment outcomes.
func (s *Service) WithMetrics(m *telemetry.Metrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) CreateWard(ctx context.Context, name string, typ WardType) (*Ward, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation("ward name is required")
	}
	if !typ.Valid() {
		return nil, apperr.Validation("unknown ward type %q", typ)
	}
	w := &Ward{ID: uuid.New(), Name: name, Type: typ}
	if err := s.inventory.CreateWard(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Service) ListWards(ctx context.Context) ([]*Ward, error) {
	return s.inventory.ListWards(ctx)
}

type BedInput struct {
	Number      string  `json:"number"`
	Type        string  `json:"type"`
	PricePerDay float64 `json:"price_per_day"`
}

func (s *Service) AddBed(ctx context.Context, wardID uuid.UUID, in BedInput) (*Bed, error) {
	in.Number = strings.TrimSpace(in.Number)
	if in.Number == "" {
		return nil, apperr.Validation("bed number is required")
	}
	if in.PricePerDay < 0 {
		return nil, apperr.Validation("price_per_day must not be negative")
	}
	if _, err := s.inventory.GetWard(ctx, wardID); err != nil {
		return nil, err
	}
	b := &Bed{
		ID:          uuid.New(),
		WardID:      wardID,
		Number:      in.Number,
		Type:        strings.TrimSpace(in.Type),
		PricePerDay: in.PricePerDay,
		Status:      BedAvailable,
	}
	if b.Type == "" {
		b.Type = "standard"
	}
	if err := s.inventory.CreateBed(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// ListBeds returns every bed of the ward whatever its status.
func (s *Service) ListBeds(ctx context.Context, wardID uuid.UUID) ([]*Bed, error) {
	if _, err := s.inventory.GetWard(ctx, wardID); err != nil {
		return nil, err
	}
	return s.inventory.ListBeds(ctx, wardID, "")
}

func (s *Service) ListAvailableBeds(ctx context.Context, wardID uuid.UUID) ([]*Bed, error) {
	if _, err := s.inventory.GetWard(ctx, wardID); err != nil {
		return nil, err
	}
	return s.inventory.ListBeds(ctx, wardID, BedAvailable)
}

func (s *Service) GetRequest(ctx context.Context, id uuid.UUID) (*Request, error) {
	return s.requests.GetByID(ctx, id)
}

func (s *Service) CreateAdmissionRequest(ctx context.Context, in RequestInput) (*Request, error) {
	var missing []string
	if in.PatientID == uuid.Nil {
		missing = append(missing, "patient_id")
	}
	if strings.TrimSpace(in.Department) == "" {
		missing = append(missing, "department")
	}
	if strings.TrimSpace(in.RequestingDoctor) == "" {
		missing = append(missing, "requesting_doctor")
	}
	if strings.TrimSpace(in.Diagnosis) == "" {
		missing = append(missing, "diagnosis")
	}
	if in.Priority == "" {
		missing = append(missing, "priority")
	}
	if len(missing) > 0 {
		return nil, apperr.Validation("missing required fields: %s", strings.Join(missing, ", "))
	}
	if !in.Priority.Valid() {
		return nil, apperr.Validation("priority must be one of emergency, urgent, routine")
	}

	p, err := s.patients.GetPatient(ctx, in.PatientID)
	if err != nil {
		return nil, err
	}
	if !p.Active() {
		return nil, apperr.State("patient %s is inactive", p.ID)
	}

	req := &Request{
		ID:               uuid.New(),
		PatientID:        in.PatientID,
		VisitID:          in.VisitID,
		Department:       strings.TrimSpace(in.Department),
		RequestingDoctor: strings.TrimSpace(in.RequestingDoctor),
		Diagnosis:        strings.TrimSpace(in.Diagnosis),
		Priority:         in.Priority,
		Status:           RequestPending,
		RequestedAt:      s.now(),
	}
	if err := s.requests.Create(ctx, req); err != nil {
		return nil, err
	}
	s.logger.Info().Str("request_id", req.ID.String()).Str("priority", string(req.Priority)).Msg("admission requested")
	s.publisher.Publish(ctx, events.New(events.AdmissionRequested, events.AdmissionTopic(), req.ID.String(), req))
	return req, nil
}

func (s *Service) CancelAdmissionRequest(ctx context.Context, id uuid.UUID) (*Request, error) {
	unlock := s.requestLocks.Lock(id)
	defer unlock()

	req, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != RequestPending {
		return nil, apperr.State("admission request %s is %s and cannot be cancelled", id, req.Status)
	}
	now := s.now()
	req.Status = RequestCancelled
	req.CancelledAt = &now
	if err := s.requests.Update(ctx, req, RequestPending); err != nil {
		return nil, err
	}
	s.publisher.Publish(ctx, events.New(events.AdmissionCancelled, events.AdmissionTopic(), req.ID.String(), req))
	return req, nil
}

// ListPendingRequests returns unassigned requests, most urgent first.
func (s *Service) ListPendingRequests(ctx context.Context) ([]*Request, error) {
	pending, err := s.requests.ListByStatus(ctx, RequestPending)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].servedBefore(pending[j]) })
	return pending, nil
}

// AssignBed gives an available bed to a pending request. The bed's
// available to occupied move and the request update commit together; if the
// bed was taken first the caller gets a conflict and nothing changes.
func (s *Service) AssignBed(ctx context.Context, requestID, bedID uuid.UUID) (out *Assignment, err error) {
	ctx, span := telemetry.StartSpan(ctx, "admission.AssignBed",
		attribute.String("request.id", requestID.String()),
		attribute.String("bed.id", bedID.String()))
	defer func() {
		telemetry.End(span, err)
		outcome := "assigned"
		if err != nil {
			outcome = string(apperr.KindOf(err))
		}
		s.metrics.BedAssignment(ctx, outcome)
	}()

	unlockReq := s.requestLocks.Lock(requestID)
	defer unlockReq()
	unlockBed := s.bedLocks.Lock(bedID)
	defer unlockBed()

	var res Assignment
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		req, err := s.requests.GetByID(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status != RequestPending {
			return apperr.State("admission request %s is %s", requestID, req.Status)
		}
		bed, err := s.inventory.GetBed(ctx, bedID)
		if err != nil {
			return err
		}
		if bed.Status != BedAvailable {
			return apperr.Conflict("bed %s is %s", bed.Number, bed.Status)
		}

		now := s.now()
		bed, err = s.inventory.UpdateBedStatus(ctx, bedID, BedAvailable, BedOccupied, now)
		if err != nil {
			return err
		}
		req.Status = RequestAssigned
		req.BedID = &bedID
		req.AssignedAt = &now
		if err := s.requests.Update(ctx, req, RequestPending); err != nil {
			// Stores without transactions need the bed put back by hand.
			if db.TxFromContext(ctx) == nil {
				if _, undoErr := s.inventory.UpdateBedStatus(ctx, bedID, BedOccupied, BedAvailable, now); undoErr != nil {
					s.logger.Error().Err(undoErr).Str("bed_id", bedID.String()).Msg("bed rollback failed")
				}
			}
			return err
		}
		res = Assignment{Request: req, Bed: bed}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("request_id", requestID.String()).Str("bed_id", bedID.String()).Msg("bed assigned")
	s.publisher.Publish(ctx, events.New(events.BedAssigned, events.AdmissionTopic(), requestID.String(), res))
	s.publisher.Publish(ctx, events.New(events.BedStatusChanged, events.WardTopic(res.Bed.WardID), bedID.String(), res.Bed))
	return &res, nil
}

// ReleaseBed discharges the bed's occupant. The bed goes to cleaning and the
// request holding it is closed as discharged.
func (s *Service) ReleaseBed(ctx context.Context, bedID uuid.UUID) (*Bed, error) {
	unlock := s.bedLocks.Lock(bedID)
	defer unlock()

	var bed *Bed
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.inventory.GetBed(ctx, bedID)
		if err != nil {
			return err
		}
		if cur.Status != BedOccupied {
			return apperr.State("bed %s is %s, not occupied", cur.Number, cur.Status)
		}
		now := s.now()
		if bed, err = s.inventory.UpdateBedStatus(ctx, bedID, BedOccupied, BedCleaning, now); err != nil {
			return err
		}

		req, err := s.requests.GetAssignedByBed(ctx, bedID)
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		req.Status = RequestDischarged
		req.DischargedAt = &now
		return s.requests.Update(ctx, req, RequestAssigned)
	})
	if err != nil {
		return nil, err
	}
	s.publisher.Publish(ctx, events.New(events.BedStatusChanged, events.WardTopic(bed.WardID), bedID.String(), bed))
	return bed, nil
}

// SetBedStatus handles housekeeping moves between available, cleaning and
// maintenance.
func (s *Service) SetBedStatus(ctx context.Context, bedID uuid.UUID, to BedStatus) (*Bed, error) {
	if !to.Valid() {
		return nil, apperr.Validation("unknown bed status %q", to)
	}
	if to == BedOccupied {
		return nil, apperr.Validation("beds become occupied only through assignment")
	}

	unlock := s.bedLocks.Lock(bedID)
	defer unlock()

	cur, err := s.inventory.GetBed(ctx, bedID)
	if err != nil {
		return nil, err
	}
	if !canSetStatus(cur.Status, to) {
		return nil, apperr.State("bed %s cannot go from %s to %s", cur.Number, cur.Status, to)
	}
	bed, err := s.inventory.UpdateBedStatus(ctx, bedID, cur.Status, to, s.now())
	if err != nil {
		return nil, err
	}
	s.publisher.Publish(ctx, events.New(events.BedStatusChanged, events.WardTopic(bed.WardID), bedID.String(), bed))
	return bed, nil
}
