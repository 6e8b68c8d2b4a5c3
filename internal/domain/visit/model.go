package visit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hms/patientflow/internal/domain/triage"
)

type Status string

const (
	StatusRegistered      Status = "registered"
	StatusWaitingVitals   Status = "waiting_vitals"
	StatusInVitals        Status = "in_vitals"
	StatusWaitingDoctor   Status = "waiting_doctor"
	StatusInConsultation  Status = "in_consultation"
	StatusWaitingPharmacy Status = "waiting_pharmacy"
	StatusInPharmacy      Status = "in_pharmacy"
	StatusWaitingLab      Status = "waiting_lab"
	StatusInLab           Status = "in_lab"
	StatusWaitingBilling  Status = "waiting_billing"
	StatusInBilling       Status = "in_billing"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) Valid() bool {
	_, ok := statusPlacement[s]
	return ok
}

// Station is a stage of care. Only queue stations hold queue entries.
type Station string

const (
	StationRegistration Station = "registration"
	StationVitals       Station = "vitals"
	StationDoctor       Station = "doctor"
	StationPharmacy     Station = "pharmacy"
	StationLab          Station = "lab"
	StationBilling      Station = "billing"
	StationExit         Station = "exit"
)

// QueueStations are the stations with a waiting line, in care order.
var QueueStations = []Station{StationVitals, StationDoctor, StationPharmacy, StationLab, StationBilling}

func (st Station) Queued() bool {
	for _, q := range QueueStations {
		if q == st {
			return true
		}
	}
	return false
}

// Phase says whether a status means waiting for or being served at a station.
type Phase string

const (
	PhaseNone    Phase = ""
	PhaseWaiting Phase = "waiting"
	PhaseServing Phase = "serving"
)

type placement struct {
	station Station
	phase   Phase
}

var statusPlacement = map[Status]placement{
	StatusRegistered:      {StationRegistration, PhaseNone},
	StatusWaitingVitals:   {StationVitals, PhaseWaiting},
	StatusInVitals:        {StationVitals, PhaseServing},
	StatusWaitingDoctor:   {StationDoctor, PhaseWaiting},
	StatusInConsultation:  {StationDoctor, PhaseServing},
	StatusWaitingPharmacy: {StationPharmacy, PhaseWaiting},
	StatusInPharmacy:      {StationPharmacy, PhaseServing},
	StatusWaitingLab:      {StationLab, PhaseWaiting},
	StatusInLab:           {StationLab, PhaseServing},
	StatusWaitingBilling:  {StationBilling, PhaseWaiting},
	StatusInBilling:       {StationBilling, PhaseServing},
	StatusCompleted:       {StationExit, PhaseNone},
	StatusCancelled:       {StationExit, PhaseNone},
}

// Station is derived from the status; it is never stored.
func (s Status) Station() Station {
	return statusPlacement[s].station
}

func (s Status) Phase() Phase {
	return statusPlacement[s].phase
}

// StatusAt returns the status for being at station in the given phase.
func StatusAt(st Station, ph Phase) (Status, bool) {
	for s, p := range statusPlacement {
		if p.station == st && p.phase == ph {
			return s, true
		}
	}
	return "", false
}

// Visit maps to the visit table.
type Visit struct {
	ID        uuid.UUID          `db:"id" json:"id"`
	PatientID uuid.UUID          `db:"patient_id" json:"patient_id"`
	Status    Status             `db:"status" json:"status"`
	Priority  triage.Priority    `db:"priority" json:"priority"`
	Triage    *triage.Assessment `json:"triage,omitempty"`
	CreatedAt time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt time.Time          `db:"updated_at" json:"updated_at"`
	ClosedAt  *time.Time         `db:"closed_at" json:"closed_at,omitempty"`
}

func (v *Visit) Station() Station {
	return v.Status.Station()
}

func (v *Visit) Open() bool {
	return !v.Status.Terminal()
}

// MarshalJSON adds the derived station to the payload.
func (v Visit) MarshalJSON() ([]byte, error) {
	type plain Visit
	return json.Marshal(struct {
		plain
		Station Station `json:"station"`
	}{plain(v), v.Station()})
}

// Apply moves v along t. On error v is left untouched.
func (v *Visit) Apply(t Transition, actor string, now time.Time) (TransitionRecord, error) {
	to, err := Next(t, v.Status)
	if err != nil {
		return TransitionRecord{}, err
	}
	rec := TransitionRecord{
		VisitID:    v.ID,
		Transition: t,
		From:       v.Status,
		To:         to,
		Actor:      actor,
		At:         now,
	}
	v.Status = to
	v.UpdatedAt = now
	if to.Terminal() {
		closed := now
		v.ClosedAt = &closed
	}
	return rec, nil
}

// TransitionRecord maps to the visit_transition table.
type TransitionRecord struct {
	ID         int64      `db:"id" json:"id"`
	VisitID    uuid.UUID  `db:"visit_id" json:"visit_id"`
	Transition Transition `db:"transition" json:"transition"`
	From       Status     `db:"from_status" json:"from"`
	To         Status     `db:"to_status" json:"to"`
	Actor      string     `db:"actor" json:"actor,omitempty"`
	At         time.Time  `db:"at" json:"at"`
}
