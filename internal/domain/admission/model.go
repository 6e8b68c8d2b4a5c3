package admission

import (
	"time"

	"github.com/google/uuid"

	"github.com/hms/patientflow/internal/domain/triage"
)

type WardType string

const (
	WardGeneral   WardType = "general"
	WardICU       WardType = "icu"
	WardMaternity WardType = "maternity"
	WardPediatric WardType = "pediatric"
	WardPrivate   WardType = "private"
)

func (t WardType) Valid() bool {
	switch t {
	case WardGeneral, WardICU, WardMaternity, WardPediatric, WardPrivate:
		return true
	}
	return false
}

// Ward maps to the ward table.
type Ward struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Type      WardType  `db:"type" json:"type"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type BedStatus string

const (
	BedAvailable   BedStatus = "available"
	BedOccupied    BedStatus = "occupied"
	BedCleaning    BedStatus = "cleaning"
	BedMaintenance BedStatus = "maintenance"
)

func (s BedStatus) Valid() bool {
	switch s {
	case BedAvailable, BedOccupied, BedCleaning, BedMaintenance:
		return true
	}
	return false
}

// housekeeping lists the moves SetBedStatus may make. Occupying and
// vacating a bed go through AssignBed and ReleaseBed only.
var housekeeping = map[BedStatus][]BedStatus{
	BedAvailable:   {BedMaintenance},
	BedCleaning:    {BedAvailable, BedMaintenance},
	BedMaintenance: {BedAvailable},
}

func canSetStatus(from, to BedStatus) bool {
	for _, s := range housekeeping[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Bed maps to the bed table.
type Bed struct {
	ID          uuid.UUID `db:"id" json:"id"`
	WardID      uuid.UUID `db:"ward_id" json:"ward_id"`
	Number      string    `db:"number" json:"number"`
	Type        string    `db:"type" json:"type"`
	PricePerDay float64   `db:"price_per_day" json:"price_per_day"`
	Status      BedStatus `db:"status" json:"status"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestAssigned   RequestStatus = "assigned"
	RequestCancelled  RequestStatus = "cancelled"
	RequestDischarged RequestStatus = "discharged"
)

// Request is an admission request waiting for, or holding, a bed.
type Request struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	Seq              int64           `db:"seq" json:"-"`
	PatientID        uuid.UUID       `db:"patient_id" json:"patient_id"`
	VisitID          *uuid.UUID      `db:"visit_id" json:"visit_id,omitempty"`
	Department       string          `db:"department" json:"department"`
	RequestingDoctor string          `db:"doctor" json:"requesting_doctor"`
	Diagnosis        string          `db:"diagnosis" json:"diagnosis"`
	Priority         triage.Priority `db:"priority" json:"priority"`
	Status           RequestStatus   `db:"status" json:"status"`
	BedID            *uuid.UUID      `db:"bed_id" json:"bed_id,omitempty"`
	RequestedAt      time.Time       `db:"requested_at" json:"requested_at"`
	AssignedAt       *time.Time      `db:"assigned_at" json:"assigned_at,omitempty"`
	CancelledAt      *time.Time      `db:"cancelled_at" json:"cancelled_at,omitempty"`
	DischargedAt     *time.Time      `db:"discharged_at" json:"discharged_at,omitempty"`
}

// servedBefore orders pending requests: higher priority first, then oldest.
func (r *Request) servedBefore(o *Request) bool {
	if a, b := r.Priority.Rank(), o.Priority.Rank(); a != b {
		return a > b
	}
	if !r.RequestedAt.Equal(o.RequestedAt) {
		return r.RequestedAt.Before(o.RequestedAt)
	}
	return r.Seq < o.Seq
}

type RequestInput struct {
	PatientID        uuid.UUID       `json:"patient_id"`
	VisitID          *uuid.UUID      `json:"visit_id,omitempty"`
	Department       string          `json:"department"`
	RequestingDoctor string          `json:"requesting_doctor"`
	Diagnosis        string          `json:"diagnosis"`
	Priority         triage.Priority `json:"priority"`
}

// Assignment is the result of a successful AssignBed.
type Assignment struct {
	Request *Request `json:"request"`
	Bed     *Bed     `json:"bed"`
}
