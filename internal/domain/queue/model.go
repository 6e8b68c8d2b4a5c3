package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/hms/patientflow/internal/domain/triage"
	"github.com/hms/patientflow/internal/domain/visit"
	"github.com/hms/patientflow/internal/platform/apperr"
)

type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in_progress"
	StatusOnHold     Status = "on_hold"
	StatusCompleted  Status = "completed"
)

// Entry maps to the queue_entry table.
type Entry struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	Seq         int64           `db:"seq" json:"seq"`
	VisitID     uuid.UUID       `db:"visit_id" json:"visit_id"`
	PatientID   uuid.UUID       `db:"patient_id" json:"patient_id"`
	Station     visit.Station   `db:"station" json:"station"`
	Priority    triage.Priority `db:"priority" json:"priority"`
	Status      Status          `db:"status" json:"status"`
	EnqueuedAt  time.Time       `db:"enqueued_at" json:"enqueued_at"`
	CalledAt    *time.Time      `db:"called_at" json:"called_at,omitempty"`
	HeldAt      *time.Time      `db:"held_at" json:"held_at,omitempty"`
	CompletedAt *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// Before reports whether e is served ahead of o: higher priority first,
// then earlier enqueue time, then lower sequence.
func (e *Entry) Before(o *Entry) bool {
	if r1, r2 := e.Priority.Rank(), o.Priority.Rank(); r1 != r2 {
		return r1 > r2
	}
	if !e.EnqueuedAt.Equal(o.EnqueuedAt) {
		return e.EnqueuedAt.Before(o.EnqueuedAt)
	}
	return e.Seq < o.Seq
}

type action string

const (
	actStart    action = "start"
	actHold     action = "hold"
	actRelease  action = "release"
	actComplete action = "complete"
)

// entryTransitions: action -> from -> to. An in-progress entry never goes
// straight back to waiting; it has to pass through on_hold.
var entryTransitions = map[action]map[Status]Status{
	actStart:    {StatusWaiting: StatusInProgress},
	actHold:     {StatusWaiting: StatusOnHold, StatusInProgress: StatusOnHold},
	actRelease:  {StatusOnHold: StatusWaiting},
	actComplete: {StatusInProgress: StatusCompleted},
}

// apply moves e along a, stamping the matching timestamp. e is unchanged on error.
func (e *Entry) apply(a action, now time.Time) (from Status, err error) {
	to, ok := entryTransitions[a][e.Status]
	if !ok {
		return "", apperr.State("cannot %s queue entry %s in status %s", a, e.ID, e.Status)
	}
	from = e.Status
	e.Status = to
	switch a {
	case actStart:
		e.CalledAt = &now
	case actHold:
		e.HeldAt = &now
	case actRelease:
		e.HeldAt = nil
	case actComplete:
		e.CompletedAt = &now
	}
	return from, nil
}
