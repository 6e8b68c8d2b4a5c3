// Package events fans committed patient flow changes out to subscribers:
// the UI websocket hub, Redis pub/sub, a Kafka topic and the audit log.
// Publishing never blocks the command that produced the event.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	PatientRegistered  Type = "patient.registered"
	PatientDeactivated Type = "patient.deactivated"

	VisitStarted      Type = "visit.started"
	VisitTransitioned Type = "visit.transitioned"
	VisitTriaged      Type = "visit.triaged"

	QueueEnqueued      Type = "queue.enqueued"
	QueueCalled        Type = "queue.called"
	QueueHeld          Type = "queue.held"
	QueueReleased      Type = "queue.released"
	QueueCompleted     Type = "queue.completed"
	QueueWithdrawn     Type = "queue.withdrawn"
	QueueReprioritized Type = "queue.reprioritized"

	AdmissionRequested Type = "admission.requested"
	AdmissionCancelled Type = "admission.cancelled"
	BedAssigned        Type = "admission.bed_assigned"
	BedStatusChanged   Type = "bed.status_changed"

	StaffAction Type = "audit.staff_action"
)

// Event is the envelope every sink receives.
type Event struct {
	ID         uuid.UUID   `json:"id"`
	Type       Type        `json:"type"`
	Topic      string      `json:"topic"`
	Facility   string      `json:"facility,omitempty"`
	Subject    string      `json:"subject"`
	OccurredAt time.Time   `json:"occurred_at"`
	Data       interface{} `json:"data,omitempty"`
}

// New builds an event with a fresh id and timestamp.
func New(t Type, topic, subject string, data interface{}) Event {
	return Event{
		ID:         uuid.New(),
		Type:       t,
		Topic:      topic,
		Subject:    subject,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// Topic helpers shared by the services and the UI.
func QueueTopic(station string) string { return "queue." + station }
func VisitTopic(id uuid.UUID) string    { return "visit." + id.String() }
func WardTopic(id uuid.UUID) string     { return "ward." + id.String() }
func PatientTopic() string              { return "patients" }
func AdmissionTopic() string            { return "admissions" }
func AuditTopic() string                { return "audit" }

// Publisher is the fire-and-forget notify side used by the services.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Sink delivers events somewhere. Deliver may block; the Bus calls it from
// its own goroutine.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
