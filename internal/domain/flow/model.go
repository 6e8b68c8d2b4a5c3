// Package flow is the command surface for moving patients through the
// hospital. It owns every visit status change and keeps the station queues
// in step with it.
package flow

import (
	"github.com/google/uuid"

	"github.com/hms/patientflow/internal/domain/queue"
	"github.com/hms/patientflow/internal/domain/visit"
)

// TriageInput is an emergency intake assessment request.
type TriageInput struct {
	ComplaintID string   `json:"complaint_id"`
	Observed    []string `json:"observed"`
}

type StartVisitInput struct {
	PatientID uuid.UUID    `json:"patient_id"`
	Triage    *TriageInput `json:"triage,omitempty"`
	// SendToVitals moves the new visit straight into the vitals queue.
	SendToVitals bool `json:"send_to_vitals"`
}

// VisitView is a visit with its queue placement and next moves.
type VisitView struct {
	Visit    *visit.Visit       `json:"visit"`
	Entry    *queue.Entry       `json:"queue_entry,omitempty"`
	Position *int               `json:"queue_position,omitempty"`
	Allowed  []visit.Transition `json:"allowed_transitions"`
}

// Outcome is the result of a command that moved a visit.
type Outcome struct {
	Visit      *visit.Visit            `json:"visit"`
	Transition *visit.TransitionRecord `json:"transition,omitempty"`
	Entry      *queue.Entry            `json:"queue_entry,omitempty"`
}
