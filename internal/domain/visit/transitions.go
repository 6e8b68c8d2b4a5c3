package visit

import (
	"sort"

	"github.com/hms/patientflow/internal/platform/apperr"
)

type Transition string

const (
	SendToVitals      Transition = "sendToVitals"
	StartVitals       Transition = "startVitals"
	FinishVitals      Transition = "finishVitals"
	StartConsultation Transition = "startConsultation"
	SendToPharmacy    Transition = "sendToPharmacy"
	SendToLab         Transition = "sendToLab"
	StartPharmacy     Transition = "startPharmacy"
	StartLab          Transition = "startLab"
	ReturnToDoctor    Transition = "returnToDoctor"
	SendToBilling     Transition = "sendToBilling"
	StartBilling      Transition = "startBilling"
	Complete          Transition = "complete"
	Hold              Transition = "hold"
	Cancel            Transition = "cancel"
)

// transitionTable is the single place that says which status changes are
// legal: transition -> source status -> target status.
var transitionTable = map[Transition]map[Status]Status{
	SendToVitals:      {StatusRegistered: StatusWaitingVitals},
	StartVitals:       {StatusWaitingVitals: StatusInVitals},
	FinishVitals:      {StatusInVitals: StatusWaitingDoctor},
	StartConsultation: {StatusWaitingDoctor: StatusInConsultation},
	SendToPharmacy: {
		StatusInConsultation: StatusWaitingPharmacy,
		StatusInLab:          StatusWaitingPharmacy,
	},
	SendToLab:      {StatusInConsultation: StatusWaitingLab},
	StartPharmacy:  {StatusWaitingPharmacy: StatusInPharmacy},
	StartLab:       {StatusWaitingLab: StatusInLab},
	ReturnToDoctor: {StatusInLab: StatusWaitingDoctor},
	SendToBilling: {
		StatusInConsultation: StatusWaitingBilling,
		StatusInPharmacy:     StatusWaitingBilling,
		StatusInLab:          StatusWaitingBilling,
	},
	StartBilling: {StatusWaitingBilling: StatusInBilling},
	Complete: {
		StatusInConsultation:  StatusCompleted,
		StatusWaitingPharmacy: StatusCompleted,
		StatusWaitingLab:      StatusCompleted,
		StatusInPharmacy:      StatusCompleted,
		StatusInLab:           StatusCompleted,
		StatusInBilling:       StatusCompleted,
	},
	Hold:   {},
	Cancel: {},
}

func init() {
	for s, p := range statusPlacement {
		if !s.Terminal() {
			transitionTable[Cancel][s] = StatusCancelled
		}
		if p.phase == PhaseServing {
			waiting, _ := StatusAt(p.station, PhaseWaiting)
			transitionTable[Hold][s] = waiting
		}
	}
}

// Next returns the status t leads to from `from`. Unknown transitions are a
// validation error; known ones not allowed from `from` are a state error.
func Next(t Transition, from Status) (Status, error) {
	allowed, ok := transitionTable[t]
	if !ok {
		return "", apperr.Validation("unknown transition %q", t)
	}
	to, ok := allowed[from]
	if !ok {
		return "", apperr.State("transition %s is not allowed from %s", t, from)
	}
	return to, nil
}

// Allowed lists the transitions legal from s, sorted by name.
func Allowed(s Status) []Transition {
	var out []Transition
	for t, allowed := range transitionTable {
		if _, ok := allowed[s]; ok {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StartTransition is the transition that begins service at a queue station.
func StartTransition(st Station) (Transition, bool) {
	switch st {
	case StationVitals:
		return StartVitals, true
	case StationDoctor:
		return StartConsultation, true
	case StationPharmacy:
		return StartPharmacy, true
	case StationLab:
		return StartLab, true
	case StationBilling:
		return StartBilling, true
	}
	return "", false
}

// DefaultNext is the transition applied when staff complete a queue entry
// without naming where the patient goes next.
func DefaultNext(st Station) (Transition, bool) {
	switch st {
	case StationVitals:
		return FinishVitals, true
	case StationDoctor:
		return Complete, true
	case StationPharmacy:
		return SendToBilling, true
	case StationLab:
		return ReturnToDoctor, true
	case StationBilling:
		return Complete, true
	}
	return "", false
}

// QueueAction is what a status change means for one station's queue.
type QueueAction string

const (
	ActionEnqueue  QueueAction = "enqueue"
	ActionStart    QueueAction = "start"
	ActionHold     QueueAction = "hold"
	ActionComplete QueueAction = "complete"
	ActionWithdraw QueueAction = "withdraw"
)

// QueueStep is one queue action at one station.
type QueueStep struct {
	Station Station
	Action  QueueAction
}

// QueueSteps derives the queue bookkeeping for a move from `from` to `to`.
// Leaving a station comes before entering the next one.
func QueueSteps(from, to Status) []QueueStep {
	fp, tp := statusPlacement[from], statusPlacement[to]

	if fp.station == tp.station && fp.station.Queued() {
		switch {
		case fp.phase == PhaseWaiting && tp.phase == PhaseServing:
			return []QueueStep{{fp.station, ActionStart}}
		case fp.phase == PhaseServing && tp.phase == PhaseWaiting:
			return []QueueStep{{fp.station, ActionHold}}
		}
		return nil
	}

	var steps []QueueStep
	if fp.station.Queued() {
		if fp.phase == PhaseServing {
			steps = append(steps, QueueStep{fp.station, ActionComplete})
		} else {
			steps = append(steps, QueueStep{fp.station, ActionWithdraw})
		}
	}
	if tp.station.Queued() && tp.phase == PhaseWaiting {
		steps = append(steps, QueueStep{tp.station, ActionEnqueue})
	}
	return steps
}
