package triage

import "time"

// Priority is the queue priority derived from a triage level.
type Priority string

const (
	PriorityEmergency Priority = "emergency"
	PriorityUrgent    Priority = "urgent"
	PriorityRoutine   Priority = "routine"
)

// Rank orders priorities for queues: higher is served first. Unknown values
// rank below routine.
func (p Priority) Rank() int {
	switch p {
	case PriorityEmergency:
		return 3
	case PriorityUrgent:
		return 2
	case PriorityRoutine:
		return 1
	}
	return 0
}

func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// Level describes one row of the level table.
type Level struct {
	Level      int    `yaml:"level" json:"level"`
	Name       string `yaml:"name" json:"name"`
	Color      string `yaml:"color" json:"color,omitempty"`
	SLAMinutes int    `yaml:"sla_minutes" json:"sla_minutes"`
}

// Priority maps a level to a queue priority: 1-2 emergency, 3 urgent, 4-5 routine.
func (l Level) Priority() Priority {
	return PriorityForLevel(l.Level)
}

func PriorityForLevel(level int) Priority {
	switch {
	case level <= 2:
		return PriorityEmergency
	case level == 3:
		return PriorityUrgent
	default:
		return PriorityRoutine
	}
}

// Discriminator is a clinical sign tagged with the level it implies.
type Discriminator struct {
	ID    string `yaml:"id" json:"id"`
	Name  string `yaml:"name" json:"name"`
	Level int    `yaml:"level" json:"level"`
}

// Complaint is a presenting complaint with its ordered discriminators.
type Complaint struct {
	ID             string          `yaml:"id" json:"id"`
	Name           string          `yaml:"name" json:"name"`
	Discriminators []Discriminator `yaml:"discriminators" json:"discriminators"`
}

// Assessment is the immutable result of classifying one patient.
type Assessment struct {
	ComplaintID     string    `json:"complaint_id"`
	DiscriminatorID string    `json:"discriminator_id,omitempty"`
	Level           int       `json:"level"`
	LevelName       string    `json:"level_name"`
	SLAMinutes      int       `json:"sla_minutes"`
	Priority        Priority  `json:"priority"`
	AssessedAt      time.Time `json:"assessed_at"`
}

// DefaultLevel is assigned when no discriminator is observed.
const DefaultLevel = 5
