package triage

import (
	"sort"
	"time"

	"github.com/hms/patientflow/internal/platform/apperr"
)

// Classifier maps a complaint and observed discriminators to an Assessment.
// It is safe for concurrent use; the protocol is never mutated after load.
type Classifier struct {
	protocol *Protocol
	now      func() time.Time
}

func NewClassifier(protocol *Protocol) *Classifier {
	if protocol == nil {
		protocol = DefaultProtocol()
	}
	return &Classifier{protocol: protocol, now: time.Now}
}

// Classify selects the most severe (lowest) level among the observed
// discriminators of the complaint. With nothing observed the result is
// DefaultLevel. Observed ids foreign to the complaint are ignored.
func (c *Classifier) Classify(complaintID string, observed []string) (Assessment, error) {
	if complaintID == "" {
		return Assessment{}, apperr.Validation("complaint_id is required")
	}
	complaint, ok := c.protocol.Complaint(complaintID)
	if !ok {
		return Assessment{}, apperr.NotFound("unknown complaint %q", complaintID)
	}

	seen := make(map[string]struct{}, len(observed))
	for _, id := range observed {
		seen[id] = struct{}{}
	}

	level := DefaultLevel
	matched := ""
	for _, d := range complaint.Discriminators {
		if _, ok := seen[d.ID]; !ok {
			continue
		}
		// Ties keep the first discriminator in protocol order.
		if d.Level < level || matched == "" && d.Level == level {
			level = d.Level
			matched = d.ID
		}
	}

	row, _ := c.protocol.Level(level)
	return Assessment{
		ComplaintID:     complaint.ID,
		DiscriminatorID: matched,
		Level:           row.Level,
		LevelName:       row.Name,
		SLAMinutes:      row.SLAMinutes,
		Priority:        row.Priority(),
		AssessedAt:      c.now().UTC(),
	}, nil
}

// Complaints lists the protocol's complaints sorted by id.
func (c *Classifier) Complaints() []Complaint {
	out := make([]Complaint, len(c.protocol.Complaints))
	copy(out, c.protocol.Complaints)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Levels returns the level table in level order.
func (c *Classifier) Levels() []Level {
	out := make([]Level, 0, 5)
	for lvl := 1; lvl <= 5; lvl++ {
		if l, ok := c.protocol.Level(lvl); ok {
			out = append(out, l)
		}
	}
	return out
}
