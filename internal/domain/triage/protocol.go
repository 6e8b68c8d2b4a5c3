package triage

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Protocol is the static triage table: complaints plus the level table.
type Protocol struct {
	Complaints []Complaint `yaml:"complaints" json:"complaints"`
	Levels     []Level     `yaml:"levels" json:"levels"`

	complaints map[string]*Complaint
	levels     map[int]Level
}

// LoadProtocolFile reads and validates a YAML protocol.
func LoadProtocolFile(path string) (*Protocol, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read triage protocol %s: %w", path, err)
	}
	return ParseProtocol(raw)
}

// ParseProtocol decodes YAML into a validated Protocol.
func ParseProtocol(raw []byte) (*Protocol, error) {
	var p Protocol
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode triage protocol: %w", err)
	}
	if err := p.index(); err != nil {
		return nil, err
	}
	return &p, nil
}

// NewProtocol builds a validated Protocol from in-memory tables.
func NewProtocol(complaints []Complaint, levels []Level) (*Protocol, error) {
	p := &Protocol{Complaints: complaints, Levels: levels}
	if err := p.index(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Protocol) index() error {
	p.levels = make(map[int]Level, len(p.Levels))
	for _, l := range p.Levels {
		if l.Level < 1 || l.Level > 5 {
			return fmt.Errorf("triage level %d out of range 1-5", l.Level)
		}
		if _, dup := p.levels[l.Level]; dup {
			return fmt.Errorf("triage level %d defined twice", l.Level)
		}
		if l.SLAMinutes < 0 {
			return fmt.Errorf("triage level %d has negative sla", l.Level)
		}
		p.levels[l.Level] = l
	}
	for lvl := 1; lvl <= 5; lvl++ {
		if _, ok := p.levels[lvl]; !ok {
			return fmt.Errorf("triage level %d missing from level table", lvl)
		}
	}

	p.complaints = make(map[string]*Complaint, len(p.Complaints))
	for i := range p.Complaints {
		c := &p.Complaints[i]
		if c.ID == "" {
			return fmt.Errorf("complaint at index %d has no id", i)
		}
		if _, dup := p.complaints[c.ID]; dup {
			return fmt.Errorf("complaint %q defined twice", c.ID)
		}
		seen := make(map[string]struct{}, len(c.Discriminators))
		for _, d := range c.Discriminators {
			if d.ID == "" {
				return fmt.Errorf("complaint %q has a discriminator without id", c.ID)
			}
			if _, dup := seen[d.ID]; dup {
				return fmt.Errorf("complaint %q lists discriminator %q twice", c.ID, d.ID)
			}
			if d.Level < 1 || d.Level > 5 {
				return fmt.Errorf("discriminator %q of %q has level %d", d.ID, c.ID, d.Level)
			}
			seen[d.ID] = struct{}{}
		}
		p.complaints[c.ID] = c
	}
	return nil
}

// Complaint returns the complaint with the given id.
func (p *Protocol) Complaint(id string) (*Complaint, bool) {
	c, ok := p.complaints[id]
	return c, ok
}

// Level returns the level table row.
func (p *Protocol) Level(level int) (Level, bool) {
	l, ok := p.levels[level]
	return l, ok
}

// DefaultLevels is the Manchester Triage System level table.
func DefaultLevels() []Level {
	return []Level{
		{Level: 1, Name: "Immediate", Color: "red", SLAMinutes: 0},
		{Level: 2, Name: "Very urgent", Color: "orange", SLAMinutes: 10},
		{Level: 3, Name: "Urgent", Color: "yellow", SLAMinutes: 60},
		{Level: 4, Name: "Standard", Color: "green", SLAMinutes: 120},
		{Level: 5, Name: "Non-urgent", Color: "blue", SLAMinutes: 240},
	}
}

// DefaultProtocol returns the built-in protocol used when no file is configured.
func DefaultProtocol() *Protocol {
	p, err := NewProtocol(defaultComplaints(), DefaultLevels())
	if err != nil {
		panic(err)
	}
	return p
}

func defaultComplaints() []Complaint {
	return []Complaint{
		{ID: "chest_pain", Name: "Chest pain", Discriminators: []Discriminator{
			{ID: "airway_compromise", Name: "Airway compromise", Level: 1},
			{ID: "shock", Name: "Shock", Level: 1},
			{ID: "cardiac_pain", Name: "Cardiac pain", Level: 2},
			{ID: "severe_pain", Name: "Severe pain", Level: 2},
			{ID: "abnormal_pulse", Name: "Abnormal pulse", Level: 2},
			{ID: "pleuritic_pain", Name: "Pleuritic pain", Level: 3},
			{ID: "moderate_pain", Name: "Moderate pain", Level: 3},
			{ID: "recent_mild_pain", Name: "Recent mild pain", Level: 4},
		}},
		{ID: "shortness_of_breath", Name: "Shortness of breath", Discriminators: []Discriminator{
			{ID: "inadequate_breathing", Name: "Inadequate breathing", Level: 1},
			{ID: "shock", Name: "Shock", Level: 1},
			{ID: "low_spo2", Name: "Very low SpO2", Level: 2},
			{ID: "unable_to_talk", Name: "Unable to talk in sentences", Level: 2},
			{ID: "wheeze", Name: "Wheeze", Level: 3},
			{ID: "productive_cough", Name: "Productive cough", Level: 4},
		}},
		{ID: "abdominal_pain", Name: "Abdominal pain in adults", Discriminators: []Discriminator{
			{ID: "shock", Name: "Shock", Level: 1},
			{ID: "severe_pain", Name: "Severe pain", Level: 2},
			{ID: "vomiting_blood", Name: "Vomiting blood", Level: 2},
			{ID: "moderate_pain", Name: "Moderate pain", Level: 3},
			{ID: "persistent_vomiting", Name: "Persistent vomiting", Level: 3},
			{ID: "recent_mild_pain", Name: "Recent mild pain", Level: 4},
		}},
		{ID: "head_injury", Name: "Head injury", Discriminators: []Discriminator{
			{ID: "airway_compromise", Name: "Airway compromise", Level: 1},
			{ID: "unresponsive", Name: "Unresponsive child or adult", Level: 1},
			{ID: "altered_consciousness", Name: "Altered conscious level", Level: 2},
			{ID: "high_risk_mechanism", Name: "High-risk mechanism", Level: 3},
			{ID: "history_of_unconsciousness", Name: "History of unconsciousness", Level: 3},
			{ID: "recent_mild_pain", Name: "Recent mild pain", Level: 4},
		}},
		{ID: "fever", Name: "Unwell adult with fever", Discriminators: []Discriminator{
			{ID: "shock", Name: "Shock", Level: 1},
			{ID: "very_hot", Name: "Very hot (>41C)", Level: 2},
			{ID: "purpuric_rash", Name: "Purpuric rash", Level: 2},
			{ID: "hot", Name: "Hot (>38.5C)", Level: 3},
			{ID: "warm", Name: "Warm", Level: 4},
		}},
		{ID: "limb_problem", Name: "Limb problems", Discriminators: []Discriminator{
			{ID: "exsanguinating_haemorrhage", Name: "Exsanguinating haemorrhage", Level: 1},
			{ID: "pulseless_limb", Name: "Pulseless limb", Level: 2},
			{ID: "gross_deformity", Name: "Gross deformity", Level: 3},
			{ID: "moderate_pain", Name: "Moderate pain", Level: 3},
			{ID: "recent_mild_pain", Name: "Recent mild pain", Level: 4},
		}},
	}
}
