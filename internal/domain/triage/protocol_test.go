package triage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleProtocol = `
levels:
  - {level: 1, name: Immediate, sla_minutes: 0}
  - {level: 2, name: Very urgent, sla_minutes: 10}
  - {level: 3, name: Urgent, sla_minutes: 60}
  - {level: 4, name: Standard, sla_minutes: 120}
  - {level: 5, name: Non-urgent, sla_minutes: 240}
complaints:
  - id: back_pain
    name: Back pain
    discriminators:
      - {id: severe_pain, level: 2}
      - {id: moderate_pain, level: 3}
`

func TestParseProtocol(t *testing.T) {
	p, err := ParseProtocol([]byte(sampleProtocol))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, ok := p.Complaint("back_pain")
	if !ok {
		t.Fatal("expected back_pain complaint")
	}
	if len(c.Discriminators) != 2 {
		t.Fatalf("expected 2 discriminators, got %d", len(c.Discriminators))
	}

	a, err := NewClassifier(p).Classify("back_pain", []string{"moderate_pain"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Level != 3 || a.SLAMinutes != 60 {
		t.Errorf("expected level 3 / 60, got %d / %d", a.Level, a.SLAMinutes)
	}
}

func TestParseProtocol_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing level", "levels:\n  - {level: 1, name: a, sla_minutes: 0}\n", "missing"},
		{"level out of range", "levels:\n  - {level: 7, name: a, sla_minutes: 0}\n", "out of range"},
		{"bad discriminator level", strings.Replace(sampleProtocol, "level: 3}", "level: 9}", 1), "has level 9"},
		{"duplicate complaint", sampleProtocol + "  - id: back_pain\n", "defined twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProtocol([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadProtocolFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mts.yaml")
	if err := os.WriteFile(path, []byte(sampleProtocol), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := LoadProtocolFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := p.Level(5); !ok {
		t.Error("expected level 5 to be present")
	}

	if _, err := LoadProtocolFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDefaultProtocol_Valid(t *testing.T) {
	p := DefaultProtocol()
	if _, ok := p.Complaint("chest_pain"); !ok {
		t.Fatal("default protocol must include chest_pain")
	}
}
