package identity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

var genders = map[string]bool{"male": true, "female": true, "other": true, "unknown": true}

const birthDateLayout = "2006-01-02"

// Patient maps to the patient table.
type Patient struct {
	ID                   uuid.UUID `db:"id" json:"id"`
	MRN                  string    `db:"mrn" json:"mrn"`
	FirstName            string    `db:"first_name" json:"first_name"`
	LastName             string    `db:"last_name" json:"last_name"`
	BirthDate            time.Time `db:"birth_date" json:"birth_date"`
	Gender               string    `db:"gender" json:"gender"`
	IdentificationType   string    `db:"identification_type" json:"identification_type,omitempty"`
	IdentificationNumber string    `db:"identification_number" json:"identification_number,omitempty"`
	Phone                string    `db:"phone" json:"phone"`
	Status               Status    `db:"status" json:"status"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time `db:"updated_at" json:"updated_at"`
}

func (p *Patient) FullName() string {
	return fullName(p.FirstName, p.LastName)
}

func (p *Patient) Active() bool {
	return p.Status == StatusActive
}

func fullName(first, last string) string {
	return strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
}

// RegistrationInput is what the registration desk submits. CheckDuplicates
// accepts the same shape with any subset of fields filled in.
type RegistrationInput struct {
	FirstName            string `json:"first_name"`
	LastName             string `json:"last_name"`
	BirthDate            string `json:"birth_date"`
	Gender               string `json:"gender"`
	IdentificationType   string `json:"identification_type"`
	IdentificationNumber string `json:"identification_number"`
	Phone                string `json:"phone"`
}

// Registration is returned to the desk after a patient is created.
type Registration struct {
	PatientID uuid.UUID `json:"patient_id"`
	MRN       string    `json:"mr_number"`
}

// Reasons a record is flagged as a possible duplicate.
const (
	ReasonIdentification = "identification_number"
	ReasonPhone          = "phone"
	ReasonFullName       = "full_name"
)

const (
	scoreIdentification = 90
	scorePhone          = 60
	scoreFullName       = 40

	// DuplicateThreshold is the score a record must exceed to be reported.
	DuplicateThreshold = 30
)

// DuplicateMatch is an existing patient that resembles a registration.
type DuplicateMatch struct {
	Patient *Patient `json:"patient"`
	Score   int      `json:"score"`
	Reasons []string `json:"reasons"`
}

// Candidate holds the normalized fields used for duplicate scoring.
type Candidate struct {
	IdentificationNumber string
	Phone                string
	FullName             string
}

func (in RegistrationInput) Candidate() Candidate {
	return Candidate{
		IdentificationNumber: strings.TrimSpace(in.IdentificationNumber),
		Phone:                strings.TrimSpace(in.Phone),
		FullName:             strings.ToLower(fullName(in.FirstName, in.LastName)),
	}
}

func (p *Patient) Candidate() Candidate {
	return Candidate{
		IdentificationNumber: strings.TrimSpace(p.IdentificationNumber),
		Phone:                strings.TrimSpace(p.Phone),
		FullName:             strings.ToLower(p.FullName()),
	}
}

func (c Candidate) Empty() bool {
	return c.IdentificationNumber == "" && c.Phone == "" && c.FullName == ""
}

// Score compares two candidates field by field. Empty fields never match,
// and the result is the same whichever side is passed first.
func Score(a, b Candidate) (int, []string) {
	score := 0
	var reasons []string
	if a.IdentificationNumber != "" && a.IdentificationNumber == b.IdentificationNumber {
		score += scoreIdentification
		reasons = append(reasons, ReasonIdentification)
	}
	if a.Phone != "" && a.Phone == b.Phone {
		score += scorePhone
		reasons = append(reasons, ReasonPhone)
	}
	if a.FullName != "" && a.FullName == b.FullName {
		score += scoreFullName
		reasons = append(reasons, ReasonFullName)
	}
	return score, reasons
}
