package identity

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/patientflow/internal/platform/apperr"
	"github.com/hms/patientflow/internal/platform/events"
)

// maxMRNAttempts bounds random regeneration when a proposed MRN is already
// issued. Past it, registration walks the year's numbers in order.
const maxMRNAttempts = 25

type Service struct {
	patients  PatientRepository
	mrn       MRNGenerator
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(patients PatientRepository, mrn MRNGenerator, publisher events.Publisher, logger zerolog.Logger) *Service {
	if mrn == nil {
		mrn = NewRandomMRN(time.Now().UnixNano())
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		patients:  patients,
		mrn:       mrn,
		publisher: publisher,
		logger:    logger.With().Str("component", "identity").Logger(),
		now:       time.Now,
	}
}

func (s *Service) SearchPatients(ctx context.Context, query string, limit, offset int) ([]*Patient, int, error) {
	return s.patients.Search(ctx, query, limit, offset)
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

func (s *Service) GetPatientByMRN(ctx context.Context, mrn string) (*Patient, error) {
	return s.patients.GetByMRN(ctx, strings.TrimSpace(mrn))
}

// CheckDuplicates scores every existing patient against in and returns those
// above DuplicateThreshold, best match first. The result is advisory.
func (s *Service) CheckDuplicates(ctx context.Context, in RegistrationInput) ([]DuplicateMatch, error) {
	c := in.Candidate()
	if c.Empty() {
		return []DuplicateMatch{}, nil
	}

	candidates, err := s.patients.FindCandidates(ctx, c)
	if err != nil {
		return nil, err
	}

	matches := []DuplicateMatch{}
	for _, p := range candidates {
		score, reasons := Score(c, p.Candidate())
		if score > DuplicateThreshold {
			matches = append(matches, DuplicateMatch{Patient: p, Score: score, Reasons: reasons})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches, nil
}

func validateRegistration(in RegistrationInput) (time.Time, error) {
	var missing []string
	if strings.TrimSpace(in.FirstName) == "" {
		missing = append(missing, "first_name")
	}
	if strings.TrimSpace(in.LastName) == "" {
		missing = append(missing, "last_name")
	}
	if strings.TrimSpace(in.Gender) == "" {
		missing = append(missing, "gender")
	}
	if strings.TrimSpace(in.BirthDate) == "" {
		missing = append(missing, "birth_date")
	}
	if strings.TrimSpace(in.Phone) == "" {
		missing = append(missing, "phone")
	}
	if len(missing) > 0 {
		return time.Time{}, apperr.Validation("missing required fields: %s", strings.Join(missing, ", "))
	}

	if !genders[strings.ToLower(strings.TrimSpace(in.Gender))] {
		return time.Time{}, apperr.Validation("gender must be one of male, female, other, unknown")
	}
	dob, err := time.Parse(birthDateLayout, strings.TrimSpace(in.BirthDate))
	if err != nil {
		return time.Time{}, apperr.Validation("birth_date must be YYYY-MM-DD")
	}
	if dob.After(time.Now()) {
		return time.Time{}, apperr.Validation("birth_date is in the future")
	}
	if strings.TrimSpace(in.IdentificationNumber) != "" && strings.TrimSpace(in.IdentificationType) == "" {
		return time.Time{}, apperr.Validation("identification_type is required with identification_number")
	}
	return dob, nil
}

// RegisterPatient validates in, issues an MRN and stores the patient.
// Possible duplicates never block registration.
func (s *Service) RegisterPatient(ctx context.Context, in RegistrationInput) (*Registration, error) {
	dob, err := validateRegistration(in)
	if err != nil {
		return nil, err
	}

	p := &Patient{
		ID:                   uuid.New(),
		FirstName:            strings.TrimSpace(in.FirstName),
		LastName:             strings.TrimSpace(in.LastName),
		BirthDate:            dob,
		Gender:               strings.ToLower(strings.TrimSpace(in.Gender)),
		IdentificationType:   strings.TrimSpace(in.IdentificationType),
		IdentificationNumber: strings.TrimSpace(in.IdentificationNumber),
		Phone:                strings.TrimSpace(in.Phone),
		Status:               StatusActive,
	}

	now := s.now()
	var last string
	for attempt := 1; attempt <= maxMRNAttempts; attempt++ {
		last = s.mrn.Next(now)
		ok, err := s.issue(ctx, p, last)
		if ok || err != nil {
			return s.registered(ctx, p, err)
		}
		s.logger.Debug().Str("mrn", last).Int("attempt", attempt).Msg("mrn collision, regenerating")
	}

	year, start := now.Year(), 0
	if y, n, ok := ParseMRN(last); ok && y == year {
		start = n + 1
	}
	s.logger.Warn().Int("year", year).Msg("random mrn attempts exhausted, scanning the year's numbers")
	for i := 0; i < MRNsPerYear; i++ {
		ok, err := s.issue(ctx, p, FormatMRN(year, (start+i)%MRNsPerYear))
		if ok || err != nil {
			return s.registered(ctx, p, err)
		}
	}
	return nil, apperr.Conflict("all %d medical record numbers for %d are issued", MRNsPerYear, year)
}

// issue tries to store p under mrn. It reports false when the MRN is taken.
func (s *Service) issue(ctx context.Context, p *Patient, mrn string) (bool, error) {
	p.MRN = mrn
	err := s.patients.Create(ctx, p)
	if errors.Is(err, ErrMRNTaken) {
		return false, nil
	}
	return err == nil, err
}

func (s *Service) registered(ctx context.Context, p *Patient, err error) (*Registration, error) {
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("patient_id", p.ID.String()).Str("mrn", p.MRN).Msg("patient registered")
	reg := Registration{PatientID: p.ID, MRN: p.MRN}
	s.publisher.Publish(ctx, events.New(events.PatientRegistered, events.PatientTopic(), p.ID.String(), reg))
	return &reg, nil
}

// DeactivatePatient marks the patient inactive. The MRN stays reserved.
func (s *Service) DeactivatePatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := s.patients.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Active() {
		return nil, apperr.State("patient %s is already inactive", id)
	}
	p.Status = StatusInactive
	if err := s.patients.Update(ctx, p); err != nil {
		return nil, err
	}
	s.publisher.Publish(ctx, events.New(events.PatientDeactivated, events.PatientTopic(), p.ID.String(), nil))
	return p, nil
}
