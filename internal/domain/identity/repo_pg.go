package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hms/patientflow/internal/platform/apperr"
	"github.com/hms/patientflow/internal/platform/db"
)

var dialect = goqu.Dialect("postgres")

const uniqueViolation = "23505"

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository { return &patientRepoPG{pool: pool} }

func (r *patientRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

var patientCols = []interface{}{
	"id", "mrn", "first_name", "last_name", "birth_date", "gender",
	goqu.COALESCE(goqu.I("identification_type"), ""),
	goqu.COALESCE(goqu.I("identification_number"), ""),
	"phone", "status", "created_at", "updated_at",
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.MRN, &p.FirstName, &p.LastName, &p.BirthDate, &p.Gender,
		&p.IdentificationType, &p.IdentificationNumber,
		&p.Phone, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	query, args, err := dialect.Insert("patient").Rows(goqu.Record{
		"id":                    p.ID,
		"mrn":                   p.MRN,
		"first_name":            p.FirstName,
		"last_name":             p.LastName,
		"birth_date":            p.BirthDate,
		"gender":                p.Gender,
		"identification_type":   nullable(p.IdentificationType),
		"identification_number": nullable(p.IdentificationNumber),
		"phone":                 p.Phone,
		"status":                p.Status,
	}).Returning("created_at", "updated_at").Prepared(true).ToSQL()
	if err != nil {
		return apperr.Internal("build patient insert", err)
	}

	err = r.conn(ctx).QueryRow(ctx, query, args...).Scan(&p.CreatedAt, &p.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && strings.Contains(pgErr.ConstraintName, "mrn") {
		return ErrMRNTaken
	}
	if err != nil {
		return apperr.Internal("insert patient", err)
	}
	return nil
}

func (r *patientRepoPG) getOne(ctx context.Context, where exp.Expression, notFound error) (*Patient, error) {
	query, args, err := dialect.From("patient").Select(patientCols...).Where(where).Prepared(true).ToSQL()
	if err != nil {
		return nil, apperr.Internal("build patient select", err)
	}
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound
	}
	if err != nil {
		return nil, apperr.Internal("select patient", err)
	}
	return p, nil
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return r.getOne(ctx, goqu.I("id").Eq(id), apperr.NotFound("patient %s not found", id))
}

func (r *patientRepoPG) GetByMRN(ctx context.Context, mrn string) (*Patient, error) {
	return r.getOne(ctx, goqu.I("mrn").Eq(mrn), apperr.NotFound("patient with mrn %s not found", mrn))
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	query, args, err := dialect.Update("patient").Set(goqu.Record{
		"first_name":            p.FirstName,
		"last_name":             p.LastName,
		"birth_date":            p.BirthDate,
		"gender":                p.Gender,
		"identification_type":   nullable(p.IdentificationType),
		"identification_number": nullable(p.IdentificationNumber),
		"phone":                 p.Phone,
		"status":                p.Status,
		"updated_at":            goqu.L("NOW()"),
	}).Where(goqu.I("id").Eq(p.ID)).Returning("updated_at").Prepared(true).ToSQL()
	if err != nil {
		return apperr.Internal("build patient update", err)
	}
	err = r.conn(ctx).QueryRow(ctx, query, args...).Scan(&p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("patient %s not found", p.ID)
	}
	if err != nil {
		return apperr.Internal("update patient", err)
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (r *patientRepoPG) Search(ctx context.Context, text string, limit, offset int) ([]*Patient, int, error) {
	ds := dialect.From("patient")
	if text = strings.TrimSpace(text); text != "" {
		pattern := "%" + likeEscaper.Replace(text) + "%"
		ds = ds.Where(goqu.Or(
			goqu.I("mrn").ILike(pattern),
			goqu.I("phone").ILike(pattern),
			goqu.L("(first_name || ' ' || last_name) ILIKE ?", pattern),
			goqu.I("identification_number").ILike(pattern),
		))
	}

	countSQL, countArgs, err := ds.Select(goqu.COUNT("*")).Prepared(true).ToSQL()
	if err != nil {
		return nil, 0, apperr.Internal("build patient count", err)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, apperr.Internal("count patients", err)
	}

	page := ds.Select(patientCols...).Order(goqu.I("seq").Asc())
	if limit > 0 {
		page = page.Limit(uint(limit))
	}
	if offset > 0 {
		page = page.Offset(uint(offset))
	}
	query, args, err := page.Prepared(true).ToSQL()
	if err != nil {
		return nil, 0, apperr.Internal("build patient search", err)
	}
	items, err := r.queryPatients(ctx, query, args)
	return items, total, err
}

func (r *patientRepoPG) FindCandidates(ctx context.Context, c Candidate) ([]*Patient, error) {
	var ors []exp.Expression
	if c.IdentificationNumber != "" {
		ors = append(ors, goqu.I("identification_number").Eq(c.IdentificationNumber))
	}
	if c.Phone != "" {
		ors = append(ors, goqu.I("phone").Eq(c.Phone))
	}
	if c.FullName != "" {
		ors = append(ors, goqu.L("lower(first_name || ' ' || last_name) = ?", c.FullName))
	}
	if len(ors) == 0 {
		return nil, nil
	}

	query, args, err := dialect.From("patient").Select(patientCols...).
		Where(goqu.Or(ors...)).Order(goqu.I("seq").Asc()).Prepared(true).ToSQL()
	if err != nil {
		return nil, apperr.Internal("build candidate query", err)
	}
	return r.queryPatients(ctx, query, args)
}

func (r *patientRepoPG) queryPatients(ctx context.Context, query string, args []interface{}) ([]*Patient, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Internal("query patients", err)
	}
	defer rows.Close()
	items := []*Patient{}
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, apperr.Internal("scan patient", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("iterate patients", err)
	}
	return items, nil
}
