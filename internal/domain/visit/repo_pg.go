package visit

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hms/patientflow/internal/platform/apperr"
	"github.com/hms/patientflow/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const visitCols = `id, patient_id, status, priority, triage, created_at, updated_at, closed_at`

func scanVisit(row pgx.Row) (*Visit, error) {
	var v Visit
	err := row.Scan(&v.ID, &v.PatientID, &v.Status, &v.Priority, &v.Triage,
		&v.CreatedAt, &v.UpdatedAt, &v.ClosedAt)
	return &v, err
}

func (r *repoPG) Create(ctx context.Context, v *Visit) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO visit (id, patient_id, status, priority, triage, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.ID, v.PatientID, v.Status, v.Priority, v.Triage, v.CreatedAt, v.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrOpenVisit
	}
	if err != nil {
		return apperr.Internal("insert visit", err)
	}
	return nil
}

func (r *repoPG) getOne(ctx context.Context, query string, args ...interface{}) (*Visit, error) {
	v, err := scanVisit(r.conn(ctx).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Internal("select visit", err)
	}
	return v, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Visit, error) {
	v, err := r.getOne(ctx, `SELECT `+visitCols+` FROM visit WHERE id = $1`, id)
	if err == nil && v == nil {
		err = apperr.NotFound("visit %s not found", id)
	}
	return v, err
}

func (r *repoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Visit, error) {
	v, err := r.getOne(ctx, `SELECT `+visitCols+` FROM visit WHERE id = $1 FOR UPDATE`, id)
	if err == nil && v == nil {
		err = apperr.NotFound("visit %s not found", id)
	}
	return v, err
}

func (r *repoPG) GetOpenByPatient(ctx context.Context, patientID uuid.UUID) (*Visit, error) {
	v, err := r.getOne(ctx, `SELECT `+visitCols+` FROM visit
		WHERE patient_id = $1 AND status NOT IN ('completed', 'cancelled')`, patientID)
	if err == nil && v == nil {
		err = apperr.NotFound("patient %s has no open visit", patientID)
	}
	return v, err
}

func (r *repoPG) Update(ctx context.Context, v *Visit) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE visit SET status = $2, priority = $3, triage = $4, updated_at = $5, closed_at = $6
		WHERE id = $1`,
		v.ID, v.Status, v.Priority, v.Triage, v.UpdatedAt, v.ClosedAt)
	if err != nil {
		return apperr.Internal("update visit", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("visit %s not found", v.ID)
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Visit, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1
	if f.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}
	if f.PatientID != uuid.Nil {
		where += fmt.Sprintf(` AND patient_id = $%d`, idx)
		args = append(args, f.PatientID)
		idx++
	}
	if f.OpenOnly {
		where += ` AND status NOT IN ('completed', 'cancelled')`
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM visit`+where, args...).Scan(&total); err != nil {
		return nil, 0, apperr.Internal("count visits", err)
	}

	query := `SELECT ` + visitCols + ` FROM visit` + where +
		fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d OFFSET $%d`, idx, idx+1)
	if limit <= 0 {
		limit = total
	}
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, apperr.Internal("list visits", err)
	}
	defer rows.Close()
	items := []*Visit{}
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, 0, apperr.Internal("scan visit", err)
		}
		items = append(items, v)
	}
	return items, total, rows.Err()
}

func (r *repoPG) AppendTransition(ctx context.Context, rec *TransitionRecord) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO visit_transition (visit_id, transition, from_status, to_status, actor, at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		rec.VisitID, rec.Transition, rec.From, rec.To, rec.Actor, rec.At).Scan(&rec.ID)
	if err != nil {
		return apperr.Internal("insert visit transition", err)
	}
	return nil
}

func (r *repoPG) History(ctx context.Context, visitID uuid.UUID) ([]TransitionRecord, error) {
	if _, err := r.GetByID(ctx, visitID); err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, visit_id, transition, from_status, to_status, COALESCE(actor, ''), at
		FROM visit_transition WHERE visit_id = $1 ORDER BY id`, visitID)
	if err != nil {
		return nil, apperr.Internal("query visit history", err)
	}
	defer rows.Close()
	out := []TransitionRecord{}
	for rows.Next() {
		var rec TransitionRecord
		if err := rows.Scan(&rec.ID, &rec.VisitID, &rec.Transition, &rec.From, &rec.To, &rec.Actor, &rec.At); err != nil {
			return nil, apperr.Internal("scan visit transition", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
