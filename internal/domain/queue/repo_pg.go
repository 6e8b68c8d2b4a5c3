package queue

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hms/patientflow/internal/domain/triage"
	"github.com/hms/patientflow/internal/domain/visit"
	"github.com/hms/patientflow/internal/platform/apperr"
	"github.com/hms/patientflow/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const entryCols = `id, seq, visit_id, patient_id, station, priority, status,
	enqueued_at, called_at, held_at, completed_at`

// serviceOrder matches Entry.Before.
const serviceOrder = `ORDER BY priority_rank DESC, enqueued_at, seq`

const (
	insertEntrySQL = `
		INSERT INTO queue_entry (id, visit_id, patient_id, station, priority, priority_rank, status, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq`

	updateEntrySQL = `
		UPDATE queue_entry SET status = $2, called_at = $3, held_at = $4, completed_at = $5
		WHERE id = $1 AND status = $6`

	// enqueued_at is left alone so a re-triaged entry keeps its arrival.
	updatePrioritySQL = `
		UPDATE queue_entry SET priority = $2, priority_rank = $3
		WHERE id = $1 AND status = $4`

	deleteEntrySQL = `DELETE FROM queue_entry WHERE id = $1 AND status IN ('waiting', 'on_hold')`

	peekNextSQL = `SELECT ` + entryCols + ` FROM queue_entry
		WHERE station = $1 AND status = 'waiting' ` + serviceOrder + ` LIMIT 1`

	listOpenSQL = `SELECT ` + entryCols + ` FROM queue_entry
		WHERE station = $1 AND status <> 'completed' ` + serviceOrder
)

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.Seq, &e.VisitID, &e.PatientID, &e.Station, &e.Priority, &e.Status,
		&e.EnqueuedAt, &e.CalledAt, &e.HeldAt, &e.CompletedAt)
	return &e, err
}

func (r *repoPG) Create(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, insertEntrySQL,
		e.ID, e.VisitID, e.PatientID, e.Station, e.Priority, e.Priority.Rank(), e.Status, e.EnqueuedAt,
	).Scan(&e.Seq)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrVisitQueued
	}
	if err != nil {
		return apperr.Internal("insert queue entry", err)
	}
	return nil
}

func (r *repoPG) one(ctx context.Context, notFound error, query string, args ...interface{}) (*Entry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound
	}
	if err != nil {
		return nil, apperr.Internal("select queue entry", err)
	}
	return e, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return r.one(ctx, apperr.NotFound("queue entry %s not found", id),
		`SELECT `+entryCols+` FROM queue_entry WHERE id = $1`, id)
}

func (r *repoPG) GetOpenByVisit(ctx context.Context, visitID uuid.UUID) (*Entry, error) {
	return r.one(ctx, apperr.NotFound("visit %s has no open queue entry", visitID),
		`SELECT `+entryCols+` FROM queue_entry WHERE visit_id = $1 AND status <> 'completed'`, visitID)
}

// stale turns a zero-row conditional write into the matching error.
func (r *repoPG) stale(ctx context.Context, id uuid.UUID, expected Status) error {
	cur, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return apperr.State("queue entry %s is %s, not %s", id, cur.Status, expected)
}

func (r *repoPG) Update(ctx context.Context, e *Entry, expected Status) error {
	tag, err := r.conn(ctx).Exec(ctx, updateEntrySQL,
		e.ID, e.Status, e.CalledAt, e.HeldAt, e.CompletedAt, expected)
	if err != nil {
		return apperr.Internal("update queue entry", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return r.stale(ctx, e.ID, expected)
}

func (r *repoPG) UpdatePriority(ctx context.Context, id uuid.UUID, p triage.Priority, expected Status) error {
	tag, err := r.conn(ctx).Exec(ctx, updatePrioritySQL, id, p, p.Rank(), expected)
	if err != nil {
		return apperr.Internal("update queue priority", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return r.stale(ctx, id, expected)
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, deleteEntrySQL, id)
	if err != nil {
		return apperr.Internal("delete queue entry", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	cur, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return apperr.State("queue entry %s is %s and cannot be withdrawn", id, cur.Status)
}

func (r *repoPG) PeekNext(ctx context.Context, station visit.Station) (*Entry, error) {
	return r.one(ctx, emptyQueue(station), peekNextSQL, station)
}

func (r *repoPG) ListOpen(ctx context.Context, station visit.Station) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, listOpenSQL, station)
	if err != nil {
		return nil, apperr.Internal("list queue entries", err)
	}
	defer rows.Close()
	out := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, apperr.Internal("scan queue entry", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
