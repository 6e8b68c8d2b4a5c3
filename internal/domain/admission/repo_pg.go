package admission

import (
	"context"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hms/patientflow/internal/platform/apperr"
	"github.com/hms/patientflow/internal/platform/db"
)

var dialect = goqu.Dialect("postgres")

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type inventoryPG struct{ pool *pgxpool.Pool }

func NewInventoryPG(pool *pgxpool.Pool) Inventory { return &inventoryPG{pool: pool} }

func (r *inventoryPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *inventoryPG) CreateWard(ctx context.Context, w *Ward) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx,
		`INSERT INTO ward (id, name, type) VALUES ($1, $2, $3) RETURNING created_at`,
		w.ID, w.Name, w.Type).Scan(&w.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.Conflict("ward %q already exists", w.Name)
	}
	if err != nil {
		return apperr.Internal("insert ward", err)
	}
	return nil
}

func (r *inventoryPG) GetWard(ctx context.Context, id uuid.UUID) (*Ward, error) {
	var w Ward
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id, name, type, created_at FROM ward WHERE id = $1`, id).
		Scan(&w.ID, &w.Name, &w.Type, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, wardNotFound(id)
	}
	if err != nil {
		return nil, apperr.Internal("select ward", err)
	}
	return &w, nil
}

func (r *inventoryPG) ListWards(ctx context.Context) ([]*Ward, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, name, type, created_at FROM ward ORDER BY name`)
	if err != nil {
		return nil, apperr.Internal("list wards", err)
	}
	defer rows.Close()
	out := []*Ward{}
	for rows.Next() {
		var w Ward
		if err := rows.Scan(&w.ID, &w.Name, &w.Type, &w.CreatedAt); err != nil {
			return nil, apperr.Internal("scan ward", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

var bedCols = []interface{}{"id", "ward_id", "number", "type", "price_per_day", "status", "updated_at"}

const bedReturning = `id, ward_id, number, type, price_per_day, status, updated_at`

func scanBed(row pgx.Row) (*Bed, error) {
	var b Bed
	err := row.Scan(&b.ID, &b.WardID, &b.Number, &b.Type, &b.PricePerDay, &b.Status, &b.UpdatedAt)
	return &b, err
}

func (r *inventoryPG) CreateBed(ctx context.Context, b *Bed) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.Status == "" {
		b.Status = BedAvailable
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO bed (id, ward_id, number, type, price_per_day, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING updated_at`,
		b.ID, b.WardID, b.Number, b.Type, b.PricePerDay, b.Status).Scan(&b.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return wardNotFound(b.WardID)
	}
	if isUniqueViolation(err) {
		return apperr.Conflict("bed %s already exists in ward", b.Number)
	}
	if err != nil {
		return apperr.Internal("insert bed", err)
	}
	return nil
}

func (r *inventoryPG) GetBed(ctx context.Context, id uuid.UUID) (*Bed, error) {
	b, err := scanBed(r.conn(ctx).QueryRow(ctx, `SELECT `+bedReturning+` FROM bed WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, bedNotFound(id)
	}
	if err != nil {
		return nil, apperr.Internal("select bed", err)
	}
	return b, nil
}

func listBedsQuery(wardID uuid.UUID, status BedStatus) (string, []interface{}, error) {
	ds := dialect.From("bed").Select(bedCols...).Where(goqu.I("ward_id").Eq(wardID))
	if status != "" {
		ds = ds.Where(goqu.I("status").Eq(status))
	}
	return ds.Order(goqu.I("number").Asc()).Prepared(true).ToSQL()
}

func (r *inventoryPG) ListBeds(ctx context.Context, wardID uuid.UUID, status BedStatus) ([]*Bed, error) {
	query, args, err := listBedsQuery(wardID, status)
	if err != nil {
		return nil, apperr.Internal("build bed query", err)
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Internal("list beds", err)
	}
	defer rows.Close()
	out := []*Bed{}
	for rows.Next() {
		b, err := scanBed(rows)
		if err != nil {
			return nil, apperr.Internal("scan bed", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// bedStatusSQL writes only while the bed still has the expected status.
const bedStatusSQL = `
		UPDATE bed SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING ` + bedReturning

func (r *inventoryPG) UpdateBedStatus(ctx context.Context, id uuid.UUID, expected, to BedStatus, now time.Time) (*Bed, error) {
	b, err := scanBed(r.conn(ctx).QueryRow(ctx, bedStatusSQL, id, expected, to, now))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := r.GetBed(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrBedTaken
	}
	if err != nil {
		return nil, apperr.Internal("update bed status", err)
	}
	return b, nil
}

type requestRepoPG struct{ pool *pgxpool.Pool }

func NewRequestRepoPG(pool *pgxpool.Pool) RequestRepository { return &requestRepoPG{pool: pool} }

func (r *requestRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

var requestCols = []interface{}{
	"id", "seq", "patient_id", "visit_id", "department", "doctor", "diagnosis", "priority",
	"status", "bed_id", "requested_at", "assigned_at", "cancelled_at", "discharged_at",
}

func scanRequest(row pgx.Row) (*Request, error) {
	var q Request
	err := row.Scan(&q.ID, &q.Seq, &q.PatientID, &q.VisitID, &q.Department, &q.RequestingDoctor,
		&q.Diagnosis, &q.Priority, &q.Status, &q.BedID, &q.RequestedAt,
		&q.AssignedAt, &q.CancelledAt, &q.DischargedAt)
	return &q, err
}

func (r *requestRepoPG) Create(ctx context.Context, q *Request) error {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	query, args, err := dialect.Insert("admission_request").Rows(goqu.Record{
		"id":           q.ID,
		"patient_id":   q.PatientID,
		"visit_id":     q.VisitID,
		"department":   q.Department,
		"doctor":       q.RequestingDoctor,
		"diagnosis":    q.Diagnosis,
		"priority":     q.Priority,
		"status":       q.Status,
		"requested_at": q.RequestedAt,
	}).Returning("seq").Prepared(true).ToSQL()
	if err != nil {
		return apperr.Internal("build admission request insert", err)
	}
	if err := r.conn(ctx).QueryRow(ctx, query, args...).Scan(&q.Seq); err != nil {
		return apperr.Internal("insert admission request", err)
	}
	return nil
}

func (r *requestRepoPG) selectOne(ctx context.Context, where goqu.Ex, notFound error) (*Request, error) {
	query, args, err := dialect.From("admission_request").Select(requestCols...).Where(where).Prepared(true).ToSQL()
	if err != nil {
		return nil, apperr.Internal("build admission request select", err)
	}
	q, err := scanRequest(r.conn(ctx).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound
	}
	if err != nil {
		return nil, apperr.Internal("select admission request", err)
	}
	return q, nil
}

func (r *requestRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Request, error) {
	return r.selectOne(ctx, goqu.Ex{"id": id}, requestNotFound(id))
}

func (r *requestRepoPG) GetAssignedByBed(ctx context.Context, bedID uuid.UUID) (*Request, error) {
	return r.selectOne(ctx, goqu.Ex{"bed_id": bedID, "status": RequestAssigned},
		apperr.NotFound("no admission request holds bed %s", bedID))
}

const updateRequestSQL = `
		UPDATE admission_request
		SET status = $2, bed_id = $3, assigned_at = $4, cancelled_at = $5, discharged_at = $6
		WHERE id = $1 AND status = $7`

func (r *requestRepoPG) Update(ctx context.Context, q *Request, expected RequestStatus) error {
	tag, err := r.conn(ctx).Exec(ctx, updateRequestSQL,
		q.ID, q.Status, q.BedID, q.AssignedAt, q.CancelledAt, q.DischargedAt, expected)
	if isUniqueViolation(err) {
		return ErrBedTaken
	}
	if err != nil {
		return apperr.Internal("update admission request", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	cur, err := r.GetByID(ctx, q.ID)
	if err != nil {
		return err
	}
	return staleRequest(q, cur.Status, expected)
}

func listRequestsQuery(status RequestStatus) (string, []interface{}, error) {
	return dialect.From("admission_request").Select(requestCols...).
		Where(goqu.Ex{"status": status}).Order(goqu.I("seq").Asc()).Prepared(true).ToSQL()
}

func (r *requestRepoPG) ListByStatus(ctx context.Context, status RequestStatus) ([]*Request, error) {
	query, args, err := listRequestsQuery(status)
	if err != nil {
		return nil, apperr.Internal("build admission request list", err)
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Internal("list admission requests", err)
	}
	defer rows.Close()
	out := []*Request{}
	for rows.Next() {
		q, err := scanRequest(rows)
		if err != nil {
			return nil, apperr.Internal("scan admission request", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}
