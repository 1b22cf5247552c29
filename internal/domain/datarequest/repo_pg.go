package datarequest

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ db queryable }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{db: pool}
}

const drCols = `id, exchange_id, project_id, status, message, created_at, updated_at`

func (r *repoPG) scanRow(row pgx.Row) (*DataRequest, error) {
	var dr DataRequest
	err := row.Scan(&dr.ID, &dr.ExchangeID, &dr.ProjectID, &dr.Status, &dr.Message,
		&dr.CreatedAt, &dr.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &dr, err
}

func (r *repoPG) Create(ctx context.Context, dr *DataRequest) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO data_requests (id, exchange_id, project_id, status, message)
		VALUES ($1,$2,$3,$4,$5)`,
		dr.ID, dr.ExchangeID, dr.ProjectID, dr.Status, dr.Message)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id string) (*DataRequest, error) {
	return r.scanRow(r.db.QueryRow(ctx, `SELECT `+drCols+` FROM data_requests WHERE id = $1`, id))
}

func (r *repoPG) GetByExchangeAndProject(ctx context.Context, exchangeID string, projectID *string) (*DataRequest, error) {
	return r.scanRow(r.db.QueryRow(ctx, `
		SELECT `+drCols+` FROM data_requests
		WHERE exchange_id = $1 AND project_id IS NOT DISTINCT FROM $2`,
		exchangeID, projectID))
}

func (r *repoPG) List(ctx context.Context) ([]*DataRequest, error) {
	rows, err := r.db.Query(ctx, `SELECT `+drCols+` FROM data_requests ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*DataRequest
	for rows.Next() {
		dr, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, dr)
	}
	return items, rows.Err()
}

func (r *repoPG) UpdateStatus(ctx context.Context, id string, status Status, message string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE data_requests SET status=$2, message=$3, updated_at=NOW()
		WHERE id = $1`,
		id, status, message)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type syncStateRepoPG struct{ db queryable }

func NewSyncStateRepoPG(pool *pgxpool.Pool) SyncStateRepository {
	return &syncStateRepoPG{db: pool}
}

// The window end is stored as milliseconds since epoch in a single row.
func (r *syncStateRepoPG) LastWindowEnd(ctx context.Context) (time.Time, error) {
	var millis int64
	err := r.db.QueryRow(ctx, `SELECT window_end FROM sync_state WHERE id = 1`).Scan(&millis)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(millis).UTC(), nil
}

func (r *syncStateRepoPG) SetLastWindowEnd(ctx context.Context, t time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO sync_state (id, window_end) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET window_end = EXCLUDED.window_end`,
		t.UnixMilli())
	return err
}
