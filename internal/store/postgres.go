package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/stacklok/socrata-cache/internal/dataset"
)

const datasetColumns = "dataset_id, resource_id, reference_date, status, type, created_at, updated_at"

type postgresStore struct {
	db   *sql.DB
	opts options
}

// NewPostgresStore returns a Store backed by the dataset table. The schema is
// managed by the migrations in the database package.
func NewPostgresStore(db *sql.DB, opts ...Option) Store {
	return &postgresStore{
		db:   db,
		opts: newOptions(opts),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDataset(row rowScanner) (*dataset.Dataset, error) {
	var (
		d      dataset.Dataset
		status string
	)
	if err := row.Scan(&d.ID, &d.ResourceID, &d.ReferenceDate, &status, &d.Type, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Status = dataset.Status(status)
	d.ReferenceDate = d.ReferenceDate.UTC()
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

func (p *postgresStore) Get(ctx context.Context, id string) (*dataset.Dataset, error) {
	row := p.db.QueryRowContext(ctx,
		"SELECT "+datasetColumns+" FROM dataset WHERE dataset_id = $1", id)

	d, err := scanDataset(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", dataset.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get dataset %s: %w", id, err)
	}
	return d, nil
}

// buildListQuery renders the SELECT for opts with positional parameters
func buildListQuery(opts ListOptions) (string, []any) {
	var (
		where []string
		args  []any
	)
	if opts.ResourceID != "" {
		args = append(args, opts.ResourceID)
		where = append(where, fmt.Sprintf("resource_id = $%d", len(args)))
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, st := range opts.Statuses {
			args = append(args, string(st))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if opts.ReferenceDate != nil {
		args = append(args, opts.ReferenceDate.UTC())
		where = append(where, fmt.Sprintf("reference_date = $%d", len(args)))
	}

	query := "SELECT " + datasetColumns + " FROM dataset"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, dataset_id ASC"
	return query, args
}

func (p *postgresStore) List(ctx context.Context, opts ListOptions) ([]*dataset.Dataset, error) {
	query, args := buildListQuery(opts)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	defer rows.Close()

	var result []*dataset.Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dataset: %w", err)
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	return result, nil
}

func (p *postgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *postgresStore) Create(ctx context.Context, d *dataset.Dataset) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("dataset id is required")
	}

	_, err := p.db.ExecContext(ctx,
		"INSERT INTO dataset ("+datasetColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7)",
		d.ID, d.ResourceID, d.ReferenceDate.UTC(), string(d.Status), d.Type, d.CreatedAt.UTC(), d.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert dataset %s: %w", d.ID, err)
	}
	return nil
}

func (p *postgresStore) UpdateStatus(ctx context.Context, id string, status dataset.Status) (*dataset.Dataset, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx,
		"SELECT "+datasetColumns+" FROM dataset WHERE dataset_id = $1 FOR UPDATE", id)
	d, err := scanDataset(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", dataset.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load dataset %s: %w", id, err)
	}

	if err := dataset.ValidateTransition(d.Status, status); err != nil {
		return nil, fmt.Errorf("dataset %s: %w", id, err)
	}

	d.Status = status
	d.UpdatedAt = p.opts.now().UTC()

	if _, err := tx.ExecContext(ctx,
		"UPDATE dataset SET status = $1, updated_at = $2 WHERE dataset_id = $3",
		string(d.Status), d.UpdatedAt, id,
	); err != nil {
		return nil, fmt.Errorf("failed to update dataset %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit status update for %s: %w", id, err)
	}
	return d, nil
}

func (p *postgresStore) Close() error {
	return p.db.Close()
}
