package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirimport/internal/importer"
	"github.com/ehr/fhirimport/internal/platform/db"
)

// PostgresStore persists runs in the import_runs and import_resources
// tables. Apply Migrations with db.Migrator before use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// patientRow is the resource_type under which the patient resource is kept.
const patientRow = importer.TypePatient

const runCols = `id, patient_id, progress, resource_types, data_saved_at IS NOT NULL, created_at, updated_at`

func scanRun(row pgx.Row) (*Run, error) {
	var (
		r        Run
		progress []byte
	)
	if err := row.Scan(&r.ID, &r.PatientID, &progress, &r.ResourceTypes, &r.HasData, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(progress, &r.Progress); err != nil {
		return nil, fmt.Errorf("decode progress of run %s: %w", r.ID, err)
	}
	if r.ResourceTypes == nil {
		r.ResourceTypes = []string{}
	}
	return &r, nil
}

func (s *PostgresStore) Create(ctx context.Context, patientID string, resourceTypes []string, p importer.Progress) (*Run, error) {
	progress, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode progress: %w", err)
	}
	if resourceTypes == nil {
		resourceTypes = []string{}
	}
	id := uuid.New()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO import_runs (id, patient_id, status, progress, resource_types)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+runCols,
		id, patientID, string(p.Status), progress, resourceTypes)
	r, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("insert import run: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, id uuid.UUID, p importer.Progress) error {
	return updateProgress(ctx, s.pool, id, p)
}

// queryable is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func updateProgress(ctx context.Context, q queryable, id uuid.UUID, p importer.Progress) error {
	progress, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	var got uuid.UUID
	err = q.QueryRow(ctx, `
		UPDATE import_runs SET status = $2, progress = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING id`,
		id, string(p.Status), progress).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrRunNotFound
	}
	if err != nil {
		return fmt.Errorf("update import run %s: %w", id, err)
	}
	return nil
}

// SaveResult writes the final progress and every fetched resource in one
// transaction. Resources are bulk loaded with COPY.
func (s *PostgresStore) SaveResult(ctx context.Context, id uuid.UUID, data *importer.FetchedData, p importer.Progress) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := updateProgress(ctx, tx, id, p); err != nil {
		return err
	}

	if data != nil {
		if _, err := tx.Exec(ctx, `DELETE FROM import_resources WHERE run_id = $1`, id); err != nil {
			return fmt.Errorf("clear resources of run %s: %w", id, err)
		}

		rows := resourceRows(id, data)
		if len(rows) > 0 {
			_, err := tx.CopyFrom(ctx,
				pgx.Identifier{"import_resources"},
				[]string{"run_id", "resource_type", "position", "resource"},
				pgx.CopyFromRows(rows))
			if err != nil {
				return fmt.Errorf("copy resources of run %s: %w", id, err)
			}
		}

		var configured []string
		if err := tx.QueryRow(ctx, `SELECT resource_types FROM import_runs WHERE id = $1`, id).Scan(&configured); err != nil {
			return fmt.Errorf("load resource types of run %s: %w", id, err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE import_runs SET resource_types = $2, data_saved_at = $3 WHERE id = $1`,
			id, mergeResourceTypes(configured, data), time.Now().UTC()); err != nil {
			return fmt.Errorf("mark data saved for run %s: %w", id, err)
		}
	}

	return tx.Commit(ctx)
}

// mergeResourceTypes keeps the configured fetch order and appends, sorted,
// any type present in data but not configured.
func mergeResourceTypes(configured []string, data *importer.FetchedData) []string {
	out := append([]string(nil), configured...)
	seen := make(map[string]bool, len(configured))
	for _, rt := range configured {
		seen[rt] = true
	}
	var extra []string
	for rt := range data.Raw {
		if !seen[rt] {
			extra = append(extra, rt)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

func resourceRows(id uuid.UUID, data *importer.FetchedData) [][]any {
	var rows [][]any
	if len(data.Patient) > 0 {
		rows = append(rows, []any{id, patientRow, 0, []byte(data.Patient)})
	}
	for rt, rs := range data.Raw {
		for i, r := range rs {
			rows = append(rows, []any{id, rt, i, []byte(r)})
		}
	}
	return rows
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runCols+` FROM import_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get import run %s: %w", id, err)
	}
	return r, nil
}

// GetData rebuilds FetchedData from import_resources, in stored order. Types
// that returned no resources come back as empty slices.
func (s *PostgresStore) GetData(ctx context.Context, id uuid.UUID) (*importer.FetchedData, error) {
	run, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !run.HasData {
		return nil, ErrDataNotReady
	}

	rows, err := s.pool.Query(ctx, `
		SELECT resource_type, resource FROM import_resources
		WHERE run_id = $1
		ORDER BY resource_type, position`, id)
	if err != nil {
		return nil, fmt.Errorf("query resources of run %s: %w", id, err)
	}
	defer rows.Close()

	byType := make(map[string][]json.RawMessage)
	data := importer.NewFetchedData()
	for rows.Next() {
		var (
			rt       string
			resource []byte
		)
		if err := rows.Scan(&rt, &resource); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		if rt == patientRow {
			data.Patient = json.RawMessage(resource)
			continue
		}
		byType[rt] = append(byType[rt], json.RawMessage(resource))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resources: %w", err)
	}

	for _, rt := range run.ResourceTypes {
		data.Put(rt, byType[rt])
	}
	return data, nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]*Run, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+runCols+` FROM import_runs ORDER BY created_at DESC, id LIMIT $1`, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list import runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate import runs: %w", err)
	}
	return runs, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Stats reports connection pool statistics for the health endpoint.
func (s *PostgresStore) Stats() *db.PoolStats {
	return db.GetPoolStats(s.pool)
}
