// Package store persists import runs: their progress while they execute and
// the fetched resources once they finish.
package store

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/fhirimport/internal/importer"
)

var (
	// ErrRunNotFound is returned when no run has the requested id.
	ErrRunNotFound = errors.New("import run not found")
	// ErrDataNotReady is returned by GetData before a run's result is saved.
	ErrDataNotReady = errors.New("import run has no saved data")
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the SQL migrations for PostgresStore.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Run is a persisted import run.
type Run struct {
	ID            uuid.UUID         `json:"id"`
	PatientID     string            `json:"patientId"`
	ResourceTypes []string          `json:"resourceTypes"`
	Progress      importer.Progress `json:"progress"`
	HasData       bool              `json:"hasData"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// Status is the run's progress status.
func (r *Run) Status() importer.Status {
	return r.Progress.Status
}

// RunStore persists runs. Implementations copy on write and on read, so
// callers never share state with the store.
type RunStore interface {
	// Create assigns an id and stores a new run.
	Create(ctx context.Context, patientID string, resourceTypes []string, p importer.Progress) (*Run, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, p importer.Progress) error
	// SaveResult stores the final progress and the fetched data together.
	SaveResult(ctx context.Context, id uuid.UUID, data *importer.FetchedData, p importer.Progress) error
	Get(ctx context.Context, id uuid.UUID) (*Run, error)
	GetData(ctx context.Context, id uuid.UUID) (*importer.FetchedData, error)
	// List returns the most recent runs first.
	List(ctx context.Context, limit int) ([]*Run, error)
	Ping(ctx context.Context) error
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func listLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	}
	return limit
}
