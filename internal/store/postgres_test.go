package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirimport/internal/importer"
	"github.com/ehr/fhirimport/internal/platform/db"
)

// newPostgresStore connects to TEST_DATABASE_URL and applies migrations. The
// test is skipped when no database is available.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{DatabaseURL: url, MaxConns: 4}, zerolog.Nop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := db.NewMigrator(pool, Migrations()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewPostgresStore(pool)
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	run, err := s.Create(ctx, "p1", []string{"Condition", "Observation"}, importer.Progress{
		Status: importer.StatusPending,
		Errors: []importer.ImportError{},
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if _, err := s.GetData(ctx, run.ID); !errors.Is(err, ErrDataNotReady) {
		t.Fatalf("GetData() before save error = %v, want ErrDataNotReady", err)
	}

	final := importer.Progress{
		Status:             importer.StatusCompleted,
		ProcessedResources: 2,
		Errors:             []importer.ImportError{{ResourceType: "Observation", Message: "HTTP 500", Recoverable: true}},
	}
	if err := s.SaveResult(ctx, run.ID, sampleData(), final); err != nil {
		t.Fatalf("SaveResult() error: %v", err)
	}

	got, err := s.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status() != importer.StatusCompleted || !got.HasData || len(got.Progress.Errors) != 1 {
		t.Errorf("Get() = %+v", got)
	}
	if len(got.ResourceTypes) != 2 || got.ResourceTypes[0] != "Condition" || got.ResourceTypes[1] != "Observation" {
		t.Errorf("resource types = %v, want the configured order", got.ResourceTypes)
	}

	data, err := s.GetData(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetData() error: %v", err)
	}
	if len(data.Conditions) != 2 {
		t.Fatalf("conditions = %d, want 2", len(data.Conditions))
	}
	if data.Observations == nil || len(data.Observations) != 0 {
		t.Errorf("observations = %v, want empty", data.Observations)
	}
	if len(data.Patient) == 0 {
		t.Error("patient not restored")
	}

	runs, err := s.List(ctx, 10)
	if err != nil || len(runs) == 0 {
		t.Errorf("List() = %d runs, %v", len(runs), err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
}

func TestPostgresStore_NotFound(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	if _, err := s.Get(ctx, uuid.New()); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Get() error = %v, want ErrRunNotFound", err)
	}
	if err := s.UpdateProgress(ctx, uuid.New(), importer.Progress{}); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("UpdateProgress() error = %v, want ErrRunNotFound", err)
	}
}

func TestMergeResourceTypes(t *testing.T) {
	data := importer.NewFetchedData()
	for _, rt := range []string{"Observation", "Procedure", "Condition", "AllergyIntolerance"} {
		data.Put(rt, nil)
	}
	got := mergeResourceTypes([]string{"Observation", "Condition"}, data)
	want := []string{"Observation", "Condition", "AllergyIntolerance", "Procedure"}
	if len(got) != len(want) {
		t.Fatalf("merged = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("merged[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
