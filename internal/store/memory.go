package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/fhirimport/internal/importer"
)

// MemoryStore keeps runs in process memory. It is used when no database is
// configured and in tests.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]*memoryRun
	now  func() time.Time
}

type memoryRun struct {
	run  Run
	data *importer.FetchedData
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[uuid.UUID]*memoryRun), now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, patientID string, resourceTypes []string, p importer.Progress) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	r := Run{
		ID:            uuid.New(),
		PatientID:     patientID,
		ResourceTypes: append([]string{}, resourceTypes...),
		Progress:      p.Clone(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.runs[r.ID] = &memoryRun{run: r}
	return copyRun(&r), nil
}

func (s *MemoryStore) UpdateProgress(_ context.Context, id uuid.UUID, p importer.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mr, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	mr.run.Progress = p.Clone()
	mr.run.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) SaveResult(_ context.Context, id uuid.UUID, data *importer.FetchedData, p importer.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mr, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	mr.run.Progress = p.Clone()
	mr.run.UpdatedAt = s.now().UTC()
	if data != nil {
		mr.data = copyData(data)
		mr.run.HasData = true
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mr, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return copyRun(&mr.run), nil
}

func (s *MemoryStore) GetData(_ context.Context, id uuid.UUID) (*importer.FetchedData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mr, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	if mr.data == nil {
		return nil, ErrDataNotReady
	}
	return copyData(mr.data), nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Run, 0, len(s.runs))
	for _, mr := range s.runs {
		out = append(out, copyRun(&mr.run))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if n := listLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func copyRun(r *Run) *Run {
	cp := *r
	cp.ResourceTypes = append([]string{}, r.ResourceTypes...)
	cp.Progress = r.Progress.Clone()
	return &cp
}

// copyData deep copies d. Resource bytes are copied too so a caller editing
// a returned resource cannot change the stored one.
func copyData(d *importer.FetchedData) *importer.FetchedData {
	out := importer.NewFetchedData()
	if len(d.Patient) > 0 {
		out.Patient = append(json.RawMessage{}, d.Patient...)
	}
	for rt, rs := range d.Raw {
		cp := make([]json.RawMessage, len(rs))
		for i, r := range rs {
			cp[i] = append(json.RawMessage{}, r...)
		}
		out.Put(rt, cp)
	}
	return out
}
