package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alimasry/go-workflow-editor/workflow"
)

type workflowRecord struct {
	info WorkflowInfo
	// versions[i].Number == i+1
	versions []Version
}

// MemoryStore is an in-memory implementation of WorkflowStore.
// Graphs are copied on the way in and out.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*workflowRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workflows: make(map[string]*workflowRecord)}
}

func copyInfo(info WorkflowInfo) *WorkflowInfo {
	info.Graph = info.Graph.Clone()
	return &info
}

func (s *MemoryStore) Create(_ context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[id]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, id)
	}
	now := time.Now()
	s.workflows[id] = &workflowRecord{
		info: WorkflowInfo{
			ID:        id,
			Name:      name,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*WorkflowInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return copyInfo(rec.info), nil
}

func (s *MemoryStore) List(_ context.Context) ([]WorkflowInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]WorkflowInfo, 0, len(s.workflows))
	for _, rec := range s.workflows {
		result = append(result, *copyInfo(rec.info))
	}
	slices.SortFunc(result, func(a, b WorkflowInfo) int { return strings.Compare(a.ID, b.ID) })
	return result, nil
}

func (s *MemoryStore) SaveVersion(_ context.Context, id string, g workflow.Graph) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.workflows[id]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	now := time.Now()
	number := len(rec.versions) + 1
	rec.versions = append(rec.versions, Version{
		Number:    number,
		Graph:     g.Clone(),
		CreatedAt: now,
	})
	rec.info.Version = number
	rec.info.Graph = g.Clone()
	rec.info.UpdatedAt = now
	return number, nil
}

func (s *MemoryStore) ListVersions(_ context.Context, id string) ([]VersionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	result := make([]VersionSummary, 0, len(rec.versions))
	for i := len(rec.versions) - 1; i >= 0; i-- {
		result = append(result, rec.versions[i].Summary())
	}
	return result, nil
}

func (s *MemoryStore) GetVersion(_ context.Context, id string, number int) (*Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if number < 1 || number > len(rec.versions) {
		return nil, fmt.Errorf("%w: %q v%d", ErrVersionNotFound, id, number)
	}
	v := rec.versions[number-1]
	v.Graph = v.Graph.Clone()
	return &v, nil
}

func (s *MemoryStore) RestoreVersion(_ context.Context, id string, number int) (*WorkflowInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if rec.info.Public {
		return nil, fmt.Errorf("%w: unpublish %q before restoring", ErrPublicWorkflow, id)
	}
	if number < 1 || number > len(rec.versions) {
		return nil, fmt.Errorf("%w: %q v%d", ErrVersionNotFound, id, number)
	}
	clear(rec.versions[number:])
	rec.versions = rec.versions[:number]
	rec.info.Version = number
	rec.info.Graph = rec.versions[number-1].Graph.Clone()
	rec.info.UpdatedAt = time.Now()
	return copyInfo(rec.info), nil
}

func (s *MemoryStore) SetPublic(_ context.Context, id string, public bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.workflows[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	rec.info.Public = public
	rec.info.UpdatedAt = time.Now()
	return nil
}

// versionCount returns the number of stored versions, or -1 if the
// workflow is unknown.
func (s *MemoryStore) versionCount(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.workflows[id]
	if !ok {
		return -1
	}
	return len(rec.versions)
}

// snapshot returns a copy of the record for id.
func (s *MemoryStore) snapshot(id string) (WorkflowInfo, []Version, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.workflows[id]
	if !ok {
		return WorkflowInfo{}, nil, false
	}
	versions := make([]Version, len(rec.versions))
	for i, v := range rec.versions {
		v.Graph = v.Graph.Clone()
		versions[i] = v
	}
	return *copyInfo(rec.info), versions, true
}

// put installs a record loaded from elsewhere unless id is already present.
func (s *MemoryStore) put(info WorkflowInfo, versions []Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[info.ID]; exists {
		return
	}
	s.workflows[info.ID] = &workflowRecord{info: info, versions: versions}
}
