// internal/storage/memory.go
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/model"
)

// memory implements the Store interface using in-memory storage.
// It is the default ledger when no database is configured, and is used in tests.
type memory struct {
	mu        sync.RWMutex                      // Protects concurrent access to maps
	runs      map[string]*model.Run             // Map of run ID to run
	downloads map[string][]model.DownloadRecord // Map of run ID to outcomes in arrival order
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() Store {
	return &memory{
		runs:      make(map[string]*model.Run),
		downloads: make(map[string][]model.DownloadRecord),
	}
}

func (m *memory) StartRun(ctx context.Context, run model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.ID]; exists {
		return ErrConflict
	}
	runCopy := run
	runCopy.FinishedAt = nil
	m.runs[run.ID] = &runCopy
	return nil
}

func (m *memory) RecordDownload(ctx context.Context, rec model.DownloadRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[rec.RunID]; !exists {
		return fmt.Errorf("run %s: %w", rec.RunID, ErrNotFound)
	}
	m.downloads[rec.RunID] = append(m.downloads[rec.RunID], rec)
	return nil
}

func (m *memory) FinishRun(ctx context.Context, run model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.runs[run.ID]
	if !exists {
		return ErrNotFound
	}
	updated := run
	updated.StartedAt = existing.StartedAt
	if run.FinishedAt != nil {
		finished := *run.FinishedAt
		updated.FinishedAt = &finished
	}
	m.runs[run.ID] = &updated
	return nil
}

func (m *memory) GetRun(ctx context.Context, id string) (*model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, exists := m.runs[id]
	if !exists {
		return nil, ErrNotFound
	}
	runCopy := *run
	return &runCopy, nil
}

func (m *memory) ListRuns(ctx context.Context, query model.ListRunsQuery) (*model.ListRunsResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]model.Run, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, *run)
	}
	// Sort by startedAt descending, then by ID descending for stable ordering
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})

	// Apply cursor if provided
	if query.Cursor != "" {
		cur, err := decodeCursor(query.Cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor: %w", err)
		}
		start := len(runs)
		for i, run := range runs {
			if run.StartedAt.Before(cur.LastStartedAt) ||
				(run.StartedAt.Equal(cur.LastStartedAt) && run.ID < cur.LastID) {
				start = i
				break
			}
		}
		runs = runs[start:]
	}

	limit := pageLimit(query.Limit)
	result := &model.ListRunsResult{Runs: runs}
	if len(runs) > limit {
		result.Runs = runs[:limit]
		last := result.Runs[limit-1]
		result.NextCursor = encodeCursor(last.StartedAt, last.ID)
	}
	return result, nil
}

func (m *memory) ListDownloads(ctx context.Context, runID string) ([]model.DownloadRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, exists := m.runs[runID]; !exists {
		return nil, ErrNotFound
	}
	out := make([]model.DownloadRecord, len(m.downloads[runID]))
	copy(out, m.downloads[runID])
	return out, nil
}

func (m *memory) Ping(ctx context.Context) error { return nil }

func (m *memory) Close() {}
