// internal/storage/store.go
// Package storage provides the download ledger: a record of every export run
// and of what happened to each recording within it. Implementations exist for
// in-memory and PostgreSQL backends.
package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when a run is not found
	ErrConflict = errors.New("conflict")  // Returned when a run already exists
)

// Store defines the ledger operations used by the exporter and the daemon API.
type Store interface {
	// Run lifecycle
	StartRun(ctx context.Context, run model.Run) error  // Insert a new, unfinished run
	FinishRun(ctx context.Context, run model.Run) error // Store final counters and finish time

	// RecordDownload appends an outcome to an existing run.
	RecordDownload(ctx context.Context, rec model.DownloadRecord) error

	// Queries used by the daemon API
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, query model.ListRunsQuery) (*model.ListRunsResult, error)
	ListDownloads(ctx context.Context, runID string) ([]model.DownloadRecord, error)

	Ping(ctx context.Context) error // Backend health
	Close()
}

// Open returns a PostgreSQL store when dsn is set, otherwise an in-memory one.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		return NewMemory(), nil
	}
	return NewPostgres(dsn)
}

// pageLimit clamps a requested page size.
func pageLimit(limit int) int {
	if limit <= 0 {
		return 25
	}
	if limit > 100 {
		return 100
	}
	return limit
}

// cursorData represents the data encoded in a pagination cursor
type cursorData struct {
	LastStartedAt time.Time `json:"lastStartedAt"` // Start time of the last run on the page
	LastID        string    `json:"lastId"`        // ID of the last run on the page
}

// encodeCursor encodes cursor data into a base64 string
func encodeCursor(lastStartedAt time.Time, lastID string) string {
	jsonBytes, _ := json.Marshal(cursorData{LastStartedAt: lastStartedAt, LastID: lastID})
	return base64.URLEncoding.EncodeToString(jsonBytes)
}

// decodeCursor decodes a base64 cursor string into cursor data
func decodeCursor(cursor string) (*cursorData, error) {
	dataBytes, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor format: %w", err)
	}

	var data cursorData
	if err := json.Unmarshal(dataBytes, &data); err != nil {
		return nil, fmt.Errorf("invalid cursor data: %w", err)
	}
	return &data, nil
}
