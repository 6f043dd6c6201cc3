// internal/storage/postgres.go
// PostgreSQL implementation of the Store interface, used when a DSN is configured
// so the ledger survives across scheduled runs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/model"
)

// postgres provides persistent storage for runs and download outcomes.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
// Parameters:
//   - dsn: Database connection string in PostgreSQL format
// Returns:
//   - Store: Implementation of the storage interface
//   - error: Any error that occurred during initialization
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// The exporter writes sequentially; a small pool is enough
	config.MaxConns = 4
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates the ledger tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- One row per export run
		CREATE TABLE IF NOT EXISTS runs (
		    id TEXT PRIMARY KEY,                     -- ULID run identifier
		    range_from TEXT NOT NULL,                -- Listing range start
		    range_to TEXT NOT NULL,                  -- Listing range end
		    channel_type TEXT NOT NULL,              -- Channel filter
		    found INTEGER NOT NULL DEFAULT 0,        -- Recordings listed
		    saved INTEGER NOT NULL DEFAULT 0,        -- Recordings written
		    skipped INTEGER NOT NULL DEFAULT 0,      -- Recordings already on disk
		    failed INTEGER NOT NULL DEFAULT 0,       -- Recordings that could not be saved
		    started_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    finished_at TIMESTAMP WITH TIME ZONE,    -- NULL while the run is in progress
		    error TEXT NOT NULL DEFAULT ''           -- Fatal error that ended the run
		);

		ALTER TABLE runs ADD COLUMN IF NOT EXISTS error TEXT NOT NULL DEFAULT '';

		CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC, id DESC);

		-- Append-only outcome log
		CREATE TABLE IF NOT EXISTS downloads (
		    seq BIGSERIAL PRIMARY KEY,
		    run_id TEXT NOT NULL REFERENCES runs(id),
		    recording_id TEXT NOT NULL,
		    engagement_id TEXT NOT NULL,
		    channel_type TEXT NOT NULL,
		    filename TEXT NOT NULL,
		    path TEXT NOT NULL,
		    bytes BIGINT NOT NULL DEFAULT 0,
		    status TEXT NOT NULL,                    -- saved, skipped or failed
		    error TEXT NOT NULL DEFAULT '',
		    recorded_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_downloads_run_id ON downloads(run_id, seq);
		CREATE INDEX IF NOT EXISTS idx_downloads_recording_id ON downloads(recording_id);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

// Ping checks the database connection
func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// StartRun inserts a new run without a finish time
func (p *postgres) StartRun(ctx context.Context, run model.Run) error {
	query := `INSERT INTO runs (id, range_from, range_to, channel_type, started_at)
	          VALUES ($1, $2, $3, $4, $5)`
	_, err := p.db.Exec(ctx, query, run.ID, run.From, run.To, run.Channel, run.StartedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to start run: %w", err)
	}
	return nil
}

// RecordDownload appends one outcome to the run's log
func (p *postgres) RecordDownload(ctx context.Context, rec model.DownloadRecord) error {
	query := `INSERT INTO downloads (run_id, recording_id, engagement_id, channel_type, filename, path, bytes, status, error, recorded_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := p.db.Exec(ctx, query,
		rec.RunID,
		rec.RecordingID,
		rec.EngagementID,
		rec.ChannelType,
		rec.Filename,
		rec.Path,
		rec.Bytes,
		rec.Status,
		rec.Error,
		rec.RecordedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("run %s: %w", rec.RunID, ErrNotFound)
		}
		return fmt.Errorf("failed to record download: %w", err)
	}
	return nil
}

// FinishRun stores the final counters of a run
func (p *postgres) FinishRun(ctx context.Context, run model.Run) error {
	query := `UPDATE runs SET found = $1, saved = $2, skipped = $3, failed = $4, finished_at = $5, error = $6
	          WHERE id = $7`
	result, err := p.db.Exec(ctx, query, run.Found, run.Saved, run.Skipped, run.Failed, run.FinishedAt, run.Error, run.ID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const runColumns = `id, range_from, range_to, channel_type, found, saved, skipped, failed, started_at, finished_at, error`

func scanRun(row pgx.Row) (*model.Run, error) {
	var run model.Run
	err := row.Scan(
		&run.ID,
		&run.From,
		&run.To,
		&run.Channel,
		&run.Found,
		&run.Saved,
		&run.Skipped,
		&run.Failed,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Error,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun retrieves a run by ID
func (p *postgres) GetRun(ctx context.Context, id string) (*model.Run, error) {
	run, err := scanRun(p.db.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs newest first with cursor-based pagination
func (p *postgres) ListRuns(ctx context.Context, query model.ListRunsQuery) (*model.ListRunsResult, error) {
	baseQuery := `SELECT ` + runColumns + ` FROM runs`
	args := []interface{}{}
	argIndex := 1

	if query.Cursor != "" {
		cur, err := decodeCursor(query.Cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor: %w", err)
		}
		baseQuery += fmt.Sprintf(" WHERE (started_at < $%d OR (started_at = $%d AND id < $%d))", argIndex, argIndex, argIndex+1)
		args = append(args, cur.LastStartedAt, cur.LastID)
		argIndex += 2
	}

	limit := pageLimit(query.Limit)
	baseQuery += fmt.Sprintf(" ORDER BY started_at DESC, id DESC LIMIT $%d", argIndex)
	args = append(args, limit+1) // Fetch one extra row to determine if there are more results

	rows, err := p.db.Query(ctx, baseQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []model.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	result := &model.ListRunsResult{Runs: runs}
	if len(runs) > limit {
		result.Runs = runs[:limit]
		last := result.Runs[limit-1]
		result.NextCursor = encodeCursor(last.StartedAt, last.ID)
	}
	return result, nil
}

// ListDownloads returns the outcomes of a run in the order they were recorded
func (p *postgres) ListDownloads(ctx context.Context, runID string) ([]model.DownloadRecord, error) {
	if _, err := p.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	query := `SELECT run_id, recording_id, engagement_id, channel_type, filename, path, bytes, status, error, recorded_at
	          FROM downloads WHERE run_id = $1 ORDER BY seq`
	rows, err := p.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}

	records, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.DownloadRecord])
	if err != nil {
		return nil, fmt.Errorf("failed to scan downloads: %w", err)
	}
	return records, nil
}
