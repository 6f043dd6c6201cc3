// internal/exporter/exporter.go
// Package exporter runs one export: it lists the recordings of a time range
// and downloads them one after another into the target directory, collecting
// per-recording failures instead of aborting on them.
package exporter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errordefs "github.com/RegistryAccord/registryaccord-ccrec-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/event"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/model"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/telemetry"
)

// TokenSource obtains the initial bearer token before any API call.
type TokenSource interface {
	EnsureFresh(ctx context.Context) error
}

// Lister returns every recording of a range.
type Lister interface {
	ListRecordings(ctx context.Context, tr model.TimeRange, channel string) ([]model.Recording, error)
}

// Downloader saves one recording into a directory.
type Downloader interface {
	Download(ctx context.Context, rec model.Recording, dir string) (int64, error)
}

// Mirror copies a saved file to secondary storage and returns its key.
type Mirror interface {
	Mirror(ctx context.Context, localPath string) (string, error)
}

// RangeFunc resolves the listing range at the start of a run.
type RangeFunc func(now time.Time) (model.TimeRange, error)

// Options selects what a run exports and where.
type Options struct {
	Dir          string    // Target directory, created if missing
	Channel      string    // channel_type filter
	Range        RangeFunc // Evaluated once per run
	SkipExisting bool      // Leave non-empty files in place instead of overwriting
}

// Exporter wires the API client to the ledger, mirror and event stream.
type Exporter struct {
	tokens     TokenSource
	lister     Lister
	downloader Downloader
	opts       Options

	store     storage.Store
	publisher event.Publisher
	mirror    Mirror // nil when mirroring is disabled
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithStore sets the download ledger.
func WithStore(s storage.Store) Option {
	return func(e *Exporter) { e.store = s }
}

// WithPublisher sets the event publisher.
func WithPublisher(p event.Publisher) Option {
	return func(e *Exporter) { e.publisher = p }
}

// WithMirror enables mirroring of saved files.
func WithMirror(m Mirror) Option {
	return func(e *Exporter) { e.mirror = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Exporter) { e.logger = logger }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) { e.now = now }
}

// New creates an exporter. The ledger defaults to memory and events to a no-op publisher.
func New(tokens TokenSource, lister Lister, downloader Downloader, opts Options, options ...Option) *Exporter {
	e := &Exporter{
		tokens:     tokens,
		lister:     lister,
		downloader: downloader,
		opts:       opts,
		store:      storage.NewMemory(),
		publisher:  event.NewNoop(),
		metrics:    metrics.NewMetrics(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, o := range options {
		o(e)
	}
	return e
}

// Run performs one export and returns its summary.
// Authentication (including a token refresh between downloads), directory and
// listing failures abort the run and return a nil summary, as does
// cancellation of ctx. Download failures are collected in Summary.Failures.
// Every run that reached the ledger is finished there, with the fatal error
// recorded when there is one.
func (e *Exporter) Run(ctx context.Context) (summary *model.Summary, err error) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "exporter.run")
	defer func() {
		status := "ok"
		switch {
		case err != nil:
			status = "fatal"
			span.RecordError(err)
			span.SetStatus(codes.Error, "run failed")
		case summary.Failed() > 0:
			status = "partial"
		}
		e.metrics.RunTotal.WithLabelValues(status).Inc()
		span.End()
	}()

	started := e.now()
	tr, err := e.opts.Range(started)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.CCREC_CONFIG_INVALID, "resolve time range", err)
	}

	summary = &model.Summary{
		RunID:     ulid.Make().String(),
		Range:     tr,
		StartedAt: started,
	}
	span.SetAttributes(
		attribute.String("run.id", summary.RunID),
		attribute.String("range.from", tr.From),
		attribute.String("range.to", tr.To),
	)
	logger := e.logger.With("run_id", summary.RunID)

	run := summary.Run(e.opts.Channel)
	run.FinishedAt = nil
	e.ledger(ctx, logger, "start_run", e.store.StartRun(ctx, run))

	recordings, err := e.prepare(ctx, tr)
	if err != nil {
		e.finish(ctx, logger, summary, err)
		return nil, err
	}
	summary.Found = len(recordings)
	logger.Info("recordings found", "count", summary.Found, "from", tr.From, "to", tr.To)

	for i, rec := range recordings {
		if ctx.Err() != nil {
			// Remaining items count as failures
			for _, rest := range recordings[i:] {
				summary.Failures = append(summary.Failures, model.Failure{Recording: rest, Err: ctx.Err()})
			}
			break
		}
		if err = e.exportOne(ctx, logger, summary, i, rec); err != nil {
			break
		}
	}
	if err == nil && ctx.Err() != nil {
		err = errordefs.Wrap(errordefs.CCREC_RUN_INTERRUPTED,
			fmt.Sprintf("run interrupted with %d of %d recordings not saved", summary.Failed(), summary.Found), ctx.Err())
	}

	e.finish(ctx, logger, summary, err)
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// prepare obtains the first token, creates the target directory and lists the range.
func (e *Exporter) prepare(ctx context.Context, tr model.TimeRange) ([]model.Recording, error) {
	if err := e.tokens.EnsureFresh(ctx); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(e.opts.Dir, 0o755); err != nil {
		return nil, errordefs.Wrap(errordefs.CCREC_DIRECTORY_FAILURE,
			fmt.Sprintf("unable to create directory %s", e.opts.Dir), err)
	}

	return e.lister.ListRecordings(ctx, tr, e.opts.Channel)
}

// finish closes the run in the ledger and on the event stream. A non-nil
// runErr is the fatal error that ended the run and is stored with it.
func (e *Exporter) finish(ctx context.Context, logger *slog.Logger, summary *model.Summary, runErr error) {
	ctx = context.WithoutCancel(ctx)
	summary.FinishedAt = e.now()
	final := summary.Run(e.opts.Channel)
	if runErr != nil {
		final.Error = runErr.Error()
	}
	e.ledger(ctx, logger, "finish_run", e.store.FinishRun(ctx, final))
	if err := e.publisher.PublishRunCompleted(ctx, final); err != nil {
		logger.Warn("publish run completed event failed", "error", err)
	}

	e.metrics.LastRunTimestamp.Set(float64(summary.FinishedAt.Unix()))
	e.metrics.LastRunFound.Set(float64(summary.Found))
	e.metrics.LastRunSaved.Set(float64(summary.Saved))

	attrs := []any{
		"found", summary.Found,
		"saved", summary.Saved,
		"skipped", summary.Skipped,
		"failed", summary.Failed(),
		"duration", summary.FinishedAt.Sub(summary.StartedAt).String(),
	}
	if runErr != nil {
		logger.Error("run aborted", append(attrs, "code", errordefs.CodeOf(runErr), "error", runErr)...)
	} else {
		logger.Info("run complete", attrs...)
	}
	for _, f := range summary.Failures {
		logger.Warn("recording not saved", "recording", f.Recording.String(), "error", f.Err)
	}
}

// exportOne handles a single recording and updates summary in place.
// Per-recording failures are collected in summary; only an error that must
// end the run, such as a failed token refresh, is returned.
func (e *Exporter) exportOne(ctx context.Context, logger *slog.Logger, summary *model.Summary, i int, rec model.Recording) error {
	record := model.DownloadRecord{
		RunID:        summary.RunID,
		RecordingID:  rec.RecordingID,
		EngagementID: rec.EngagementID,
		ChannelType:  rec.ChannelType,
		Filename:     rec.Filename(),
	}
	progress := fmt.Sprintf("[%d/%d]", i+1, summary.Found)

	fail := func(n int64, err error) error {
		summary.Failures = append(summary.Failures, model.Failure{Recording: rec, Err: err})
		record.Status = model.StatusFailed
		record.Bytes = n
		record.Error = err.Error()
		record.RecordedAt = e.now()
		e.ledger(ctx, logger, "record_download", e.store.RecordDownload(ctx, record))
		logger.Error(progress+" unable to download recording", "recording", rec.String(), "error", err)
		// A refresh cut short by cancellation is reported as an interrupted run
		if errordefs.IsFatal(err) && ctx.Err() == nil {
			return err
		}
		return nil
	}

	path, err := rec.LocalPath(e.opts.Dir)
	if err != nil {
		return fail(0, errordefs.Wrap(errordefs.CCREC_DOWNLOAD_FAILURE, "unsafe recording file name", err))
	}
	record.Path = path

	if e.opts.SkipExisting {
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
			summary.Skipped++
			record.Status = model.StatusSkipped
			record.Bytes = info.Size()
			record.RecordedAt = e.now()
			e.ledger(ctx, logger, "record_download", e.store.RecordDownload(ctx, record))
			logger.Info(progress+" skipped existing file", "file", record.Filename)
			return nil
		}
	}

	n, err := e.downloader.Download(ctx, rec, e.opts.Dir)
	if err == nil && e.mirror != nil {
		if _, err = e.mirror.Mirror(ctx, path); err != nil {
			err = errordefs.Wrap(errordefs.CCREC_DOWNLOAD_FAILURE, fmt.Sprintf("mirror %s", record.Filename), err)
		}
	}
	if err != nil {
		return fail(n, err)
	}

	summary.Saved++
	record.Status = model.StatusSaved
	record.Bytes = n
	record.RecordedAt = e.now()
	e.ledger(ctx, logger, "record_download", e.store.RecordDownload(ctx, record))
	logger.Info(progress+" saved", "file", record.Filename, "bytes", n)

	if err := e.publisher.PublishRecordingSaved(ctx, record); err != nil {
		logger.Warn("publish recording saved event failed", "recording_id", rec.RecordingID, "error", err)
	}
	return nil
}

// ledger counts a storage operation and logs its failure. The ledger is a
// record of the run, not a precondition for it.
func (e *Exporter) ledger(ctx context.Context, logger *slog.Logger, op string, err error) {
	e.metrics.StorageOperationTotal.WithLabelValues(op, metrics.StatusLabel(err)).Inc()
	if err != nil {
		logger.WarnContext(ctx, "ledger write failed", "operation", op, "error", err)
	}
}
