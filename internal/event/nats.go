// internal/event/nats.go
// Package event provides NATS JetStream publishing of exporter events.
// Downstream consumers (transcription, archival) subscribe to learn when a
// recording has been saved and when a run has completed.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/model"
)

// Stream and subjects used by the exporter.
const (
	StreamName            = "CCREC_RECORDINGS"
	SubjectRecordingSaved = "ccrec.recordings.saved"
	SubjectRunCompleted   = "ccrec.runs.completed"
)

// envelopeVersion is the schema version of EventEnvelope.
const envelopeVersion = "1.0.0"

// dedupWindow suppresses republishing the same recording within a short interval.
const dedupWindow = 2 * time.Minute

// Publisher defines the event publishing operations used by the exporter.
type Publisher interface {
	// PublishRecordingSaved announces a recording written to the target directory.
	PublishRecordingSaved(ctx context.Context, rec model.DownloadRecord) error

	// PublishRunCompleted announces the final counters of a run.
	PublishRunCompleted(ctx context.Context, run model.Run) error

	// Close closes the publisher connection
	Close() error
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
type noop struct{}

// NewNoop returns a Publisher that discards every event.
func NewNoop() Publisher { return noop{} }

func (noop) Close() error { return nil }

func (noop) PublishRecordingSaved(ctx context.Context, rec model.DownloadRecord) error { return nil }

func (noop) PublishRunCompleted(ctx context.Context, run model.Run) error { return nil }

// EventEnvelope represents the standard event envelope structure.
// All events published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	Type          string      `json:"type"`          // Event type identifier, equal to the subject
	Version       string      `json:"version"`       // Event schema version
	OccurredAt    time.Time   `json:"occurredAt"`    // When the event occurred
	CorrelationID string      `json:"correlationId"` // Correlation ID for tracing
	Payload       interface{} `json:"payload"`       // Event-specific data
}

func newEnvelope(subject string, payload interface{}, now time.Time) EventEnvelope {
	return EventEnvelope{
		Type:          subject,
		Version:       envelopeVersion,
		OccurredAt:    now.UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       payload,
	}
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc      *nats.Conn            // NATS connection
	js      nats.JetStreamContext // JetStream context for stream operations
	metrics *metrics.Metrics
	now     func() time.Time

	dedup *dedup // Recently published recording IDs
}

// NewPublisher connects to url and returns a JetStream publisher.
// An empty url, or a server that cannot be reached or configured, yields a
// no-op publisher: events are best effort and never block an export.
func NewPublisher(url string, logger *slog.Logger) Publisher {
	if url == "" {
		return noop{}
	}

	nc, err := nats.Connect(url,
		nats.Name("ccrec"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(5),
	)
	if err != nil {
		logger.Warn("NATS connect failed, using noop publisher", "error", err)
		return noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		logger.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return noop{}
	}

	if err := initStream(js); err != nil {
		logger.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return noop{}
	}

	return &natsPub{
		nc:      nc,
		js:      js,
		metrics: metrics.NewMetrics(),
		now:     time.Now,
		dedup:   newDedup(dedupWindow),
	}
}

// initStream creates the exporter stream if it does not exist yet.
func initStream(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(StreamName); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"ccrec.recordings.*", "ccrec.runs.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour, // Consumers may only run weekly
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create %s stream: %w", StreamName, err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}

// PublishRecordingSaved publishes a recording saved event.
// Repeated events for the same recording within the dedup window are dropped.
func (p *natsPub) PublishRecordingSaved(ctx context.Context, rec model.DownloadRecord) error {
	if p.dedup.seen(rec.RecordingID, p.now()) {
		return nil
	}
	if err := p.publish(ctx, SubjectRecordingSaved, rec); err != nil {
		return err
	}
	p.dedup.mark(rec.RecordingID, p.now())
	return nil
}

// PublishRunCompleted publishes a run completed event.
func (p *natsPub) PublishRunCompleted(ctx context.Context, run model.Run) error {
	return p.publish(ctx, SubjectRunCompleted, run)
}

func (p *natsPub) publish(ctx context.Context, subject string, payload interface{}) (err error) {
	defer func() {
		p.metrics.EventPublishTotal.WithLabelValues(subject, metrics.StatusLabel(err)).Inc()
	}()

	b, err := json.Marshal(newEnvelope(subject, payload, p.now()))
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", subject, err)
	}
	if _, err := p.js.Publish(subject, b, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// dedup remembers when keys were last published.
type dedup struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
}

func newDedup(window time.Duration) *dedup {
	return &dedup{window: window, last: make(map[string]time.Time)}
}

// seen reports whether key was marked less than window before now.
func (d *dedup) seen(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.last[key]
	return ok && now.Sub(last) < d.window
}

// mark records key at now and prunes entries older than twice the window.
func (d *dedup) mark(key string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := now.Add(-2 * d.window)
	for k, t := range d.last {
		if t.Before(cutoff) {
			delete(d.last, k)
		}
	}
	d.last[key] = now
}
