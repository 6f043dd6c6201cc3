// cmd/ccrec/app.go
package main

import (
	"log/slog"

	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/auth"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/config"
	errordefs "github.com/RegistryAccord/registryaccord-ccrec-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/event"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/exporter"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/media"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/zoomcc"
)

// app holds the components of one process.
type app struct {
	store     storage.Store
	publisher event.Publisher
	exporter  *exporter.Exporter
}

// newApp wires the exporter from configuration.
func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	store, err := storage.Open(cfg.DatabaseDSN)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.CCREC_CONFIG_INVALID, "open ledger", err)
	}
	if cfg.DatabaseDSN != "" {
		logger.Info("ledger backed by postgres")
	}

	pub := event.NewPublisher(cfg.NATSURL, logger)

	hc := zoomcc.NewHTTPClient(cfg.HTTPTimeout)
	tokens := auth.NewTokenManager(cfg.Credentials(), cfg.TokenURL, auth.WithLogger(logger))
	client := zoomcc.New(cfg.BaseURL, tokens,
		zoomcc.WithHTTPClient(hc),
		zoomcc.WithPageSize(cfg.PageSize),
		zoomcc.WithLogger(logger),
	)

	options := []exporter.Option{
		exporter.WithStore(store),
		exporter.WithPublisher(pub),
		exporter.WithLogger(logger),
	}
	if cfg.S3Enabled() {
		s3c, err := media.NewS3Client(cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3Prefix, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			store.Close()
			pub.Close()
			return nil, errordefs.Wrap(errordefs.CCREC_CONFIG_INVALID, "configure s3 mirror", err)
		}
		options = append(options, exporter.WithMirror(s3c))
		logger.Info("mirroring recordings to s3", "bucket", cfg.S3Bucket, "prefix", cfg.S3Prefix)
	}

	exp := exporter.New(tokens, client, client, exporter.Options{
		Dir:          cfg.RecordingPath,
		Channel:      cfg.ChannelType,
		Range:        cfg.TimeRange,
		SkipExisting: cfg.SkipExisting,
	}, options...)

	return &app{store: store, publisher: pub, exporter: exp}, nil
}

// Close releases the ledger and the event connection.
func (a *app) Close() {
	if err := a.publisher.Close(); err != nil {
		slog.Warn("close publisher", "error", err)
	}
	a.store.Close()
}
