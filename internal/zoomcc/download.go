// internal/zoomcc/download.go
package zoomcc

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/google/renameio/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errordefs "github.com/RegistryAccord/registryaccord-ccrec-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/model"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/telemetry"
)

// chunkSize is the copy buffer used while streaming a recording to disk.
const chunkSize = 10 * 1024

// Download streams rec's media into dir/rec.Filename() and returns the bytes written.
// The body is written to a pending temporary file that atomically replaces
// any existing file of the same name once the copy completes, so an
// interrupted transfer never publishes a truncated recording.
// The target directory must already exist, and a file name that would
// resolve outside it is a download failure.
// Failures are CCREC_DOWNLOAD_FAILURE errors, except a token refresh failure
// which keeps its fatal CCREC_AUTH_FAILURE code.
func (c *Client) Download(ctx context.Context, rec model.Recording, dir string) (n int64, err error) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "zoomcc.download")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "download failed")
		} else {
			c.metrics.DownloadBytesTotal.Add(float64(n))
		}
		c.metrics.DownloadTotal.WithLabelValues(metrics.StatusLabel(err)).Inc()
		span.End()
	}()
	span.SetAttributes(
		attribute.String("recording.id", rec.RecordingID),
		attribute.String("recording.channel_type", rec.ChannelType),
	)

	path, err := rec.LocalPath(dir)
	if err != nil {
		return 0, errordefs.Wrap(errordefs.CCREC_DOWNLOAD_FAILURE, "unsafe recording file name", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.DownloadURL, nil)
	if err != nil {
		return 0, errordefs.Wrap(errordefs.CCREC_DOWNLOAD_FAILURE, fmt.Sprintf("build download request for %s", rec.RecordingID), err)
	}

	// Checked per download: earlier items may have taken longer than the token lifetime
	if err := c.auth.Authorize(ctx, req); err != nil {
		return 0, err
	}

	c.logger.Debug("downloading", "url", rec.DownloadURL)
	resp, err := c.hc.Do(req)
	if err != nil {
		c.metrics.APIRequestTotal.WithLabelValues("download", "error").Inc()
		return 0, errordefs.Wrap(errordefs.CCREC_DOWNLOAD_FAILURE, fmt.Sprintf("download %s", rec.RecordingID), err)
	}
	defer resp.Body.Close()
	c.metrics.APIRequestTotal.WithLabelValues("download", statusClass(resp.StatusCode)).Inc()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little of the body so the connection can be reused
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return 0, errordefs.NewWithDetails(errordefs.CCREC_DOWNLOAD_FAILURE,
			fmt.Sprintf("download %s: %s", rec.RecordingID, resp.Status), rec.DownloadURL)
	}

	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return 0, errordefs.Wrap(errordefs.CCREC_DOWNLOAD_FAILURE, fmt.Sprintf("create pending file for %s", path), err)
	}
	defer func() {
		// Removes the temporary file unless it was committed
		if cerr := pending.Cleanup(); cerr != nil {
			c.logger.Debug("cleanup pending recording file", "path", path, "error", cerr)
		}
	}()

	c.logger.Info("saving as", "path", path)
	// Wrapping hides ReadFrom so the copy goes through the chunk buffer
	n, err = io.CopyBuffer(struct{ io.Writer }{pending}, resp.Body, make([]byte, chunkSize))
	if err != nil {
		return n, errordefs.Wrap(errordefs.CCREC_DOWNLOAD_FAILURE, fmt.Sprintf("write %s", path), err)
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return n, errordefs.Wrap(errordefs.CCREC_DOWNLOAD_FAILURE, fmt.Sprintf("publish %s", path), err)
	}

	span.SetAttributes(attribute.Int64("bytes", n))
	return n, nil
}
