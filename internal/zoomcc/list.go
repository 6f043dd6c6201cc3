// internal/zoomcc/list.go
package zoomcc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errordefs "github.com/RegistryAccord/registryaccord-ccrec-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/model"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/telemetry"
)

// recordingsPath is the list endpoint relative to the API root.
const recordingsPath = "/contact_center/recordings"

// ListRecordings pages through the list endpoint and returns every recording
// in the range, in API order with page order preserved.
// Paging stops only when a response carries an empty or absent
// next_page_token; a page without recordings but with a cursor keeps paging.
// Any failure discards the partial result and returns a CCREC_LISTING_FAILURE
// (or CCREC_AUTH_FAILURE if the token could not be refreshed).
func (c *Client) ListRecordings(ctx context.Context, tr model.TimeRange, channel string) ([]model.Recording, error) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "zoomcc.list_recordings")
	defer span.End()
	span.SetAttributes(
		attribute.String("range.from", tr.From),
		attribute.String("range.to", tr.To),
		attribute.String("channel_type", channel),
	)

	c.logger.Info("getting list of recordings", "from", tr.From, "to", tr.To, "channel_type", channel)

	recordings := []model.Recording{}
	cursor := ""
	pages := 0
	for {
		pages++
		page, err := c.listPage(ctx, tr, channel, cursor, pages)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "listing failed")
			c.logger.Error("unable to retrieve the list of recordings", "page", pages, "error", err)
			return nil, err
		}
		recordings = append(recordings, page.Recordings...)

		cursor = page.NextPageToken
		if cursor == "" {
			break
		}
	}

	span.SetAttributes(attribute.Int("pages", pages), attribute.Int("recordings", len(recordings)))
	c.logger.Info("returning records", "count", len(recordings), "pages", pages)
	return recordings, nil
}

// listPage fetches and decodes a single page.
func (c *Client) listPage(ctx context.Context, tr model.TimeRange, channel, cursor string, page int) (*model.ListRecordingsResponse, error) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "zoomcc.list_page")
	defer span.End()
	span.SetAttributes(attribute.Int("page", page), attribute.Bool("cursor", cursor != ""))

	u, err := url.Parse(c.base + recordingsPath)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.CCREC_LISTING_FAILURE, "invalid base URL", err)
	}
	q := u.Query()
	q.Set("from", tr.From)
	q.Set("to", tr.To)
	q.Set("channel_type", channel)
	q.Set("next_page_token", cursor)
	if c.pageSize > 0 {
		q.Set("page_size", strconv.Itoa(c.pageSize))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.CCREC_LISTING_FAILURE, "build list request", err)
	}
	req.Header.Set("Accept", "application/json")

	// Checked per page: a long listing can outlive the token
	if err := c.auth.Authorize(ctx, req); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	c.metrics.APIRequestDuration.WithLabelValues("list").Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.APIRequestTotal.WithLabelValues("list", "error").Inc()
		return nil, errordefs.Wrap(errordefs.CCREC_LISTING_FAILURE, fmt.Sprintf("list page %d request failed", page), err)
	}
	defer resp.Body.Close()
	c.metrics.APIRequestTotal.WithLabelValues("list", statusClass(resp.StatusCode)).Inc()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.CCREC_LISTING_FAILURE, fmt.Sprintf("read list page %d", page), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errordefs.NewWithDetails(errordefs.CCREC_LISTING_FAILURE,
			fmt.Sprintf("list page %d: %s", page, resp.Status), truncate(body))
	}

	verr := c.validator.Validate(schema.RecordingsPage, body)
	c.metrics.SchemaValidationTotal.WithLabelValues(statusLabel(verr)).Inc()
	if verr != nil {
		return nil, errordefs.Wrap(errordefs.CCREC_LISTING_FAILURE, fmt.Sprintf("list page %d has unexpected shape", page), verr)
	}

	var out model.ListRecordingsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errordefs.Wrap(errordefs.CCREC_LISTING_FAILURE, fmt.Sprintf("decode list page %d", page), err)
	}

	c.logger.Debug("list page received", "page", page, "recordings", len(out.Recordings), "more", out.NextPageToken != "")
	return &out, nil
}

// maxErrorBody bounds how much of a failed response body is kept in an error.
const maxErrorBody = 512

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}

func statusLabel(err error) string {
	if err != nil {
		return "invalid"
	}
	return "valid"
}
