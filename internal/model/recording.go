// internal/model/recording.go
// Package model defines the data structures used throughout the exporter.
// These structures represent credentials, recordings, list-endpoint payloads,
// and the per-run summary.
package model

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Channel types reported by the contact-center API.
const (
	ChannelVoice = "voice"
	ChannelVideo = "video"
	ChannelChat  = "chat"
	ChannelSMS   = "sms"
)

// TimeLayout is the ISO-8601 layout, without zone offset, expected by the list endpoint.
const TimeLayout = "2006-01-02T15:04:05"

// Credentials identify the server-to-server OAuth app.
// They are supplied once at startup and never mutated.
type Credentials struct {
	ClientID     string // Marketplace app client ID
	ClientSecret string // Marketplace app client secret
	AccountID    string // Account the app is installed on
}

// Validate reports the first missing credential field.
func (c Credentials) Validate() error {
	switch {
	case c.ClientID == "":
		return fmt.Errorf("client id is required")
	case c.ClientSecret == "":
		return fmt.Errorf("client secret is required")
	case c.AccountID == "":
		return fmt.Errorf("account id is required")
	}
	return nil
}

// Recording represents one recorded engagement returned by the list endpoint.
// A Recording is immutable once constructed and is consumed by exactly one download.
type Recording struct {
	StartTime    string `json:"recording_start_time"` // Start of the recording, ISO-8601 as received
	EngagementID string `json:"engagement_id"`        // Engagement the recording belongs to
	ChannelType  string `json:"channel_type"`         // voice, video, chat or sms
	RecordingID  string `json:"recording_id"`         // Unique recording identifier
	DownloadURL  string `json:"download_url"`         // URL used to fetch the media
}

// Extension returns the media file extension for the recording's channel.
func (r Recording) Extension() string {
	if r.ChannelType == ChannelVoice {
		return "mp3"
	}
	return "mp4"
}

// Filename derives the deterministic local file name
// {start_time}_{engagement_id}_{recording_id}.{ext}.
func (r Recording) Filename() string {
	return fmt.Sprintf("%s_%s_%s.%s", r.StartTime, r.EngagementID, r.RecordingID, r.Extension())
}

// LocalPath returns dir joined with Filename. The name is built from API
// fields as received; one containing a path separator or NUL is rejected
// so the result always stays directly inside dir.
func (r Recording) LocalPath(dir string) (string, error) {
	name := r.Filename()
	if strings.ContainsAny(name, "/\\\x00") || filepath.Base(name) != name {
		return "", fmt.Errorf("recording %s: file name %q is not a plain file name", r.RecordingID, name)
	}
	return filepath.Join(dir, name), nil
}

// String implements fmt.Stringer for log output.
func (r Recording) String() string {
	return fmt.Sprintf("Recording(start_time=%q, engagement_id=%q, recording_id=%q, channel_type=%q)",
		r.StartTime, r.EngagementID, r.RecordingID, r.ChannelType)
}

// TimeRange bounds a listing. Both ends are local ISO-8601 strings without offset.
type TimeRange struct {
	From string `json:"from"` // Range start
	To   string `json:"to"`   // Range end
}

// NewTimeRange formats two instants as a TimeRange.
func NewTimeRange(from, to time.Time) TimeRange {
	return TimeRange{From: from.Format(TimeLayout), To: to.Format(TimeLayout)}
}

// Validate checks both ends parse with TimeLayout and are ordered.
func (tr TimeRange) Validate() error {
	from, err := time.Parse(TimeLayout, tr.From)
	if err != nil {
		return fmt.Errorf("invalid from %q: %w", tr.From, err)
	}
	to, err := time.Parse(TimeLayout, tr.To)
	if err != nil {
		return fmt.Errorf("invalid to %q: %w", tr.To, err)
	}
	if to.Before(from) {
		return fmt.Errorf("range end %s is before start %s", tr.To, tr.From)
	}
	return nil
}

// ListRecordingsResponse is one page of the list endpoint.
type ListRecordingsResponse struct {
	From          string      `json:"from,omitempty"`
	To            string      `json:"to,omitempty"`
	PageSize      int         `json:"page_size,omitempty"`
	TotalRecords  int         `json:"total_records,omitempty"`
	NextPageToken string      `json:"next_page_token,omitempty"` // Empty or absent on the last page
	Recordings    []Recording `json:"recordings"`
}

// TokenResponse is the body returned by the OAuth token endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
	ExpiresIn   int64  `json:"expires_in"` // Lifetime in seconds
	Scope       string `json:"scope,omitempty"`
}

// Download outcomes recorded in the ledger.
const (
	StatusSaved   = "saved"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// DownloadRecord is one ledger row describing what happened to a recording in a run.
type DownloadRecord struct {
	RunID        string    `json:"runId" db:"run_id"`
	RecordingID  string    `json:"recordingId" db:"recording_id"`
	EngagementID string    `json:"engagementId" db:"engagement_id"`
	ChannelType  string    `json:"channelType" db:"channel_type"`
	Filename     string    `json:"filename" db:"filename"`
	Path         string    `json:"path" db:"path"`
	Bytes        int64     `json:"bytes" db:"bytes"`
	Status       string    `json:"status" db:"status"`
	Error        string    `json:"error,omitempty" db:"error"`
	RecordedAt   time.Time `json:"recordedAt" db:"recorded_at"`
}

// Run describes a single export run as stored in the ledger.
type Run struct {
	ID         string     `json:"id" db:"id"`
	From       string     `json:"from" db:"range_from"`
	To         string     `json:"to" db:"range_to"`
	Channel    string     `json:"channel" db:"channel_type"`
	Found      int        `json:"found" db:"found"`
	Saved      int        `json:"saved" db:"saved"`
	Skipped    int        `json:"skipped" db:"skipped"`
	Failed     int        `json:"failed" db:"failed"`
	StartedAt  time.Time  `json:"startedAt" db:"started_at"`
	FinishedAt *time.Time `json:"finishedAt,omitempty" db:"finished_at"`
	Error      string     `json:"error,omitempty" db:"error"` // Fatal error that ended the run early
}

// Failure pairs a recording with the error that prevented it from being saved.
type Failure struct {
	Recording Recording
	Err       error
}

// Summary reports the outcome of a completed run.
type Summary struct {
	RunID      string
	Range      TimeRange
	Found      int
	Saved      int
	Skipped    int
	Failures   []Failure
	StartedAt  time.Time
	FinishedAt time.Time
}

// Failed returns the number of recordings that could not be saved.
func (s *Summary) Failed() int {
	return len(s.Failures)
}

// Run converts the summary into its ledger representation.
func (s *Summary) Run(channel string) Run {
	finished := s.FinishedAt
	return Run{
		ID:         s.RunID,
		From:       s.Range.From,
		To:         s.Range.To,
		Channel:    channel,
		Found:      s.Found,
		Saved:      s.Saved,
		Skipped:    s.Skipped,
		Failed:     s.Failed(),
		StartedAt:  s.StartedAt,
		FinishedAt: &finished,
	}
}

// ListRunsQuery selects a page of runs, newest first.
type ListRunsQuery struct {
	Limit  int    // Page size, 25 when unset and at most 100
	Cursor string // Opaque cursor from a previous page
}

// ListRunsResult is a page of runs.
type ListRunsResult struct {
	Runs       []Run  `json:"runs"`
	NextCursor string `json:"nextCursor,omitempty"`
}
