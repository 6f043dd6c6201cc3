// conformance/harness.go
// Package conformance provides an end-to-end harness that runs the real
// exporter stack against a fake contact-center API.
package conformance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/auth"
	errordefs "github.com/RegistryAccord/registryaccord-ccrec-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/exporter"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/model"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/server"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/zoomcc"
)

// Config holds configuration for the fake API.
type Config struct {
	// Recordings served by the list endpoint, split into pages of PageSize
	Recordings []model.Recording

	// PageSize is the number of recordings per page, 1 when unset
	PageSize int

	// TokenLifetime is the expires_in returned by the token endpoint
	TokenLifetime time.Duration

	// MissingMedia lists recording IDs whose download returns 404
	MissingMedia map[string]bool

	// AdvanceOnDownload moves the harness clock forward on every download request
	AdvanceOnDownload time.Duration

	// RejectTokensAfter makes every exchange after the first N return 401, never when zero
	RejectTokensAfter int
}

// Harness is a fake contact-center API with request accounting.
type Harness struct {
	cfg    Config
	server *httptest.Server
	store  storage.Store

	mu         sync.Mutex
	now        time.Time
	exchanges  int
	listTokens []string // Bearer token seen by each list request
	dlTokens   []string // Bearer token seen by each download request
	listFail   bool
}

// NewHarness starts the fake API.
func NewHarness(cfg Config) *Harness {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1
	}
	if cfg.TokenLifetime <= 0 {
		cfg.TokenLifetime = time.Hour
	}
	h := &Harness{
		cfg:   cfg,
		store: storage.NewMemory(),
		now:   time.Date(2023, 10, 18, 14, 30, 0, 0, time.UTC),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", h.handleToken)
	mux.HandleFunc("GET /v2/contact_center/recordings", h.handleList)
	mux.HandleFunc("GET /media/{id}", h.handleMedia)
	h.server = httptest.NewServer(mux)

	// Download URLs point at this server
	for i := range h.cfg.Recordings {
		h.cfg.Recordings[i].DownloadURL = h.server.URL + "/media/" + h.cfg.Recordings[i].RecordingID
	}
	return h
}

// URL returns the base URL of the fake server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the fake server and the ledger.
func (h *Harness) Close() {
	h.server.Close()
	h.store.Close()
}

// Now is the harness clock used by the token manager.
func (h *Harness) Now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

// Exchanges returns the number of token exchanges requested, rejected ones included.
func (h *Harness) Exchanges() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exchanges
}

// ListTokens returns the bearer token of every list request, in order.
func (h *Harness) ListTokens() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.listTokens...)
}

// DownloadTokens returns the bearer token of every download request, in order.
func (h *Harness) DownloadTokens() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.dlTokens...)
}

// FailListingAfterFirstPage makes every list request but the first return 500.
func (h *Harness) FailListingAfterFirstPage() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listFail = true
}

// Exporter wires the production components against the fake API.
func (h *Harness) Exporter(dir string, skipExisting bool) *exporter.Exporter {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	creds := model.Credentials{ClientID: "client", ClientSecret: "secret", AccountID: "acct"}

	tokens := auth.NewTokenManager(creds, h.server.URL+"/oauth/token",
		auth.WithHTTPClient(h.server.Client()),
		auth.WithClock(h.Now),
		auth.WithLogger(logger),
	)
	client := zoomcc.New(h.server.URL+"/v2", tokens,
		zoomcc.WithHTTPClient(h.server.Client()),
		zoomcc.WithPageSize(h.cfg.PageSize),
		zoomcc.WithLogger(logger),
	)
	return exporter.New(tokens, client, client, exporter.Options{
		Dir:          dir,
		Channel:      model.ChannelVoice,
		Range:        func(time.Time) (model.TimeRange, error) { return model.TimeRange{From: "2023-09-24T00:00:00", To: "2023-09-30T23:59:59"}, nil },
		SkipExisting: skipExisting,
	},
		exporter.WithStore(h.store),
		exporter.WithLogger(logger),
	)
}

func (h *Harness) handleToken(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != "client" || pass != "secret" || r.FormValue("grant_type") != "account_credentials" {
		http.Error(w, `{"reason":"Invalid client_id or client_secret","error":"invalid_client"}`, http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.exchanges++
	n := h.exchanges
	h.mu.Unlock()

	if h.cfg.RejectTokensAfter > 0 && n > h.cfg.RejectTokensAfter {
		http.Error(w, `{"reason":"Invalid client_id or client_secret","error":"invalid_client"}`, http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(model.TokenResponse{
		AccessToken: fmt.Sprintf("token-%d", n),
		TokenType:   "bearer",
		ExpiresIn:   int64(h.cfg.TokenLifetime / time.Second),
	})
}

func (h *Harness) handleList(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.listTokens = append(h.listTokens, bearer(r))
	fail := h.listFail && len(h.listTokens) > 1
	h.mu.Unlock()

	if fail {
		http.Error(w, `{"code":300,"message":"internal error"}`, http.StatusInternalServerError)
		return
	}

	// Cursors are page offsets
	start := 0
	if tok := r.URL.Query().Get("next_page_token"); tok != "" {
		fmt.Sscanf(tok, "page-%d", &start)
	}
	end := min(start+h.cfg.PageSize, len(h.cfg.Recordings))
	page := model.ListRecordingsResponse{
		From:         r.URL.Query().Get("from"),
		To:           r.URL.Query().Get("to"),
		PageSize:     h.cfg.PageSize,
		TotalRecords: len(h.cfg.Recordings),
		Recordings:   h.cfg.Recordings[start:end],
	}
	if end < len(h.cfg.Recordings) {
		page.NextPageToken = fmt.Sprintf("page-%d", end)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(page)
}

func (h *Harness) handleMedia(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.mu.Lock()
	h.dlTokens = append(h.dlTokens, bearer(r))
	h.now = h.now.Add(h.cfg.AdvanceOnDownload)
	h.mu.Unlock()

	if h.cfg.MissingMedia[id] {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	io.WriteString(w, mediaBody(id))
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func mediaBody(id string) string {
	return "ID3" + strings.Repeat(id, 2048)
}

// recording builds a fake recording.
func recording(id string) model.Recording {
	return model.Recording{
		StartTime:    "2023-09-25T10:00:00",
		EngagementID: "eng-" + id,
		ChannelType:  model.ChannelVoice,
		RecordingID:  id,
	}
}

// RunConformanceTests runs the end-to-end suite.
func RunConformanceTests(t *testing.T) {
	t.Run("TwoPagesTwoDownloads", testTwoPages)
	t.Run("TokenRefreshBeforeDownload", testTokenRefresh)
	t.Run("RefreshFailureIsFatal", testRefreshFailure)
	t.Run("DownloadFailureContinues", testDownloadFailure)
	t.Run("ListingFailureIsFatal", testListingFailure)
	t.Run("SkipExisting", testSkipExisting)
	t.Run("RunHistory", testRunHistory)
}

func testTwoPages(t *testing.T) {
	h := NewHarness(Config{Recordings: []model.Recording{recording("a"), recording("b")}, PageSize: 1})
	defer h.Close()

	dir := filepath.Join(t.TempDir(), "Recordings")
	summary, err := h.Exporter(dir, false).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Found != 2 || summary.Saved != 2 || summary.Failed() != 0 {
		t.Fatalf("found %d saved %d failed %d", summary.Found, summary.Saved, summary.Failed())
	}
	if len(h.ListTokens()) != 2 {
		t.Errorf("list requests = %d, want 2", len(h.ListTokens()))
	}
	if h.Exchanges() != 1 {
		t.Errorf("token exchanges = %d, want 1", h.Exchanges())
	}

	for _, id := range []string{"a", "b"} {
		path := filepath.Join(dir, "2023-09-25T10:00:00_eng-"+id+"_"+id+".mp3")
		got, err := os.ReadFile(path)
		if err != nil {
			t.Errorf("read %s: %v", path, err)
			continue
		}
		if string(got) != mediaBody(id) {
			t.Errorf("%s has %d bytes, want %d", path, len(got), len(mediaBody(id)))
		}
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Errorf("directory has %d entries, want 2", len(entries))
	}
}

func testTokenRefresh(t *testing.T) {
	h := NewHarness(Config{
		Recordings:        []model.Recording{recording("a"), recording("b"), recording("c")},
		PageSize:          10,
		TokenLifetime:     time.Minute,
		AdvanceOnDownload: 2 * time.Minute,
	})
	defer h.Close()

	summary, err := h.Exporter(t.TempDir(), false).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Saved != 3 {
		t.Fatalf("saved %d, want 3", summary.Saved)
	}
	// Each download outlives the token, so every later one needs a new exchange
	if h.Exchanges() != 3 {
		t.Errorf("token exchanges = %d, want 3", h.Exchanges())
	}
	want := []string{"token-1", "token-2", "token-3"}
	for i, tok := range h.DownloadTokens() {
		if tok != want[i] {
			t.Errorf("download %d used %q, want %q", i, tok, want[i])
		}
	}
}

func testRefreshFailure(t *testing.T) {
	h := NewHarness(Config{
		Recordings:        []model.Recording{recording("a"), recording("b"), recording("c")},
		PageSize:          10,
		TokenLifetime:     time.Minute,
		AdvanceOnDownload: 2 * time.Minute,
		RejectTokensAfter: 1,
	})
	defer h.Close()

	summary, err := h.Exporter(t.TempDir(), false).Run(context.Background())
	if summary != nil || errordefs.CodeOf(err) != errordefs.CCREC_AUTH_FAILURE {
		t.Fatalf("Run() = %v, %v", summary, err)
	}
	if errordefs.ExitCode(err) != 2 {
		t.Errorf("ExitCode() = %d, want 2", errordefs.ExitCode(err))
	}
	// One rejected refresh ends the run; later items never reach the token endpoint
	if h.Exchanges() != 2 {
		t.Errorf("token exchanges = %d, want 2", h.Exchanges())
	}
	if n := len(h.DownloadTokens()); n != 1 {
		t.Errorf("download requests = %d, want 1", n)
	}
	run := h.onlyRun(t)
	if run.FinishedAt == nil || run.Saved != 1 || run.Failed != 1 || run.Error == "" {
		t.Errorf("ledger run = %+v, want finished with saved 1 failed 1 and the error", run)
	}
}

func testDownloadFailure(t *testing.T) {
	h := NewHarness(Config{
		Recordings:   []model.Recording{recording("a"), recording("b"), recording("c")},
		PageSize:     2,
		MissingMedia: map[string]bool{"b": true},
	})
	defer h.Close()

	dir := t.TempDir()
	summary, err := h.Exporter(dir, false).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Saved != 2 || summary.Failed() != 1 {
		t.Fatalf("saved %d failed %d, want 2 and 1", summary.Saved, summary.Failed())
	}
	if got := errordefs.CodeOf(summary.Failures[0].Err); got != errordefs.CCREC_DOWNLOAD_FAILURE {
		t.Errorf("failure code = %v", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "2023-09-25T10:00:00_eng-c_c.mp3")); err != nil {
		t.Errorf("recording after the failure was not saved: %v", err)
	}
}

func testListingFailure(t *testing.T) {
	h := NewHarness(Config{Recordings: []model.Recording{recording("a"), recording("b")}, PageSize: 1})
	defer h.Close()
	h.FailListingAfterFirstPage()

	dir := t.TempDir()
	summary, err := h.Exporter(dir, false).Run(context.Background())
	if summary != nil || errordefs.CodeOf(err) != errordefs.CCREC_LISTING_FAILURE {
		t.Fatalf("Run() = %v, %v", summary, err)
	}
	if errordefs.ExitCode(err) != 3 {
		t.Errorf("ExitCode() = %d, want 3", errordefs.ExitCode(err))
	}
	if n := len(h.DownloadTokens()); n != 0 {
		t.Errorf("downloads attempted after listing failure: %d", n)
	}
	if run := h.onlyRun(t); run.FinishedAt == nil || run.Error == "" {
		t.Errorf("ledger run = %+v, want finished with the listing error", run)
	}
}

func testSkipExisting(t *testing.T) {
	h := NewHarness(Config{Recordings: []model.Recording{recording("a"), recording("b")}, PageSize: 2})
	defer h.Close()

	dir := t.TempDir()
	if _, err := h.Exporter(dir, false).Run(context.Background()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	summary, err := h.Exporter(dir, true).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if summary.Skipped != 2 || summary.Saved != 0 {
		t.Errorf("skipped %d saved %d, want 2 and 0", summary.Skipped, summary.Saved)
	}
	if n := len(h.DownloadTokens()); n != 2 {
		t.Errorf("download requests = %d, want 2", n)
	}
}

func testRunHistory(t *testing.T) {
	h := NewHarness(Config{Recordings: []model.Recording{recording("a")}})
	defer h.Close()

	summary, err := h.Exporter(t.TempDir(), false).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	api := httptest.NewServer(server.NewMux(h.store, nil, slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer api.Close()

	resp, err := http.Get(api.URL + "/v1/runs/" + summary.RunID)
	if err != nil {
		t.Fatalf("GET run: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET run status = %d", resp.StatusCode)
	}
	var body struct {
		Data struct {
			Saved     int                    `json:"saved"`
			Downloads []model.DownloadRecord `json:"downloads"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.Saved != 1 || len(body.Data.Downloads) != 1 || body.Data.Downloads[0].Status != model.StatusSaved {
		t.Errorf("run detail = %+v", body.Data)
	}
}

// onlyRun returns the single run recorded in the harness ledger.
func (h *Harness) onlyRun(t *testing.T) *model.Run {
	t.Helper()
	res, err := h.store.ListRuns(context.Background(), model.ListRunsQuery{})
	if err != nil || len(res.Runs) != 1 {
		t.Fatalf("ListRuns() = %v, %v; want one run", res, err)
	}
	return &res.Runs[0]
}
