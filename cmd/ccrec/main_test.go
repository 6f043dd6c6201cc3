// cmd/ccrec/main_test.go
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	errordefs "github.com/RegistryAccord/registryaccord-ccrec-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/model"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/server"
)

// setEnv points the exporter at fake endpoints with valid credentials.
func setEnv(t *testing.T, baseURL, tokenURL string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "Recordings")
	t.Setenv("ZOOM_ACCOUNT_ID", "acct")
	t.Setenv("ZOOM_CLIENT_ID", "client")
	t.Setenv("ZOOM_CLIENT_SECRET", "secret")
	t.Setenv("CCREC_BASE_URL", baseURL)
	t.Setenv("CCREC_TOKEN_URL", tokenURL)
	t.Setenv("CCREC_RECORDING_PATH", dir)
	t.Setenv("CCREC_TIMEFRAME", "yesterday")
	for _, k := range []string{"CCREC_FROM", "CCREC_TO", "CCREC_DB_DSN", "CCREC_NATS_URL", "CCREC_S3_BUCKET", "CCREC_METRICS_FILE", "CCREC_TRACE_FILE", "CCREC_SCHEDULE"} {
		t.Setenv(k, "")
	}
	return dir
}

// fakeAPI serves a token, one list page with the given recordings and media for each.
func fakeAPI(t *testing.T, tokenStatus int, recordings string, missing string) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		if tokenStatus != http.StatusOK {
			http.Error(w, `{"error":"invalid_client"}`, tokenStatus)
			return
		}
		io.WriteString(w, `{"access_token":"tok","token_type":"bearer","expires_in":3599}`)
	})
	mux.HandleFunc("GET /v2/contact_center/recordings", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"next_page_token":"","recordings":[`+strings.ReplaceAll(recordings, "{base}", srv.URL)+`]}`)
	})
	mux.HandleFunc("GET /media/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == missing {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, "media")
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

const twoRecordings = `{"recording_start_time":"2023-10-04T09:00:00","engagement_id":"e1","channel_type":"voice","recording_id":"r1","download_url":"{base}/media/r1"},` +
	`{"recording_start_time":"2023-10-04T10:00:00","engagement_id":"e2","channel_type":"voice","recording_id":"r2","download_url":"{base}/media/r2"}`

func TestExecuteMissingCredentials(t *testing.T) {
	setEnv(t, "http://127.0.0.1:1/v2", "http://127.0.0.1:1/oauth/token")
	t.Setenv("ZOOM_CLIENT_SECRET", "")
	if code := execute(nil); code != 1 {
		t.Errorf("execute() = %d, want 1", code)
	}
}

func TestExecuteInvalidFlags(t *testing.T) {
	setEnv(t, "http://127.0.0.1:1/v2", "http://127.0.0.1:1/oauth/token")
	for _, args := range [][]string{
		{"--timeframe", "fortnight"},
		{"--channel", "fax"},
		{"--from", "2023-09-01T00:00:00"},
	} {
		if code := execute(args); code != 1 {
			t.Errorf("execute(%v) = %d, want 1", args, code)
		}
	}
}

func TestExecuteAuthFailure(t *testing.T) {
	srv := fakeAPI(t, http.StatusUnauthorized, twoRecordings, "")
	setEnv(t, srv.URL+"/v2", srv.URL+"/oauth/token")
	if code := execute(nil); code != 2 {
		t.Errorf("execute() = %d, want 2", code)
	}
}

func TestExecuteSavesRecordings(t *testing.T) {
	srv := fakeAPI(t, http.StatusOK, twoRecordings, "")
	dir := setEnv(t, srv.URL+"/v2", srv.URL+"/oauth/token")
	metricsFile := filepath.Join(t.TempDir(), "ccrec.prom")

	t.Setenv("CCREC_METRICS_FILE", metricsFile)
	if code := execute(nil); code != 0 {
		t.Fatalf("execute() = %d, want 0", code)
	}
	for _, name := range []string{"2023-10-04T09:00:00_e1_r1.mp3", "2023-10-04T10:00:00_e2_r2.mp3"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
	b, err := os.ReadFile(metricsFile)
	if err != nil {
		t.Fatalf("metrics textfile: %v", err)
	}
	if !strings.Contains(string(b), "ccrec_downloads_total") {
		t.Errorf("metrics textfile lacks download counter")
	}
}

func TestExecuteDownloadFailureExitCode(t *testing.T) {
	srv := fakeAPI(t, http.StatusOK, twoRecordings, "r1")
	setEnv(t, srv.URL+"/v2", srv.URL+"/oauth/token")

	if code := execute(nil); code != 0 {
		t.Errorf("execute() = %d, want 0 without --fail-on-download-error", code)
	}
	if code := execute([]string{"--fail-on-download-error"}); code != 5 {
		t.Errorf("execute(--fail-on-download-error) = %d, want 5", code)
	}
}

func TestExecuteInterruptedExitCode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"access_token":"tok","token_type":"bearer","expires_in":3599}`)
	})
	var srv *httptest.Server
	mux.HandleFunc("GET /v2/contact_center/recordings", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"next_page_token":"","recordings":[`+strings.ReplaceAll(twoRecordings, "{base}", srv.URL)+`]}`)
	})
	mux.HandleFunc("GET /media/{id}", func(w http.ResponseWriter, r *http.Request) {
		// Stands in for SIGINT arriving during the first download
		cancel()
		io.WriteString(w, "media")
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()
	setEnv(t, srv.URL+"/v2", srv.URL+"/oauth/token")

	root, _ := newRootCmd()
	root.SetArgs([]string{})
	err := root.ExecuteContext(ctx)
	if got := errordefs.CodeOf(err); got != errordefs.CCREC_RUN_INTERRUPTED {
		t.Fatalf("ExecuteContext() error = %v, want %v", err, errordefs.CCREC_RUN_INTERRUPTED)
	}
	if code := errordefs.ExitCode(err); code != 130 {
		t.Errorf("ExitCode() = %d, want 130", code)
	}
}

func TestDaemonRequiresSchedule(t *testing.T) {
	setEnv(t, "http://127.0.0.1:1/v2", "http://127.0.0.1:1/oauth/token")
	if code := execute([]string{"daemon"}); code != 1 {
		t.Errorf("execute(daemon) = %d, want 1", code)
	}
	if code := execute([]string{"daemon", "--schedule", "not a cron"}); code != 1 {
		t.Errorf("execute(daemon --schedule invalid) = %d, want 1", code)
	}
}

// blockingExporter runs until released.
type blockingExporter struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingExporter) Run(ctx context.Context) (*model.Summary, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return &model.Summary{}, nil
}

func TestRunnerSerializesRuns(t *testing.T) {
	exp := &blockingExporter{started: make(chan struct{}), release: make(chan struct{})}
	r := &runner{exp: exp, logger: slog.New(slog.NewTextHandler(io.Discard, nil)), base: context.Background()}

	if err := r.trigger(context.Background()); err != nil {
		t.Fatalf("trigger() error = %v", err)
	}
	<-exp.started

	if err := r.trigger(context.Background()); !errors.Is(err, server.ErrRunInProgress) {
		t.Errorf("second trigger() error = %v, want ErrRunInProgress", err)
	}
	if err := r.run(context.Background()); !errors.Is(err, server.ErrRunInProgress) {
		t.Errorf("run() during trigger error = %v, want ErrRunInProgress", err)
	}

	close(exp.release)
	r.wait()
	if err := r.run(context.Background()); err != nil {
		t.Errorf("run() after release error = %v", err)
	}
}
