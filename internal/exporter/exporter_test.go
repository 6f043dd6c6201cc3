// Package exporter provides tests for the run orchestration.
package exporter

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/oklog/ulid/v2"

	errordefs "github.com/RegistryAccord/registryaccord-ccrec-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/model"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/storage"
)

var fixedRange = model.TimeRange{From: "2023-09-24T00:00:00", To: "2023-09-30T23:59:59"}

type fakeTokens struct {
	err   error
	calls int
}

func (f *fakeTokens) EnsureFresh(ctx context.Context) error {
	f.calls++
	return f.err
}

type fakeLister struct {
	recs []model.Recording
	err  error
}

func (f *fakeLister) ListRecordings(ctx context.Context, tr model.TimeRange, channel string) ([]model.Recording, error) {
	if tr != fixedRange || channel != model.ChannelVoice {
		return nil, stderrors.New("unexpected listing arguments")
	}
	return f.recs, f.err
}

// fakeDownloader writes the recording ID as content, failing for IDs in fail
// and returning the error in errs for IDs listed there.
type fakeDownloader struct {
	fail  map[string]bool
	errs  map[string]error
	calls []string
}

func (f *fakeDownloader) Download(ctx context.Context, rec model.Recording, dir string) (int64, error) {
	f.calls = append(f.calls, rec.RecordingID)
	if err := f.errs[rec.RecordingID]; err != nil {
		return 0, err
	}
	if f.fail[rec.RecordingID] {
		return 0, errordefs.New(errordefs.CCREC_DOWNLOAD_FAILURE, "download "+rec.RecordingID+": 404 Not Found")
	}
	data := []byte("media-" + rec.RecordingID)
	if err := os.WriteFile(filepath.Join(dir, rec.Filename()), data, 0o644); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

type fakeMirror struct {
	err   error
	paths []string
}

func (f *fakeMirror) Mirror(ctx context.Context, localPath string) (string, error) {
	f.paths = append(f.paths, localPath)
	return "recordings/" + filepath.Base(localPath), f.err
}

// recordingPublisher keeps every event in memory.
type recordingPublisher struct {
	mu    sync.Mutex
	saved []model.DownloadRecord
	runs  []model.Run
	err   error
}

func (p *recordingPublisher) PublishRecordingSaved(ctx context.Context, rec model.DownloadRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = append(p.saved, rec)
	return p.err
}

func (p *recordingPublisher) PublishRunCompleted(ctx context.Context, run model.Run) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs = append(p.runs, run)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func rec(id string) model.Recording {
	return model.Recording{
		StartTime:    "2023-09-25T10:00:00",
		EngagementID: "eng-" + id,
		ChannelType:  model.ChannelVoice,
		RecordingID:  id,
		DownloadURL:  "https://files.example/" + id,
	}
}

type harness struct {
	tokens     *fakeTokens
	lister     *fakeLister
	downloader *fakeDownloader
	store      storage.Store
	publisher  *recordingPublisher
	dir        string
}

func newHarness(t *testing.T, recs ...model.Recording) *harness {
	t.Helper()
	return &harness{
		tokens:     &fakeTokens{},
		lister:     &fakeLister{recs: recs},
		downloader: &fakeDownloader{fail: map[string]bool{}, errs: map[string]error{}},
		store:      storage.NewMemory(),
		publisher:  &recordingPublisher{},
		dir:        filepath.Join(t.TempDir(), "Recordings"),
	}
}

func (h *harness) exporter(skip bool, extra ...Option) *Exporter {
	opts := Options{
		Dir:          h.dir,
		Channel:      model.ChannelVoice,
		Range:        func(time.Time) (model.TimeRange, error) { return fixedRange, nil },
		SkipExisting: skip,
	}
	options := append([]Option{
		WithStore(h.store),
		WithPublisher(h.publisher),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, extra...)
	return New(h.tokens, h.lister, h.downloader, opts, options...)
}

// TestRunSavesAll tests a clean run: files written, ledger and events populated.
func TestRunSavesAll(t *testing.T) {
	h := newHarness(t, rec("r1"), rec("r2"))

	summary, err := h.exporter(false).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Found != 2 || summary.Saved != 2 || summary.Failed() != 0 {
		t.Errorf("summary = found %d saved %d failed %d", summary.Found, summary.Saved, summary.Failed())
	}
	if _, err := ulid.Parse(summary.RunID); err != nil {
		t.Errorf("RunID %q is not a ULID: %v", summary.RunID, err)
	}
	if summary.Range != fixedRange {
		t.Errorf("Range = %+v", summary.Range)
	}

	for _, id := range []string{"r1", "r2"} {
		if _, err := os.Stat(filepath.Join(h.dir, rec(id).Filename())); err != nil {
			t.Errorf("file for %s missing: %v", id, err)
		}
	}

	run, err := h.store.GetRun(context.Background(), summary.RunID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if run.Found != 2 || run.Saved != 2 || run.FinishedAt == nil {
		t.Errorf("ledger run = %+v", run)
	}
	downloads, _ := h.store.ListDownloads(context.Background(), summary.RunID)
	var statuses []string
	for _, d := range downloads {
		statuses = append(statuses, d.RecordingID+":"+d.Status)
	}
	if diff := cmp.Diff([]string{"r1:saved", "r2:saved"}, statuses); diff != "" {
		t.Errorf("ledger mismatch (-want +got):\n%s", diff)
	}

	if len(h.publisher.saved) != 2 || len(h.publisher.runs) != 1 {
		t.Errorf("events: saved %d runs %d", len(h.publisher.saved), len(h.publisher.runs))
	}
}

// TestRunCollectsDownloadFailures tests that a failed item does not stop the run.
func TestRunCollectsDownloadFailures(t *testing.T) {
	h := newHarness(t, rec("r1"), rec("r2"), rec("r3"))
	h.downloader.fail["r2"] = true

	summary, err := h.exporter(false).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if diff := cmp.Diff([]string{"r1", "r2", "r3"}, h.downloader.calls); diff != "" {
		t.Errorf("download order mismatch (-want +got):\n%s", diff)
	}
	if summary.Saved != 2 || summary.Failed() != 1 {
		t.Fatalf("saved %d failed %d, want 2 and 1", summary.Saved, summary.Failed())
	}
	f := summary.Failures[0]
	if f.Recording.RecordingID != "r2" || errordefs.CodeOf(f.Err) != errordefs.CCREC_DOWNLOAD_FAILURE {
		t.Errorf("failure = %+v", f)
	}
	if len(h.publisher.saved) != 2 {
		t.Errorf("saved events = %d, want 2", len(h.publisher.saved))
	}
}

// TestRunEmptyListing tests that an empty range is a successful run.
func TestRunEmptyListing(t *testing.T) {
	h := newHarness(t)
	summary, err := h.exporter(false).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Found != 0 || len(h.downloader.calls) != 0 {
		t.Errorf("found %d downloads %d", summary.Found, len(h.downloader.calls))
	}
	if _, err := os.Stat(h.dir); err != nil {
		t.Errorf("target directory not created: %v", err)
	}
}

// TestRunFatalErrors tests that auth, directory and listing failures abort.
func TestRunFatalErrors(t *testing.T) {
	t.Run("auth", func(t *testing.T) {
		h := newHarness(t, rec("r1"))
		h.tokens.err = errordefs.New(errordefs.CCREC_AUTH_FAILURE, "token exchange rejected: 401")
		summary, err := h.exporter(false).Run(context.Background())
		if summary != nil || errordefs.CodeOf(err) != errordefs.CCREC_AUTH_FAILURE {
			t.Errorf("Run() = %v, %v", summary, err)
		}
		if len(h.downloader.calls) != 0 {
			t.Errorf("downloads attempted after auth failure")
		}
		if run := h.onlyRun(t); run.FinishedAt == nil || run.Error == "" {
			t.Errorf("GetRun() = %+v, want a finished run with its error", run)
		}
	})

	t.Run("directory", func(t *testing.T) {
		h := newHarness(t, rec("r1"))
		blocker := filepath.Join(t.TempDir(), "file")
		if err := os.WriteFile(blocker, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		h.dir = filepath.Join(blocker, "Recordings")
		summary, err := h.exporter(false).Run(context.Background())
		if summary != nil || errordefs.CodeOf(err) != errordefs.CCREC_DIRECTORY_FAILURE {
			t.Errorf("Run() = %v, %v", summary, err)
		}
	})

	t.Run("listing", func(t *testing.T) {
		h := newHarness(t)
		h.lister.err = errordefs.New(errordefs.CCREC_LISTING_FAILURE, "list page 2: 500")
		summary, err := h.exporter(false).Run(context.Background())
		if summary != nil || errordefs.CodeOf(err) != errordefs.CCREC_LISTING_FAILURE {
			t.Errorf("Run() = %v, %v", summary, err)
		}

		run := h.onlyRun(t)
		if run.FinishedAt == nil {
			t.Errorf("run %s left unfinished after a listing failure", run.ID)
		}
		if run.Error != err.Error() {
			t.Errorf("run error = %q, want %q", run.Error, err.Error())
		}
		if len(h.publisher.runs) != 1 || h.publisher.runs[0].Error == "" {
			t.Errorf("run completed events = %+v, want one carrying the error", h.publisher.runs)
		}
	})

	t.Run("range", func(t *testing.T) {
		h := newHarness(t)
		e := h.exporter(false)
		e.opts.Range = func(time.Time) (model.TimeRange, error) { return model.TimeRange{}, stderrors.New("unknown timeframe") }
		if _, err := e.Run(context.Background()); errordefs.CodeOf(err) != errordefs.CCREC_CONFIG_INVALID {
			t.Errorf("Run() error = %v, want config failure", err)
		}
	})
}

// TestRunSkipExisting tests that non-empty files are left in place while
// empty ones are downloaded again.
func TestRunSkipExisting(t *testing.T) {
	h := newHarness(t, rec("r1"), rec("r2"))
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(h.dir, rec("r1").Filename()), []byte("kept"), 0o644)
	os.WriteFile(filepath.Join(h.dir, rec("r2").Filename()), nil, 0o644)

	summary, err := h.exporter(true).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Skipped != 1 || summary.Saved != 1 {
		t.Errorf("skipped %d saved %d, want 1 and 1", summary.Skipped, summary.Saved)
	}
	if diff := cmp.Diff([]string{"r2"}, h.downloader.calls); diff != "" {
		t.Errorf("downloads mismatch (-want +got):\n%s", diff)
	}
	got, _ := os.ReadFile(filepath.Join(h.dir, rec("r1").Filename()))
	if string(got) != "kept" {
		t.Errorf("existing file overwritten: %q", got)
	}
}

// TestRunOverwritesByDefault tests that existing files are replaced.
func TestRunOverwritesByDefault(t *testing.T) {
	h := newHarness(t, rec("r1"))
	os.MkdirAll(h.dir, 0o755)
	os.WriteFile(filepath.Join(h.dir, rec("r1").Filename()), []byte("stale"), 0o644)

	if _, err := h.exporter(false).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got, _ := os.ReadFile(filepath.Join(h.dir, rec("r1").Filename()))
	if string(got) != "media-r1" {
		t.Errorf("file content = %q, want overwritten", got)
	}
}

// TestRunMirrorFailure tests that a mirror error counts against the item.
func TestRunMirrorFailure(t *testing.T) {
	h := newHarness(t, rec("r1"), rec("r2"))
	mirror := &fakeMirror{err: stderrors.New("access denied")}

	summary, err := h.exporter(false, WithMirror(mirror)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Saved != 0 || summary.Failed() != 2 {
		t.Errorf("saved %d failed %d, want 0 and 2", summary.Saved, summary.Failed())
	}
	if len(mirror.paths) != 2 {
		t.Errorf("mirror calls = %d, want 2", len(mirror.paths))
	}
	if errordefs.IsFatal(summary.Failures[0].Err) {
		t.Errorf("mirror failure should not be fatal")
	}
}

// TestRunPublisherFailureIgnored tests that event errors never fail a run.
func TestRunPublisherFailureIgnored(t *testing.T) {
	h := newHarness(t, rec("r1"))
	h.publisher.err = stderrors.New("nats: timeout")

	summary, err := h.exporter(false).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Saved != 1 || summary.Failed() != 0 {
		t.Errorf("saved %d failed %d", summary.Saved, summary.Failed())
	}
}

// TestRunCancelled tests that a cancelled context reports remaining items as failures.
func TestRunCancelled(t *testing.T) {
	h := newHarness(t, rec("r1"), rec("r2"))
	ctx, cancel := context.WithCancel(context.Background())
	e := h.exporter(false)
	e.downloader = cancelAfterFirst{h.downloader, cancel}

	summary, err := e.Run(ctx)
	if summary != nil {
		t.Errorf("Run() summary = %+v, want nil", summary)
	}
	if got := errordefs.CodeOf(err); got != errordefs.CCREC_RUN_INTERRUPTED {
		t.Fatalf("CodeOf() = %v, want %v", got, errordefs.CCREC_RUN_INTERRUPTED)
	}
	if !stderrors.Is(err, context.Canceled) || errordefs.ExitCode(err) == 0 {
		t.Errorf("Run() error = %v, want a non-zero exit wrapping context.Canceled", err)
	}

	run := h.onlyRun(t)
	if run.Saved != 1 || run.Failed != 1 || run.FinishedAt == nil {
		t.Errorf("GetRun() = %+v, want saved 1 failed 1 and finished", run)
	}
}

type cancelAfterFirst struct {
	*fakeDownloader
	cancel context.CancelFunc
}

func (c cancelAfterFirst) Download(ctx context.Context, rec model.Recording, dir string) (int64, error) {
	defer c.cancel()
	return c.fakeDownloader.Download(ctx, rec, dir)
}

// TestRunAuthFailureDuringDownloads tests that a failed token refresh between
// downloads stops the run instead of being retried for every later item.
func TestRunAuthFailureDuringDownloads(t *testing.T) {
	h := newHarness(t, rec("r1"), rec("r2"), rec("r3"))
	h.downloader.errs["r2"] = errordefs.NewWithDetails(errordefs.CCREC_AUTH_FAILURE,
		"token exchange rejected: 401 Unauthorized", `{"error":"invalid_client"}`)

	summary, err := h.exporter(false).Run(context.Background())
	if summary != nil {
		t.Errorf("Run() summary = %+v, want nil", summary)
	}
	if got := errordefs.CodeOf(err); got != errordefs.CCREC_AUTH_FAILURE {
		t.Fatalf("CodeOf() = %v, want %v", got, errordefs.CCREC_AUTH_FAILURE)
	}
	if errordefs.ExitCode(err) != 2 {
		t.Errorf("ExitCode() = %d, want 2", errordefs.ExitCode(err))
	}
	if diff := cmp.Diff([]string{"r1", "r2"}, h.downloader.calls); diff != "" {
		t.Errorf("download calls mismatch (-want +got):\n%s", diff)
	}

	run := h.onlyRun(t)
	if run.FinishedAt == nil || run.Saved != 1 || run.Failed != 1 || run.Error == "" {
		t.Errorf("GetRun() = %+v, want finished with saved 1 failed 1 and the error", run)
	}
	if len(h.publisher.runs) != 1 {
		t.Errorf("run completed events = %d, want 1", len(h.publisher.runs))
	}
}

// TestRunUnsafeFileName tests that a recording whose name would leave the
// directory fails alone and is never handed to the downloader.
func TestRunUnsafeFileName(t *testing.T) {
	bad := rec("r2")
	bad.StartTime = "x/../../../escaped"
	h := newHarness(t, rec("r1"), bad, rec("r3"))

	summary, err := h.exporter(true).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Saved != 2 || summary.Failed() != 1 {
		t.Errorf("saved %d failed %d, want 2 and 1", summary.Saved, summary.Failed())
	}
	if got := errordefs.CodeOf(summary.Failures[0].Err); got != errordefs.CCREC_DOWNLOAD_FAILURE {
		t.Errorf("failure code = %v, want %v", got, errordefs.CCREC_DOWNLOAD_FAILURE)
	}
	if diff := cmp.Diff([]string{"r1", "r3"}, h.downloader.calls); diff != "" {
		t.Errorf("download calls mismatch (-want +got):\n%s", diff)
	}
}

// onlyRun returns the single run in the ledger.
func (h *harness) onlyRun(t *testing.T) *model.Run {
	t.Helper()
	res, err := h.store.ListRuns(context.Background(), model.ListRunsQuery{})
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(res.Runs) != 1 {
		t.Fatalf("ListRuns() = %d runs, want 1", len(res.Runs))
	}
	run, err := h.store.GetRun(context.Background(), res.Runs[0].ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	return run
}
