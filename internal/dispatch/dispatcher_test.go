package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lperanavan/videoediting/internal/backend"
	"github.com/lperanavan/videoediting/internal/db"
	"github.com/lperanavan/videoediting/internal/environment"
	"github.com/lperanavan/videoediting/internal/policy"
	"github.com/lperanavan/videoediting/internal/queue"
	"github.com/lperanavan/videoediting/internal/upload"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *queue.Store {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return queue.NewStore(database.Conn())
}

// fakeAdapter fails with the scripted errors in order, then succeeds. It also
// tracks how many submissions overlapped, to check cap enforcement.
type fakeAdapter struct {
	kind  string
	delay time.Duration

	mu        sync.Mutex
	calls     int
	errs      []error
	active    int
	maxActive int
	restarts  int
}

func (f *fakeAdapter) Kind() string { return f.kind }

func (f *fakeAdapter) Submit(ctx context.Context, job *queue.Job) (backend.Result, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(f.delay):
		}
	}

	f.mu.Lock()
	f.active--
	f.mu.Unlock()

	if call < len(f.errs) && f.errs[call] != nil {
		return backend.Result{}, f.errs[call]
	}
	return backend.Result{ArtifactPath: "/artifacts/" + job.ID + ".mp4"}, nil
}

func (f *fakeAdapter) Restart(ctx context.Context) error {
	f.mu.Lock()
	f.restarts++
	f.mu.Unlock()
	return nil
}

type fakeUploader struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (f *fakeUploader) Name() string { return "fake" }

func (f *fakeUploader) Upload(ctx context.Context, artifactPath, objectName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.calls
	f.calls++
	if call < len(f.errs) {
		return f.errs[call]
	}
	return nil
}

func fastPolicy() *policy.Policy {
	return policy.New(policy.Options{
		RetryCeiling: 3,
		BackoffBase:  time.Millisecond,
		BackoffCap:   5 * time.Millisecond,
		BaseTimeouts: map[string]time.Duration{
			queue.BackendTranscoder: time.Minute,
		},
	})
}

func newTestDispatcher(t *testing.T, store *queue.Store, adapter backend.Adapter, uploader *fakeUploader, cap int) *Dispatcher {
	t.Helper()
	pub := environment.NewStaticPublisher(&environment.Profile{
		MaxConcurrent:     cap,
		TimeoutMultiplier: 1.0,
	})

	opts := Options{
		Store:         store,
		Adapters:      []backend.Adapter{adapter},
		Policy:        fastPolicy(),
		Environment:   pub,
		PollInterval:  10 * time.Millisecond,
		UploadTimeout: time.Second,
		Logger:        testLogger(),
	}
	if uploader != nil {
		opts.Uploader = uploader
	}
	return New(opts)
}

func runDispatcher(t *testing.T, d *Dispatcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
	return cancel
}

func waitForTerminal(t *testing.T, store *queue.Store, id string) *queue.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if j != nil && j.Terminal() {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal status")
	return nil
}

func enqueueJob(t *testing.T, store *queue.Store) *queue.Job {
	t.Helper()
	j := &queue.Job{SourceFile: "/videos/tape.mp4", Backend: queue.BackendTranscoder}
	if err := store.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return j
}

func TestTransientFailuresRetryThenSucceed(t *testing.T) {
	store := newTestStore(t)
	transient := backend.NewError(backend.ClassTransient, "transcode", errors.New("io stall"))
	adapter := &fakeAdapter{kind: queue.BackendTranscoder, errs: []error{transient, transient}}

	d := newTestDispatcher(t, store, adapter, nil, 1)
	runDispatcher(t, d)

	job := enqueueJob(t, store)
	got := waitForTerminal(t, store, job.ID)

	if got.Status != queue.StatusSucceeded {
		t.Errorf("status = %q, want succeeded (last_error=%q)", got.Status, got.LastError)
	}
	if got.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", got.Attempts)
	}
	if got.ArtifactPath == "" {
		t.Error("artifact path not recorded")
	}
}

func TestFatalInputFailsWithoutRetry(t *testing.T) {
	store := newTestStore(t)
	fatal := backend.NewError(backend.ClassFatalInput, "transcode", errors.New("moov atom not found"))
	adapter := &fakeAdapter{kind: queue.BackendTranscoder, errs: []error{fatal, fatal, fatal}}

	d := newTestDispatcher(t, store, adapter, nil, 1)
	runDispatcher(t, d)

	job := enqueueJob(t, store)
	got := waitForTerminal(t, store, job.ID)

	if got.Status != queue.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (fatal input must not retry)", got.Attempts)
	}
}

func TestTransientExhaustsRetryBudget(t *testing.T) {
	store := newTestStore(t)
	transient := backend.NewError(backend.ClassTransient, "transcode", errors.New("io stall"))
	adapter := &fakeAdapter{kind: queue.BackendTranscoder,
		errs: []error{transient, transient, transient, transient, transient, transient}}

	d := newTestDispatcher(t, store, adapter, nil, 1)
	runDispatcher(t, d)

	job := enqueueJob(t, store)
	got := waitForTerminal(t, store, job.ID)

	if got.Status != queue.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	// Ceiling 3 allows the initial attempt plus three retries.
	if got.Attempts != 4 {
		t.Errorf("attempts = %d, want 4", got.Attempts)
	}
}

func TestFatalBackendRestartsThenRetriesOnce(t *testing.T) {
	store := newTestStore(t)
	crash := backend.NewError(backend.ClassFatalBackend, "edit", errors.New("application crashed"))
	adapter := &fakeAdapter{kind: queue.BackendTranscoder, errs: []error{crash}}

	d := newTestDispatcher(t, store, adapter, nil, 1)
	runDispatcher(t, d)

	job := enqueueJob(t, store)
	got := waitForTerminal(t, store, job.ID)

	if got.Status != queue.StatusSucceeded {
		t.Errorf("status = %q, want succeeded after restart", got.Status)
	}
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", got.Attempts)
	}

	adapter.mu.Lock()
	restarts := adapter.restarts
	adapter.mu.Unlock()
	if restarts != 1 {
		t.Errorf("restarts = %d, want 1", restarts)
	}
}

func TestFatalBackendSecondCrashFails(t *testing.T) {
	store := newTestStore(t)
	crash := backend.NewError(backend.ClassFatalBackend, "edit", errors.New("application crashed"))
	adapter := &fakeAdapter{kind: queue.BackendTranscoder, errs: []error{crash, crash}}

	d := newTestDispatcher(t, store, adapter, nil, 1)
	runDispatcher(t, d)

	job := enqueueJob(t, store)
	got := waitForTerminal(t, store, job.ID)

	if got.Status != queue.StatusFailed {
		t.Errorf("status = %q, want failed after second crash", got.Status)
	}
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", got.Attempts)
	}
}

func TestConcurrencyCapEnforced(t *testing.T) {
	store := newTestStore(t)
	adapter := &fakeAdapter{kind: queue.BackendTranscoder, delay: 50 * time.Millisecond}

	d := newTestDispatcher(t, store, adapter, nil, 1)
	runDispatcher(t, d)

	jobs := []*queue.Job{enqueueJob(t, store), enqueueJob(t, store), enqueueJob(t, store)}
	for _, j := range jobs {
		waitForTerminal(t, store, j.ID)
	}

	adapter.mu.Lock()
	maxActive := adapter.maxActive
	adapter.mu.Unlock()
	if maxActive > 1 {
		t.Errorf("max concurrent submissions = %d, want 1", maxActive)
	}
}

func TestCapDropThrottlesNewDispatch(t *testing.T) {
	store := newTestStore(t)
	adapter := &fakeAdapter{kind: queue.BackendTranscoder, delay: 30 * time.Millisecond}

	pub := environment.NewStaticPublisher(&environment.Profile{
		MaxConcurrent:     2,
		TimeoutMultiplier: 1.0,
	})
	d := New(Options{
		Store:        store,
		Adapters:     []backend.Adapter{adapter},
		Policy:       fastPolicy(),
		Environment:  pub,
		PollInterval: 10 * time.Millisecond,
		Logger:       testLogger(),
	})
	runDispatcher(t, d)

	first := []*queue.Job{enqueueJob(t, store), enqueueJob(t, store)}
	for _, j := range first {
		waitForTerminal(t, store, j.ID)
	}

	// Shrink the cap and reset the high-water mark; later dispatches must
	// respect the new value without a restart.
	pub.Set(&environment.Profile{MaxConcurrent: 1, TimeoutMultiplier: 1.0})
	adapter.mu.Lock()
	adapter.maxActive = 0
	adapter.mu.Unlock()

	second := []*queue.Job{enqueueJob(t, store), enqueueJob(t, store), enqueueJob(t, store)}
	for _, j := range second {
		waitForTerminal(t, store, j.ID)
	}

	adapter.mu.Lock()
	maxActive := adapter.maxActive
	adapter.mu.Unlock()
	if maxActive > 1 {
		t.Errorf("max concurrent after cap drop = %d, want 1", maxActive)
	}
}

func TestUploadPermanentFailureIsTerminal(t *testing.T) {
	store := newTestStore(t)
	adapter := &fakeAdapter{kind: queue.BackendTranscoder}
	uploader := &fakeUploader{errs: []error{
		&upload.Error{Permanent: true, Err: errors.New("access denied")},
	}}

	d := newTestDispatcher(t, store, adapter, uploader, 1)
	runDispatcher(t, d)

	job := enqueueJob(t, store)
	got := waitForTerminal(t, store, job.ID)

	if got.Status != queue.StatusUploadFailed {
		t.Errorf("status = %q, want upload_failed", got.Status)
	}
	if got.ArtifactPath == "" {
		t.Error("artifact path must be retained for manual upload")
	}

	uploader.mu.Lock()
	calls := uploader.calls
	uploader.mu.Unlock()
	if calls != 1 {
		t.Errorf("upload calls = %d, want 1 (permanent errors must not retry)", calls)
	}
}

func TestUploadTransientFailureRetries(t *testing.T) {
	store := newTestStore(t)
	adapter := &fakeAdapter{kind: queue.BackendTranscoder}
	uploader := &fakeUploader{errs: []error{errors.New("connection reset")}}

	d := newTestDispatcher(t, store, adapter, uploader, 1)
	runDispatcher(t, d)

	job := enqueueJob(t, store)
	got := waitForTerminal(t, store, job.ID)

	if got.Status != queue.StatusSucceeded {
		t.Errorf("status = %q, want succeeded after upload retry", got.Status)
	}
}

func TestPauseStopsDispatch(t *testing.T) {
	store := newTestStore(t)
	adapter := &fakeAdapter{kind: queue.BackendTranscoder}

	d := newTestDispatcher(t, store, adapter, nil, 1)
	d.Pause()
	runDispatcher(t, d)

	job := enqueueJob(t, store)
	time.Sleep(100 * time.Millisecond)

	got, err := store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != queue.StatusPending {
		t.Errorf("status while paused = %q, want pending", got.Status)
	}

	d.Resume()
	final := waitForTerminal(t, store, job.ID)
	if final.Status != queue.StatusSucceeded {
		t.Errorf("status after resume = %q, want succeeded", final.Status)
	}
}
