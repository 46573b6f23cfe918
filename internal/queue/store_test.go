package queue_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/lperanavan/videoediting/internal/db"
	"github.com/lperanavan/videoediting/internal/queue"
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

func enqueue(t *testing.T, s *queue.Store, backend string, priority int) *queue.Job {
	t.Helper()
	j := &queue.Job{
		SourceFile: "/videos/tape.mp4",
		Backend:    backend,
		Priority:   priority,
	}
	if err := s.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return j
}

func TestEnqueueDefaults(t *testing.T) {
	s := newTestStore(t)
	j := &queue.Job{SourceFile: "/videos/tape.mp4", Backend: queue.BackendTranscoder}
	if err := s.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if j.ID == "" {
		t.Error("Enqueue() did not assign an ID")
	}
	if j.Priority != queue.DefaultPriority {
		t.Errorf("priority = %d, want %d", j.Priority, queue.DefaultPriority)
	}

	got, err := s.Get(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != queue.StatusPending {
		t.Errorf("status = %q, want %q", got.Status, queue.StatusPending)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", got.Attempts)
	}
}

func TestEnqueueRejectsUnknownBackend(t *testing.T) {
	s := newTestStore(t)
	j := &queue.Job{SourceFile: "/videos/tape.mp4", Backend: "mainframe"}
	if err := s.Enqueue(context.Background(), j); err == nil {
		t.Fatal("Enqueue() with unknown backend should fail")
	}
}

func TestDequeueOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := enqueue(t, s, queue.BackendTranscoder, 9)
	high := enqueue(t, s, queue.BackendTranscoder, 1)
	mid := enqueue(t, s, queue.BackendTranscoder, 5)

	var got []string
	for i := 0; i < 3; i++ {
		j, err := s.DequeueNext(ctx, queue.BackendTranscoder)
		if err != nil {
			t.Fatalf("DequeueNext() error = %v", err)
		}
		if j == nil {
			t.Fatal("DequeueNext() = nil, want a job")
		}
		got = append(got, j.ID)
	}

	want := []string{high.ID, mid.ID, low.ID}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dequeue order[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDequeueFIFOWithinPriority(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &queue.Job{SourceFile: "/a.mp4", Backend: queue.BackendTranscoder,
		EnqueuedAt: time.Now().UTC().Add(-2 * time.Minute)}
	second := &queue.Job{SourceFile: "/b.mp4", Backend: queue.BackendTranscoder,
		EnqueuedAt: time.Now().UTC().Add(-1 * time.Minute)}
	for _, j := range []*queue.Job{second, first} {
		if err := s.Enqueue(ctx, j); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	j, err := s.DequeueNext(ctx, queue.BackendTranscoder)
	if err != nil {
		t.Fatalf("DequeueNext() error = %v", err)
	}
	if j.ID != first.ID {
		t.Errorf("DequeueNext() = %s, want earlier job %s", j.ID, first.ID)
	}
}

func TestDequeueFiltersBackendKind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueue(t, s, queue.BackendEditor, 1)
	want := enqueue(t, s, queue.BackendUpscaler, 5)

	j, err := s.DequeueNext(ctx, queue.BackendUpscaler)
	if err != nil {
		t.Fatalf("DequeueNext() error = %v", err)
	}
	if j == nil || j.ID != want.ID {
		t.Fatalf("DequeueNext(upscaler) = %v, want %s", j, want.ID)
	}

	j, err = s.DequeueNext(ctx, queue.BackendUpscaler)
	if err != nil {
		t.Fatalf("DequeueNext() error = %v", err)
	}
	if j != nil {
		t.Errorf("DequeueNext(upscaler) = %v, want nil", j)
	}
}

func TestDequeueClaimsAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := enqueue(t, s, queue.BackendTranscoder, 5)

	first, err := s.DequeueNext(ctx, queue.BackendTranscoder)
	if err != nil {
		t.Fatalf("DequeueNext() error = %v", err)
	}
	if first.Status != queue.StatusRunning || first.Attempts != 1 {
		t.Errorf("claimed job status/attempts = %s/%d, want running/1", first.Status, first.Attempts)
	}

	second, err := s.DequeueNext(ctx, queue.BackendTranscoder)
	if err != nil {
		t.Fatalf("DequeueNext() error = %v", err)
	}
	if second != nil {
		t.Errorf("second DequeueNext() claimed %s, want nil", second.ID)
	}

	stored, _ := s.Get(ctx, job.ID)
	if stored.Status != queue.StatusRunning {
		t.Errorf("stored status = %q, want running", stored.Status)
	}
}

func TestRequeueHonorsBackoff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := enqueue(t, s, queue.BackendTranscoder, 5)
	if _, err := s.DequeueNext(ctx, queue.BackendTranscoder); err != nil {
		t.Fatalf("DequeueNext() error = %v", err)
	}

	if err := s.Requeue(ctx, job.ID, time.Hour, "transient failure"); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}

	j, err := s.DequeueNext(ctx, queue.BackendTranscoder)
	if err != nil {
		t.Fatalf("DequeueNext() error = %v", err)
	}
	if j != nil {
		t.Error("job eligible before its backoff elapsed")
	}
}

func TestRequeueElapsedIsEligible(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := enqueue(t, s, queue.BackendTranscoder, 5)
	if _, err := s.DequeueNext(ctx, queue.BackendTranscoder); err != nil {
		t.Fatalf("DequeueNext() error = %v", err)
	}
	if err := s.Requeue(ctx, job.ID, -time.Second, "transient failure"); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}

	j, err := s.DequeueNext(ctx, queue.BackendTranscoder)
	if err != nil {
		t.Fatalf("DequeueNext() error = %v", err)
	}
	if j == nil {
		t.Fatal("elapsed retry not eligible for dequeue")
	}
	if j.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", j.Attempts)
	}
	if j.LastError != "transient failure" {
		t.Errorf("last_error = %q, want preserved message", j.LastError)
	}
}

func TestFinishTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeded", func(t *testing.T) {
		s := newTestStore(t)
		job := enqueue(t, s, queue.BackendTranscoder, 5)
		s.DequeueNext(ctx, queue.BackendTranscoder)

		if err := s.MarkSucceeded(ctx, job.ID, "/artifacts/out.mp4"); err != nil {
			t.Fatalf("MarkSucceeded() error = %v", err)
		}
		got, _ := s.Get(ctx, job.ID)
		if got.Status != queue.StatusSucceeded {
			t.Errorf("status = %q, want succeeded", got.Status)
		}
		if got.ArtifactPath != "/artifacts/out.mp4" {
			t.Errorf("artifact_path = %q", got.ArtifactPath)
		}
		if !got.Terminal() {
			t.Error("succeeded job should be terminal")
		}
	})

	t.Run("failed", func(t *testing.T) {
		s := newTestStore(t)
		job := enqueue(t, s, queue.BackendTranscoder, 5)
		s.DequeueNext(ctx, queue.BackendTranscoder)

		if err := s.MarkFailed(ctx, job.ID, "unsupported codec"); err != nil {
			t.Fatalf("MarkFailed() error = %v", err)
		}
		got, _ := s.Get(ctx, job.ID)
		if got.Status != queue.StatusFailed {
			t.Errorf("status = %q, want failed", got.Status)
		}
		if got.LastError != "unsupported codec" {
			t.Errorf("last_error = %q", got.LastError)
		}
	})

	t.Run("upload failed keeps artifact", func(t *testing.T) {
		s := newTestStore(t)
		job := enqueue(t, s, queue.BackendTranscoder, 5)
		s.DequeueNext(ctx, queue.BackendTranscoder)

		if err := s.MarkUploadFailed(ctx, job.ID, "/artifacts/out.mp4", "bucket denied"); err != nil {
			t.Fatalf("MarkUploadFailed() error = %v", err)
		}
		got, _ := s.Get(ctx, job.ID)
		if got.Status != queue.StatusUploadFailed {
			t.Errorf("status = %q, want upload_failed", got.Status)
		}
		if got.ArtifactPath != "/artifacts/out.mp4" {
			t.Errorf("artifact_path = %q, want retained", got.ArtifactPath)
		}
		if !got.Terminal() {
			t.Error("upload_failed job should be terminal")
		}
	})
}

func TestFinishRequiresRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := enqueue(t, s, queue.BackendTranscoder, 5)
	if err := s.MarkSucceeded(ctx, job.ID, "/artifacts/out.mp4"); err == nil {
		t.Error("MarkSucceeded() on pending job should fail")
	}
}

func TestCrashRecoveryRequeuesRunning(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	database, err := db.New(dbPath, testLogger())
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	s := queue.NewStore(database.Conn())

	job := enqueue(t, s, queue.BackendTranscoder, 5)
	if _, err := s.DequeueNext(ctx, queue.BackendTranscoder); err != nil {
		t.Fatalf("DequeueNext() error = %v", err)
	}
	database.Close()

	// Reopen simulates a daemon restart with a job mid-flight.
	database, err = db.New(dbPath, testLogger())
	if err != nil {
		t.Fatalf("db.New() reopen error = %v", err)
	}
	defer database.Close()
	s = queue.NewStore(database.Conn())

	got, err := s.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != queue.StatusPending {
		t.Errorf("status after restart = %q, want pending", got.Status)
	}
	if got.LastError == "" {
		t.Error("interrupted job should record why it was requeued")
	}
}

func TestCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueue(t, s, queue.BackendTranscoder, 5)
	enqueue(t, s, queue.BackendEditor, 1)
	if _, err := s.DequeueNext(ctx, queue.BackendEditor); err != nil {
		t.Fatalf("DequeueNext() error = %v", err)
	}

	counts, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if counts.Pending != 1 || counts.Running != 1 {
		t.Errorf("counts = %+v, want 1 pending 1 running", counts)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueue(t, s, queue.BackendTranscoder, 5)
	enqueue(t, s, queue.BackendTranscoder, 5)
	if _, err := s.DequeueNext(ctx, queue.BackendTranscoder); err != nil {
		t.Fatalf("DequeueNext() error = %v", err)
	}

	pending, err := s.List(ctx, queue.StatusPending, 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("len(pending) = %d, want 1", len(pending))
	}

	all, err := s.List(ctx, "", 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("len(all) = %d, want 2", len(all))
	}
}

func TestArchiveTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := enqueue(t, s, queue.BackendTranscoder, 5)
	if _, err := s.DequeueNext(ctx, queue.BackendTranscoder); err != nil {
		t.Fatalf("DequeueNext() error = %v", err)
	}
	if err := s.MarkSucceeded(ctx, job.ID, "/artifacts/out.mp4"); err != nil {
		t.Fatalf("MarkSucceeded() error = %v", err)
	}

	// Retention of zero archives everything terminal immediately.
	n, err := s.ArchiveTerminal(ctx, 0)
	if err != nil {
		t.Fatalf("ArchiveTerminal() error = %v", err)
	}
	if n != 1 {
		t.Errorf("archived = %d, want 1", n)
	}

	got, err := s.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Error("archived job still present in live table")
	}
}
