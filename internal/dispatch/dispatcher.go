// Package dispatch is the scheduling core: it pulls eligible jobs from the
// queue, enforces the environment-derived concurrency cap, drives backend
// adapters under policy timeouts, and records every outcome.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lperanavan/videoediting/internal/backend"
	"github.com/lperanavan/videoediting/internal/environment"
	"github.com/lperanavan/videoediting/internal/logging"
	"github.com/lperanavan/videoediting/internal/policy"
	"github.com/lperanavan/videoediting/internal/queue"
	"github.com/lperanavan/videoediting/internal/upload"
)

const defaultPollInterval = 2 * time.Second

type Dispatcher struct {
	store    *queue.Store
	adapters map[string]backend.Adapter
	pol      *policy.Policy
	env      *environment.Publisher
	uploader upload.Uploader
	logger   *slog.Logger

	pollInterval  time.Duration
	uploadTimeout time.Duration

	running atomic.Bool
	paused  atomic.Bool

	mu       sync.Mutex
	inFlight map[string]int
	total    int

	wg sync.WaitGroup
}

type Options struct {
	Store         *queue.Store
	Adapters      []backend.Adapter
	Policy        *policy.Policy
	Environment   *environment.Publisher
	Uploader      upload.Uploader
	UploadTimeout time.Duration
	PollInterval  time.Duration
	Logger        *slog.Logger
}

func New(opts Options) *Dispatcher {
	adapters := make(map[string]backend.Adapter, len(opts.Adapters))
	for _, a := range opts.Adapters {
		adapters[a.Kind()] = a
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 30 * time.Minute
	}
	return &Dispatcher{
		store:         opts.Store,
		adapters:      adapters,
		pol:           opts.Policy,
		env:           opts.Environment,
		uploader:      opts.Uploader,
		logger:        logging.WithComponent(opts.Logger, "dispatcher"),
		pollInterval:  opts.PollInterval,
		uploadTimeout: opts.UploadTimeout,
		inFlight:      make(map[string]int),
	}
}

// Start runs the dispatch loop until the context is cancelled, then waits
// for in-flight slots to drain.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.running.Swap(true) {
		return
	}
	defer d.running.Store(false)

	d.logger.Info("dispatcher started", "backends", len(d.adapters))

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping, draining slots")
			d.wg.Wait()
			return
		case <-ticker.C:
			if !d.paused.Load() {
				d.fillSlots(ctx)
			}
		}
	}
}

// fillSlots dispatches until either nothing is eligible or the cap is
// reached. The cap is re-read from the live profile before every single
// dispatch decision, so a mid-run environment change throttles immediately.
func (d *Dispatcher) fillSlots(ctx context.Context) {
	for {
		kinds := d.dispatchableKinds()
		if len(kinds) == 0 {
			return
		}

		job, err := d.store.DequeueNext(ctx, kinds...)
		if err != nil {
			d.logger.Error("dequeue failed", "error", err)
			return
		}
		if job == nil {
			return
		}

		d.acquire(job.Backend)
		d.wg.Add(1)
		go func(j *queue.Job) {
			defer d.wg.Done()
			defer d.release(j.Backend)
			d.runJob(ctx, j)
		}(job)
	}
}

// dispatchableKinds returns the backend kinds that currently have a free
// slot under the profile's concurrency cap.
func (d *Dispatcher) dispatchableKinds() []string {
	cap := d.currentCap()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.total >= cap {
		return nil
	}

	var kinds []string
	for kind := range d.adapters {
		if d.inFlight[kind] < cap {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

func (d *Dispatcher) currentCap() int {
	prof := d.env.Current()
	if prof == nil || prof.MaxConcurrent < 1 {
		return 1
	}
	return prof.MaxConcurrent
}

func (d *Dispatcher) acquire(kind string) {
	d.mu.Lock()
	d.inFlight[kind]++
	d.total++
	d.mu.Unlock()
}

func (d *Dispatcher) release(kind string) {
	d.mu.Lock()
	d.inFlight[kind]--
	d.total--
	d.mu.Unlock()
}

// runJob drives one claimed job through its adapter and records the
// outcome. The job is already marked running by the claim.
func (d *Dispatcher) runJob(ctx context.Context, job *queue.Job) {
	log := logging.WithBackend(logging.WithJobID(d.logger, job.ID), job.Backend).With("attempt", job.Attempts)

	adapter, ok := d.adapters[job.Backend]
	if !ok {
		log.Error("no adapter for backend")
		d.markFailed(ctx, job, "backend disabled or unknown")
		return
	}

	prof := d.env.Current()
	timeout := d.pol.TimeoutFor(job.Backend, prof)
	log.Info("job started", "timeout", timeout.String())

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	result, err := adapter.Submit(attemptCtx, job)
	cancel()

	if err != nil {
		d.handleFailure(ctx, job, adapter, err, log)
		return
	}

	log.Info("processing succeeded", "artifact", result.ArtifactPath,
		"duration_ms", result.Duration.Milliseconds())
	d.handleSuccess(ctx, job, result, log)
}

func (d *Dispatcher) handleSuccess(ctx context.Context, job *queue.Job, result backend.Result, log *slog.Logger) {
	if d.uploader == nil {
		if err := d.store.MarkSucceeded(ctx, job.ID, result.ArtifactPath); err != nil {
			log.Error("failed to record success", "error", err)
		}
		return
	}

	if err := d.uploadWithRetry(ctx, job, result.ArtifactPath, log); err != nil {
		// Processing stands; only the upload leg is recorded as failed.
		log.Warn("upload failed after successful processing", "error", err)
		if merr := d.store.MarkUploadFailed(ctx, job.ID, result.ArtifactPath, err.Error()); merr != nil {
			log.Error("failed to record upload failure", "error", merr)
		}
		return
	}

	if err := d.store.MarkSucceeded(ctx, job.ID, result.ArtifactPath); err != nil {
		log.Error("failed to record success", "error", err)
	}
	log.Info("job succeeded")
}

// uploadWithRetry pushes the artifact under the same backoff policy as
// dispatch. Permanent upload errors stop immediately.
func (d *Dispatcher) uploadWithRetry(ctx context.Context, job *queue.Job, artifactPath string, log *slog.Logger) error {
	objectName := job.ID + "/" + lastPathElement(artifactPath)

	var lastErr error
	for attempt := 1; attempt <= d.pol.RetryCeiling()+1; attempt++ {
		upCtx, cancel := context.WithTimeout(ctx, d.uploadTimeout)
		err := d.uploader.Upload(upCtx, artifactPath, objectName)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if upload.IsPermanent(err) || attempt > d.pol.RetryCeiling() {
			break
		}

		delay := d.pol.BackoffBefore(attempt)
		log.Warn("upload attempt failed, backing off", "attempt", attempt,
			"delay", delay.String(), "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func (d *Dispatcher) handleFailure(ctx context.Context, job *queue.Job, adapter backend.Adapter, err error, log *slog.Logger) {
	class := backend.Classify(err)
	log.Warn("attempt failed", "class", class.String(), "error", err)

	switch class {
	case backend.ClassFatalInput:
		// The input will not get better; fail without touching the
		// backoff machinery.
		d.markFailed(ctx, job, err.Error())
		return

	case backend.ClassFatalBackend:
		if !d.pol.ShouldRetry(job.Attempts, err) {
			d.markFailed(ctx, job, err.Error())
			return
		}
		if r, ok := adapter.(backend.Restartable); ok {
			if rerr := r.Restart(ctx); rerr != nil {
				log.Error("backend restart failed", "error", rerr)
				d.markFailed(ctx, job, err.Error()+"; restart failed: "+rerr.Error())
				return
			}
			log.Info("backend restarted, scheduling retry")
		}

	default:
		if !d.pol.ShouldRetry(job.Attempts, err) {
			d.markFailed(ctx, job, err.Error())
			return
		}
	}

	delay := d.pol.BackoffBefore(job.Attempts)
	if errors.Is(err, backend.ErrEditorNotReady) {
		// Application startup is slow on streamed hosts; give it more room.
		delay *= 2
	}

	log.Info("job retry scheduled", "delay", delay.String())
	if rerr := d.store.Requeue(ctx, job.ID, delay, err.Error()); rerr != nil {
		log.Error("failed to requeue job", "error", rerr)
	}
}

func (d *Dispatcher) markFailed(ctx context.Context, job *queue.Job, msg string) {
	if err := d.store.MarkFailed(ctx, job.ID, msg); err != nil {
		d.logger.Error("failed to record job failure", "job_id", job.ID, "error", err)
	}
	d.logger.Info("job failed", "job_id", job.ID, "attempts", job.Attempts)
}

func (d *Dispatcher) Pause() {
	d.paused.Store(true)
	d.logger.Info("dispatcher paused")
}

func (d *Dispatcher) Resume() {
	d.paused.Store(false)
	d.logger.Info("dispatcher resumed")
}

func (d *Dispatcher) IsPaused() bool {
	return d.paused.Load()
}

func (d *Dispatcher) IsRunning() bool {
	return d.running.Load()
}

// ActiveSlots returns the number of jobs currently in flight.
func (d *Dispatcher) ActiveSlots() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

func lastPathElement(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' || p[i] == '\\' {
			return p[i+1:]
		}
	}
	return p
}
