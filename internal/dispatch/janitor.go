package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/lperanavan/videoediting/internal/logging"
	"github.com/lperanavan/videoediting/internal/queue"
)

// Janitor periodically moves terminal jobs past the retention period into
// the archive table so the live queue stays small.
type Janitor struct {
	store     *queue.Store
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

func NewJanitor(store *queue.Store, retention time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{
		store:     store,
		retention: retention,
		interval:  1 * time.Hour,
		logger:    logging.WithComponent(logger, "janitor"),
	}
}

func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	n, err := j.store.ArchiveTerminal(ctx, j.retention)
	if err != nil {
		j.logger.Error("archive sweep failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("archived terminal jobs", "count", n)
	}
}
