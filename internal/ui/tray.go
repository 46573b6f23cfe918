// Package ui is the optional system tray surface: queue counts at a glance,
// pause/resume, quit.
package ui

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getlantern/systray"
	"github.com/lperanavan/videoediting/internal/dispatch"
	"github.com/lperanavan/videoediting/internal/logging"
	"github.com/lperanavan/videoediting/internal/queue"
)

type Tray struct {
	store      *queue.Store
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger

	statusItem *systray.MenuItem
	countsItem *systray.MenuItem
	pauseItem  *systray.MenuItem

	mu sync.Mutex

	onQuit func()
}

type TrayConfig struct {
	Store      *queue.Store
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger
	OnQuit     func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		logger:     logging.WithComponent(cfg.Logger, "tray"),
		onQuit:     cfg.OnQuit,
	}
}

// Run blocks until the tray exits. Must be called from the main goroutine
// on platforms that require it.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes)
	systray.SetTitle("VPOD")
	systray.SetTooltip("Video Processing Orchestrator")

	t.statusItem = systray.AddMenuItem("Status: Idle", "Current orchestrator status")
	t.statusItem.Disable()

	t.countsItem = systray.AddMenuItem("Queue: 0 pending", "Jobs by status")
	t.countsItem.Disable()

	systray.AddSeparator()

	t.pauseItem = systray.AddMenuItem("Pause", "Pause job dispatch")

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit the orchestrator")

	go func() {
		for {
			select {
			case <-t.pauseItem.ClickedCh:
				t.togglePause()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	go t.refreshLoop()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	t.logger.Info("system tray exiting")
}

func (t *Tray) togglePause() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dispatcher == nil {
		return
	}

	if t.dispatcher.IsPaused() {
		t.dispatcher.Resume()
		t.pauseItem.SetTitle("Pause")
		t.statusItem.SetTitle("Status: Idle")
	} else {
		t.dispatcher.Pause()
		t.pauseItem.SetTitle("Resume")
		t.statusItem.SetTitle("Status: Paused")
	}
}

func (t *Tray) refreshLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		counts, err := t.store.Counts(ctx)
		cancel()
		if err != nil {
			continue
		}
		t.updateCounts(counts)
	}
}

func (t *Tray) updateCounts(c queue.Counts) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.countsItem.SetTitle(fmt.Sprintf("Queue: %d pending, %d running, %d retrying",
		c.Pending, c.Running, c.Retrying))

	if t.dispatcher != nil && !t.dispatcher.IsPaused() {
		if c.Running > 0 {
			t.statusItem.SetTitle("Status: Processing")
		} else {
			t.statusItem.SetTitle("Status: Idle")
		}
	}
}

func (t *Tray) Quit() {
	systray.Quit()
}
