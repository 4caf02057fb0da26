package ui

import (
	_ "embed"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/getlantern/systray"

	"github.com/heimdex/heimdex-editor/internal/catalog"
	"github.com/heimdex/heimdex-editor/internal/export"
)

//go:embed icon.png
var iconBytes []byte

const pollInterval = time.Second

// ExportStatus is what the tray needs from the export controller.
type ExportStatus interface {
	Active() (export.Job, bool)
	Cancel(id string) error
}

type Tray struct {
	exports ExportStatus
	runner  *catalog.Runner
	logger  *slog.Logger

	mu         sync.Mutex
	status     *systray.MenuItem
	cancelItem *systray.MenuItem
	pauseItem  *systray.MenuItem
	activeID   string

	onQuit func()
	stop   chan struct{}
}

type TrayConfig struct {
	Exports ExportStatus
	Runner  *catalog.Runner
	Logger  *slog.Logger
	OnQuit  func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		exports: cfg.Exports,
		runner:  cfg.Runner,
		logger:  cfg.Logger,
		onQuit:  cfg.OnQuit,
		stop:    make(chan struct{}),
	}
}

// Run blocks on the platform event loop until Quit.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes)
	systray.SetTitle("Heimdex")
	systray.SetTooltip("Heimdex Editor")

	t.status = systray.AddMenuItem("Status: Idle", "Current export status")
	t.status.Disable()

	t.cancelItem = systray.AddMenuItem("Cancel Export", "Cancel the running export")
	t.cancelItem.Disable()

	systray.AddSeparator()

	t.pauseItem = systray.AddMenuItem("Pause Maintenance", "Pause cache maintenance")

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit Heimdex Editor")

	go t.poll()
	go func() {
		for {
			select {
			case <-t.cancelItem.ClickedCh:
				t.cancelActive()
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

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	close(t.stop)
	t.logger.Info("system tray exiting")
}

func (t *Tray) poll() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			job, ok := t.exports.Active()
			t.update(job, ok)
		}
	}
}

func (t *Tray) update(job export.Job, active bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.SetTitle(StatusLine(job, active))
	if active {
		t.activeID = job.ID
		t.cancelItem.Enable()
	} else {
		t.activeID = ""
		t.cancelItem.Disable()
	}
}

func (t *Tray) cancelActive() {
	t.mu.Lock()
	id := t.activeID
	t.mu.Unlock()
	if id == "" {
		return
	}
	if err := t.exports.Cancel(id); err != nil {
		t.logger.Error("failed to cancel export", "job_id", id, "error", err)
		return
	}
	t.logger.Info("export cancelled from tray", "job_id", id)
}

func (t *Tray) togglePause() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.runner == nil {
		return
	}
	if t.runner.IsPaused() {
		t.runner.Resume()
		t.pauseItem.SetTitle("Pause Maintenance")
	} else {
		t.runner.Pause()
		t.pauseItem.SetTitle("Resume Maintenance")
	}
}

func (t *Tray) Quit() {
	systray.Quit()
}

// StatusLine renders the tray status title.
func StatusLine(job export.Job, active bool) string {
	if !active {
		return "Status: Idle"
	}
	name := filepath.Base(job.OutputPath)
	if job.State == export.StateQueued {
		return fmt.Sprintf("Queued: %s", name)
	}
	return fmt.Sprintf("Exporting %s: %.0f%% (step %d/%d)", name, job.Percent, job.OpIndex+1, job.OpCount)
}
