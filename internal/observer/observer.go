// Package observer tracks in-flight download progress by watching the
// output directory for partial files. It runs as its own process, shares
// nothing with the dispatchers, and writes only the progress fields, so it
// keeps reporting even after the dispatcher that started a job has crashed.
package observer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"mediaqueue/internal/entity"
)

const partSuffix = ".part"

// Store is the slice of the job store the observer needs. Status, lease and
// terminal fields are deliberately out of reach.
type Store interface {
	GetActiveByResource(ctx context.Context, resourceID string) (*entity.Job, error)
	UpdateProgress(ctx context.Context, id int64, bytes int64, percent int) error
}

// Observer polls the output directory on a fixed interval; fsnotify write
// events trigger an early rescan so progress is fresher than the tick, but
// the tick alone is sufficient for correctness.
type Observer struct {
	store    Store
	dir      string
	interval time.Duration
	log      *zap.SugaredLogger
}

func New(store Store, dir string, interval time.Duration, log *zap.SugaredLogger) *Observer {
	return &Observer{store: store, dir: dir, interval: interval, log: log}
}

func (o *Observer) Name() string { return "progress-observer" }

func (o *Observer) Run(ctx context.Context) error {
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return errors.Wrap(err, "create output dir")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "fsnotify watcher")
	}
	defer watcher.Close()
	if err := watcher.Add(o.dir); err != nil {
		return errors.Wrapf(err, "watch %s", o.dir)
	}

	o.log.Infow("observer started", "dir", o.dir, "interval", o.interval)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	// Write events are debounced into at most one rescan per half
	// interval, so a fast downloader does not turn every write into a
	// store round-trip.
	var rescan <-chan time.Time

	o.Scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.Scan(ctx)
		case <-rescan:
			rescan = nil
			o.Scan(ctx)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Write) && strings.HasSuffix(ev.Name, partSuffix) && rescan == nil {
				rescan = time.After(o.interval / 2)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			o.log.Warnw("watcher error", "err", err)
		}
	}
}

// Scan walks the output directory once and pushes the size of every partial
// file into its job's progress fields.
func (o *Observer) Scan(ctx context.Context) {
	entries, err := os.ReadDir(o.dir)
	if err != nil {
		o.log.Warnw("scan failed", "dir", o.dir, "err", err)
		return
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		resource, ok := ResourceFromPartName(e.Name())
		if !ok {
			continue
		}

		info, err := os.Stat(filepath.Join(o.dir, e.Name()))
		if err != nil {
			continue // renamed or removed mid-scan
		}

		job, err := o.store.GetActiveByResource(ctx, resource)
		if err != nil {
			o.log.Warnw("resolve job failed", "resource_id", resource, "err", err)
			continue
		}
		if job == nil {
			continue
		}

		percent := derivePercent(info.Size(), job.ExpectedBytes)
		if err := o.store.UpdateProgress(ctx, job.ID, info.Size(), percent); err != nil {
			o.log.Warnw("progress update failed", "job_id", job.ID, "err", err)
		}
	}
}

// ResourceFromPartName extracts the resource id from the
// <resource_id>.<extension>.part naming convention. The extension segment
// is required; a bare <name>.part file does not match.
func ResourceFromPartName(name string) (string, bool) {
	if !strings.HasSuffix(name, partSuffix) {
		return "", false
	}
	base := strings.TrimSuffix(name, partSuffix)
	i := strings.LastIndexByte(base, '.')
	if i <= 0 {
		return "", false
	}
	return base[:i], true
}

// derivePercent maps byte progress onto a percentage when the job's total
// size is knowable, capped at 99: only a terminal transition reports 100.
func derivePercent(bytes int64, expected *int64) int {
	if expected == nil || *expected <= 0 {
		return 0
	}
	pct := int(bytes * 100 / *expected)
	if pct > 99 {
		pct = 99
	}
	return pct
}
