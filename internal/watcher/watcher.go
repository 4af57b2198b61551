// Package watcher imports observer locations dropped into a directory as
// JSON files and schedules their first computation.
package watcher

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"github.com/fsnotify/fsnotify"

	"peakalign/internal/geo"
	"peakalign/internal/queue"
	"peakalign/internal/storage"
)

// Enqueuer schedules a recompute for an imported location.
type Enqueuer interface {
	EnqueueLocationRecompute(locationID int64, yearStart, yearEnd int, priority queue.Priority) (string, error)
}

// locationFile is the drop-in import format.
type locationFile struct {
	Name  string  `json:"name"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	ElevM float64 `json:"elevation_m"`
}

// Watcher monitors an import directory for location files.
type Watcher struct {
	watcher    *fsnotify.Watcher
	dir        string
	store      *storage.Store
	enqueuer   Enqueuer
	peak       geo.Point
	yearsAhead int
	log        *slog.Logger
	done       chan struct{}
}

// New creates a watcher over dir. Imported locations are derived against
// peak and enqueued at high priority for yearsAhead years of events.
func New(dir string, store *storage.Store, enqueuer Enqueuer, peak geo.Point, yearsAhead int, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if yearsAhead < 1 {
		yearsAhead = 1
	}
	return &Watcher{
		watcher:    fsw,
		dir:        dir,
		store:      store,
		enqueuer:   enqueuer,
		peak:       peak,
		yearsAhead: yearsAhead,
		log:        logger,
		done:       make(chan struct{}),
	}, nil
}

// Start begins monitoring and imports any files already present.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	w.log.Info("watching import directory", "dir", w.dir)

	// Files dropped before startup still count.
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			w.importFile(filepath.Join(w.dir, entry.Name()))
		}
	}

	go w.processEvents()
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) processEvents() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
			case event.Op&fsnotify.Write == fsnotify.Write:
			default:
				continue
			}
			w.importFile(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("filesystem watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// importFile reads one drop-in file and schedules its computation. A file
// mid-write fails to parse and gets picked up again on the next Write event.
func (w *Watcher) importFile(path string) {
	if !strings.EqualFold(filepath.Ext(path), ".json") {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		w.log.Warn("failed to read import file", "path", path, "error", err)
		return
	}
	var lf locationFile
	if err := json.Unmarshal(data, &lf); err != nil {
		w.log.Warn("import file not yet parseable", "path", path, "error", err)
		return
	}
	if lf.Name == "" {
		lf.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	observer := geo.Point{Lat: lf.Lat, Lon: lf.Lon, Elev: lf.ElevM}
	derived, err := geo.Derive(observer, w.peak)
	if err != nil {
		if errors.Is(err, geo.ErrInvalidGeometry) {
			w.log.Warn("import rejected, invalid geometry", "path", path, "error", err)
			return
		}
		w.log.Error("failed to derive geometry", "path", path, "error", err)
		return
	}

	id, err := w.store.SaveLocation(storage.Location{
		Name:    lf.Name,
		Point:   observer,
		Derived: derived,
	})
	if err != nil {
		w.log.Error("failed to save imported location", "path", path, "error", err)
		return
	}

	year := time.Now().UTC().Year()
	jobID, err := w.enqueuer.EnqueueLocationRecompute(id, year, year+w.yearsAhead, queue.PriorityHigh)
	if err != nil {
		w.log.Error("failed to enqueue recompute for import", "location_id", id, "error", err)
		return
	}
	w.log.Info("location imported", "name", lf.Name, "location_id", id, "job_id", jobID)
}
