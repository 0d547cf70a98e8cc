// Package watcher monitors an exposure directory and submits
// estimation runs once a visit's defocal pair is complete.
package watcher

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"wavefront/internal/focalplane"
	"wavefront/internal/pipeline"
	"wavefront/internal/storage"
)

// exposureRe matches simulation output file names, e.g.
// "lsst_a_9005000_f1_R22_S11_E000.txt" or a corner half-chip
// "lsst_a_9005000_f1_R00_S22_C0_E000.txt".
var exposureRe = regexp.MustCompile(`^lsst_\w+_(\d+)_f\w+_(R\d\d_S\d\d(?:_C[01])?)_E00(\d)\.txt$`)

// Submitter enqueues pipeline jobs.
type Submitter interface {
	Submit(job pipeline.Job) error
}

// Options configures a Watcher.
type Options struct {
	Dir      string
	Debounce time.Duration
	// Pointing metadata is not carried by the exposure files, so runs
	// submitted by the watcher use this fixed pointing.
	RA, Dec     float64
	RotationDeg float64
}

// Watcher converts exposure file arrivals into run jobs. Science
// sensors pair consecutive visit numbers; corner half-chips pair their
// two channels inside one visit.
type Watcher struct {
	opts  Options
	sub   Submitter
	store *storage.Store
	log   *slog.Logger

	fs   *fsnotify.Watcher
	done chan struct{}

	mu sync.Mutex
	// seen maps visit number to the set of detector abbreviations with
	// at least one exposure on disk.
	seen      map[int]map[string]bool
	submitted map[string]bool
	timer     *time.Timer
}

// New builds a watcher; Start begins monitoring.
func New(opts Options, sub Submitter, store *storage.Store, log *slog.Logger) (*Watcher, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("watcher: no directory configured")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		opts:      opts,
		sub:       sub,
		store:     store,
		log:       log,
		fs:        fs,
		done:      make(chan struct{}),
		seen:      make(map[int]map[string]bool),
		submitted: make(map[string]bool),
	}, nil
}

// Start begins monitoring the configured directory.
func (w *Watcher) Start() error {
	if err := w.fs.Add(w.opts.Dir); err != nil {
		return err
	}
	w.log.Info("watching exposure directory", "dir", w.opts.Dir)
	go w.loop()
	return nil
}

// Stop ends monitoring.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fs.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.handleFile(event.Name)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Error("watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// handleFile records one exposure file and schedules pair evaluation
// after the debounce window, letting slow writes settle.
func (w *Watcher) handleFile(path string) {
	visit, detKey, ok := parseExposureName(filepath.Base(path))
	if !ok {
		return
	}

	if w.store != nil {
		_ = w.store.RecordVisitEvent(storage.VisitEvent{
			FilePath:  path,
			Visit:     visit,
			Detector:  detKey,
			EventType: "exposure",
			EventTime: time.Now(),
		})
	}

	w.mu.Lock()
	if w.seen[visit] == nil {
		w.seen[visit] = make(map[string]bool)
	}
	w.seen[visit][detKey] = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.opts.Debounce, w.evaluate)
	w.mu.Unlock()
}

// evaluate submits run jobs for every complete defocal pair that has
// not been submitted yet.
func (w *Watcher) evaluate() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for visit, dets := range w.seen {
		if names := cornerPairs(dets); len(names) > 0 {
			w.submitLocked(fmt.Sprintf("corner/%d", visit), visit, visit, names)
		}
		if next, ok := w.seen[visit+1]; ok {
			if names := sciencePairs(dets, next); len(names) > 0 {
				w.submitLocked(fmt.Sprintf("science/%d", visit), visit, visit+1, names)
			}
		}
	}
}

func (w *Watcher) submitLocked(key string, visitIntra, visitExtra int, detectors []string) {
	if w.submitted[key] {
		return
	}
	job := pipeline.Job{
		ID:   fmt.Sprintf("watch-%d-%d", visitIntra, time.Now().UnixNano()),
		Type: pipeline.JobRun,
		Options: map[string]any{
			"visitIntra": visitIntra,
			"visitExtra": visitExtra,
			"ra":         w.opts.RA,
			"dec":        w.opts.Dec,
			"rotation":   w.opts.RotationDeg,
			"detectors":  detectors,
		},
	}
	if err := w.sub.Submit(job); err != nil {
		w.log.Error("watcher submit failed", "job", job.ID, "error", err)
		return
	}
	w.submitted[key] = true
	w.log.Info("visit pair complete, run submitted",
		"job", job.ID, "visitIntra", visitIntra, "visitExtra", visitExtra, "detectors", len(detectors))
}

// cornerPairs returns canonical A-half names whose B twin is present.
func cornerPairs(dets map[string]bool) []string {
	var names []string
	for key := range dets {
		n, err := focalplane.ParseAbbrev(key)
		if err != nil || !n.IsCorner() || !n.IntraFocal() {
			continue
		}
		twin := n
		twin.Channel = "B"
		if dets[twin.Abbrev()] {
			names = append(names, n.String())
		}
	}
	sort.Strings(names)
	return names
}

// sciencePairs returns canonical science sensor names present in both
// visits.
func sciencePairs(intra, extra map[string]bool) []string {
	var names []string
	for key := range intra {
		n, err := focalplane.ParseAbbrev(key)
		if err != nil || n.IsCorner() {
			continue
		}
		if extra[key] {
			names = append(names, n.String())
		}
	}
	sort.Strings(names)
	return names
}

func parseExposureName(name string) (visit int, detKey string, ok bool) {
	m := exposureRe.FindStringSubmatch(name)
	if m == nil {
		return 0, "", false
	}
	visit, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", false
	}
	return visit, m[2], true
}
