package watcher

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"wavefront/internal/pipeline"
	"wavefront/internal/storage"
)

type fakeSubmitter struct {
	jobs []pipeline.Job
}

func (f *fakeSubmitter) Submit(job pipeline.Job) error {
	f.jobs = append(f.jobs, job)
	return nil
}

func newTestWatcher(t *testing.T, store *storage.Store) (*Watcher, *fakeSubmitter) {
	t.Helper()
	sub := &fakeSubmitter{}
	w, err := New(Options{
		Dir:      t.TempDir(),
		Debounce: time.Hour, // tests drive evaluate directly
		RA:       30,
		Dec:      -10,
	}, sub, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	return w, sub
}

func TestParseExposureName(t *testing.T) {
	visit, det, ok := parseExposureName("lsst_a_9005000_f1_R22_S11_E000.txt")
	if !ok || visit != 9005000 || det != "R22_S11" {
		t.Fatalf("got (%d, %q, %v)", visit, det, ok)
	}
	visit, det, ok = parseExposureName("lsst_a_9006002_f2_R00_S22_C1_E001.txt")
	if !ok || visit != 9006002 || det != "R00_S22_C1" {
		t.Fatalf("got (%d, %q, %v)", visit, det, ok)
	}
	for _, name := range []string{"notes.txt", "lsst_a_R22_S11.txt", "lsst_a_9005000_f1_R22_S11_E000.fits"} {
		if _, _, ok := parseExposureName(name); ok {
			t.Fatalf("parsed %q", name)
		}
	}
}

func TestCornerPairSubmitsSingleVisitRun(t *testing.T) {
	w, sub := newTestWatcher(t, nil)

	w.handleFile("lsst_a_9006001_f1_R00_S22_C0_E000.txt")
	w.evaluate()
	if len(sub.jobs) != 0 {
		t.Fatalf("run submitted with only one half-chip: %+v", sub.jobs)
	}

	w.handleFile("lsst_a_9006001_f1_R00_S22_C1_E000.txt")
	w.evaluate()
	if len(sub.jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(sub.jobs))
	}

	job := sub.jobs[0]
	if job.Type != pipeline.JobRun {
		t.Fatalf("job type = %s", job.Type)
	}
	if job.Options["visitIntra"] != 9006001 || job.Options["visitExtra"] != 9006001 {
		t.Fatalf("visits = %v/%v", job.Options["visitIntra"], job.Options["visitExtra"])
	}
	dets := job.Options["detectors"].([]string)
	if len(dets) != 1 || dets[0] != "R:0,0 S:2,2,A" {
		t.Fatalf("detectors = %v", dets)
	}
	if job.Options["ra"] != 30.0 || job.Options["dec"] != -10.0 {
		t.Fatalf("pointing = %v/%v", job.Options["ra"], job.Options["dec"])
	}
}

func TestSciencePairSpansConsecutiveVisits(t *testing.T) {
	w, sub := newTestWatcher(t, nil)

	w.handleFile("lsst_a_9005000_f1_R22_S11_E000.txt")
	w.handleFile("lsst_a_9005000_f1_R22_S00_E000.txt")
	w.evaluate()
	if len(sub.jobs) != 0 {
		t.Fatal("run submitted before the extra-focal visit arrived")
	}

	w.handleFile("lsst_a_9005001_f1_R22_S11_E000.txt")
	w.evaluate()
	if len(sub.jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(sub.jobs))
	}

	job := sub.jobs[0]
	if job.Options["visitIntra"] != 9005000 || job.Options["visitExtra"] != 9005001 {
		t.Fatalf("visits = %v/%v", job.Options["visitIntra"], job.Options["visitExtra"])
	}
	// Only the sensor present in both visits is paired.
	dets := job.Options["detectors"].([]string)
	if len(dets) != 1 || dets[0] != "R:2,2 S:1,1" {
		t.Fatalf("detectors = %v", dets)
	}
}

func TestCompletedPairIsSubmittedOnce(t *testing.T) {
	w, sub := newTestWatcher(t, nil)

	w.handleFile("lsst_a_9006001_f1_R00_S22_C0_E000.txt")
	w.handleFile("lsst_a_9006001_f1_R00_S22_C1_E000.txt")
	w.evaluate()
	w.handleFile("lsst_a_9006001_f1_R00_S22_C1_E000.txt")
	w.evaluate()
	w.evaluate()
	if len(sub.jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(sub.jobs))
	}
}

func TestHandleFileRecordsVisitEvents(t *testing.T) {
	st, err := storage.New(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer st.Close()

	w, _ := newTestWatcher(t, st)
	w.handleFile("/data/lsst_a_9005000_f1_R22_S11_E000.txt")
	w.handleFile("/data/README")

	var count int
	if err := st.DB.QueryRow(`SELECT COUNT(*) FROM visit_events;`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("got %d visit events, want 1", count)
	}
}
