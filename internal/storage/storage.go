package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for pipeline jobs and
// wavefront results.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS zernike_results (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT NOT NULL,
            detector TEXT NOT NULL,
            star_id INTEGER,
            field_x REAL,
            field_y REAL,
            zernikes_json TEXT NOT NULL,
            converged BOOLEAN,
            iterations INTEGER,
            deblended BOOLEAN,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS visit_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            file_path TEXT NOT NULL,
            visit INTEGER,
            detector TEXT,
            event_type TEXT NOT NULL,
            event_time TIMESTAMP NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_zernike_results_job_id ON zernike_results(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_zernike_results_detector ON zernike_results(detector);`,
		`CREATE INDEX IF NOT EXISTS idx_visit_events_visit ON visit_events(visit);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// ZernikeRecord is one target star's wavefront estimate.
type ZernikeRecord struct {
	JobID      string
	Detector   string
	StarID     int64
	FieldX     float64
	FieldY     float64
	Zernikes   []float64
	Converged  bool
	Iterations int
	Deblended  bool
}

// VisitEvent records one exposure file appearing in the watch
// directory.
type VisitEvent struct {
	FilePath  string
	Visit     int
	Detector  string
	EventType string
	EventTime time.Time
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, options_json) VALUES (?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecordZernikes persists one star's coefficients under its job.
func (s *Store) RecordZernikes(rec ZernikeRecord) error {
	if s == nil {
		return nil
	}
	zkJSON, err := json.Marshal(rec.Zernikes)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO zernike_results (job_id, detector, star_id, field_x, field_y, zernikes_json, converged, iterations, deblended)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.JobID, rec.Detector, rec.StarID, rec.FieldX, rec.FieldY, string(zkJSON), rec.Converged, rec.Iterations, rec.Deblended)
	return err
}

// JobZernikes fetches all coefficient rows recorded under a job.
func (s *Store) JobZernikes(jobID string) ([]ZernikeRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT job_id, detector, star_id, field_x, field_y, zernikes_json, converged, iterations, deblended
        FROM zernike_results WHERE job_id=? ORDER BY detector, star_id;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []ZernikeRecord
	for rows.Next() {
		var rec ZernikeRecord
		var zkJSON string
		if err := rows.Scan(&rec.JobID, &rec.Detector, &rec.StarID, &rec.FieldX, &rec.FieldY, &zkJSON, &rec.Converged, &rec.Iterations, &rec.Deblended); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(zkJSON), &rec.Zernikes); err != nil {
			return nil, fmt.Errorf("unmarshal zernikes: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordVisitEvent stores a watcher observation.
func (s *Store) RecordVisitEvent(ev VisitEvent) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO visit_events (file_path, visit, detector, event_type, event_time) VALUES (?, ?, ?, ?, ?);`,
		ev.FilePath, ev.Visit, ev.Detector, ev.EventType, ev.EventTime)
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.OptionsJSON, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}
