package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Run statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Repository handles data access
type Repository struct {
	db *DB
}

// NewRepository creates a new Repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// JobRun represents a row in the job_runs table
type JobRun struct {
	ID         int64     `json:"id"`
	Job        string    `json:"job"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// RecordJobRun stores the outcome of one scheduler run.
func (r *Repository) RecordJobRun(job string, started, finished time.Time, runErr error) error {
	status, msg := StatusOK, ""
	if runErr != nil {
		status, msg = StatusFailed, runErr.Error()
	}
	query := `INSERT INTO job_runs (job, status, error, started_at, finished_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := r.db.Exec(query, job, status, msg, started.UTC(), finished.UTC()); err != nil {
		return fmt.Errorf("failed to record job run: %w", err)
	}
	return nil
}

// ListJobRuns returns the most recent runs, newest first. An empty job
// matches every job.
func (r *Repository) ListJobRuns(job string, limit int) ([]JobRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, job, status, error, started_at, finished_at FROM job_runs
		WHERE (? = '' OR job = ?) ORDER BY started_at DESC, id DESC LIMIT ?`
	rows, err := r.db.Query(query, job, job, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list job runs: %w", err)
	}
	defer rows.Close()

	runs := []JobRun{}
	for rows.Next() {
		var run JobRun
		if err := rows.Scan(&run.ID, &run.Job, &run.Status, &run.Error, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetLatestJobRun returns the most recent run of job
func (r *Repository) GetLatestJobRun(job string) (*JobRun, error) {
	runs, err := r.ListJobRuns(job, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// MaterializeRun represents a row in the materialize_runs table
type MaterializeRun struct {
	ID            int64     `json:"id"`
	Created       int       `json:"created"`
	RolledForward int       `json:"rolled_forward"`
	Repaired      int       `json:"repaired"`
	RanAt         time.Time `json:"ran_at"`
}

// RecordMaterializeRun stores the counters of one materialization run.
func (r *Repository) RecordMaterializeRun(run MaterializeRun) error {
	query := `INSERT INTO materialize_runs (created, rolled_forward, repaired, ran_at) VALUES (?, ?, ?, ?)`
	if _, err := r.db.Exec(query, run.Created, run.RolledForward, run.Repaired, run.RanAt.UTC()); err != nil {
		return fmt.Errorf("failed to record materialize run: %w", err)
	}
	return nil
}

// ListMaterializeRuns returns the most recent materialization runs.
func (r *Repository) ListMaterializeRuns(limit int) ([]MaterializeRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`SELECT id, created, rolled_forward, repaired, ran_at FROM materialize_runs
		ORDER BY ran_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list materialize runs: %w", err)
	}
	defer rows.Close()

	runs := []MaterializeRun{}
	for rows.Next() {
		var run MaterializeRun
		if err := rows.Scan(&run.ID, &run.Created, &run.RolledForward, &run.Repaired, &run.RanAt); err != nil {
			return nil, fmt.Errorf("failed to scan materialize run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SyncRun represents a row in the sync_runs table
type SyncRun struct {
	ID         int64     `json:"id"`
	Remote     string    `json:"remote"`
	Downloaded bool      `json:"downloaded"`
	Uploaded   bool      `json:"uploaded"`
	Error      string    `json:"error,omitempty"`
	RanAt      time.Time `json:"ran_at"`
}

// RecordSyncRun stores the outcome of syncing one remote.
func (r *Repository) RecordSyncRun(run SyncRun) error {
	query := `INSERT INTO sync_runs (remote, downloaded, uploaded, error, ran_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := r.db.Exec(query, run.Remote, run.Downloaded, run.Uploaded, run.Error, run.RanAt.UTC()); err != nil {
		return fmt.Errorf("failed to record sync run: %w", err)
	}
	return nil
}

// ListSyncRuns returns the most recent sync runs, newest first.
func (r *Repository) ListSyncRuns(limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`SELECT id, remote, downloaded, uploaded, error, ran_at FROM sync_runs
		ORDER BY ran_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	runs := []SyncRun{}
	for rows.Next() {
		var run SyncRun
		if err := rows.Scan(&run.ID, &run.Remote, &run.Downloaded, &run.Uploaded, &run.Error, &run.RanAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ConflictRecord represents a row in the conflicts table
type ConflictRecord struct {
	ID           int64     `json:"id"`
	Source1      string    `json:"source1"`
	Source2      string    `json:"source2"`
	Time1        time.Time `json:"time1"`
	Time2        time.Time `json:"time2"`
	DifferenceMS int64     `json:"difference"`
	DetectedAt   time.Time `json:"detected_at"`
}

// RecordConflicts stores a batch of detected conflicts in one transaction.
func (r *Repository) RecordConflicts(conflicts []ConflictRecord) error {
	if len(conflicts) == 0 {
		return nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO conflicts (source1, source2, time1, time2, difference_ms, detected_at) VALUES (?, ?, ?, ?, ?, ?)`
	for _, c := range conflicts {
		if _, err := tx.Exec(query, c.Source1, c.Source2, c.Time1.UTC(), c.Time2.UTC(), c.DifferenceMS, c.DetectedAt.UTC()); err != nil {
			return fmt.Errorf("failed to record conflict: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conflicts: %w", err)
	}
	return nil
}

// ListConflicts returns the most recently detected conflicts.
func (r *Repository) ListConflicts(limit int) ([]ConflictRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`SELECT id, source1, source2, time1, time2, difference_ms, detected_at FROM conflicts
		ORDER BY detected_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	out := []ConflictRecord{}
	for rows.Next() {
		var c ConflictRecord
		if err := rows.Scan(&c.ID, &c.Source1, &c.Source2, &c.Time1, &c.Time2, &c.DifferenceMS, &c.DetectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CalendarSyncRecord maps a task to its published calendar event
type CalendarSyncRecord struct {
	TaskID    string
	EventID   string
	SyncKey   string
	UpdatedAt time.Time
}

// InsertCalendarSync stores the event published for a task
func (r *Repository) InsertCalendarSync(taskID, eventID, syncKey string) error {
	query := `INSERT INTO calendar_sync (task_id, event_id, sync_key, updated_at) VALUES (?, ?, ?, ?)`
	if _, err := r.db.Exec(query, taskID, eventID, syncKey, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to insert calendar sync: %w", err)
	}
	return nil
}

// UpdateCalendarSync records a new sync key for an already published task
func (r *Repository) UpdateCalendarSync(taskID, syncKey string) error {
	query := `UPDATE calendar_sync SET sync_key = ?, updated_at = ? WHERE task_id = ?`
	if _, err := r.db.Exec(query, syncKey, time.Now().UTC(), taskID); err != nil {
		return fmt.Errorf("failed to update calendar sync: %w", err)
	}
	return nil
}

// GetCalendarSyncByTaskID returns the mapping for a task, or nil
func (r *Repository) GetCalendarSyncByTaskID(taskID string) (*CalendarSyncRecord, error) {
	row := r.db.QueryRow(`SELECT task_id, event_id, sync_key, updated_at FROM calendar_sync WHERE task_id = ?`, taskID)

	var rec CalendarSyncRecord
	err := row.Scan(&rec.TaskID, &rec.EventID, &rec.SyncKey, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get calendar sync: %w", err)
	}
	return &rec, nil
}

// DriveSyncRecord caches the Drive file holding a named document
type DriveSyncRecord struct {
	Name        string
	DriveFileID string
	ModifiedAt  time.Time
}

// UpsertDriveSync stores the Drive file ID for name
func (r *Repository) UpsertDriveSync(name, fileID string, modifiedAt time.Time) error {
	query := `INSERT INTO drive_sync (name, drive_file_id, modified_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET drive_file_id = excluded.drive_file_id, modified_at = excluded.modified_at`
	if _, err := r.db.Exec(query, name, fileID, modifiedAt.UTC()); err != nil {
		return fmt.Errorf("failed to upsert drive sync: %w", err)
	}
	return nil
}

// GetDriveSyncByName returns the cached Drive file for name, or nil
func (r *Repository) GetDriveSyncByName(name string) (*DriveSyncRecord, error) {
	row := r.db.QueryRow(`SELECT name, drive_file_id, modified_at FROM drive_sync WHERE name = ?`, name)

	var rec DriveSyncRecord
	err := row.Scan(&rec.Name, &rec.DriveFileID, &rec.ModifiedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get drive sync: %w", err)
	}
	return &rec, nil
}

// DeleteDriveSync forgets the cached Drive file for name
func (r *Repository) DeleteDriveSync(name string) error {
	if _, err := r.db.Exec(`DELETE FROM drive_sync WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete drive sync: %w", err)
	}
	return nil
}
