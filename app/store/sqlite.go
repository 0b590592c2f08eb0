package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// SQLite is an alternative backend keeping the same metadata documents in a single
// database file instead of per-job directories. Documents are stored verbatim as JSON
// blobs keyed by job id, log appends as ordered chunks.
type SQLite struct {
	db *sqlx.DB
}

// NewSQLite opens (or creates) the database file and initializes the schema
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sqlx.Connect("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS job_logs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			chunk TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_logs_job_id ON job_logs(job_id)`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			if closeErr := db.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to initialize schema: %w (also failed to close db: %v)", err, closeErr)
			}
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return &SQLite{db: db}, nil
}

// GetAllJobs loads every stored document, best-effort. A row that fails to parse is
// logged and skipped.
func (s *SQLite) GetAllJobs() ([]Job, error) {
	var rows []struct {
		ID   string `db:"id"`
		Data string `db:"data"`
	}
	if err := s.db.Select(&rows, "SELECT id, data FROM jobs"); err != nil {
		log.Printf("[WARN] can't list jobs, %v", err)
		return nil, ReadError(err, "failed to list jobs")
	}

	res := make([]Job, 0, len(rows))
	for _, row := range rows {
		var job Job
		if err := json.Unmarshal([]byte(row.Data), &job); err != nil {
			log.Printf("[WARN] skipped job %s on enumeration, %v", row.ID, err)
			continue
		}
		res = append(res, job)
	}
	return res, nil
}

// CreateJob inserts a new document with a fresh collision-checked job id
func (s *SQLite) CreateJob(req CreateRequest) (Job, error) {
	jobID, err := s.newJobID()
	if err != nil {
		log.Printf("[WARN] create failed, %v", err)
		return Job{}, err
	}

	job := Job{
		Name:       req.Name,
		SiteName:   req.SiteName,
		ServerName: req.ServerName,
		Token:      req.Token,
		Status:     StatusCreated,
		Progress:   0,
		Properties: map[string]string{"id": jobID},
	}
	data, err := json.Marshal(job)
	if err != nil {
		log.Printf("[WARN] can't marshal metadata for job %s, %v", jobID, err)
		return Job{}, WriteError(err, "failed to marshal metadata for job %s", jobID)
	}
	if _, err := s.db.Exec("INSERT INTO jobs (id, data, updated_at) VALUES (?, ?, ?)",
		jobID, string(data), time.Now().Unix()); err != nil {
		log.Printf("[WARN] can't insert job %s, %v", jobID, err)
		return Job{}, WriteError(err, "failed to create job %s", jobID)
	}
	log.Printf("[INFO] created job %s (%s)", jobID, req.Name)
	return job, nil
}

// GetJob loads and parses the document for the given job id
func (s *SQLite) GetJob(jobID string) (Job, error) {
	var data string
	err := s.db.Get(&data, "SELECT data FROM jobs WHERE id = ?", jobID)
	if errors.Is(err, sql.ErrNoRows) {
		log.Printf("[DEBUG] job %s not found", jobID)
		return Job{}, NotFoundError("job %s not found", jobID)
	}
	if err != nil {
		log.Printf("[WARN] can't read metadata for job %s, %v", jobID, err)
		return Job{}, ReadError(err, "failed to read metadata for job %s", jobID)
	}

	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		log.Printf("[WARN] can't parse metadata for job %s, %v", jobID, err)
		return Job{}, ReadError(err, "failed to parse metadata for job %s", jobID)
	}
	return job, nil
}

// UpdateJob replaces the stored document with the one given, the job must exist
func (s *SQLite) UpdateJob(job Job) (Job, error) {
	jobID := job.ID()
	if _, err := s.GetJob(jobID); err != nil {
		return Job{}, err
	}

	data, err := json.Marshal(job)
	if err != nil {
		log.Printf("[WARN] can't marshal metadata for job %s, %v", jobID, err)
		return Job{}, WriteError(err, "failed to marshal metadata for job %s", jobID)
	}
	if _, err := s.db.Exec("UPDATE jobs SET data = ?, updated_at = ? WHERE id = ?",
		string(data), time.Now().Unix(), jobID); err != nil {
		log.Printf("[WARN] can't update job %s, %v", jobID, err)
		return Job{}, WriteError(err, "failed to update job %s", jobID)
	}
	return job, nil
}

// UpdateFileMetadata is the file-metadata alias of the metadata overwrite operation
func (s *SQLite) UpdateFileMetadata(job Job) (Job, error) { return s.UpdateJob(job) }

// DeleteJob removes the document and its log chunks, a no-op for a missing job
func (s *SQLite) DeleteJob(jobID string) error {
	if _, err := s.db.Exec("DELETE FROM jobs WHERE id = ?", jobID); err != nil {
		log.Printf("[WARN] can't delete job %s, %v", jobID, err)
		return WriteError(err, "failed to delete job %s", jobID)
	}
	if _, err := s.db.Exec("DELETE FROM job_logs WHERE job_id = ?", jobID); err != nil {
		log.Printf("[WARN] can't delete logs for job %s, %v", jobID, err)
		return WriteError(err, "failed to delete logs for job %s", jobID)
	}
	log.Printf("[INFO] deleted job %s", jobID)
	return nil
}

// OpenJobLog returns a writer appending chunks to the job's log. The job must exist,
// matching the filesystem backend where a missing job directory fails the open.
func (s *SQLite) OpenJobLog(jobID string) (io.WriteCloser, error) {
	if _, err := s.GetJob(jobID); err != nil {
		log.Printf("[WARN] can't open log for job %s, %v", jobID, err)
		return nil, WriteError(err, "failed to open log for job %s", jobID)
	}

	// the filesystem backend creates an empty log file on open; an empty marker chunk
	// keeps ReadJobLog behavior the same for a log that was opened but never written
	if _, err := s.db.Exec("INSERT INTO job_logs (job_id, chunk) VALUES (?, '')", jobID); err != nil {
		return nil, WriteError(err, "failed to open log for job %s", jobID)
	}
	return &sqliteLogWriter{db: s.db, jobID: jobID}, nil
}

// ReadJobLog concatenates the job's log chunks in append order
func (s *SQLite) ReadJobLog(jobID string) (string, error) {
	var chunks []string
	if err := s.db.Select(&chunks, "SELECT chunk FROM job_logs WHERE job_id = ? ORDER BY seq", jobID); err != nil {
		log.Printf("[WARN] can't read log for job %s, %v", jobID, err)
		return "", ReadError(err, "failed to read log for job %s", jobID)
	}
	if len(chunks) == 0 {
		log.Printf("[DEBUG] no log for job %s", jobID)
		return "", NotFoundError("no log for job %s", jobID)
	}

	return strings.Join(chunks, ""), nil
}

// JobModTime reports when the job's document was last written
func (s *SQLite) JobModTime(jobID string) (time.Time, error) {
	var ts int64
	err := s.db.Get(&ts, "SELECT updated_at FROM jobs WHERE id = ?", jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, NotFoundError("job %s not found", jobID)
	}
	if err != nil {
		return time.Time{}, ReadError(err, "failed to read timestamp for job %s", jobID)
	}
	return time.Unix(ts, 0), nil
}

// Close closes the database connection
func (s *SQLite) Close() error { return s.db.Close() }

// newJobID picks a random job id not yet present in the jobs table
func (s *SQLite) newJobID() (string, error) {
	for range maxIDAttempts {
		id := randomJobID()
		var count int
		if err := s.db.Get(&count, "SELECT COUNT(*) FROM jobs WHERE id = ?", id); err != nil {
			return "", WriteError(err, "failed to check job id %s", id)
		}
		if count == 0 {
			return id, nil
		}
		log.Printf("[DEBUG] job id %s already taken, retrying", id)
	}
	return "", WriteError(nil, "failed to generate unique job id after %d attempts", maxIDAttempts)
}

// sqliteLogWriter appends each Write as a log chunk, Close is a no-op as every write
// is committed on its own
type sqliteLogWriter struct {
	db    *sqlx.DB
	jobID string
}

func (w *sqliteLogWriter) Write(p []byte) (int, error) {
	if _, err := w.db.Exec("INSERT INTO job_logs (job_id, chunk) VALUES (?, ?)", w.jobID, string(p)); err != nil {
		return 0, WriteError(err, "failed to append log for job %s", w.jobID)
	}
	return len(p), nil
}

func (w *sqliteLogWriter) Close() error { return nil }

// interface guard
var _ Interface = (*SQLite)(nil)
