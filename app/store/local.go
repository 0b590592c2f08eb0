package store

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
)

const (
	jobIDPrefix   = "job"
	metaExt       = ".json"
	logExt        = ".log"
	maxIDAttempts = 10
)

// Local is the filesystem-backed job store. Each job lives in <root>/<jobID> with
// <jobID>.json metadata and <jobID>.log append-only log. No locking, no caching; every
// call is a direct filesystem operation and last writer wins.
type Local struct {
	root        string
	concurrency int
}

// NewLocal makes a filesystem store rooted at the given directory. The root is created
// eagerly; failure to create it is logged and deferred to the first write. Concurrency
// above 1 loads metadata in parallel during enumeration, bounded by that many workers.
func NewLocal(root string, concurrency int) *Local {
	if err := os.MkdirAll(root, 0o700); err != nil {
		log.Printf("[DEBUG] can't make jobs root %s, %v", root, err)
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Local{root: root, concurrency: concurrency}
}

// GetAllJobs lists every job directory under the root and loads its metadata. Loading
// is best-effort: a job that fails to load is logged and skipped, the rest are still
// returned. A missing root is an empty store, not an error.
func (l *Local) GetAllJobs() ([]Job, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []Job{}, nil
		}
		log.Printf("[WARN] can't list jobs root %s, %v", l.root, err)
		return nil, ReadError(err, "failed to list jobs root %s", l.root)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), jobIDPrefix) {
			continue
		}
		ids = append(ids, e.Name())
	}

	if l.concurrency <= 1 {
		res := make([]Job, 0, len(ids))
		for _, id := range ids {
			job, err := l.GetJob(id)
			if err != nil {
				log.Printf("[WARN] skipped job %s on enumeration, %v", id, err)
				continue
			}
			res = append(res, job)
		}
		return res, nil
	}

	// bounded parallel loads, result slots keep directory listing order
	loaded := make([]*Job, len(ids))
	gr := syncs.NewSizedGroup(l.concurrency)
	for i, id := range ids {
		gr.Go(func(context.Context) {
			job, err := l.GetJob(id)
			if err != nil {
				log.Printf("[WARN] skipped job %s on enumeration, %v", id, err)
				return
			}
			loaded[i] = &job
		})
	}
	gr.Wait()

	res := make([]Job, 0, len(ids))
	for _, j := range loaded {
		if j != nil {
			res = append(res, *j)
		}
	}
	return res, nil
}

// CreateJob generates a fresh job id, makes the job directory and writes the initial
// metadata document with status CREATED and zero progress. On a write failure the job
// may be left partially created; the caller must treat the create as failed for good.
func (l *Local) CreateJob(req CreateRequest) (Job, error) {
	jobID, err := l.newJobID()
	if err != nil {
		log.Printf("[WARN] create failed, %v", err)
		return Job{}, err
	}

	if err := os.MkdirAll(l.jobDir(jobID), 0o700); err != nil {
		log.Printf("[WARN] can't make directory for job %s, %v", jobID, err)
		return Job{}, WriteError(err, "failed to create directory for job %s", jobID)
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
	if err := l.writeJob(job); err != nil {
		return Job{}, err
	}
	log.Printf("[INFO] created job %s (%s)", jobID, req.Name)
	return job, nil
}

// GetJob reads and parses the metadata document for the given job id
func (l *Local) GetJob(jobID string) (Job, error) {
	data, err := os.ReadFile(l.metaFile(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[DEBUG] job %s not found", jobID)
			return Job{}, NotFoundError("job %s not found", jobID)
		}
		log.Printf("[WARN] can't read metadata for job %s, %v", jobID, err)
		return Job{}, ReadError(err, "failed to read metadata for job %s", jobID)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		log.Printf("[WARN] can't parse metadata for job %s, %v", jobID, err)
		return Job{}, ReadError(err, "failed to parse metadata for job %s", jobID)
	}
	return job, nil
}

// UpdateJob overwrites the job's metadata with the full document as given. This is a
// replace, not a merge; fields omitted by the caller are lost. The job must exist.
func (l *Local) UpdateJob(job Job) (Job, error) {
	jobID := job.ID()
	if _, err := l.GetJob(jobID); err != nil {
		return Job{}, err
	}
	if err := l.writeJob(job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// UpdateFileMetadata is the file-metadata alias of the metadata overwrite operation
func (l *Local) UpdateFileMetadata(job Job) (Job, error) { return l.UpdateJob(job) }

// DeleteJob removes the job directory with everything in it. Deleting a job that does
// not exist is a no-op. A failure partway through can leave the tree partially removed.
func (l *Local) DeleteJob(jobID string) error {
	if err := os.RemoveAll(l.jobDir(jobID)); err != nil {
		log.Printf("[WARN] can't delete job %s, %v", jobID, err)
		return WriteError(err, "failed to delete job %s", jobID)
	}
	log.Printf("[INFO] deleted job %s", jobID)
	return nil
}

// OpenJobLog opens the job's log file for append, creating it if needed. The caller
// owns the returned handle and must close it; the store keeps no track of open logs.
func (l *Local) OpenJobLog(jobID string) (io.WriteCloser, error) {
	fh, err := os.OpenFile(l.logFile(jobID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		log.Printf("[WARN] can't open log for job %s, %v", jobID, err)
		return nil, WriteError(err, "failed to open log for job %s", jobID)
	}
	return fh, nil
}

// ReadJobLog returns the whole log file as a string
func (l *Local) ReadJobLog(jobID string) (string, error) {
	data, err := os.ReadFile(l.logFile(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[DEBUG] no log for job %s", jobID)
			return "", NotFoundError("no log for job %s", jobID)
		}
		log.Printf("[WARN] can't read log for job %s, %v", jobID, err)
		return "", ReadError(err, "failed to read log for job %s", jobID)
	}
	return string(data), nil
}

// JobModTime reports when the job's metadata was last written, used by the cleaner to
// judge job age. Not part of the persistence contract.
func (l *Local) JobModTime(jobID string) (time.Time, error) {
	fi, err := os.Stat(l.metaFile(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, NotFoundError("job %s not found", jobID)
		}
		return time.Time{}, ReadError(err, "failed to stat metadata for job %s", jobID)
	}
	return fi.ModTime(), nil
}

// Close is a no-op for the filesystem store, here to satisfy the contract
func (l *Local) Close() error { return nil }

// newJobID makes a job id as "job" + 6 random digits and retries on collision with an
// existing directory. The id space is small (900k), so a busy store can collide; after
// running out of attempts the create fails rather than overwriting another job.
func (l *Local) newJobID() (string, error) {
	for range maxIDAttempts {
		id := randomJobID()
		if _, err := os.Stat(l.jobDir(id)); os.IsNotExist(err) {
			return id, nil
		}
		log.Printf("[DEBUG] job id %s already taken, retrying", id)
	}
	return "", WriteError(nil, "failed to generate unique job id after %d attempts", maxIDAttempts)
}

// writeJob marshals and writes the metadata document in place, no atomic rename. A
// crash mid-write can corrupt the document; enumeration tolerates that.
func (l *Local) writeJob(job Job) error {
	jobID := job.ID()
	data, err := json.Marshal(job)
	if err != nil {
		log.Printf("[WARN] can't marshal metadata for job %s, %v", jobID, err)
		return WriteError(err, "failed to marshal metadata for job %s", jobID)
	}
	if err := os.WriteFile(l.metaFile(jobID), data, 0o600); err != nil {
		log.Printf("[WARN] can't write metadata for job %s, %v", jobID, err)
		return WriteError(err, "failed to write metadata for job %s", jobID)
	}
	return nil
}

func (l *Local) jobDir(jobID string) string   { return filepath.Join(l.root, jobID) }
func (l *Local) metaFile(jobID string) string { return filepath.Join(l.jobDir(jobID), jobID+metaExt) }
func (l *Local) logFile(jobID string) string  { return filepath.Join(l.jobDir(jobID), jobID+logExt) }

// interface guard
var _ Interface = (*Local)(nil)
