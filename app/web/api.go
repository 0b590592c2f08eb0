package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/sitekit/jobstore/app/store"
)

// APIError is the error shape crossing the HTTP boundary
type APIError struct {
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// handleListJobs returns all jobs known to the store
func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	jobs, err := s.store.GetAllJobs()
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

// handleCreateJob creates a new job from the posted fields
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if !s.enoughDiskFree() {
		s.sendError(w, http.StatusInsufficientStorage, "not enough free disk space for a new job")
		return
	}

	var req store.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := s.store.CreateJob(req)
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, job)
}

// handleGetJob returns the metadata document for a single job
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.PathValue("id"))
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// handleUpdateJob replaces the job's metadata document with the posted one
func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	var job store.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if job.Properties == nil {
		job.Properties = map[string]string{"id": jobID}
	}
	if job.ID() == "" {
		job.Properties["id"] = jobID
	}
	if job.ID() != jobID {
		s.sendError(w, http.StatusBadRequest, "job id in body doesn't match url")
		return
	}

	prev, err := s.store.GetJob(jobID)
	if err != nil {
		s.sendStoreError(w, err)
		return
	}

	updated, err := s.store.UpdateJob(job)
	if err != nil {
		s.sendStoreError(w, err)
		return
	}

	if s.notifier != nil {
		go s.notifier.OnUpdate(context.Background(), prev, updated)
	}
	s.writeJSON(w, http.StatusOK, updated)
}

// handleDeleteJob removes the job and everything under its directory
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteJob(r.PathValue("id")); err != nil {
		s.sendStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetLog returns the job's log as plain text
func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	text, err := s.store.ReadJobLog(r.PathValue("id"))
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(text)); err != nil {
		log.Printf("[WARN] failed to write log response: %v", err)
	}
}

// handleAppendLog appends the request body to the job's log
func (s *Server) handleAppendLog(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "can't read request body")
		return
	}

	wc, err := s.store.OpenJobLog(jobID)
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	defer func() {
		if err := wc.Close(); err != nil {
			log.Printf("[WARN] failed to close log for job %s: %v", jobID, err)
		}
	}()

	if _, err := wc.Write(body); err != nil {
		s.sendStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// enoughDiskFree checks free space at the jobs root against the configured minimum,
// true when the guard is disabled or the check itself fails
func (s *Server) enoughDiskFree() bool {
	if s.minFreeMB == 0 || s.jobsRoot == "" {
		return true
	}
	usage, err := disk.Usage(s.jobsRoot)
	if err != nil {
		log.Printf("[WARN] can't check free space at %s: %v", s.jobsRoot, err)
		return true
	}
	return usage.Free >= s.minFreeMB*1024*1024
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// sendError writes a structured JSON error response
func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(APIError{ErrorCode: code, ErrorMessage: message}); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}

// sendStoreError maps a store error to the HTTP error shape
func (s *Server) sendStoreError(w http.ResponseWriter, err error) {
	var se *store.Error
	if errors.As(err, &se) {
		s.sendError(w, se.Code, se.Message)
		return
	}
	log.Printf("[ERROR] unexpected store error: %v", err)
	s.sendError(w, http.StatusInternalServerError, "internal error")
}
