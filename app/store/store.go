// Package store persists compilation job metadata and logs. The Interface contract is
// shared by all backends; Local keeps each job in its own directory on disk, SQLite
// keeps the same documents in a single database file.
package store

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
)

// StatusCreated is the initial status assigned to every new job. Beyond the initial
// value the store treats status as an opaque string and never validates transitions.
const StatusCreated = "CREATED"

// Job is the metadata document describing a compilation job. Update replaces the whole
// document, so callers must send every field they want to keep.
type Job struct {
	Name       string            `json:"name"`
	SiteName   string            `json:"siteName"`
	ServerName string            `json:"serverName"`
	Token      string            `json:"token"`
	Status     string            `json:"status"`
	Progress   float64           `json:"progress"`
	Properties map[string]string `json:"properties"`
}

// ID returns the job identifier from the properties map, empty if not set
func (j Job) ID() string {
	return j.Properties["id"]
}

// CreateRequest holds caller-provided fields for a new job. Token is optional and
// defaults to an empty string. The store does not validate field formats.
type CreateRequest struct {
	Name       string `json:"name"`
	SiteName   string `json:"siteName"`
	ServerName string `json:"serverName"`
	Token      string `json:"token"`
}

// Interface defines the job persistence contract. Local and SQLite satisfy it; other
// backends can too.
type Interface interface {
	GetAllJobs() ([]Job, error)
	CreateJob(req CreateRequest) (Job, error)
	GetJob(jobID string) (Job, error)
	UpdateJob(job Job) (Job, error)
	UpdateFileMetadata(job Job) (Job, error)
	DeleteJob(jobID string) error
	OpenJobLog(jobID string) (io.WriteCloser, error)
	ReadJobLog(jobID string) (string, error)
	Close() error
}

// randomJobID makes a candidate job id as "job" + 6 random digits. Callers check it
// against existing jobs before use.
func randomJobID() string {
	return fmt.Sprintf("job%d", 100000+rand.IntN(900000))
}

// error kinds, checked with errors.Is
var (
	// ErrNotFound indicates the requested job or log does not exist
	ErrNotFound = errors.New("not found")
	// ErrRead indicates an I/O or parse failure while reading
	ErrRead = errors.New("storage read failed")
	// ErrWrite indicates an I/O failure while writing, creating or deleting
	ErrWrite = errors.New("storage write failed")
)

// Error is a structured store error carrying an HTTP-style code for the API boundary.
// It wraps one of the error kinds above plus the underlying cause.
type Error struct {
	Code    int    `json:"errorCode"`
	Message string `json:"errorMessage"`
	kind    error
	cause   error
}

// Error returns the message with the underlying cause if present
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Is reports whether target matches the error kind
func (e *Error) Is(target error) bool { return errors.Is(e.kind, target) }

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error { return e.cause }

// NotFoundError makes a 404 error for a missing job or log
func NotFoundError(format string, args ...any) *Error {
	return &Error{Code: http.StatusNotFound, Message: fmt.Sprintf(format, args...), kind: ErrNotFound}
}

// ReadError makes a 500 error wrapping a read failure
func ReadError(cause error, format string, args ...any) *Error {
	return &Error{Code: http.StatusInternalServerError, Message: fmt.Sprintf(format, args...), kind: ErrRead, cause: cause}
}

// WriteError makes a 500 error wrapping a write failure
func WriteError(cause error, format string, args ...any) *Error {
	return &Error{Code: http.StatusInternalServerError, Message: fmt.Sprintf(format, args...), kind: ErrWrite, cause: cause}
}

// ErrorCode extracts the HTTP-style code from an error, 500 for anything unstructured
func ErrorCode(err error) int {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return http.StatusInternalServerError
}
