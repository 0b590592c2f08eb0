package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sitekit/jobstore/app/store"
)

func prepServer(t *testing.T) (*httptest.Server, *store.Local) {
	l := store.NewLocal(t.TempDir(), 1)
	srv, err := New(Config{Store: l, Version: "test"})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts, l
}

func createTestJob(t *testing.T, ts *httptest.Server) store.Job {
	body := `{"name":"Site1","siteName":"s1","serverName":"srv1"}`
	resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var job store.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	return job
}

func TestServer_New(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err, "store is required")

	srv, err := New(Config{Store: store.NewLocal(t.TempDir(), 1)})
	require.NoError(t, err)
	assert.NotNil(t, srv)
}

func TestServer_CreateJob(t *testing.T) {
	ts, _ := prepServer(t)

	job := createTestJob(t, ts)
	assert.Regexp(t, `^job\d{6}$`, job.ID())
	assert.Equal(t, "Site1", job.Name)
	assert.Equal(t, store.StatusCreated, job.Status)
	assert.Equal(t, float64(0), job.Progress)
}

func TestServer_CreateJobBadBody(t *testing.T) {
	ts, _ := prepServer(t)

	resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/json", strings.NewReader("{broken"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var apiErr APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.ErrorCode)
	assert.NotEmpty(t, apiErr.ErrorMessage)
}

func TestServer_GetJob(t *testing.T) {
	ts, _ := prepServer(t)
	job := createTestJob(t, ts)

	resp, err := http.Get(ts.URL + "/api/v1/jobs/" + job.ID())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got store.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, job, got)
}

func TestServer_GetJobNotFound(t *testing.T) {
	ts, _ := prepServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/jobs/job999999")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var apiErr APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.ErrorCode)
	assert.Contains(t, apiErr.ErrorMessage, "job999999")
}

func TestServer_ListJobs(t *testing.T) {
	ts, _ := prepServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/jobs")
	require.NoError(t, err)
	var jobs []store.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
	resp.Body.Close()
	assert.Empty(t, jobs)

	for range 3 {
		createTestJob(t, ts)
	}

	resp, err = http.Get(ts.URL + "/api/v1/jobs")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
	resp.Body.Close()
	assert.Len(t, jobs, 3)
}

func TestServer_UpdateJob(t *testing.T) {
	ts, _ := prepServer(t)
	job := createTestJob(t, ts)

	job.Status = "RUNNING"
	job.Progress = 50
	data, err := json.Marshal(job)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/jobs/"+job.ID(), bytes.NewReader(data))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var updated store.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&updated))
	assert.Equal(t, "RUNNING", updated.Status)
	assert.Equal(t, float64(50), updated.Progress)

	// persisted too
	getResp, err := http.Get(ts.URL + "/api/v1/jobs/" + job.ID())
	require.NoError(t, err)
	defer getResp.Body.Close()
	var got store.Job
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&got))
	assert.Equal(t, job, got)
}

func TestServer_UpdateJobIDMismatch(t *testing.T) {
	ts, _ := prepServer(t)
	job := createTestJob(t, ts)

	body := `{"status":"RUNNING","properties":{"id":"job000000"}}`
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/jobs/"+job.ID(), strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_UpdateJobNotFound(t *testing.T) {
	ts, _ := prepServer(t)

	body := `{"status":"RUNNING"}`
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/jobs/job999999", strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_DeleteJob(t *testing.T) {
	ts, _ := prepServer(t)
	job := createTestJob(t, ts)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/jobs/"+job.ID(), http.NoBody)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	getResp, err := http.Get(ts.URL + "/api/v1/jobs/" + job.ID())
	require.NoError(t, err)
	getResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, getResp.StatusCode)

	// delete is idempotent
	req, err = http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/jobs/"+job.ID(), http.NoBody)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestServer_JobLog(t *testing.T) {
	ts, _ := prepServer(t)
	job := createTestJob(t, ts)

	// no log yet
	resp, err := http.Get(ts.URL + "/api/v1/jobs/" + job.ID() + "/log")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// two appends
	for _, line := range []string{"compiling\n", "done\n"} {
		resp, err = http.Post(ts.URL+"/api/v1/jobs/"+job.ID()+"/log", "text/plain", strings.NewReader(line))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/v1/jobs/" + job.ID() + "/log")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "compiling\ndone\n", string(body))
}

func TestServer_AppendLogMissingJob(t *testing.T) {
	ts, _ := prepServer(t)

	resp, err := http.Post(ts.URL+"/api/v1/jobs/job999999/log", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var apiErr APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.ErrorCode)
}

func TestServer_Status(t *testing.T) {
	ts, _ := prepServer(t)
	createTestJob(t, ts)

	resp, err := http.Get(ts.URL + "/api/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, 1, status.Jobs.Total)
	assert.Equal(t, 1, status.Jobs.Statuses[store.StatusCreated])
}

func TestServer_Auth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	l := store.NewLocal(t.TempDir(), 1)
	srv, err := New(Config{Store: l, PasswordHash: string(hash)})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	// no credentials
	resp, err := http.Get(ts.URL + "/api/v1/jobs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// wrong password
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/jobs", http.NoBody)
	require.NoError(t, err)
	req.SetBasicAuth("any", "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// correct password
	req, err = http.NewRequest(http.MethodGet, ts.URL+"/api/v1/jobs", http.NoBody)
	require.NoError(t, err)
	req.SetBasicAuth("any", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_Ping(t *testing.T) {
	ts, _ := prepServer(t)
	resp, err := http.Get(ts.URL + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(body))
}

func TestServer_DiskGuard(t *testing.T) {
	dir := t.TempDir()
	l := store.NewLocal(dir, 1)

	// absurdly high minimum triggers 507 on create
	srv, err := New(Config{Store: l, JobsRoot: dir, MinFreeMB: 1 << 40})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/json",
		strings.NewReader(`{"name":"n","siteName":"s","serverName":"srv"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInsufficientStorage, resp.StatusCode)

	var apiErr APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	assert.Equal(t, http.StatusInsufficientStorage, apiErr.ErrorCode)
}

func TestServer_SQLiteBackend(t *testing.T) {
	s, err := store.NewSQLite(fmt.Sprintf("%s/jobs.db", t.TempDir()))
	require.NoError(t, err)
	defer s.Close()

	srv, err := New(Config{Store: s, Version: "test"})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	job := createTestJob(t, ts)

	resp, err := http.Get(ts.URL + "/api/v1/jobs/" + job.ID())
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
