package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparlohq/sparlo/pkg/models"
)

func doJSON(t *testing.T, router http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func dataField(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data, ok := body["data"].(map[string]any)
	require.True(t, ok, "response has no data envelope: %s", w.Body.String())
	return data
}

func createJob(t *testing.T, f *fixture) uuid.UUID {
	t.Helper()
	w := doJSON(t, f.router, "POST", "/jobs", `{"designChallenge":"Design a lighter drone frame"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	id, err := uuid.Parse(dataField(t, w)["jobId"].(string))
	require.NoError(t, err)
	return id
}

func awaitStatus(t *testing.T, f *fixture, id uuid.UUID, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := f.store.GetJob(context.Background(), id)
		return err == nil && job.Status == want
	}, 10*time.Second, 10*time.Millisecond)
}

func TestCreateJob(t *testing.T) {
	f := defaultFixture()

	w := doJSON(t, f.router, "POST", "/jobs", `{"designChallenge":"Design a lighter drone frame"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	data := dataField(t, w)
	assert.Equal(t, models.JobStatusIdle, data["status"])
	id, err := uuid.Parse(data["jobId"].(string))
	require.NoError(t, err)

	job, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, f.tenantID, job.TenantID)
}

func TestCreateJob_EmptyChallenge(t *testing.T) {
	f := defaultFixture()

	w := doJSON(t, f.router, "POST", "/jobs", `{"designChallenge":"  "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_INPUT")
}

func TestCreateJob_MalformedBody(t *testing.T) {
	f := defaultFixture()

	w := doJSON(t, f.router, "POST", "/jobs", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJob_ProgressAndReport(t *testing.T) {
	f := defaultFixture()
	id := createJob(t, f)
	awaitStatus(t, f, id, models.JobStatusCompleted)

	w := doJSON(t, f.router, "GET", "/jobs/"+id.String(), "")
	require.Equal(t, http.StatusOK, w.Code)

	data := dataField(t, w)
	assert.Equal(t, models.JobStatusCompleted, data["status"])
	assert.Equal(t, float64(100), data["phaseProgress"])
	assert.NotNil(t, data["reportData"])
	assert.Nil(t, data["error"])
}

func TestGetJob_TerminalDocServedFromCache(t *testing.T) {
	f := defaultFixture()
	id := createJob(t, f)
	awaitStatus(t, f, id, models.JobStatusCompleted)

	first := doJSON(t, f.router, "GET", "/jobs/"+id.String(), "")
	require.Equal(t, http.StatusOK, first.Code)

	f.store.mu.Lock()
	before := f.store.getJobs
	f.store.mu.Unlock()

	second := doJSON(t, f.router, "GET", "/jobs/"+id.String(), "")
	require.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	f.store.mu.Lock()
	after := f.store.getJobs
	f.store.mu.Unlock()
	assert.Equal(t, before, after, "terminal document should be served from the cache")
}

func TestGetJob_RunningJobIsNotCached(t *testing.T) {
	f := defaultFixture()
	id := uuid.New()
	require.NoError(t, f.store.CreateJob(context.Background(), &models.Job{
		ID:       id,
		TenantID: f.tenantID,
		Status:   models.JobStatusRunning,
	}))

	for i := 0; i < 2; i++ {
		w := doJSON(t, f.router, "GET", "/jobs/"+id.String(), "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, models.JobStatusRunning, dataField(t, w)["status"])
	}
	assert.Empty(t, f.cache.entries)
}

func TestGetJob_NotFound(t *testing.T) {
	f := defaultFixture()

	w := doJSON(t, f.router, "GET", "/jobs/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}

func TestGetJob_MalformedID(t *testing.T) {
	f := defaultFixture()

	w := doJSON(t, f.router, "GET", "/jobs/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelJob_Accepted(t *testing.T) {
	f := defaultFixture()
	id := createJob(t, f)

	w := doJSON(t, f.router, "POST", "/jobs/"+id.String()+"/cancel", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestCancelJob_IdempotentOnTerminal(t *testing.T) {
	f := defaultFixture()
	id := createJob(t, f)
	awaitStatus(t, f, id, models.JobStatusCompleted)

	for i := 0; i < 2; i++ {
		w := doJSON(t, f.router, "POST", "/jobs/"+id.String()+"/cancel", "")
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, models.JobStatusCompleted, dataField(t, w)["status"])
	}

	job, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
}

func TestCancelJob_NotFound(t *testing.T) {
	f := defaultFixture()

	w := doJSON(t, f.router, "POST", "/jobs/"+uuid.NewString()+"/cancel", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClarification_NoOpWhenNotWaiting(t *testing.T) {
	f := defaultFixture()
	id := createJob(t, f)
	awaitStatus(t, f, id, models.JobStatusCompleted)

	w := doJSON(t, f.router, "POST", "/jobs/"+id.String()+"/clarification", `{"answer":"go with steel"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, false, dataField(t, w)["resumed"])
}

func TestClarification_EmptyAnswer(t *testing.T) {
	f := defaultFixture()
	id := createJob(t, f)

	w := doJSON(t, f.router, "POST", "/jobs/"+id.String()+"/clarification", `{"answer":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestClarification_ResumesSuspendedJob(t *testing.T) {
	f := defaultFixture()
	id := createJob(t, f)
	awaitStatus(t, f, id, models.JobStatusCompleted)

	// Rewind into a suspended state by hand, then deliver the answer.
	f.store.mu.Lock()
	job := f.store.jobs[id]
	question := "Which load case?"
	job.Status = models.JobStatusClarificationNeeded
	job.ClarificationQuestion = &question
	job.StageOutputs = nil
	job.CurrentStage = 0
	job.Report = nil
	f.store.mu.Unlock()

	w := doJSON(t, f.router, "POST", "/jobs/"+id.String()+"/clarification", `{"answer":"5g impact"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, true, dataField(t, w)["resumed"])

	awaitStatus(t, f, id, models.JobStatusCompleted)
}
