package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sparlohq/sparlo/internal/ai/mock"
	"github.com/sparlohq/sparlo/internal/api/handler"
	"github.com/sparlohq/sparlo/internal/api/middleware"
	"github.com/sparlohq/sparlo/internal/chat"
	"github.com/sparlohq/sparlo/internal/config"
	"github.com/sparlohq/sparlo/internal/store"
	"github.com/sparlohq/sparlo/internal/workflow"
	"github.com/sparlohq/sparlo/pkg/models"
)

// memStore is a compact in-memory store.Store with the Postgres
// implementation's conditional transition semantics.
type memStore struct {
	store.Store // unimplemented methods panic

	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job

	appendErrs int
	getJobs    int
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[uuid.UUID]*models.Job)}
}

func (m *memStore) Ping(context.Context) error { return nil }

func (m *memStore) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	cp.CreatedAt = time.Now()
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getJobs++
	job, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *job
	cp.StageOutputs = append([]models.StageOutput(nil), job.StageOutputs...)
	cp.ChatTurns = append([]models.ChatTurn(nil), job.ChatTurns...)
	return &cp, nil
}

func (m *memStore) ListResumableJobs(context.Context) ([]*models.Job, error) { return nil, nil }

func (m *memStore) mutate(id uuid.UUID, allowed func(string) bool, apply func(*models.Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !allowed(job.Status) {
		return store.ErrConflict
	}
	apply(job)
	return nil
}

func (m *memStore) StartJob(_ context.Context, id uuid.UUID) error {
	return m.mutate(id,
		func(s string) bool { return s == models.JobStatusIdle },
		func(j *models.Job) {
			now := time.Now()
			j.Status = models.JobStatusRunning
			j.StartedAt = &now
		})
}

func (m *memStore) CheckpointStage(_ context.Context, id uuid.UUID, nextStage int, out models.StageOutput) error {
	return m.mutate(id,
		func(s string) bool { return s == models.JobStatusRunning },
		func(j *models.Job) {
			j.StageOutputs = append(j.StageOutputs, out)
			j.CurrentStage = nextStage
		})
}

func (m *memStore) MarkClarificationNeeded(_ context.Context, id uuid.UUID, question string) error {
	return m.mutate(id,
		func(s string) bool { return s == models.JobStatusRunning },
		func(j *models.Job) {
			j.Status = models.JobStatusClarificationNeeded
			j.ClarificationQuestion = &question
		})
}

func (m *memStore) AnswerClarification(_ context.Context, id uuid.UUID, answer string) (bool, error) {
	err := m.mutate(id,
		func(s string) bool { return s == models.JobStatusClarificationNeeded },
		func(j *models.Job) {
			j.Status = models.JobStatusRunning
			j.ClarificationAnswers = append(j.ClarificationAnswers, answer)
		})
	if errors.Is(err, store.ErrConflict) {
		return false, nil
	}
	return err == nil, err
}

func (m *memStore) CompleteJob(_ context.Context, id uuid.UUID, report json.RawMessage) error {
	return m.mutate(id,
		func(s string) bool { return s == models.JobStatusRunning },
		func(j *models.Job) {
			now := time.Now()
			j.Status = models.JobStatusCompleted
			j.Report = report
			j.CompletedAt = &now
		})
}

func (m *memStore) FailJob(_ context.Context, id uuid.UUID, errMsg string) error {
	return m.mutate(id,
		func(s string) bool { return !models.IsTerminalStatus(s) },
		func(j *models.Job) {
			now := time.Now()
			j.Status = models.JobStatusFailed
			j.ErrorMessage = &errMsg
			j.FailedAt = &now
		})
}

func (m *memStore) RequestCancel(_ context.Context, id uuid.UUID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return "", store.ErrNotFound
	}
	if !models.IsTerminalStatus(job.Status) {
		job.CancelRequested = true
	}
	return job.Status, nil
}

func (m *memStore) CancelJob(_ context.Context, id uuid.UUID) (bool, error) {
	err := m.mutate(id,
		func(s string) bool { return !models.IsTerminalStatus(s) },
		func(j *models.Job) {
			now := time.Now()
			j.Status = models.JobStatusCancelled
			j.CancelledAt = &now
		})
	if errors.Is(err, store.ErrConflict) {
		return false, nil
	}
	return err == nil, err
}

func (m *memStore) IsCancelRequested(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	return job.CancelRequested, nil
}

func (m *memStore) AppendChatTurns(_ context.Context, id uuid.UUID, turns []models.ChatTurn, maxSize int) ([]models.ChatTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErrs > 0 {
		m.appendErrs--
		return nil, errors.New("connection reset")
	}
	job, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	job.ChatTurns = append(job.ChatTurns, turns...)
	if excess := len(job.ChatTurns) - maxSize; excess > 0 {
		job.ChatTurns = job.ChatTurns[excess:]
	}
	return append([]models.ChatTurn(nil), job.ChatTurns...), nil
}

// memCache is an in-memory cache.Cache for the handler's document caching.
type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string][]byte)}
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = append([]byte(nil), value...)
	return nil
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok, nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *memCache) Ping(context.Context) error { return nil }

func (c *memCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, nil
}
func (c *memCache) Decr(context.Context, string) (int64, error) { return 0, nil }

func (c *memCache) TTL(context.Context, string) (time.Duration, error) { return 0, nil }

type fixture struct {
	store    *memStore
	cache    *memCache
	orch     *workflow.Orchestrator
	router   http.Handler
	tenantID uuid.UUID
}

// newFixture wires real handlers over the in-memory store and mock provider,
// with a middleware standing in for auth.
func newFixture(provider models.AIProvider) *fixture {
	st := newMemStore()
	wcfg := config.WorkflowConfig{
		MaxCallAttempts:      2,
		MaxValidationRetries: 1,
		PersistTimeout:       time.Second,
		PersistAttempts:      2,
	}
	exec := workflow.NewExecutor(provider, wcfg, 5*time.Second)
	stages := workflow.DefaultPipeline()
	orch := workflow.NewOrchestrator(st, exec, stages, wcfg)

	chatSvc := chat.NewService(st, provider, config.ChatConfig{
		MaxTurns:      100,
		MaxMessageLen: 4000,
		MaxTokens:     1024,
	})

	c := newMemCache()
	jobs := handler.NewJobs(orch, st, c, len(stages))
	chatH := handler.NewChat(chatSvc)

	f := &fixture{store: st, cache: c, orch: orch, tenantID: uuid.New()}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(middleware.SetTenantID(req.Context(), f.tenantID)))
		})
	})
	r.Post("/jobs", jobs.Create)
	r.Get("/jobs/{jobID}", jobs.Get)
	r.Post("/jobs/{jobID}/cancel", jobs.Cancel)
	r.Post("/jobs/{jobID}/clarification", jobs.Clarify)
	r.Get("/jobs/{jobID}/chat", chatH.History)
	r.Post("/jobs/{jobID}/chat", chatH.Respond)

	f.router = r
	return f
}

func defaultFixture() *fixture {
	return newFixture(mock.NewProvider())
}
