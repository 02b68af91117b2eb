package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitriz/llm-univ-sub001/internal/provider"
)

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

var ErrQueueFull = errors.New("worker: job queue is full")

// callbackTimeout bounds one callback delivery so a dead endpoint cannot
// hold the queue's context alive indefinitely.
const callbackTimeout = 10 * time.Second

type AsyncJob struct {
	ID          string
	TenantID    string
	Request     *provider.Request
	CallbackURL string
	Status      JobStatus
	Response    *provider.Response
	Error       string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Executor runs one request through provider selection, admission control
// and retries. *proxy.Router satisfies it.
type Executor interface {
	Route(ctx context.Context, req *provider.Request) (provider.Provider, error)
	Execute(ctx context.Context, req *provider.Request, p provider.Provider) (*provider.Response, error)
}

type Queue interface {
	Enqueue(ctx context.Context, job *AsyncJob) error
	Process(ctx context.Context) error // runs the worker loop until ctx is done
	Get(id string) (*AsyncJob, bool)
}

// MemoryQueue is a process-local job queue. Jobs live and die with the
// process, like the rate-limit ledger they flow through.
type MemoryQueue struct {
	exec Executor

	jobs chan *AsyncJob
	mu   sync.Mutex
	byID map[string]*AsyncJob
}

func NewMemoryQueue(exec Executor, buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryQueue{
		exec: exec,
		jobs: make(chan *AsyncJob, buffer),
		byID: make(map[string]*AsyncJob),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *AsyncJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Status = JobStatusPending
	job.CreatedAt = time.Now()

	q.mu.Lock()
	q.byID[job.ID] = job
	q.mu.Unlock()

	select {
	case q.jobs <- job:
		return nil
	default:
		q.mu.Lock()
		delete(q.byID, job.ID)
		q.mu.Unlock()
		return ErrQueueFull
	}
}

// Process drains the queue one job at a time; each job goes through the
// executor's full admission and retry pipeline.
func (q *MemoryQueue) Process(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-q.jobs:
			q.run(ctx, job)
		}
	}
}

func (q *MemoryQueue) run(ctx context.Context, job *AsyncJob) {
	q.setStatus(job.ID, JobStatusRunning, nil, "")

	p, err := q.exec.Route(ctx, job.Request)
	if err != nil {
		q.setStatus(job.ID, JobStatusFailed, nil, err.Error())
		go q.notify(ctx, job.ID)
		return
	}

	resp, err := q.exec.Execute(ctx, job.Request, p)
	if err != nil {
		q.setStatus(job.ID, JobStatusFailed, nil, err.Error())
	} else {
		q.setStatus(job.ID, JobStatusDone, resp, "")
	}
	// Delivery runs off the worker loop so a slow callback endpoint
	// never delays the next job.
	go q.notify(ctx, job.ID)
}

func (q *MemoryQueue) setStatus(id string, status JobStatus, resp *provider.Response, errMsg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.byID[id]
	if !ok {
		return
	}
	job.Status = status
	job.Response = resp
	job.Error = errMsg
	if status == JobStatusDone || status == JobStatusFailed {
		job.CompletedAt = time.Now()
	}
}

// Get returns a copy of the job so callers never see in-flight mutations.
func (q *MemoryQueue) Get(id string) (*AsyncJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	cp := *job
	return &cp, true
}

// notify POSTs the finished job to its callback URL, if one was given.
func (q *MemoryQueue) notify(ctx context.Context, id string) {
	job, ok := q.Get(id)
	if !ok || job.CallbackURL == "" {
		return
	}

	payload := map[string]any{
		"id":     job.ID,
		"status": string(job.Status),
	}
	if job.Response != nil {
		payload["content"] = job.Response.Content
		payload["provider"] = job.Response.Provider
	}
	if job.Error != "" {
		payload["error"] = job.Error
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, callbackTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("worker: callback for job %s failed: %v", job.ID, err)
		return
	}
	resp.Body.Close()
}
