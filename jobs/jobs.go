// Package jobs runs asynchronous catalog discovery with single-flight
// semantics: at most one active job per datasource, a broadcast event
// stream per job, and prompt cancellation through the provider's I/O.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the job lifecycle state: running → completed | failed | cancelled.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Event is one frame on a job's event stream. A stream is zero or more
// progress events, then exactly one of result/error/cancelled, then done.
type Event struct {
	Type    string `json:"type"`
	Phase   string `json:"phase,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func progressEvent(phase, detail string) Event {
	return Event{Type: "progress", Phase: phase, Detail: detail}
}

// Job is one discovery run. Subscribers may attach at any time; late
// subscribers miss progress but always receive the buffered terminal
// events.
type Job struct {
	ID           string
	DataSourceID uuid.UUID
	Action       string
	CreatedAt    time.Time

	cancel context.CancelFunc

	mu       sync.Mutex
	status   Status
	result   any
	errMsg   string
	subs     map[int]chan Event
	nextSub  int
	terminal []Event
}

// NewJob creates a running job whose cancel function trips the token
// threaded through the provider's I/O.
func NewJob(dataSourceID uuid.UUID, action string, cancel context.CancelFunc) (*Job, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("new job: %w", err)
	}
	return &Job{
		ID:           id.String(),
		DataSourceID: dataSourceID,
		Action:       action,
		CreatedAt:    time.Now(),
		cancel:       cancel,
		status:       StatusRunning,
		subs:         make(map[int]chan Event),
	}, nil
}

// Status returns the current lifecycle state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Result returns the terminal result value, if any.
func (j *Job) Result() any {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// ErrMessage returns the terminal error message, if any.
func (j *Job) ErrMessage() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.errMsg
}

// Subscribe attaches an event channel. For a terminal job the channel is
// pre-loaded with the buffered terminal events and already closed. The
// returned func detaches the subscriber.
func (j *Job) Subscribe() (<-chan Event, func()) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status != StatusRunning {
		ch := make(chan Event, len(j.terminal))
		for _, ev := range j.terminal {
			ch <- ev
		}
		close(ch)
		return ch, func() {}
	}

	id := j.nextSub
	j.nextSub++
	ch := make(chan Event, 64)
	j.subs[id] = ch
	return ch, func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		if _, ok := j.subs[id]; ok {
			delete(j.subs, id)
		}
	}
}

// publish fans an event out to all live subscribers. Slow subscribers may
// miss progress events; terminal delivery is handled by finish.
func (j *Job) publish(ev Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, ch := range j.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// finish records the terminal state, buffers the terminal events for late
// subscribers, delivers them, and closes every subscriber channel.
func (j *Job) finish(status Status, terminal ...Event) {
	done := Event{Type: "done"}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusRunning {
		return
	}
	j.status = status
	j.terminal = append(terminal, done)
	for _, ch := range j.subs {
		for _, ev := range j.terminal {
			select {
			case ch <- ev:
			default:
			}
		}
		close(ch)
	}
	j.subs = make(map[int]chan Event)
}

// ConflictError reports single-flight contention: another job is already
// running for the datasource.
type ConflictError struct {
	ActiveJobID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("discovery already in progress (job_id: %s)", e.ActiveJobID)
}

// JobStore is the in-memory job registry. It enforces one active job per
// datasource.
type JobStore struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	active map[uuid.UUID]string
}

// NewJobStore creates an empty registry.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:   make(map[string]*Job),
		active: make(map[uuid.UUID]string),
	}
}

// TryRegister claims the datasource's active slot for a new job. Returns a
// ConflictError carrying the active job's ID when the slot is taken.
func (s *JobStore) TryRegister(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.active[job.DataSourceID]; ok {
		if existing, ok := s.jobs[existingID]; ok && existing.Status() == StatusRunning {
			return &ConflictError{ActiveJobID: existingID}
		}
		delete(s.active, job.DataSourceID)
	}

	s.jobs[job.ID] = job
	s.active[job.DataSourceID] = job.ID
	return nil
}

// Get looks up a job by ID.
func (s *JobStore) Get(jobID string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	return job, ok
}

// ActiveJob returns the running job for a datasource, if any.
func (s *JobStore) ActiveJob(dataSourceID uuid.UUID) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.active[dataSourceID]
	if !ok {
		return nil, false
	}
	job, ok := s.jobs[id]
	return job, ok
}

// release frees the datasource's single-flight slot after a terminal
// transition.
func (s *JobStore) release(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[job.DataSourceID] == job.ID {
		delete(s.active, job.DataSourceID)
	}
}

// Complete transitions a job to completed with its result payload.
func (s *JobStore) Complete(job *Job, result any) {
	job.mu.Lock()
	job.result = result
	job.mu.Unlock()
	job.finish(StatusCompleted, Event{Type: "result", Data: result})
	s.release(job)
}

// Fail transitions a job to failed.
func (s *JobStore) Fail(job *Job, message string) {
	job.mu.Lock()
	job.errMsg = message
	job.mu.Unlock()
	job.finish(StatusFailed, Event{Type: "error", Message: message})
	s.release(job)
}

// MarkCancelled transitions a job to cancelled. A second cancellation
// arriving after a terminal state is a benign no-op.
func (s *JobStore) MarkCancelled(job *Job) {
	job.finish(StatusCancelled, Event{Type: "cancelled"})
	s.release(job)
}

// Cancel trips the job's cancellation token. Returns false when the job is
// unknown or no longer running.
func (s *JobStore) Cancel(jobID string) bool {
	job, ok := s.Get(jobID)
	if !ok || job.Status() != StatusRunning {
		return false
	}
	job.cancel()
	return true
}
