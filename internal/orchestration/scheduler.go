package orchestration

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Task is one unit of scheduled dispatch work.
type Task struct {
	ID        string
	Priority  int // lower runs first
	CreatedAt time.Time
	AgentID   string
	UserMessage string
	SessionID string
}

// OnEvent is invoked for every DispatchEvent a scheduled task's dispatch
// yields; OnDone once the dispatch completes cleanly; OnError if dispatch
// itself fails to start or the dispatch channel surfaces an error event.
type (
	OnEvent func(Task, DispatchEvent)
	OnDone  func(Task)
	OnError func(Task, error)
)

// pendingTask couples a Task with the callbacks its caller supplied.
type pendingTask struct {
	task    Task
	onEvent OnEvent
	onDone  OnDone
	onError OnError
}

// AgentScheduler bounds concurrent dispatches at maxConcurrent, running a
// priority queue (lower priority number first, FIFO within a priority)
// for everything over that cap.
type AgentScheduler struct {
	mu            sync.Mutex
	queue         []*pendingTask
	running       int
	maxConcurrent int

	registry *FederatedAgentRegistry
}

// NewAgentScheduler builds a scheduler bounding concurrent dispatches at
// maxConcurrent and resolving agent ids against registry.
func NewAgentScheduler(maxConcurrent int, registry *FederatedAgentRegistry) *AgentScheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &AgentScheduler{maxConcurrent: maxConcurrent, registry: registry}
}

// Enqueue stamps task with an id/timestamp and either runs it immediately
// (if under the concurrency cap) or inserts it into the priority queue at
// the first index with a strictly greater priority number, preserving
// FIFO order among equal-priority tasks.
func (s *AgentScheduler) Enqueue(ctx context.Context, task Task, onEvent OnEvent, onDone OnDone, onError OnError) string {
	task.ID = uuid.NewString()
	task.CreatedAt = time.Now()
	pt := &pendingTask{task: task, onEvent: onEvent, onDone: onDone, onError: onError}

	s.mu.Lock()
	if s.running < s.maxConcurrent {
		s.running++
		s.mu.Unlock()
		go s.execute(ctx, pt)
		return task.ID
	}

	idx := len(s.queue)
	for i, q := range s.queue {
		if q.task.Priority > task.Priority {
			idx = i
			break
		}
	}
	s.queue = append(s.queue, nil)
	copy(s.queue[idx+1:], s.queue[idx:])
	s.queue[idx] = pt
	s.mu.Unlock()

	return task.ID
}

// execute runs one task's dispatch to completion, then decrements the
// running count and drains the next eligible queued task.
func (s *AgentScheduler) execute(ctx context.Context, pt *pendingTask) {
	defer s.finish()

	entry, ok := s.registry.Get(pt.task.AgentID)
	if !ok {
		if pt.onError != nil {
			pt.onError(pt.task, errAgentNotFound(pt.task.AgentID))
		}
		return
	}

	events, err := entry.Dispatch(ctx, pt.task.UserMessage, pt.task.SessionID)
	if err != nil {
		if pt.onError != nil {
			pt.onError(pt.task, err)
		}
		return
	}

	for ev := range events {
		if pt.onEvent != nil {
			pt.onEvent(pt.task, ev)
		}
		if ev.Err != nil && pt.onError != nil {
			pt.onError(pt.task, ev.Err)
		}
	}
	if pt.onDone != nil {
		pt.onDone(pt.task)
	}
}

// finish decrements the running count and starts the next queued task if
// the concurrency cap now has room.
func (s *AgentScheduler) finish() {
	s.mu.Lock()
	s.running--
	var next *pendingTask
	if len(s.queue) > 0 && s.running < s.maxConcurrent {
		next = s.queue[0]
		s.queue = s.queue[1:]
		s.running++
	}
	s.mu.Unlock()

	if next != nil {
		go s.execute(context.Background(), next)
	}
}

// QueueDepth returns the number of tasks currently waiting for a slot.
func (s *AgentScheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

type schedulerError string

func (e schedulerError) Error() string { return string(e) }

func errAgentNotFound(agentID string) error {
	return schedulerError("orchestration: agent not found: " + agentID)
}
