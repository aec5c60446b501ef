// Package shellqueue serializes command execution within a shell session
// while letting independent sessions run concurrently.
package shellqueue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultWarnAfterMs is the wait threshold after which OnWait fires.
const DefaultWarnAfterMs = 2000

type entry struct {
	task        func(ctx context.Context) (any, error)
	ctx         context.Context
	enqueuedAt  time.Time
	warnAfterMs int
	onWait      func(waitMs int, queuedAhead int)
	resultCh    chan any
	errCh       chan error
}

// laneState holds one session's serialized queue. Capacity is always 1: a
// shell session executes exactly one command at a time.
type laneState struct {
	queue    []*entry
	active   int
	draining bool
	mu       sync.Mutex
}

// Queue serializes command execution per session key (one lane per shell
// session), so commands against the same session run strictly in FIFO
// order while different sessions proceed independently.
type Queue struct {
	lanes map[string]*laneState
	mu    sync.RWMutex
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{lanes: make(map[string]*laneState)}
}

func (q *Queue) ensureLane(sessionID string) *laneState {
	q.mu.RLock()
	state, exists := q.lanes[sessionID]
	q.mu.RUnlock()
	if exists {
		return state
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if state, exists = q.lanes[sessionID]; exists {
		return state
	}
	state = &laneState{queue: make([]*entry, 0)}
	q.lanes[sessionID] = state
	return state
}

func (q *Queue) drain(sessionID string, state *laneState) {
	state.mu.Lock()
	if state.draining {
		state.mu.Unlock()
		return
	}
	state.draining = true
	state.mu.Unlock()

	q.pump(state)
}

func (q *Queue) pump(state *laneState) {
	for {
		state.mu.Lock()
		if state.active >= 1 || len(state.queue) == 0 {
			state.draining = false
			state.mu.Unlock()
			return
		}

		e := state.queue[0]
		state.queue = state.queue[1:]
		queuedAhead := len(state.queue)

		waitedMs := int(time.Since(e.enqueuedAt).Milliseconds())
		if waitedMs >= e.warnAfterMs && e.onWait != nil {
			e.onWait(waitedMs, queuedAhead)
		}

		state.active++
		state.mu.Unlock()

		go func(e *entry) {
			result, err := e.task(e.ctx)

			state.mu.Lock()
			state.active--
			state.mu.Unlock()

			if err != nil {
				e.errCh <- err
			} else {
				e.resultCh <- result
			}

			q.pump(state)
		}(e)
	}
}

// EnqueueOptions configures one Enqueue call.
type EnqueueOptions struct {
	// WarnAfterMs overrides DefaultWarnAfterMs.
	WarnAfterMs int
	// OnWait fires once, if the task has waited at least WarnAfterMs
	// before starting.
	OnWait func(waitMs int, queuedAhead int)
}

// Enqueue runs task against sessionID's lane, blocking until it completes,
// ctx is done, or the lane is cleared out from under it. Unlike a plain
// mutex, the task only ever sees ctx — not a detached background context —
// so a caller timeout reaches the running command, not just the wait.
func Enqueue[T any](ctx context.Context, q *Queue, sessionID string, task func(ctx context.Context) (T, error), opts *EnqueueOptions) (T, error) {
	var zero T

	warnAfterMs := DefaultWarnAfterMs
	var onWait func(int, int)
	if opts != nil {
		if opts.WarnAfterMs > 0 {
			warnAfterMs = opts.WarnAfterMs
		}
		onWait = opts.OnWait
	}

	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)

	e := &entry{
		task: func(taskCtx context.Context) (any, error) {
			return task(taskCtx)
		},
		ctx:         ctx,
		enqueuedAt:  time.Now(),
		warnAfterMs: warnAfterMs,
		onWait:      onWait,
		resultCh:    resultCh,
		errCh:       errCh,
	}

	state := q.ensureLane(sessionID)
	state.mu.Lock()
	state.queue = append(state.queue, e)
	state.mu.Unlock()

	q.drain(sessionID, state)

	select {
	case result := <-resultCh:
		if result == nil {
			return zero, nil
		}
		typed, ok := result.(T)
		if !ok {
			return zero, fmt.Errorf("unexpected task result type %T", result)
		}
		return typed, nil
	case err := <-errCh:
		return zero, err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// PendingCount returns the number of queued-but-not-yet-running commands
// for sessionID.
func (q *Queue) PendingCount(sessionID string) int {
	q.mu.RLock()
	state, exists := q.lanes[sessionID]
	q.mu.RUnlock()
	if !exists {
		return 0
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return len(state.queue)
}

// Clear drops sessionID's lane entirely, failing any queued (not active)
// commands with ctx.Canceled. Called when a session is torn down.
func (q *Queue) Clear(sessionID string) int {
	q.mu.Lock()
	state, exists := q.lanes[sessionID]
	delete(q.lanes, sessionID)
	q.mu.Unlock()
	if !exists {
		return 0
	}

	state.mu.Lock()
	removed := len(state.queue)
	for _, e := range state.queue {
		e.errCh <- context.Canceled
	}
	state.queue = nil
	state.mu.Unlock()
	return removed
}
