// Package tasks serialises the long-running jobs of the monitor: test runs
// and hardware reinitialisations. Tasks are queued FIFO, consumed by a
// single dispatcher goroutine, and at most one task runs at a time. The
// dispatcher is the only holder of the hardware-exclusive lock.
package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/probe-rs/hive-software/hive/comm"
	"github.com/probe-rs/hive-software/internal/utils"
)

// Kind of a task.
type Kind string

const (
	KindTest   Kind = "test"
	KindReinit Kind = "reinit"
)

// State is the lifecycle state of a task.
type State int32

const (
	StateQueued State = iota
	StateRunning
	StateComplete
)

var stateNames = map[State]string{
	StateQueued:   "QUEUED",
	StateRunning:  "RUNNING",
	StateComplete: "COMPLETE",
}

func (s State) String() string { return stateNames[s] }

// ErrNotFound is returned for an unknown task ID.
var ErrNotFound = errors.New("tasks: no such task")

// Result is the terminal outcome of a task.
type Result struct {
	Err       error
	Cancelled bool
}

// Body is a task's work function, run on the dispatcher goroutine while it
// holds the hardware-exclusive lock. A cooperative body watches
// task.Cancelled and returns utils.ErrCancelled when it fires.
type Body func(ctx context.Context, task *Task) error

// Task is one queued or running job.
type Task struct {
	ID   string
	Kind Kind

	body  Body
	state atomic.Int32

	bcast *broadcaster
	done  chan struct{}

	resultMu sync.Mutex
	result   Result

	cancelOnce sync.Once
	cancelCh   chan struct{}
}

func newTask(kind Kind, body Body) *Task {
	return &Task{
		ID:       utils.GenerateID(),
		Kind:     kind,
		body:     body,
		bcast:    newBroadcaster(),
		done:     make(chan struct{}),
		cancelCh: make(chan struct{}),
	}
}

// State returns the task's lifecycle state.
func (t *Task) State() State { return State(t.state.Load()) }

// Publish forwards a progress frame to the task's subscribers.
func (t *Task) Publish(m comm.Message) { t.bcast.Publish(m) }

// Cancelled fires when cancellation has been requested.
func (t *Task) Cancelled() <-chan struct{} { return t.cancelCh }

// Done fires when the task completes.
func (t *Task) Done() <-chan struct{} { return t.done }

// Result returns the terminal outcome; ok is false before completion.
func (t *Task) Result() (Result, bool) {
	select {
	case <-t.done:
	default:
		return Result{}, false
	}
	t.resultMu.Lock()
	defer t.resultMu.Unlock()
	return t.result, true
}

func (t *Task) requestCancel() {
	t.cancelOnce.Do(func() { close(t.cancelCh) })
}

// Handle is the submitter's view of a task: a completion future plus a
// broadcast subscription for progress frames.
type Handle struct {
	task *Task
}

func (h *Handle) ID() string                               { return h.task.ID }
func (h *Handle) Done() <-chan struct{}                    { return h.task.Done() }
func (h *Handle) Result() (Result, bool)                   { return h.task.Result() }
func (h *Handle) Subscribe() (<-chan comm.Message, func()) { return h.task.bcast.Subscribe() }

// Manager owns the queue and the dispatcher.
type Manager struct {
	mu      sync.Mutex
	queue   []*Task
	byID    map[string]*Task
	wake    chan struct{}
	stopped bool

	// hwMu is the hardware-exclusive lock. The dispatcher write-locks it
	// for the duration of each task body; assignment writers take the
	// read side so persistent mutations never overlap a running task.
	hwMu sync.RWMutex

	maxDepth int
	log      *zap.Logger
	wg       sync.WaitGroup
}

// NewManager creates a manager. maxDepth bounds the number of queued tasks;
// zero means unbounded.
func NewManager(maxDepth int, log *zap.Logger) *Manager {
	return &Manager{
		byID:     make(map[string]*Task),
		wake:     make(chan struct{}, 1),
		maxDepth: maxDepth,
		log:      log.Named("tasks"),
	}
}

// Start launches the dispatcher. It exits when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.dispatch(ctx)
	}()
}

// Wait blocks until the dispatcher has exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Submit enqueues a task and returns immediately. A Reinit submission
// coalesces with a Reinit at the tail of the queue: the existing handle is
// returned. A Reinit behind a queued test is never joined, so a
// reinit-test-reinit submission runs all three in order.
func (m *Manager) Submit(kind Kind, body Body) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, errors.New("tasks: manager stopped")
	}
	if kind == KindReinit && len(m.queue) > 0 {
		if tail := m.queue[len(m.queue)-1]; tail.Kind == KindReinit {
			return &Handle{task: tail}, nil
		}
	}
	if m.maxDepth > 0 && len(m.queue) >= m.maxDepth {
		return nil, utils.ErrQueueFull
	}

	t := newTask(kind, body)
	m.queue = append(m.queue, t)
	m.byID[t.ID] = t
	m.log.Info("task queued", zap.String("id", t.ID), zap.String("kind", string(kind)), zap.Int("depth", len(m.queue)))

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return &Handle{task: t}, nil
}

// Subscribe attaches to a task's progress stream from this point on. A
// completed task yields a closed channel.
func (m *Manager) Subscribe(id string) (<-chan comm.Message, func(), error) {
	m.mu.Lock()
	t, ok := m.byID[id]
	m.mu.Unlock()
	if !ok {
		return nil, nil, ErrNotFound
	}
	ch, cancel := t.bcast.Subscribe()
	return ch, cancel, nil
}

// Cancel removes a queued task or requests cooperative cancellation of the
// running one.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	t, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}

	// Synchronous removal applies only while the task is still in the
	// queue; once the dispatcher picked it up, cancellation is
	// cooperative.
	for i, queued := range m.queue {
		if queued == t {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			m.mu.Unlock()
			t.requestCancel()
			m.complete(t, Result{Err: utils.ErrCancelled, Cancelled: true})
			return nil
		}
	}
	m.mu.Unlock()

	// Running (or about to complete): flip the token; the body observes
	// it at its next IPC boundary.
	t.requestCancel()
	return nil
}

// Task looks up a task by ID.
func (m *Manager) Task(id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// AssignmentWrite runs fn while no task holds the hardware-exclusive lock.
// Persistent probe/target assignment writers go through here.
func (m *Manager) AssignmentWrite(fn func() error) error {
	m.hwMu.RLock()
	defer m.hwMu.RUnlock()
	return fn()
}

func (m *Manager) pop() *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.queue) > 0 {
		t := m.queue[0]
		m.queue = m.queue[1:]
		if t.State() != StateQueued {
			continue
		}
		return t
	}
	return nil
}

func (m *Manager) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.drain()
			return
		case <-m.wake:
		}

		for {
			t := m.pop()
			if t == nil {
				break
			}
			m.run(ctx, t)
			if ctx.Err() != nil {
				m.drain()
				return
			}
		}
	}
}

func (m *Manager) run(ctx context.Context, t *Task) {
	if !t.state.CompareAndSwap(int32(StateQueued), int32(StateRunning)) {
		return
	}
	m.log.Info("task running", zap.String("id", t.ID), zap.String("kind", string(t.Kind)))

	m.hwMu.Lock()
	err := t.body(ctx, t)
	m.hwMu.Unlock()

	result := Result{Err: err}
	if errors.Is(err, utils.ErrCancelled) {
		result.Cancelled = true
	}
	m.complete(t, result)

	if err != nil && !result.Cancelled {
		m.log.Error("task failed", zap.String("id", t.ID), zap.Error(err))
	} else {
		m.log.Info("task complete", zap.String("id", t.ID), zap.Bool("cancelled", result.Cancelled))
	}
}

// complete transitions a task to its terminal state exactly once.
func (m *Manager) complete(t *Task, result Result) {
	if !t.state.CompareAndSwap(int32(StateQueued), int32(StateComplete)) &&
		!t.state.CompareAndSwap(int32(StateRunning), int32(StateComplete)) {
		return
	}
	t.resultMu.Lock()
	t.result = result
	t.resultMu.Unlock()
	close(t.done)
	t.bcast.Close()
}

// drain cancels everything still queued when the dispatcher exits.
func (m *Manager) drain() {
	m.mu.Lock()
	m.stopped = true
	queued := m.queue
	m.queue = nil
	m.mu.Unlock()

	for _, t := range queued {
		t.requestCancel()
		m.complete(t, Result{Err: utils.ErrCancelled, Cancelled: true})
	}
}
