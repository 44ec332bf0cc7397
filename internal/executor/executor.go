// Package executor decides on which goroutine user callbacks run.
package executor

import (
	"context"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/btlink/internal/groutine"
)

// Executor runs posted tasks. Tasks posted by one goroutine run in posting order.
type Executor interface {
	Post(task func())
}

// Direct runs every task inline on the posting goroutine.
type Direct struct{}

func (Direct) Post(task func()) {
	if task != nil {
		task()
	}
}

// Serial runs tasks one at a time, in FIFO order, on a dedicated goroutine. The queue is
// unbounded so Post never blocks. Tasks posted after Close are dropped.
type Serial struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	closed  bool
	routine *groutine.Routine
	logger  *logrus.Logger
}

// NewSerial starts the worker goroutine.
func NewSerial(name string, logger *logrus.Logger) *Serial {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	s := &Serial{logger: logger}
	s.cond = sync.NewCond(&s.mu)
	s.routine = groutine.Go(context.Background(), name, func(context.Context) { s.run() })
	return s
}

// Post enqueues task. Tasks posted after Close are dropped; TryPost reports whether a
// task was accepted.
func (s *Serial) Post(task func()) {
	s.TryPost(task)
}

// TryPost is Post with an acceptance report.
func (s *Serial) TryPost(task func()) bool {
	if task == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Debug("Executor closed, task dropped")
		return false
	}
	s.queue = append(s.queue, task)
	s.cond.Signal()
	return true
}

func (s *Serial) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		task := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.execute(task)
	}
}

func (s *Serial) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", r).Error("Executor task panicked")
		}
	}()
	task()
}

// Close stops accepting tasks, lets queued ones finish and waits for the worker unless
// called from a task.
func (s *Serial) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	s.routine.Wait()
}
