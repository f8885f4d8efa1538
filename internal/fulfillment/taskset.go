package fulfillment

import (
	"context"
	"sync"
)

// TaskSet tracks running polling loops by marketplace order id. At most one
// task per key runs at a time.
type TaskSet struct {
	mu      sync.Mutex
	tasks   map[string]context.CancelFunc
	wg      sync.WaitGroup
	closing bool
}

func NewTaskSet() *TaskSet {
	return &TaskSet{tasks: make(map[string]context.CancelFunc)}
}

// Go runs fn under a context derived from parent. It returns false without
// starting anything when key is already running or the set is shutting down.
func (s *TaskSet) Go(parent context.Context, key string, fn func(ctx context.Context)) bool {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return false
	}
	if _, running := s.tasks[key]; running {
		s.mu.Unlock()
		return false
	}

	ctx, cancel := context.WithCancel(parent)
	s.tasks[key] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.remove(key)
		defer cancel()
		fn(ctx)
	}()
	return true
}

func (s *TaskSet) remove(key string) {
	s.mu.Lock()
	delete(s.tasks, key)
	s.mu.Unlock()
}

func (s *TaskSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Shutdown refuses new tasks, cancels the running ones and waits for them to
// return or for ctx to expire.
func (s *TaskSet) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for _, cancel := range s.tasks {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
