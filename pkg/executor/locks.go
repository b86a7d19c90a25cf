// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"sync"
)

// sessionLocks serializes executions per session id. Waiters are woken in
// arrival order, and abandoned waits hand ownership straight to the next
// waiter.
type sessionLocks struct {
	mu    sync.Mutex
	held  map[string]bool
	queue map[string][]chan struct{}
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{
		held:  make(map[string]bool),
		queue: make(map[string][]chan struct{}),
	}
}

// lock acquires the per-session lock, waiting in FIFO order. It returns
// the context error if ctx ends first.
func (s *sessionLocks) lock(ctx context.Context, id string) error {
	s.mu.Lock()
	if !s.held[id] {
		s.held[id] = true
		s.mu.Unlock()
		return nil
	}
	waiter := make(chan struct{})
	s.queue[id] = append(s.queue[id], waiter)
	s.mu.Unlock()

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		q := s.queue[id]
		for i, w := range q {
			if w == waiter {
				s.queue[id] = append(q[:i:i], q[i+1:]...)
				if len(s.queue[id]) == 0 {
					delete(s.queue, id)
				}
				s.mu.Unlock()
				return ctx.Err()
			}
		}
		s.mu.Unlock()
		// The lock was granted while we were giving up; pass it on.
		s.unlock(id)
		return ctx.Err()
	}
}

func (s *sessionLocks) unlock(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue[id]
	if len(q) > 0 {
		waiter := q[0]
		if len(q) == 1 {
			delete(s.queue, id)
		} else {
			s.queue[id] = q[1:]
		}
		close(waiter)
		return
	}
	delete(s.held, id)
}
