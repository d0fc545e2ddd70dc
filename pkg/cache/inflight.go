package cache

import (
	"context"
	"fmt"
	"sync"
)

// Call is a computation shared by every caller that asked for the same
// dedupe key while it was running. It settles exactly once.
type Call struct {
	done chan struct{}
	once sync.Once
	val  any
	err  error
}

// NewCall returns an unsettled call.
func NewCall() *Call {
	return &Call{done: make(chan struct{})}
}

// Resolve publishes the outcome. Only the first invocation has effect.
func (c *Call) Resolve(val any, err error) {
	c.once.Do(func() {
		c.val, c.err = val, err
		close(c.done)
	})
}

// Done is closed once the call has settled.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call settles or ctx is done. A cancelled waiter
// detaches without affecting the computation or other waiters.
func (c *Call) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// GetInflight returns the call registered for key, or nil.
func (s *Store) GetInflight(key string) *Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[key]
}

// SetInflight registers call under key, replacing any previous one.
func (s *Store) SetInflight(key string, call *Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[key] = call
}

// DeleteInflight removes the registration for key.
func (s *Store) DeleteInflight(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, key)
}

// JoinOrRegister atomically returns the call in flight for key, or
// registers a new one. leader is true when the caller registered it and is
// therefore responsible for resolving it and calling Finish.
func (s *Store) JoinOrRegister(key string) (call *Call, leader bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.inflight[key]; ok {
		InflightJoins.Inc()
		return c, false
	}

	c := NewCall()
	s.inflight[key] = c
	return c, true
}

// Finish removes call from the inflight map (only if it is still the one
// registered for key) and then publishes the outcome to its waiters.
func (s *Store) Finish(key string, call *Call, val any, err error) {
	s.mu.Lock()
	if s.inflight[key] == call {
		delete(s.inflight, key)
	}
	s.mu.Unlock()

	call.Resolve(val, err)
}

// Do runs fn once per key among concurrent callers. The leader executes fn;
// followers wait for its outcome. The registration is cleared whether fn
// succeeds or fails, so a later call starts fresh. shared reports whether
// this caller attached to another caller's computation.
func (s *Store) Do(ctx context.Context, key string, fn func() (any, error)) (val any, shared bool, err error) {
	call, leader := s.JoinOrRegister(key)
	if !leader {
		val, err = call.Wait(ctx)
		return val, true, err
	}

	defer func() {
		if r := recover(); r != nil {
			s.Finish(key, call, nil, fmt.Errorf("shared call panicked: %v", r))
			panic(r)
		}
	}()

	val, err = fn()
	s.Finish(key, call, val, err)
	return val, false, err
}
