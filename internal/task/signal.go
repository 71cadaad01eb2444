package task

import "sync"

// CancelSignal is the cooperative cancellation handle shared by the executor
// and the running work: a flag plus a wake-on-change channel. The executor
// raises it; the work observes it at its own suspension points. Raising the
// signal never preempts anything.
type CancelSignal struct {
	mu     sync.Mutex
	raised bool
	reason string
	done   chan struct{}
}

// NewCancelSignal returns an unraised cancellation signal.
func NewCancelSignal() *CancelSignal {
	return &CancelSignal{done: make(chan struct{})}
}

// Raise requests cancellation with an optional reason. Safe to call more
// than once; only the first reason is kept.
func (s *CancelSignal) Raise(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raised {
		return
	}
	s.raised = true
	s.reason = reason
	close(s.done)
}

// Raised reports whether cancellation has been requested. Work should check
// this at its natural checkpoints.
func (s *CancelSignal) Raised() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raised
}

// Reason returns the reason passed to the first Raise call, if any.
func (s *CancelSignal) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Done returns a channel closed when cancellation is requested, for use in
// select statements alongside other wake sources.
func (s *CancelSignal) Done() <-chan struct{} {
	return s.done
}
