package timeline

import (
	"log/slog"
	"sync"
)

// Session serializes edits to one timeline. Readers get deep copies, so a
// snapshot never observes a half-applied edit.
type Session struct {
	mu        sync.RWMutex
	tl        *Timeline
	version   uint64
	listeners []func(version uint64)
	logger    *slog.Logger
}

// NewSession wraps tl. A nil timeline starts empty.
func NewSession(tl *Timeline, logger *slog.Logger) *Session {
	if tl == nil {
		tl = New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{tl: tl, logger: logger}
}

// Snapshot returns a deep copy of the current timeline and its version.
func (s *Session) Snapshot() (*Timeline, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tl.Clone(), s.version
}

// Version returns the number of committed edits.
func (s *Session) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// OnChange registers fn to run after every committed edit. Listeners run
// outside the session lock.
func (s *Session) OnChange(fn func(version uint64)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Edit applies fn to a working copy and commits it only if fn succeeds, so
// a rejected edit leaves the timeline untouched.
func (s *Session) Edit(op string, fn func(tl *Timeline) error) error {
	s.mu.Lock()
	work := s.tl.Clone()
	if err := fn(work); err != nil {
		s.mu.Unlock()
		s.logger.Debug("edit rejected", "op", op, "error", err)
		return err
	}
	s.tl = work
	s.version++
	version := s.version
	listeners := append([]func(uint64){}, s.listeners...)
	s.mu.Unlock()

	s.logger.Debug("edit committed", "op", op, "version", version)
	for _, fn := range listeners {
		fn(version)
	}
	return nil
}

// Replace swaps in a whole timeline, e.g. one loaded from a document.
func (s *Session) Replace(tl *Timeline) error {
	if err := tl.Validate(); err != nil {
		return err
	}
	return s.Edit("replace", func(work *Timeline) error {
		*work = *tl.Clone()
		return nil
	})
}
