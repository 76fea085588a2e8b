// Package chat is the text entry point of the catalog assistant: an HTTP
// surface over the remote conversational service, with at-most-once
// processing per logical request and conversation continuity threaded
// through resume tokens instead of a database.
package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stampatlas/voicekit/shared"
)

// TurnRunner executes one conversational turn against the remote service.
// previousID is the resume token of the conversation's last completed turn,
// empty on the first turn; the returned responseID becomes the new token.
type TurnRunner interface {
	Run(ctx context.Context, message, previousID string) (content, responseID string, err error)
}

// Result is what every caller attached to one logical request receives.
type Result struct {
	Content string
	// HasContext reports whether the turn continued an existing
	// conversation.
	HasContext bool
}

// DefaultStaleAfter is how long an in-flight entry may live before the
// sweeper evicts it, bounding memory when a remote call never settles.
const DefaultStaleAfter = 60 * time.Second

type entry struct {
	done    chan struct{}
	created time.Time

	// Set before done is closed, read only after.
	result Result
	err    error
}

// Store owns the in-flight request map and the conversation-continuity map.
// It is injected, not global, so tests instantiate isolated instances. All
// mutation happens under one mutex: the at-most-one-in-flight invariant is a
// check-then-act.
type Store struct {
	logger     shared.LoggerAdapter
	runner     TurnRunner
	staleAfter time.Duration
	now        func() time.Time

	mu         sync.Mutex
	inflight   map[string]*entry
	continuity map[string]string // conversation id -> resume token
}

func NewStore(logger shared.LoggerAdapter, runner TurnRunner, staleAfter time.Duration) *Store {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Store{
		logger:     logger,
		runner:     runner,
		staleAfter: staleAfter,
		now:        time.Now,
		inflight:   make(map[string]*entry),
		continuity: make(map[string]string),
	}
}

// normalizeMessage lowers and collapses whitespace so that trivially
// identical requests share one key.
func normalizeMessage(msg string) string {
	return strings.Join(strings.Fields(strings.ToLower(msg)), " ")
}

func requestKey(sessionID, message string) string {
	return sessionID + "\x00" + normalizeMessage(message)
}

// Do processes one logical request with at-most-once semantics: a second
// identical request arriving while the first is pending attaches to the
// existing computation and receives the same result. The continuity map is
// updated before the in-flight entry is released, so a racing follow-up for
// the same conversation observes the new resume token.
func (s *Store) Do(ctx context.Context, sessionID, message string) (Result, error) {
	key := requestKey(sessionID, message)

	s.mu.Lock()
	if e, ok := s.inflight[key]; ok {
		s.mu.Unlock()
		s.logger.Debug("attaching to in-flight request",
			zap.String("session_id", sessionID))
		return await(ctx, e)
	}
	previousID, hasContext := s.continuity[sessionID]
	e := &entry{done: make(chan struct{}), created: s.now()}
	s.inflight[key] = e
	s.mu.Unlock()

	content, responseID, err := s.runner.Run(ctx, message, previousID)

	s.mu.Lock()
	if err == nil {
		if responseID != "" {
			s.continuity[sessionID] = responseID
		}
		e.result = Result{Content: content, HasContext: hasContext}
	} else {
		e.err = err
	}
	// A swept entry must not be resurrected: only remove the mapping if
	// it is still ours.
	if cur, ok := s.inflight[key]; ok && cur == e {
		delete(s.inflight, key)
	}
	s.mu.Unlock()
	close(e.done)

	return await(ctx, e)
}

func await(ctx context.Context, e *entry) (Result, error) {
	select {
	case <-e.done:
		return e.result, e.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Continuity returns the resume token recorded for a conversation.
func (s *Store) Continuity(sessionID string) (token string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok = s.continuity[sessionID]
	return token, ok
}

// Sweep evicts in-flight entries older than the staleness threshold and
// returns how many were removed. Waiters on a swept entry keep their future;
// only the bookkeeping goes.
func (s *Store) Sweep() int {
	cutoff := s.now().Add(-s.staleAfter)
	s.mu.Lock()
	defer s.mu.Unlock()
	swept := 0
	for key, e := range s.inflight {
		if e.created.Before(cutoff) {
			delete(s.inflight, key)
			swept++
		}
	}
	if swept > 0 {
		s.logger.Warn("swept stale in-flight requests", zap.Int("count", swept))
	}
	return swept
}

// RunSweeper sweeps periodically until the context ends.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultStaleAfter / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// InFlight reports the current in-flight entry count.
func (s *Store) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}
