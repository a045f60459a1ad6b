// Package session tracks the live state of one streaming relay connection:
// the mapping from the provider's call identifier to the internal call
// row, the transcripts buffered while that mapping is still unresolved,
// and the per-call dedup and cool-down bookkeeping.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voxhall/relay/pkg/errorsx"
	"github.com/voxhall/relay/pkg/logging"
	"github.com/voxhall/relay/pkg/store"
	"github.com/voxhall/relay/pkg/transcript"
)

// Status of the provider-id-to-call-row resolution.
type Status int

const (
	StatusResolving Status = iota
	StatusResolved
	StatusFailed
)

// Pending is a transcript buffered while resolution is in flight.
type Pending struct {
	Role store.Role
	Text string
}

type Config struct {
	// MaxAttempts bounds the resolution retry loop. The call row is
	// usually created by the voice webhook before media arrives, but the
	// webhook race means it can land after the stream starts.
	MaxAttempts int
	Backoff     time.Duration
	// BufferLimit caps transcripts held while unresolved; beyond it the
	// oldest entry is dropped and counted.
	BufferLimit int
	// SeedWindow and SeedLimit shape the store lookup that warms the
	// dedup window when a session attaches to an existing call.
	SeedWindow time.Duration
	SeedLimit  int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.Backoff <= 0 {
		c.Backoff = 500 * time.Millisecond
	}
	if c.BufferLimit <= 0 {
		c.BufferLimit = 50
	}
	if c.SeedWindow <= 0 {
		c.SeedWindow = 30 * time.Second
	}
	if c.SeedLimit <= 0 {
		c.SeedLimit = 10
	}
	return c
}

// Registry resolves provider call identifiers against the durable store
// and owns the lifecycle of Session objects.
type Registry struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger
}

func NewRegistry(st store.Store, cfg Config, logger *slog.Logger) *Registry {
	return &Registry{
		store:  st,
		cfg:    cfg.withDefaults(),
		logger: logging.NewComponentLogger(logger, "session_registry"),
	}
}

// Open creates the in-memory session for one relay connection.
func (r *Registry) Open(providerCallID, traceID string, history *transcript.History) *Session {
	return &Session{
		ProviderCallID: providerCallID,
		TraceID:        traceID,
		history:        history,
		limit:          r.cfg.BufferLimit,
	}
}

// Resolve looks the provider call id up with bounded retries. On success
// it stores the internal call id on the session and seeds the dedup
// window and suggestion cool-down from rows already persisted. On
// exhaustion it marks the session failed; transcripts buffered so far are
// dropped by the session with a logged count.
func (r *Registry) Resolve(ctx context.Context, sess *Session) error {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		call, err := r.store.CallByProviderID(ctx, sess.ProviderCallID)
		if err == nil {
			r.seed(ctx, sess, call.ID)
			r.logger.Info("call_resolved",
				slog.String("provider_call_id", sess.ProviderCallID),
				slog.String("call_id", call.ID),
				slog.String("trace_id", sess.TraceID),
				slog.Int("attempts", attempt))
			return nil
		}
		lastErr = err
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("call_lookup_error",
				slog.String("provider_call_id", sess.ProviderCallID),
				slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			sess.markFailed()
			return ctx.Err()
		case <-time.After(r.cfg.Backoff):
		}
	}
	sess.markFailed()
	r.logger.Error("call_resolution_exhausted",
		slog.String("provider_call_id", sess.ProviderCallID),
		slog.String("trace_id", sess.TraceID),
		slog.Int("buffered", sess.PendingCount()))
	return errorsx.Wrap(lastErr, errorsx.ReasonCallResolution)
}

func (r *Registry) seed(ctx context.Context, sess *Session, callID string) {
	since := time.Now().Add(-r.cfg.SeedWindow)
	var seedRows []store.Transcript
	for _, role := range []store.Role{store.RoleCustomer, store.RoleAgent} {
		rows, err := r.store.RecentTranscripts(ctx, callID, role, since, r.cfg.SeedLimit)
		if err != nil {
			r.logger.Warn("dedup_seed_failed",
				slog.String("call_id", callID),
				slog.String("role", string(role)),
				slog.String("error", err.Error()))
			continue
		}
		seedRows = append(seedRows, rows...)
	}
	lastSuggestion, err := r.store.LastSuggestionAt(ctx, callID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("cooldown_seed_failed",
			slog.String("call_id", callID),
			slog.String("error", err.Error()))
	}
	sess.markResolved(callID, seedRows, lastSuggestion)
}

// Session is the in-memory state for one live relay connection. It exists
// only while the inbound websocket is open and a start event has been
// processed, and is never shared across calls.
type Session struct {
	ProviderCallID string
	TraceID        string

	mu                sync.Mutex
	status            Status
	callID            string
	pending           []Pending
	limit             int
	droppedOverflow   int
	droppedUnresolved int
	history           *transcript.History
	lastTrack         string
	lastPartialAt     time.Time
	lastSuggestionAt  time.Time
}

func (s *Session) markResolved(callID string, seedRows []store.Transcript, lastSuggestion time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusResolving {
		return
	}
	s.status = StatusResolved
	s.callID = callID
	s.lastSuggestionAt = lastSuggestion
	if s.history != nil {
		s.history.Seed(seedRows)
	}
}

func (s *Session) markFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusResolving {
		s.status = StatusFailed
		s.droppedUnresolved += len(s.pending)
		s.pending = nil
	}
}

// Buffer holds a transcript until resolution completes. Beyond the bound
// the oldest entry is dropped so memory stays flat on a long webhook race.
func (s *Session) Buffer(role store.Role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusFailed {
		s.droppedUnresolved++
		return
	}
	if len(s.pending) >= s.limit {
		s.pending = s.pending[1:]
		s.droppedOverflow++
	}
	s.pending = append(s.pending, Pending{Role: role, Text: text})
}

// Claim reports resolution state. When resolved it also drains anything
// buffered before resolution, in arrival order, so the caller can flush
// ahead of the current transcript and preserve ordering.
func (s *Session) Claim() (callID string, pending []Pending, st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusResolved {
		if s.status == StatusFailed {
			s.droppedUnresolved++
		}
		return "", nil, s.status
	}
	pending = s.pending
	s.pending = nil
	return s.callID, pending, StatusResolved
}

// Duplicate implements transcript.Deduper under the session lock.
func (s *Session) Duplicate(role store.Role, text string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.history == nil {
		return false
	}
	return s.history.Duplicate(role, text, now)
}

// Remember records an accepted transcript in the dedup window.
func (s *Session) Remember(role store.Role, text string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.history != nil {
		s.history.Add(role, text, now)
	}
}

// SetTrack records which audio track the latest media frame arrived on.
func (s *Session) SetTrack(track string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTrack = track
}

func (s *Session) Track() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTrack
}

// MarkPartial notes upstream liveness. Partial transcripts are never
// persisted; the timestamp is kept for observability only.
func (s *Session) MarkPartial(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPartialAt = now
}

func (s *Session) LastSuggestionAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSuggestionAt
}

// Status reports the resolution state without side effects.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Drops reports how many transcripts were discarded: overflow while
// buffering, and arrivals after resolution failed.
func (s *Session) Drops() (overflow, unresolved int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.droppedOverflow, s.droppedUnresolved
}

// Abandon drops anything still buffered at teardown and returns the count.
func (s *Session) Abandon() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.pending)
	s.pending = nil
	s.droppedUnresolved += n
	return n
}
