package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used by tests and local development.
type Memory struct {
	mu          sync.Mutex
	calls       map[string]Call // keyed by provider call id
	transcripts []Transcript
	suggestions []Suggestion
	now         func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		calls: make(map[string]Call),
		now:   time.Now,
	}
}

// SetClock overrides the timestamp source. Test hook.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) CreateCall(_ context.Context, call Call) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.calls[call.ProviderCallID]; ok {
		if !existing.Status.Terminal() {
			existing.Status = call.Status
			m.calls[call.ProviderCallID] = existing
		}
		return existing, nil
	}
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if call.StartedAt.IsZero() {
		call.StartedAt = m.now()
	}
	m.calls[call.ProviderCallID] = call
	return call, nil
}

func (m *Memory) CallByProviderID(_ context.Context, providerCallID string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.calls[providerCallID]
	if !ok {
		return Call{}, ErrNotFound
	}
	return call, nil
}

func (m *Memory) UpdateCallStatus(_ context.Context, providerCallID string, status Status, endedAt *time.Time, durationSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.calls[providerCallID]
	if !ok {
		return ErrNotFound
	}
	if call.Status.Terminal() && status != call.Status {
		// Delayed out-of-order callbacks must not revive an ended call.
		return nil
	}
	call.Status = status
	if endedAt != nil {
		call.EndedAt = endedAt
	}
	if durationSeconds > 0 {
		call.DurationSeconds = durationSeconds
	}
	m.calls[providerCallID] = call
	return nil
}

func (m *Memory) InsertTranscript(_ context.Context, callID string, role Role, text string) (Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := Transcript{
		ID:        uuid.NewString(),
		CallID:    callID,
		Role:      role,
		Text:      text,
		CreatedAt: m.now(),
	}
	m.transcripts = append(m.transcripts, t)
	return t, nil
}

func (m *Memory) InsertSuggestion(_ context.Context, callID string, text string) (Suggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Suggestion{
		ID:        uuid.NewString(),
		CallID:    callID,
		Text:      text,
		CreatedAt: m.now(),
	}
	m.suggestions = append(m.suggestions, s)
	return s, nil
}

func (m *Memory) RecentTranscripts(_ context.Context, callID string, role Role, since time.Time, limit int) ([]Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transcript
	for _, t := range m.transcripts {
		if t.CallID == callID && t.Role == role && !t.CreatedAt.Before(since) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *Memory) LastSuggestionAt(_ context.Context, callID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last time.Time
	for _, s := range m.suggestions {
		if s.CallID == callID && s.CreatedAt.After(last) {
			last = s.CreatedAt
		}
	}
	if last.IsZero() {
		return time.Time{}, ErrNotFound
	}
	return last, nil
}

// Transcripts returns a copy of all transcript rows for a call, in insert
// order. Test helper.
func (m *Memory) Transcripts(callID string) []Transcript {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transcript
	for _, t := range m.transcripts {
		if t.CallID == callID {
			out = append(out, t)
		}
	}
	return out
}

// Suggestions returns a copy of all suggestion rows for a call. Test helper.
func (m *Memory) Suggestions(callID string) []Suggestion {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Suggestion
	for _, s := range m.suggestions {
		if s.CallID == callID {
			out = append(out, s)
		}
	}
	return out
}

var _ Store = (*Memory)(nil)
