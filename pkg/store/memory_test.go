package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryCreateCallUpsert(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	first, err := mem.CreateCall(ctx, Call{ProviderCallID: "CA1", Status: StatusRinging})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := mem.CreateCall(ctx, Call{ProviderCallID: "CA1", Status: StatusInProgress})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("upsert minted a new id: %s vs %s", second.ID, first.ID)
	}
	if second.Status != StatusInProgress {
		t.Fatalf("upsert did not refresh status: %q", second.Status)
	}
}

func TestMemoryRecentTranscriptsWindowAndLimit(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	base := time.Now()
	current := base
	mem.SetClock(func() time.Time { return current })

	texts := []string{"old utterance", "first recent", "second recent", "third recent"}
	for i, text := range texts {
		current = base.Add(time.Duration(i) * 10 * time.Second)
		if _, err := mem.InsertTranscript(ctx, "call-1", RoleCustomer, text); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if _, err := mem.InsertTranscript(ctx, "call-1", RoleAgent, "other leg"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	since := base.Add(5 * time.Second)
	rows, err := mem.RecentTranscripts(ctx, "call-1", RoleCustomer, since, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	// Window excludes the first row; the limit keeps the newest two of the
	// remaining three, still oldest first.
	if len(rows) != 2 || rows[0].Text != "second recent" || rows[1].Text != "third recent" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestMemoryLastSuggestionAt(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	if _, err := mem.LastSuggestionAt(ctx, "call-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	base := time.Now()
	current := base
	mem.SetClock(func() time.Time { return current })
	if _, err := mem.InsertSuggestion(ctx, "call-1", "first"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	current = base.Add(time.Minute)
	if _, err := mem.InsertSuggestion(ctx, "call-1", "second"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	at, err := mem.LastSuggestionAt(ctx, "call-1")
	if err != nil {
		t.Fatalf("last: %v", err)
	}
	if !at.Equal(base.Add(time.Minute)) {
		t.Fatalf("expected newest suggestion time, got %v", at)
	}
}

func TestMemoryUpdateCallStatus(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	if err := mem.UpdateCallStatus(ctx, "CA-missing", StatusCompleted, nil, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := mem.CreateCall(ctx, Call{ProviderCallID: "CA1", Status: StatusInProgress}); err != nil {
		t.Fatalf("create: %v", err)
	}
	ended := time.Now()
	if err := mem.UpdateCallStatus(ctx, "CA1", StatusCompleted, &ended, 33); err != nil {
		t.Fatalf("update: %v", err)
	}
	call, _ := mem.CallByProviderID(ctx, "CA1")
	if call.Status != StatusCompleted || call.EndedAt == nil || call.DurationSeconds != 33 {
		t.Fatalf("terminal fields not stored: %+v", call)
	}
}

func TestMemoryTerminalStatusSticks(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	if _, err := mem.CreateCall(ctx, Call{ProviderCallID: "CA1", Status: StatusInProgress}); err != nil {
		t.Fatalf("create: %v", err)
	}
	ended := time.Now()
	if err := mem.UpdateCallStatus(ctx, "CA1", StatusCompleted, &ended, 42); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// A delayed non-terminal callback arrives after the call ended.
	if err := mem.UpdateCallStatus(ctx, "CA1", StatusRinging, nil, 0); err != nil {
		t.Fatalf("late update: %v", err)
	}
	call, _ := mem.CallByProviderID(ctx, "CA1")
	if call.Status != StatusCompleted {
		t.Fatalf("terminal status regressed to %q", call.Status)
	}
	if call.EndedAt == nil || call.DurationSeconds != 42 {
		t.Fatalf("terminal fields lost: %+v", call)
	}

	// A retried webhook upserting through CreateCall must not revive it
	// either.
	if _, err := mem.CreateCall(ctx, Call{ProviderCallID: "CA1", Status: StatusInProgress}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	call, _ = mem.CallByProviderID(ctx, "CA1")
	if call.Status != StatusCompleted {
		t.Fatalf("upsert regressed terminal status to %q", call.Status)
	}

	// A different terminal status arriving second is also kept out.
	if err := mem.UpdateCallStatus(ctx, "CA1", StatusFailed, &ended, 0); err != nil {
		t.Fatalf("second terminal: %v", err)
	}
	call, _ = mem.CallByProviderID(ctx, "CA1")
	if call.Status != StatusCompleted {
		t.Fatalf("first terminal status not kept: %q", call.Status)
	}
}
