// Package notify fans new rows out to the dashboards' realtime feed.
package notify

import (
	"context"

	"github.com/voxhall/relay/pkg/store"
)

// Notifier publishes row-created events. Publish failures are advisory;
// callers log and continue, the durable row is already written.
type Notifier interface {
	TranscriptCreated(ctx context.Context, t store.Transcript) error
	SuggestionCreated(ctx context.Context, s store.Suggestion) error
}

// Noop discards all events. Used when no realtime backend is configured
// and by tests.
type Noop struct{}

func (Noop) TranscriptCreated(context.Context, store.Transcript) error { return nil }
func (Noop) SuggestionCreated(context.Context, store.Suggestion) error { return nil }

var _ Notifier = Noop{}
