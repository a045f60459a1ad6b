package transcript

import (
	"strings"
	"time"

	"github.com/voxhall/relay/pkg/store"
)

type entry struct {
	role store.Role
	text string // normalized: trimmed, lower-cased
	at   time.Time
}

// History is the bounded per-session window of recently accepted
// transcripts used for duplicate suppression. It is owned by one streaming
// session and is never shared across calls.
type History struct {
	max    int
	window time.Duration
	items  []entry
}

func NewHistory(max int, window time.Duration) *History {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = 30 * time.Second
	}
	return &History{max: max, window: window}
}

// Duplicate reports whether the same text was accepted for the same role
// within the dedup window.
func (h *History) Duplicate(role store.Role, text string, now time.Time) bool {
	needle := normalize(text)
	for _, e := range h.items {
		if e.role == role && e.text == needle && now.Sub(e.at) < h.window {
			return true
		}
	}
	return false
}

// Add records an accepted transcript, evicting the oldest entry beyond
// the window size.
func (h *History) Add(role store.Role, text string, now time.Time) {
	h.items = append(h.items, entry{role: role, text: normalize(text), at: now})
	if len(h.items) > h.max {
		h.items = h.items[len(h.items)-h.max:]
	}
}

// Seed preloads the window from rows already persisted for this call, so
// a session attaching to an in-flight call still suppresses repeats.
func (h *History) Seed(rows []store.Transcript) {
	for _, t := range rows {
		h.Add(t.Role, t.Text, t.CreatedAt)
	}
}

func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}
