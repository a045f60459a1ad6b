package transcript

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/voxhall/relay/pkg/store"
)

// defaultFillers are backchannel tokens that carry no content worth
// persisting. Matched whole-string, case-insensitive, ignoring trailing
// punctuation.
var defaultFillers = []string{
	"ok", "okay", "thanks", "thank you", "hello", "hi", "hey",
	"bye", "goodbye", "yes", "no", "yeah", "yep", "uh-huh", "mm-hmm",
	"right", "sure", "alright",
}

type FilterConfig struct {
	MinLength   int
	FillerWords []string
	DedupWindow time.Duration
	HistorySize int
}

func (c FilterConfig) withDefaults() FilterConfig {
	if c.MinLength <= 0 {
		c.MinLength = 3
	}
	if len(c.FillerWords) == 0 {
		c.FillerWords = defaultFillers
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 30 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 10
	}
	return c
}

// Filter decides whether a candidate final transcript is worth persisting.
// Rules apply in order and short-circuit: minimum length, filler match,
// duplicate within the recent window.
type Filter struct {
	cfg     FilterConfig
	fillers map[string]struct{}
}

func NewFilter(cfg FilterConfig) *Filter {
	cfg = cfg.withDefaults()
	fillers := make(map[string]struct{}, len(cfg.FillerWords))
	for _, w := range cfg.FillerWords {
		fillers[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
	}
	return &Filter{cfg: cfg, fillers: fillers}
}

// NewHistoryForSession builds a dedup window sized to this filter's policy.
func (f *Filter) NewHistoryForSession() *History {
	return NewHistory(f.cfg.HistorySize, f.cfg.DedupWindow)
}

// Deduper answers whether a text was recently accepted for a role.
// *History satisfies it directly; sessions wrap it with their own lock.
type Deduper interface {
	Duplicate(role store.Role, text string, now time.Time) bool
}

// Accept returns whether the text passes, and a short rejection reason
// for logging when it does not. Accepted texts must be recorded by the
// caller (History.Add) so later repeats are suppressed.
func (f *Filter) Accept(h Deduper, role store.Role, text string, now time.Time) (bool, string) {
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) < f.cfg.MinLength {
		return false, "too_short"
	}
	if f.isFiller(trimmed) {
		return false, "filler"
	}
	if h != nil && h.Duplicate(role, trimmed, now) {
		return false, "duplicate"
	}
	return true, ""
}

func (f *Filter) isFiller(trimmed string) bool {
	lower := strings.ToLower(trimmed)
	lower = strings.TrimRight(lower, ".,!? ")
	_, ok := f.fillers[lower]
	return ok
}
