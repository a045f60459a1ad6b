package suggest

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxhall/relay/pkg/errorsx"
	"github.com/voxhall/relay/pkg/logging"
	"github.com/voxhall/relay/pkg/notify"
	"github.com/voxhall/relay/pkg/store"
)

type TriggerConfig struct {
	// Cooldown is the minimum gap between suggestions for one call.
	Cooldown time.Duration
	// RequestTimeout bounds one advisor round trip.
	RequestTimeout time.Duration
}

func (c TriggerConfig) withDefaults() TriggerConfig {
	if c.Cooldown <= 0 {
		c.Cooldown = 15 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	return c
}

// Trigger fires the advisor for accepted customer transcripts. Generation
// runs on its own goroutine with its own context so it can never block
// receipt of the next audio frame. One Trigger serves one call.
type Trigger struct {
	advisor  Advisor
	store    store.Store
	notifier notify.Notifier
	logger   *slog.Logger
	cfg      TriggerConfig
	now      func() time.Time

	mu     sync.Mutex
	lastAt time.Time

	inflight sync.WaitGroup
}

func NewTrigger(advisor Advisor, st store.Store, notifier notify.Notifier, logger *slog.Logger, cfg TriggerConfig) *Trigger {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Trigger{
		advisor:  advisor,
		store:    st,
		notifier: notifier,
		logger:   logging.NewComponentLogger(logger, "suggestion_trigger"),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// SetClock overrides the cool-down clock. Test hook.
func (t *Trigger) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Seed primes the cool-down from the newest suggestion already persisted
// for this call, so a reconnecting session does not double-fire.
func (t *Trigger) Seed(last time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if last.After(t.lastAt) {
		t.lastAt = last
	}
}

// Maybe fires the advisor unless the cool-down is still running. Returns
// whether generation was started. The cool-down is claimed up front so
// concurrent transcripts cannot double-fire.
func (t *Trigger) Maybe(callID, utterance string) bool {
	if t.advisor == nil {
		return false
	}
	t.mu.Lock()
	now := t.now()
	if !t.lastAt.IsZero() && now.Sub(t.lastAt) < t.cfg.Cooldown {
		t.mu.Unlock()
		return false
	}
	t.lastAt = now
	t.mu.Unlock()

	t.inflight.Add(1)
	go t.generate(callID, utterance)
	return true
}

// Wait blocks until in-flight generations finish. Test hook.
func (t *Trigger) Wait() {
	t.inflight.Wait()
}

func (t *Trigger) generate(callID, utterance string) {
	defer t.inflight.Done()
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.RequestTimeout)
	defer cancel()

	advice, err := t.advisor.Advise(ctx, callID, utterance)
	if err != nil {
		t.logger.Warn("suggestion_generate_failed",
			slog.String("call_id", callID),
			slog.String("advisor", t.advisor.Name()),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		return
	}
	advice = strings.TrimSpace(advice)
	if advice == "" {
		return
	}
	row, err := t.store.InsertSuggestion(ctx, callID, advice)
	if err != nil {
		t.logger.Error("suggestion_write_failed",
			slog.String("call_id", callID),
			slog.String("error", err.Error()))
		return
	}
	if err := t.notifier.SuggestionCreated(ctx, row); err != nil {
		t.logger.Warn("suggestion_notify_failed",
			slog.String("call_id", callID),
			slog.String("error", err.Error()))
	}
	t.logger.Info("suggestion_created",
		slog.String("call_id", callID),
		slog.String("advisor", t.advisor.Name()))
}
