package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxhall/relay/pkg/audio"
	"github.com/voxhall/relay/pkg/errorsx"
	"github.com/voxhall/relay/pkg/logging"
	"github.com/voxhall/relay/pkg/session"
	"github.com/voxhall/relay/pkg/store"
	"github.com/voxhall/relay/pkg/stt"
	"github.com/voxhall/relay/pkg/suggest"
	"github.com/voxhall/relay/pkg/transcript"
)

type Config struct {
	SampleRate     int
	ConnectTimeout time.Duration
	// TrackRoles maps the telephony track name to the speaker role.
	// Channel semantics differ per deployment, so the mapping is
	// configuration, not code.
	TrackRoles map[string]store.Role
	// WriteTimeout bounds one store round trip on the results path.
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 8000
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if len(c.TrackRoles) == 0 {
		c.TrackRoles = map[string]store.Role{
			"inbound":  store.RoleCustomer,
			"outbound": store.RoleAgent,
		}
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Orchestrator composes the relay per inbound connection: it drives the
// decoder and the upstream speech client from telephony events, and the
// filter, writer and suggestion trigger from upstream results. Each
// connection gets its own session state; nothing is shared across calls.
type Orchestrator struct {
	cfg        Config
	logger     *slog.Logger
	registry   *session.Registry
	filter     *transcript.Filter
	writer     *transcript.Writer
	newClient  stt.Factory
	newTrigger func() *suggest.Trigger
}

func NewOrchestrator(
	cfg Config,
	logger *slog.Logger,
	registry *session.Registry,
	filter *transcript.Filter,
	writer *transcript.Writer,
	newClient stt.Factory,
	newTrigger func() *suggest.Trigger,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		logger:     logging.NewComponentLogger(logger, "relay"),
		registry:   registry,
		filter:     filter,
		writer:     writer,
		newClient:  newClient,
		newTrigger: newTrigger,
	}
}

// StreamEvent is one inbound JSON frame from the telephony platform.
type StreamEvent struct {
	Event string      `json:"event"`
	Start *StartEvent `json:"start,omitempty"`
	Media *MediaEvent `json:"media,omitempty"`
	Stop  *StopEvent  `json:"stop,omitempty"`
}

type StartEvent struct {
	CallSID   string `json:"callSid"`
	StreamSID string `json:"streamSid"`
}

type MediaEvent struct {
	Track   string `json:"track"`
	Payload string `json:"payload"`
}

type StopEvent struct {
	Reason string `json:"reason"`
}

// Handle runs one relay connection to completion. It returns when the
// inbound websocket closes or a stop event arrives, and guarantees the
// upstream connection never outlives the inbound one.
func (o *Orchestrator) Handle(ctx context.Context, conn *websocket.Conn) {
	fsm := newStateMachine()
	logger := o.logger

	var (
		sess        *session.Session
		client      stt.Client
		trigger     *suggest.Trigger
		sessCancel  context.CancelFunc
		resultsDone chan struct{}
	)

	teardown := func(reason string) {
		if fsm.State() == StateClosed {
			return
		}
		_ = fsm.Transition(StateClosing)
		if sessCancel != nil {
			sessCancel()
		}
		if sess != nil {
			o.flushOrAbandon(sess, logger)
		}
		if client != nil {
			_ = client.Close()
		}
		if resultsDone != nil {
			select {
			case <-resultsDone:
			case <-time.After(2 * time.Second):
				logger.Warn("results_loop_slow_to_stop")
			}
		}
		_ = fsm.Transition(StateClosed)
		if sess != nil {
			overflow, unresolved := sess.Drops()
			logger.Info("relay_session_closed",
				slog.String("provider_call_id", sess.ProviderCallID),
				slog.String("trace_id", sess.TraceID),
				slog.String("reason", reason),
				slog.Int("dropped_overflow", overflow),
				slog.Int("dropped_unresolved", unresolved))
		} else {
			logger.Info("relay_connection_closed", slog.String("reason", reason))
		}
	}
	defer teardown("transport_closed")
	defer conn.Close()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var evt StreamEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			logger.Debug("unparseable_stream_event")
			continue
		}
		switch evt.Event {
		case "connected":
			logger.Debug("stream_connected")
		case "start":
			if fsm.State() != StateAwaitingStart {
				logger.Warn("duplicate_start_ignored")
				continue
			}
			if evt.Start == nil || evt.Start.CallSID == "" {
				logger.Warn("start_missing_call_sid")
				continue
			}
			traceID := uuid.NewString()
			sess = o.registry.Open(evt.Start.CallSID, traceID, o.filter.NewHistoryForSession())
			trigger = o.newTrigger()
			client = o.newClient(stt.Config{
				CallSID:    evt.Start.CallSID,
				TraceID:    traceID,
				SampleRate: o.cfg.SampleRate,
			})

			var sctx context.Context
			sctx, sessCancel = context.WithCancel(ctx)
			resultsDone = make(chan struct{})

			// Resolution and upstream connect both run off the event
			// loop; media handling must not wait on either.
			go o.connectUpstream(sctx, client, sess, logger)
			go func() { _ = o.registry.Resolve(sctx, sess) }()
			go o.consumeResults(sess, client, trigger, resultsDone, logger)

			_ = fsm.Transition(StateStreaming)
			logger.Info("relay_session_started",
				slog.String("provider_call_id", evt.Start.CallSID),
				slog.String("stream_sid", evt.Start.StreamSID),
				slog.String("trace_id", traceID),
				slog.String("stt_provider", client.Name()))
		case "media":
			if fsm.State() != StateStreaming {
				logger.Warn("media_before_start_dropped")
				continue
			}
			if evt.Media == nil {
				continue
			}
			sess.SetTrack(evt.Media.Track)
			pcm, err := audio.DecodePayload(evt.Media.Payload)
			if err != nil {
				// A malformed frame costs that frame only, never the call.
				logger.Warn("media_frame_dropped",
					slog.String("provider_call_id", sess.ProviderCallID),
					slog.String("reason_code", string(errorsx.Reason(err))))
				continue
			}
			if err := client.SendAudio(pcm); err != nil {
				logger.Debug("stt_send_failed",
					slog.String("provider_call_id", sess.ProviderCallID),
					slog.String("error", err.Error()))
			}
		case "stop":
			reason := "stop"
			if evt.Stop != nil && evt.Stop.Reason != "" {
				reason = evt.Stop.Reason
			}
			teardown(reason)
			return
		default:
			logger.Debug("unknown_stream_event", slog.String("event", evt.Event))
		}
	}
}

func (o *Orchestrator) connectUpstream(ctx context.Context, client stt.Client, sess *session.Session, logger *slog.Logger) {
	cctx, cancel := context.WithTimeout(ctx, o.cfg.ConnectTimeout)
	defer cancel()
	if err := client.Connect(cctx); err != nil {
		// Degraded mode: the call stays up and audio is dropped; the
		// relay is a value-add, not a call-blocking dependency.
		logger.Error("stt_connect_degraded",
			slog.String("provider_call_id", sess.ProviderCallID),
			slog.String("trace_id", sess.TraceID),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
	}
}

// consumeResults is the single sequential handler for upstream events of
// one call, which is what keeps persisted transcripts in arrival order.
func (o *Orchestrator) consumeResults(sess *session.Session, client stt.Client, trigger *suggest.Trigger, done chan struct{}, logger *slog.Logger) {
	defer close(done)
	cooldownSeeded := false
	for r := range client.Results() {
		now := time.Now()
		if !r.Final {
			sess.MarkPartial(now)
			continue
		}
		role := o.roleForTrack(sess.Track())
		ok, reason := o.filter.Accept(sess, role, r.Text, now)
		if !ok {
			logger.Debug("transcript_rejected",
				slog.String("provider_call_id", sess.ProviderCallID),
				slog.String("reason", reason))
			continue
		}

		callID, pending, st := sess.Claim()
		switch st {
		case session.StatusResolving:
			sess.Buffer(role, r.Text)
			sess.Remember(role, r.Text, now)
			continue
		case session.StatusFailed:
			logger.Warn("transcript_dropped_unresolved",
				slog.String("provider_call_id", sess.ProviderCallID))
			continue
		}

		if !cooldownSeeded {
			trigger.Seed(sess.LastSuggestionAt())
			cooldownSeeded = true
		}

		wctx, cancel := context.WithTimeout(context.Background(), o.cfg.WriteTimeout)
		for _, p := range pending {
			_ = o.writer.Write(wctx, callID, p.Role, p.Text)
		}
		if err := o.writer.Write(wctx, callID, role, r.Text); err == nil {
			sess.Remember(role, r.Text, now)
			if role == store.RoleCustomer {
				trigger.Maybe(callID, r.Text)
			}
		}
		cancel()
	}
}

// flushOrAbandon drains transcripts still buffered at teardown: written
// if the call resolved in time, dropped with a logged count otherwise.
func (o *Orchestrator) flushOrAbandon(sess *session.Session, logger *slog.Logger) {
	if sess.Status() == session.StatusResolved {
		callID, pending, _ := sess.Claim()
		if len(pending) == 0 {
			return
		}
		wctx, cancel := context.WithTimeout(context.Background(), o.cfg.WriteTimeout)
		defer cancel()
		for _, p := range pending {
			_ = o.writer.Write(wctx, callID, p.Role, p.Text)
		}
		return
	}
	if n := sess.Abandon(); n > 0 {
		logger.Warn("buffered_transcripts_abandoned",
			slog.String("provider_call_id", sess.ProviderCallID),
			slog.Int("count", n))
	}
}

func (o *Orchestrator) roleForTrack(track string) store.Role {
	if role, ok := o.cfg.TrackRoles[track]; ok {
		return role
	}
	return store.RoleCustomer
}
