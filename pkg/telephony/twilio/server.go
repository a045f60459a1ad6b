// Package twilio exposes the HTTP surface the telephony provider talks
// to: the voice webhook that answers a call with a media-stream TwiML,
// the websocket endpoint the audio arrives on, the status callback that
// tracks the call lifecycle, and an outbound dial endpoint.
package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/voxhall/relay/pkg/errorsx"
	"github.com/voxhall/relay/pkg/logging"
	"github.com/voxhall/relay/pkg/store"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AccountSID         string   `mapstructure:"account_sid"`
	AuthToken          string   `mapstructure:"auth_token"`
	CallerID           string   `mapstructure:"caller_id"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	DialPath           string   `mapstructure:"dial_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if c.DialPath == "" {
		c.DialPath = "/calls"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// StreamHandler consumes one upgraded media-stream connection.
type StreamHandler interface {
	Handle(ctx context.Context, conn *websocket.Conn)
}

type Server struct {
	cfg      Config
	store    store.Store
	handler  StreamHandler
	logger   *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
	dialer   *Dialer

	draining atomic.Bool
}

func NewServer(cfg Config, st store.Store, handler StreamHandler, logger *slog.Logger) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:     cfg,
		store:   st,
		handler: handler,
		logger:  logging.NewComponentLogger(logger, "twilio_server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		dialer: NewDialer(cfg),
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	return s
}

// Handler returns the routed HTTP handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.VoicePath, s.handleVoice)
	mux.Handle(s.cfg.WebsocketPath, s)
	mux.HandleFunc(s.cfg.StatusCallbackPath, s.handleStatus)
	mux.HandleFunc(s.cfg.DialPath, s.handleDial)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.server = &http.Server{
		Addr:              s.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           s.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = s.server.Close()
	}()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("twilio_server_error", slog.String("error", err.Error()))
		}
	}()
	s.logger.Info("twilio_server_started",
		slog.String("addr", s.cfg.ServerAddr),
		slog.String("webhook_url", s.voiceWebhookURL()),
		slog.String("status_callback_url", s.statusCallbackURL()))
	return nil
}

func (s *Server) Stop() error {
	s.draining.Store(true)
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// ServeHTTP upgrades the media-stream websocket and hands it to the relay.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.handler.Handle(r.Context(), conn)
}

// handleVoice answers the inbound-call webhook. It records the call row
// first, then tells the provider to fork the audio to the websocket, so
// the stream usually finds the row already present.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.AuthToken != "" && !s.validateRequest(r) {
		s.logger.Warn("webhook_invalid_signature",
			slog.String("path", s.cfg.VoicePath),
			slog.String("reason_code", string(errorsx.ReasonWebhookInvalidSignature)))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	callSID := r.FormValue("CallSid")
	if callSID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	call := store.Call{
		ProviderCallID: callSID,
		FromNumber:     r.FormValue("From"),
		ToNumber:       r.FormValue("To"),
		Direction:      normalizeDirection(r.FormValue("Direction")),
		Status:         store.StatusInProgress,
	}
	if _, err := s.store.CreateCall(r.Context(), call); err != nil {
		s.logger.Error("call_create_failed",
			slog.String("provider_call_id", callSID),
			slog.String("error", err.Error()))
		// Answer anyway; the relay buffers until the row lands.
	} else {
		s.logger.Info("call_created",
			slog.String("provider_call_id", callSID),
			slog.String("direction", string(call.Direction)))
	}

	var b strings.Builder
	b.WriteString(`<Response>`)
	if greeting := strings.TrimSpace(s.cfg.VoiceGreeting); greeting != "" {
		b.WriteString(`<Say>` + xmlEscape(greeting) + `</Say>`)
	}
	b.WriteString(`<Connect><Stream url="` + s.websocketURL(r) + `"/></Connect></Response>`)
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(b.String()))
}

// handleStatus keeps the call row in step with the provider lifecycle.
// A callback for an unknown call upserts the row, covering deployments
// where the voice webhook is served elsewhere.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.AuthToken != "" && !s.validateRequest(r) {
		s.logger.Warn("webhook_invalid_signature",
			slog.String("path", s.cfg.StatusCallbackPath),
			slog.String("reason_code", string(errorsx.ReasonWebhookInvalidSignature)))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	status := normalizeStatus(r.FormValue("CallStatus"))
	if callSID == "" || status == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	var endedAt *time.Time
	duration := 0
	if status.Terminal() {
		now := time.Now()
		endedAt = &now
		duration = parseDuration(r.FormValue("CallDuration"))
	}
	err := s.store.UpdateCallStatus(r.Context(), callSID, status, endedAt, duration)
	if errors.Is(err, store.ErrNotFound) {
		_, err = s.store.CreateCall(r.Context(), store.Call{
			ProviderCallID: callSID,
			FromNumber:     r.FormValue("From"),
			ToNumber:       r.FormValue("To"),
			Direction:      normalizeDirection(r.FormValue("Direction")),
			Status:         status,
			EndedAt:        endedAt,
		})
	}
	if err != nil {
		s.logger.Error("call_status_update_failed",
			slog.String("provider_call_id", callSID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()))
	} else {
		s.logger.Info("call_status_updated",
			slog.String("provider_call_id", callSID),
			slog.String("status", string(status)))
	}
	w.WriteHeader(http.StatusOK)
}

type dialRequest struct {
	To   string `json:"to"`
	From string `json:"from"`
	URL  string `json:"url"`
}

// handleDial places an outbound call and records its row up front.
func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req dialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.From == "" {
		req.From = s.cfg.CallerID
	}
	if req.URL == "" {
		req.URL = s.voiceWebhookURL()
	}
	sid, err := s.dialer.Dial(r.Context(), req.To, req.From, req.URL)
	if err != nil {
		s.logger.Error("outbound_dial_failed",
			slog.String("to", req.To),
			slog.String("reason_code", string(errorsx.ReasonDialFailed)),
			slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "dial failed"})
		return
	}
	if _, err := s.store.CreateCall(r.Context(), store.Call{
		ProviderCallID: sid,
		FromNumber:     req.From,
		ToNumber:       req.To,
		Direction:      store.DirectionOutbound,
		Status:         store.StatusRinging,
	}); err != nil {
		s.logger.Error("call_create_failed",
			slog.String("provider_call_id", sid),
			slog.String("error", err.Error()))
	}
	s.logger.Info("outbound_call_placed",
		slog.String("provider_call_id", sid),
		slog.String("to", req.To))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"call_sid": sid})
}

func (s *Server) validateRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || s.cfg.AuthToken == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	validator := twilioclient.NewRequestValidator(s.cfg.AuthToken)
	return validator.Validate(s.requestURL(r), params, signature)
}

func (s *Server) requestURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(s.cfg.PublicURL) + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(s.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (s *Server) websocketURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(s.cfg.PublicURL) + s.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(s.cfg.ServerAddr, ":")
	}
	return "wss://" + host + s.cfg.WebsocketPath
}

func (s *Server) voiceWebhookURL() string {
	if s.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(s.cfg.PublicURL) + s.cfg.VoicePath
	}
	addr := s.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + s.cfg.VoicePath
}

func (s *Server) statusCallbackURL() string {
	if s.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(s.cfg.PublicURL) + s.cfg.StatusCallbackPath
	}
	addr := s.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + s.cfg.StatusCallbackPath
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range s.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func normalizeStatus(raw string) store.Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "initiated", "ringing":
		return store.StatusRinging
	case "in-progress", "inprogress", "answered":
		return store.StatusInProgress
	case "completed":
		return store.StatusCompleted
	case "busy":
		return store.StatusBusy
	case "no-answer", "no_answer", "noanswer":
		return store.StatusNoAnswer
	case "canceled", "cancelled":
		return store.StatusCanceled
	case "failed", "error":
		return store.StatusFailed
	default:
		return ""
	}
}

func normalizeDirection(raw string) store.Direction {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(raw)), "outbound") {
		return store.DirectionOutbound
	}
	return store.DirectionInbound
}

func parseDuration(raw string) int {
	n := 0
	for _, r := range strings.TrimSpace(raw) {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}
