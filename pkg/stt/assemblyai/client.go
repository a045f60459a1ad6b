package assemblyai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxhall/relay/pkg/errorsx"
	"github.com/voxhall/relay/pkg/logging"
	"github.com/voxhall/relay/pkg/stt"
)

const (
	defaultTokenURL   = "https://api.assemblyai.com/v2/realtime/token"
	defaultStreamURL  = "wss://api.assemblyai.com/v2/realtime/ws"
	defaultSampleRate = 8000
	defaultExpiry     = 360
)

type Config struct {
	APIKey         string
	TokenURL       string
	StreamURL      string
	SampleRate     int
	MinConfidence  float64
	TokenExpirySec int
	ConnectTimeout time.Duration
	CallSID        string
	TraceID        string
	HTTPClient     *http.Client
}

func (c Config) withDefaults() Config {
	if c.TokenURL == "" {
		c.TokenURL = defaultTokenURL
	}
	if c.StreamURL == "" {
		c.StreamURL = defaultStreamURL
	}
	if c.SampleRate == 0 {
		c.SampleRate = defaultSampleRate
	}
	if c.MinConfidence == 0 {
		c.MinConfidence = 0.7
	}
	if c.TokenExpirySec == 0 {
		c.TokenExpirySec = defaultExpiry
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	return c
}

// Client streams call audio to the AssemblyAI realtime endpoint over a
// websocket opened with a short-lived credential.
type Client struct {
	cfg    Config
	logger *slog.Logger
	out    chan stt.Result

	wmu  sync.Mutex // serializes websocket writes
	conn *websocket.Conn

	open    atomic.Bool
	closed  atomic.Bool
	outOnce sync.Once
	dropped atomic.Int64
}

func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:    cfg,
		logger: logging.NewComponentLogger(slog.Default(), "assemblyai_stt"),
		out:    make(chan stt.Result, 64),
	}
}

func (c *Client) Name() string { return "assemblyai" }

// Connect fetches a temporary session token, then dials the realtime
// websocket parameterized with the input sample rate. Both steps are
// bounded by the configured connect timeout.
func (c *Client) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	token, err := c.fetchToken(ctx)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonCredentialFetch)
	}

	endpoint := fmt.Sprintf("%s?sample_rate=%d&token=%s",
		c.cfg.StreamURL, c.cfg.SampleRate, url.QueryEscape(token))
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	c.wmu.Lock()
	if c.closed.Load() {
		// Session was torn down while the dial was in flight. Close saw
		// conn still nil, so this side discards the socket.
		c.wmu.Unlock()
		_ = conn.Close()
		return errorsx.New(errorsx.ReasonSTTConnect, "session closed during connect")
	}
	c.conn = conn
	c.wmu.Unlock()
	c.open.Store(true)

	c.logger.Info("stt_connected",
		slog.String("call_sid", c.cfg.CallSID),
		slog.String("trace_id", c.cfg.TraceID),
		slog.Int("sample_rate", c.cfg.SampleRate))

	go c.readLoop(conn)
	return nil
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]any{"expires_in": c.cfg.TokenExpirySec})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("token request failed: %s: %s", resp.Status, string(raw))
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	if payload.Token == "" {
		return "", fmt.Errorf("token response missing token")
	}
	return payload.Token, nil
}

// SendAudio transmits one PCM chunk. While the connection is not open the
// chunk is dropped and counted; a telephony moment that has passed cannot
// be replayed, so dropped audio is never retried.
func (c *Client) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	if !c.open.Load() {
		n := c.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			c.logger.Warn("stt_audio_dropped",
				slog.String("call_sid", c.cfg.CallSID),
				slog.Int64("dropped_total", n))
		}
		return nil
	}
	msg := map[string]string{"audio_data": base64.StdEncoding.EncodeToString(pcm)}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.conn == nil {
		return nil
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		c.open.Store(false)
		return errorsx.Wrap(err, errorsx.ReasonSTTSend)
	}
	return nil
}

func (c *Client) Results() <-chan stt.Result { return c.out }

// Dropped reports how many audio chunks were discarded while the
// connection was not open.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

type realtimeMessage struct {
	MessageType string  `json:"message_type"`
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence"`
	Error       string  `json:"error"`
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.outOnce.Do(func() { close(c.out) })
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.open.Store(false)
			if !c.closed.Load() {
				c.logger.Warn("stt_read_closed",
					slog.String("call_sid", c.cfg.CallSID),
					slog.String("error", err.Error()))
			}
			return
		}
		var msg realtimeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Debug("stt_unparseable_message", slog.String("call_sid", c.cfg.CallSID))
			continue
		}
		switch msg.MessageType {
		case "SessionBegins":
			c.logger.Debug("stt_session_begins", slog.String("call_sid", c.cfg.CallSID))
		case "PartialTranscript":
			if msg.Text != "" {
				c.emit(stt.Result{Text: msg.Text, Confidence: msg.Confidence, Final: false})
			}
		case "FinalTranscript":
			if msg.Text == "" {
				continue
			}
			if msg.Confidence < c.cfg.MinConfidence {
				c.logger.Debug("stt_low_confidence_discarded",
					slog.String("call_sid", c.cfg.CallSID),
					slog.String("confidence", strconv.FormatFloat(msg.Confidence, 'f', 2, 64)))
				continue
			}
			c.emit(stt.Result{Text: msg.Text, Confidence: msg.Confidence, Final: true})
		case "SessionTerminated":
			c.open.Store(false)
			return
		default:
			if msg.Error != "" {
				c.logger.Error("stt_error_message",
					slog.String("call_sid", c.cfg.CallSID),
					slog.String("error", msg.Error))
			}
		}
	}
}

func (c *Client) emit(r stt.Result) {
	select {
	case c.out <- r:
	default:
		c.logger.Warn("stt_results_channel_full", slog.String("call_sid", c.cfg.CallSID))
	}
}

// Close sends the session-terminate control message if the connection is
// open, then closes the socket. Safe to call repeatedly and safe to call
// while Connect is still in flight.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.wmu.Lock()
	conn := c.conn
	if conn != nil && c.open.Load() {
		_ = conn.WriteJSON(map[string]bool{"terminate_session": true})
	}
	c.wmu.Unlock()
	c.open.Store(false)
	if conn == nil {
		// Connect never completed; nothing holds the out channel open.
		c.outOnce.Do(func() { close(c.out) })
		return nil
	}
	return conn.Close()
}

var _ stt.Client = (*Client)(nil)
