package deepgram

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listen "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/voxhall/relay/pkg/errorsx"
	"github.com/voxhall/relay/pkg/logging"
	"github.com/voxhall/relay/pkg/stt"
)

type Config struct {
	APIKey        string
	Model         string
	Language      string
	SampleRate    int
	MinConfidence float64
	CallSID       string
	TraceID       string
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 8000
	}
	if c.MinConfidence == 0 {
		c.MinConfidence = 0.7
	}
	return c
}

// Client adapts the Deepgram live-transcription SDK to the relay's vendor
// contract. Audio flows through an io.Pipe into the SDK's stream reader.
type Client struct {
	cfg    Config
	logger *slog.Logger
	out    chan stt.Result

	mu         sync.Mutex
	dgClient   *listen.WSCallback
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	cancel     context.CancelFunc
	open       bool
	closed     bool
	outOnce    sync.Once
}

func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:    cfg,
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
		out:    make(chan stt.Result, 64),
	}
}

func (c *Client) Name() string { return "deepgram" }

func (c *Client) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	clientOptions := &interfaces.ClientOptions{EnableKeepAlive: true}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          c.cfg.Model,
		Language:       c.cfg.Language,
		Encoding:       "linear16",
		SampleRate:     c.cfg.SampleRate,
		InterimResults: true,
		SmartFormat:    true,
	}

	dgClient, err := listen.NewWSUsingCallback(ctx, c.cfg.APIKey, clientOptions, transcriptOptions, &callback{parent: c})
	if err != nil {
		cancel()
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	if !dgClient.Connect() {
		cancel()
		return errorsx.New(errorsx.ReasonSTTConnect, "deepgram connection failed")
	}

	pr, pw := io.Pipe()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		dgClient.Stop()
		return errorsx.New(errorsx.ReasonSTTConnect, "session closed during connect")
	}
	c.dgClient = dgClient
	c.pipeReader = pr
	c.pipeWriter = pw
	c.cancel = cancel
	c.open = true
	c.mu.Unlock()

	c.logger.Info("stt_connected",
		slog.String("call_sid", c.cfg.CallSID),
		slog.String("model", c.cfg.Model),
		slog.Int("sample_rate", c.cfg.SampleRate))

	go func() {
		if err := dgClient.Stream(pr); err != nil && ctx.Err() == nil {
			c.logger.Error("stt_stream_error",
				slog.String("call_sid", c.cfg.CallSID),
				slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (c *Client) SendAudio(pcm []byte) error {
	c.mu.Lock()
	pw := c.pipeWriter
	open := c.open
	c.mu.Unlock()
	if !open || pw == nil {
		return nil
	}
	if _, err := pw.Write(pcm); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSTTSend)
	}
	return nil
}

func (c *Client) Results() <-chan stt.Result { return c.out }

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.open = false
	cancel := c.cancel
	pw := c.pipeWriter
	dg := c.dgClient
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pw != nil {
		_ = pw.Close()
	}
	if dg != nil {
		dg.Stop()
	}
	c.outOnce.Do(func() { close(c.out) })
	return nil
}

func (c *Client) emit(r stt.Result) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.out <- r:
	default:
		c.logger.Warn("stt_results_channel_full", slog.String("call_sid", c.cfg.CallSID))
	}
}

type callback struct {
	parent *Client
}

func (cb *callback) Open(_ *msginterfaces.OpenResponse) error {
	cb.parent.logger.Debug("stt_socket_open", slog.String("call_sid", cb.parent.cfg.CallSID))
	return nil
}

func (cb *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}
	final := mr.IsFinal || mr.SpeechFinal
	if final && alt.Confidence < cb.parent.cfg.MinConfidence {
		cb.parent.logger.Debug("stt_low_confidence_discarded",
			slog.String("call_sid", cb.parent.cfg.CallSID),
			slog.String("confidence", strconv.FormatFloat(alt.Confidence, 'f', 2, 64)))
		return nil
	}
	cb.parent.emit(stt.Result{Text: alt.Transcript, Confidence: alt.Confidence, Final: final})
	return nil
}

func (cb *callback) Metadata(_ *msginterfaces.MetadataResponse) error { return nil }

func (cb *callback) SpeechStarted(_ *msginterfaces.SpeechStartedResponse) error { return nil }

func (cb *callback) UtteranceEnd(_ *msginterfaces.UtteranceEndResponse) error { return nil }

func (cb *callback) Close(_ *msginterfaces.CloseResponse) error {
	cb.parent.logger.Debug("stt_socket_closed", slog.String("call_sid", cb.parent.cfg.CallSID))
	return nil
}

func (cb *callback) Error(er *msginterfaces.ErrorResponse) error {
	cb.parent.logger.Error("stt_error_message",
		slog.String("call_sid", cb.parent.cfg.CallSID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (cb *callback) UnhandledEvent(_ []byte) error { return nil }

var _ stt.Client = (*Client)(nil)
