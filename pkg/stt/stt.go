// Package stt defines the contract between the relay and streaming
// speech-recognition vendors, so providers are swappable implementations
// of one interface rather than parallel relay copies.
package stt

import "context"

// Result is one transcription event from the upstream service. Partial
// results (Final=false) are liveness signals only and are never persisted.
type Result struct {
	Text       string
	Confidence float64
	Final      bool
}

// Client owns the lifecycle of exactly one upstream connection per call.
type Client interface {
	// Name identifies the vendor for logging.
	Name() string
	// Connect acquires credentials if needed and opens the stream. The
	// context bounds the whole operation; cancellation aborts a dial in
	// flight.
	Connect(ctx context.Context) error
	// SendAudio forwards linear PCM. Implementations transmit only while
	// the connection is open and drop (never queue) otherwise.
	SendAudio(pcm []byte) error
	// Results delivers transcription events. The channel closes on Close
	// or when the upstream ends the session.
	Results() <-chan Result
	// Close tears the connection down. Must be idempotent and safe to call
	// before Connect has finished.
	Close() error
}

// Config carries vendor-agnostic session parameters.
type Config struct {
	CallSID    string
	TraceID    string
	SampleRate int
	Language   string
}

// Factory builds one client per relay session.
type Factory func(cfg Config) Client
