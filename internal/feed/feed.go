// Package feed supplies the upstream transaction value stream. The upstream
// collaborator (parser/filter) emits one JSON event per accepted transaction
// with values already filtered; this package owns a single websocket
// connection per Client and decodes events. Reconnect policy lives in the
// pipeline, which dials a fresh client per attempt.
package feed

import (
	"context"
	"errors"
	"time"

	"github.com/jstrand/chainprice/internal/model"
)

// Errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrAlreadyClosed = errors.New("already closed")
)

// Config holds feed client settings.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64 // max message size in bytes, 0 for default
	BufferSize       int   // event channel capacity
	PingInterval     time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
		PingInterval:     30 * time.Second,
	}
}

// Client is one connection's worth of the upstream value stream. A client is
// single-use: once its Errors channel yields, dial a new one.
type Client interface {
	// Events returns the decoded event stream. Malformed events are counted
	// and dropped before this channel.
	Events() <-chan model.ValueEvent

	// Errors yields the terminal connection error, if any.
	Errors() <-chan error

	// Close releases the connection.
	Close() error

	// IsConnected reports current connection state.
	IsConnected() bool

	// Stats returns decode counters.
	Stats() Stats
}

// Stats counts per-connection decode outcomes.
type Stats struct {
	Received  int64
	Decoded   int64
	Malformed int64
	Dropped   int64
}

// Source dials feed clients. The pipeline's ingestion stage uses it to
// establish and re-establish the stream.
type Source interface {
	Dial(ctx context.Context) (Client, error)
}
