package capture

import (
	"context"
	"errors"
	"time"
)

// ErrPermission marks microphone access denial. Fatal to the session,
// surfaced to the user, never retried automatically.
var ErrPermission = errors.New("capture: microphone access denied")

// Chunk is a contiguous span of captured PCM16 audio. Immutable once
// emitted; ownership passes to the consumer.
type Chunk struct {
	SessionID  string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	CapturedAt time.Time
	Final      bool
}

// Source produces a push-based chunk stream for one recording session.
// The chunk channel is closed when recording ends; consumers must drain it.
// Cancelling ctx stops capture and flushes buffered audio as a final chunk.
type Source interface {
	Record(ctx context.Context, sessionID string) (<-chan Chunk, <-chan error)
}
