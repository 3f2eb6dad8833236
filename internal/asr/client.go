package asr

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Client wraps an Engine it owns exclusively and guarantees at most one
// recognition call is in flight. A second call while one is pending is
// dropped with ErrBusy; the underlying model holds mutable decode state and
// must never be invoked concurrently.
type Client struct {
	engine Engine
	mu     sync.Mutex
	busy   bool
}

func NewClient(engine Engine) *Client {
	return &Client{engine: engine}
}

func (c *Client) Transcribe(ctx context.Context, samples []float32, opts Options) (Result, error) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return Result{}, ErrBusy
	}
	c.busy = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	result, err := c.engine.Transcribe(ctx, samples, opts)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: %s", ErrInference, err)
	}
	return result, nil
}

// Busy reports whether a call is currently in flight.
func (c *Client) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

func (c *Client) Close() error {
	return c.engine.Close()
}
