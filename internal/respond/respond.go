// Package respond serializes response envelopes onto the output stream.
// Error responses flush immediately; ok/alive responses are micro-batched
// to cut write syscalls under burst load. Arrival order is preserved.
package respond

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/voxlight/indicatord/internal/protocol"
)

const (
	DefaultBatchSize     = 10
	DefaultFlushInterval = time.Millisecond
)

var ErrClosed = errors.New("response channel closed")

type Channel struct {
	batchSize int
	interval  time.Duration

	mu       sync.Mutex
	w        io.Writer
	buf      []protocol.Response
	timer    *time.Timer
	writeErr error
	closed   bool
}

func New(w io.Writer, batchSize int, interval time.Duration) *Channel {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Channel{w: w, batchSize: batchSize, interval: interval}
}

func NewDefault(w io.Writer) *Channel {
	return New(w, DefaultBatchSize, DefaultFlushInterval)
}

// Send enqueues one envelope. Error-status envelopes force a flush of the
// whole buffer (earlier responses first, so ordering holds); ok/alive
// envelopes wait for the size threshold or the flush timer.
func (c *Channel) Send(env protocol.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.buf = append(c.buf, env)
	if env.Status == protocol.StatusError || len(c.buf) >= c.batchSize {
		return c.flushLocked()
	}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.interval, c.timerFlush)
	}
	return nil
}

// Flush writes out any buffered envelopes now.
func (c *Channel) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

// Close flushes the remainder and rejects further sends.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	err := c.flushLocked()
	c.closed = true
	return err
}

// Err returns the first writer error, if any. A failing writer means the
// parent went away; the engine treats it as a communication failure.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeErr
}

func (c *Channel) timerFlush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	_ = c.flushLocked()
}

func (c *Channel) flushLocked() error {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	for i, env := range c.buf {
		line, err := json.Marshal(env)
		if err != nil {
			c.buf = c.buf[i:]
			c.writeErr = fmt.Errorf("marshal response: %w", err)
			return c.writeErr
		}
		if _, err := c.w.Write(append(line, '\n')); err != nil {
			c.buf = c.buf[i:]
			c.writeErr = fmt.Errorf("write response: %w", err)
			return c.writeErr
		}
	}
	c.buf = c.buf[:0]
	return nil
}
