// ABOUTME: Channel wraps one duplex byte stream into a framed envelope send/receive interface.
// ABOUTME: Writes drain through a bounded buffer; reads are line-at-a-time with a size cap.

package channel

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/2389/mist-broker/internal/protocol"
)

// MaxLineSize caps a single wire record. A well-behaved peer never gets
// close to this; exceeding it is treated as a framing error.
const MaxLineSize = 4 * 1024 * 1024

// Policy controls what Send does when the outbound buffer is full.
type Policy int

const (
	// Block waits for a free buffer slot, preserving ordering. Default.
	Block Policy = iota
	// FailFast returns ErrBackpressure instead of waiting.
	FailFast
)

// ErrClosed indicates the channel has been torn down.
var ErrClosed = errors.New("channel closed")

// ErrBackpressure indicates the outbound buffer was full under the
// FailFast policy.
var ErrBackpressure = errors.New("outbound buffer full")

// Channel provides framed envelope send/receive over a single net.Conn.
// Inbound envelopes are consumed via Recv; outbound envelopes are queued
// by Send and written by a dedicated writer goroutine.
type Channel struct {
	conn    net.Conn
	reader  *bufio.Reader
	outbox  chan *protocol.Envelope
	policy  Policy
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
	writeMu sync.Mutex
	logger  *slog.Logger
}

// Option configures a Channel.
type Option func(*options)

type options struct {
	bufferSize int
	policy     Policy
	logger     *slog.Logger
}

// WithBufferSize sets the outbound buffer capacity (default 64).
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithPolicy sets the backpressure policy.
func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithLogger sets the channel's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New wraps conn and starts the writer goroutine.
func New(conn net.Conn, opts ...Option) *Channel {
	o := options{bufferSize: 64, policy: Block, logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	ch := &Channel{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 64*1024),
		outbox: make(chan *protocol.Envelope, o.bufferSize),
		policy: o.policy,
		done:   make(chan struct{}),
		logger: o.logger,
	}
	go ch.writeLoop()
	return ch
}

// Send enqueues env for writing. Under the Block policy it waits for a
// buffer slot; under FailFast it returns ErrBackpressure when full.
// Returns ErrClosed once the channel is torn down.
func (c *Channel) Send(env *protocol.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if c.policy == FailFast {
		select {
		case c.outbox <- env:
			return nil
		case <-c.done:
			return ErrClosed
		default:
			return ErrBackpressure
		}
	}
	select {
	case c.outbox <- env:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Recv blocks until the next inbound envelope arrives. It returns
// protocol.ErrMalformed (wrapped) on a decode failure and io-level errors
// (including io.EOF) when the stream ends. The sequence is not
// restartable: after any error the channel must be closed.
func (c *Channel) Recv() (*protocol.Envelope, error) {
	line, err := c.readLine()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(line)
}

// readLine accumulates one newline-terminated record. The size cap is
// enforced while reading, so a stream that never sends a newline fails
// once it passes MaxLineSize instead of growing the buffer until then.
func (c *Channel) readLine() ([]byte, error) {
	var line []byte
	for {
		frag, err := c.reader.ReadSlice('\n')
		if len(line)+len(frag) > MaxLineSize {
			return nil, fmt.Errorf("%w: record exceeds %d bytes", protocol.ErrMalformed, MaxLineSize)
		}
		line = append(line, frag...)
		switch err {
		case nil:
			return line, nil
		case bufio.ErrBufferFull:
			continue
		default:
			return nil, err
		}
	}
}

// SendSync writes env directly, bypassing the outbound buffer. Used for
// connection-fatal error replies that must reach the wire before Close
// drops whatever is still queued. Bounded by a write deadline so a peer
// that stopped reading cannot pin the caller.
func (c *Channel) SendSync(env *protocol.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	defer c.conn.SetWriteDeadline(time.Time{})
	_, err = c.conn.Write(data)
	return err
}

// Done is closed when the channel has been torn down.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Close tears down the channel. Idempotent. Queued-but-unwritten
// envelopes are dropped; the connection epoch guarantees at-most-once
// delivery, not delivery of everything queued at close.
func (c *Channel) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return c.conn.Close()
}

// RemoteAddr reports the peer address, for logging.
func (c *Channel) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

func (c *Channel) writeLoop() {
	for {
		select {
		case env := <-c.outbox:
			data, err := protocol.Encode(env)
			if err != nil {
				c.logger.Warn("dropping unencodable envelope",
					"type", env.Type,
					"id", env.ID,
					"error", err,
				)
				continue
			}
			c.writeMu.Lock()
			_, err = c.conn.Write(data)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("write failed, closing channel", "error", err)
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
