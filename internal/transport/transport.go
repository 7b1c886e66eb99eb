package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/danmuck/pklctl/internal/observability"
	"github.com/danmuck/pklctl/internal/protocol"
	"github.com/danmuck/pklctl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var (
	ErrConnectionBroken = errors.New("transport: connection broken")
	ErrClosed           = errors.New("transport: closed")
	ErrAlreadyRunning   = errors.New("transport: read loop already running")
)

// Handler receives everything the read loop produces.
type Handler interface {
	// Dispatch is called for every decoded inbound message, in stream order.
	Dispatch(msg protocol.Message)
	// Reject is called for a well-framed message that failed its schema.
	Reject(err *protocol.SchemaError)
	// Fail is called once when the read loop terminates.
	Fail(err error)
}

// Transport owns the two engine streams. Writes are serialized; reads happen
// on a single loop started by Run.
type Transport struct {
	r      io.Reader
	w      io.Writer
	limits frame.Limits

	writeMu sync.Mutex
	running atomic.Bool

	mu     sync.RWMutex
	err    error
	done   chan struct{}
	closed bool

	sent     atomic.Uint64
	received atomic.Uint64
}

// New wraps the engine streams. Nothing is read until Run is called.
func New(r io.Reader, w io.Writer, limits frame.Limits) *Transport {
	return &Transport{
		r:      r,
		w:      w,
		limits: limits,
		done:   make(chan struct{}),
	}
}

// Send writes one message. Concurrent callers never interleave bytes.
func (t *Transport) Send(msg protocol.Message) error {
	if err := t.Err(); err != nil {
		return err
	}
	b, err := protocol.Encode(msg, t.limits)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.Err(); err != nil {
		return err
	}
	if _, err := t.w.Write(b); err != nil {
		wrapped := fmt.Errorf("%w: write %s: %v", ErrConnectionBroken, msg.Code(), err)
		t.setErr(wrapped)
		return wrapped
	}
	t.sent.Add(1)
	observability.RecordFrameSent(msg.Code().String())
	log.Trace().Str("code", msg.Code().String()).Int("bytes", len(b)).Msg("transport.Transport.Send")
	return nil
}

// Run reads frames until the stream fails or Close is called. It returns the
// terminal error, which always wraps ErrConnectionBroken.
func (t *Transport) Run(h Handler) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	reader := frame.NewReader(t.r, t.limits)
	for {
		f, err := reader.ReadFrame()
		if err != nil {
			return t.terminate(h, err)
		}
		t.received.Add(1)

		msg, err := protocol.Decode(f)
		if err != nil {
			var se *protocol.SchemaError
			if errors.As(err, &se) {
				log.Warn().Err(se).Msg("transport.Transport.Run schema mismatch")
				h.Reject(se)
				continue
			}
			return t.terminate(h, err)
		}
		observability.RecordFrameReceived(msg.Code().String())
		h.Dispatch(msg)
	}
}

func (t *Transport) terminate(h Handler, cause error) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		cause = ErrClosed
	}
	wrapped := fmt.Errorf("%w: %w", ErrConnectionBroken, cause)
	t.setErr(wrapped)
	if closed || errors.Is(cause, frame.ErrStreamClosed) {
		log.Debug().Err(cause).Msg("transport.Transport.Run stopped")
	} else {
		log.Error().Err(cause).Msg("transport.Transport.Run fatal read error")
	}
	h.Fail(t.Err())
	t.mu.Lock()
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	t.mu.Unlock()
	return t.Err()
}

func (t *Transport) setErr(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
}

// Err returns the terminal error, or nil while the transport is healthy.
func (t *Transport) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// Done is closed when the read loop has exited.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Close marks the transport closed and closes both streams when they
// support it. The read loop then exits with ErrClosed as its cause.
func (t *Transport) Close() error {
	return t.CloseWithError(ErrClosed)
}

// CloseWithError is Close with cause recorded as the terminal error.
func (t *Transport) CloseWithError(cause error) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.err == nil {
		t.err = fmt.Errorf("%w: %w", ErrConnectionBroken, cause)
	}
	t.mu.Unlock()

	var errs []error
	if c, ok := t.w.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := t.r.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Stats counts frames written and read over the transport lifetime.
type Stats struct {
	Sent     uint64
	Received uint64
}

func (t *Transport) Stats() Stats {
	return Stats{Sent: t.sent.Load(), Received: t.received.Load()}
}
