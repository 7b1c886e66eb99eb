// Package enginetest is an in-memory stand-in for the engine side of a
// session. Tests read what the client sent and script replies.
package enginetest

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/pklctl/internal/protocol"
	"github.com/danmuck/pklctl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

const defaultWait = 5 * time.Second

type Engine struct {
	clientR *io.PipeReader
	clientW *io.PipeWriter
	engineR *io.PipeReader
	engineW *io.PipeWriter

	limits frame.Limits
	inbox  chan protocol.Message

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// New wires two pipes and starts reading client frames. The engine is
// closed when the test ends.
func New(t testing.TB) *Engine {
	t.Helper()
	clientR, engineW := io.Pipe()
	engineR, clientW := io.Pipe()
	e := &Engine{
		clientR: clientR,
		clientW: clientW,
		engineR: engineR,
		engineW: engineW,
		limits:  frame.DefaultLimits(),
		inbox:   make(chan protocol.Message, 256),
	}
	go e.pump()
	t.Cleanup(e.Close)
	return e
}

// ClientReader is the stream the client reads engine frames from.
func (e *Engine) ClientReader() io.Reader { return e.clientR }

// ClientWriter is the stream the client writes its frames to.
func (e *Engine) ClientWriter() io.Writer { return e.clientW }

func (e *Engine) pump() {
	defer close(e.inbox)
	r := frame.NewReader(e.engineR, e.limits)
	for {
		f, err := r.ReadFrame()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(f)
		if err != nil {
			log.Error().Err(err).Msg("enginetest.Engine undecodable client frame")
			continue
		}
		e.inbox <- msg
	}
}

// Next returns the next message the client sent, failing the test if none
// arrives in time.
func (e *Engine) Next(t testing.TB) protocol.Message {
	t.Helper()
	select {
	case msg, ok := <-e.inbox:
		if !ok {
			t.Fatalf("client stream closed")
		}
		return msg
	case <-time.After(defaultWait):
		t.Fatalf("no client message within %s", defaultWait)
	}
	return nil
}

// Quiet reports a message if one arrives within d.
func (e *Engine) Quiet(d time.Duration) (protocol.Message, bool) {
	select {
	case msg, ok := <-e.inbox:
		return msg, ok
	case <-time.After(d):
		return nil, false
	}
}

// Send writes msg to the client.
func (e *Engine) Send(t testing.TB, msg protocol.Message) {
	t.Helper()
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := protocol.Write(e.engineW, msg, e.limits); err != nil {
		t.Fatalf("engine send %s: %v", msg.Code(), err)
	}
}

// SendRaw writes already-encoded bytes to the client.
func (e *Engine) SendRaw(t testing.TB, b []byte) {
	t.Helper()
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if _, err := e.engineW.Write(b); err != nil {
		t.Fatalf("engine send raw: %v", err)
	}
}

// Hangup closes the engine's output so the client sees end of stream.
func (e *Engine) Hangup() {
	_ = e.engineW.Close()
}

func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		_ = e.engineW.Close()
		_ = e.engineR.Close()
	})
}
