package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/pklctl/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrDuplicateRequest  = errors.New("router: duplicate request id")
	ErrRequestTimedOut   = errors.New("router: request timed out")
	ErrProtocolViolation = errors.New("router: protocol violation")
	ErrNoCallbackHandler = errors.New("router: no callback handler")
)

// Sender writes outbound messages. transport.Transport satisfies it.
type Sender interface {
	Send(msg protocol.Message) error
}

// CallbackHandler answers engine-initiated requests. The returned message
// is sent back as-is and must be the matching response type.
type CallbackHandler interface {
	HandleCallback(msg protocol.Message) protocol.Message
}

// LogSink receives engine log messages.
type LogSink interface {
	Log(msg *protocol.Log)
}

// LogSinkFunc adapts a plain function to LogSink.
type LogSinkFunc func(msg *protocol.Log)

func (f LogSinkFunc) Log(msg *protocol.Log) { f(msg) }

// ZerologSink writes engine logs through the given logger. Level 0 maps to
// trace and level 1 to warn.
type ZerologSink struct {
	Logger zerolog.Logger
}

func (s ZerologSink) Log(msg *protocol.Log) {
	ev := s.Logger.Trace()
	if msg.Level == protocol.LogLevelWarn {
		ev = s.Logger.Warn()
	}
	ev.Int64("evaluator_id", msg.EvaluatorID).
		Str("frame_uri", msg.FrameURI).
		Msg(msg.Message)
}

// Pending is one registered request waiting for its response.
type Pending struct {
	RequestID   int64
	EvaluatorID int64
	Scoped      bool
	Registered  time.Time
	slot        chan delivery
}

type delivery struct {
	msg protocol.Message
	err error
}

// Options wires a Router to its outbound stream and its handlers. Logs
// defaults to a ZerologSink on the global logger.
type Options struct {
	Sender    Sender
	Callbacks CallbackHandler
	Logs      LogSink
	// OnViolation is told about every protocol violation seen on the stream.
	OnViolation func(err error)
}

// Stats is a point-in-time snapshot of the router counters. Dropped counts
// responses that arrived after their request timed out or was cancelled.
type Stats struct {
	Pending    int
	Delivered  uint64
	Dropped    uint64
	Callbacks  uint64
	Logs       uint64
	Violations uint64
}

// Router correlates responses with pending requests and services callbacks.
type Router struct {
	opts Options

	mu      sync.Mutex
	pending map[int64]*Pending
	broken  error

	delivered atomic.Uint64
	dropped   atomic.Uint64
	callbacks atomic.Uint64
	logs      atomic.Uint64
	violation atomic.Uint64
}

// New returns a Router with no pending requests.
func New(opts Options) *Router {
	if opts.Logs == nil {
		opts.Logs = ZerologSink{Logger: log.Logger}
	}
	return &Router{
		opts:    opts,
		pending: make(map[int64]*Pending),
	}
}

// Register creates a pending entry for a request not bound to an evaluator.
func (r *Router) Register(requestID int64) (*Pending, error) {
	return r.register(&Pending{RequestID: requestID})
}

// RegisterScoped creates a pending entry whose response must carry evaluatorID.
func (r *Router) RegisterScoped(requestID, evaluatorID int64) (*Pending, error) {
	return r.register(&Pending{RequestID: requestID, EvaluatorID: evaluatorID, Scoped: true})
}

func (r *Router) register(p *Pending) (*Pending, error) {
	p.slot = make(chan delivery, 1)
	p.Registered = time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.broken != nil {
		return nil, r.broken
	}
	if _, exists := r.pending[p.RequestID]; exists {
		return nil, fmt.Errorf("%w: request_id=%d", ErrDuplicateRequest, p.RequestID)
	}
	r.pending[p.RequestID] = p
	return p, nil
}

// Cancel removes p if it is still pending. It reports whether it was removed.
func (r *Router) Cancel(p *Pending) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.pending[p.RequestID]; ok && cur == p {
		delete(r.pending, p.RequestID)
		return true
	}
	return false
}

// Await blocks until p is delivered, the timeout elapses, or ctx is done.
// A timeout of zero waits without a bound. On timeout the entry is removed,
// so a late response is dropped by Dispatch.
func (r *Router) Await(ctx context.Context, p *Pending, timeout time.Duration) (protocol.Message, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case d := <-p.slot:
		return d.msg, d.err
	case <-expired:
		if r.Cancel(p) {
			log.Warn().
				Int64("request_id", p.RequestID).
				Dur("timeout", timeout).
				Msg("router.Router.Await timed out")
			return nil, fmt.Errorf("%w: request_id=%d after %s", ErrRequestTimedOut, p.RequestID, timeout)
		}
	case <-ctx.Done():
		if r.Cancel(p) {
			return nil, ctx.Err()
		}
	}
	// Delivery won the race with the timeout; the slot is already filled.
	d := <-p.slot
	return d.msg, d.err
}

func (r *Router) take(requestID int64) (*Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[requestID]
	if ok {
		delete(r.pending, requestID)
	}
	return p, ok
}

// Dispatch routes one inbound message. It runs on the transport read loop.
func (r *Router) Dispatch(msg protocol.Message) {
	switch msg.Code().Kind() {
	case protocol.KindResponse:
		r.deliverResponse(msg)
	case protocol.KindCallback:
		r.serveCallback(msg)
	case protocol.KindNotification:
		if l, ok := msg.(*protocol.Log); ok {
			r.logs.Add(1)
			r.opts.Logs.Log(l)
			return
		}
		r.violate(fmt.Errorf("%w: %s is not a log message", ErrProtocolViolation, msg.Code()))
	default:
		r.violate(fmt.Errorf("%w: unexpected inbound %s (%s)", ErrProtocolViolation, msg.Code(), msg.Code().Kind()))
	}
}

func (r *Router) deliverResponse(msg protocol.Message) {
	c, ok := msg.(protocol.Correlated)
	if !ok {
		r.violate(fmt.Errorf("%w: %s has no request id", ErrProtocolViolation, msg.Code()))
		return
	}
	p, ok := r.take(c.GetRequestID())
	if !ok {
		r.dropped.Add(1)
		log.Debug().
			Int64("request_id", c.GetRequestID()).
			Str("code", msg.Code().String()).
			Msg("router.Router.Dispatch drop response with no pending request")
		return
	}
	if s, ok := msg.(protocol.Scoped); ok && p.Scoped && s.GetEvaluatorID() != p.EvaluatorID {
		err := fmt.Errorf("%w: request_id=%d answered for evaluator_id=%d, expected %d",
			ErrProtocolViolation, p.RequestID, s.GetEvaluatorID(), p.EvaluatorID)
		r.violate(err)
		p.slot <- delivery{err: err}
		return
	}
	r.delivered.Add(1)
	p.slot <- delivery{msg: msg}
}

func (r *Router) serveCallback(msg protocol.Message) {
	if r.opts.Callbacks == nil || r.opts.Sender == nil {
		r.violate(fmt.Errorf("%w: %s", ErrNoCallbackHandler, msg.Code()))
		return
	}
	r.callbacks.Add(1)
	resp := r.opts.Callbacks.HandleCallback(msg)
	if resp == nil {
		r.violate(fmt.Errorf("%w: %s callback dropped", ErrProtocolViolation, msg.Code()))
		return
	}
	// Sent inline so callback responses leave in the order the engine asked.
	if err := r.opts.Sender.Send(resp); err != nil {
		log.Error().Err(err).Str("code", resp.Code().String()).Msg("router.Router.Dispatch callback send failed")
	}
}

// Reject fails the exchange a malformed message belongs to, if any.
func (r *Router) Reject(se *protocol.SchemaError) {
	err := fmt.Errorf("%w: %v", ErrProtocolViolation, se)
	r.violate(err)
	if !se.HasRequestID || se.Code.Kind() != protocol.KindResponse {
		return
	}
	if p, ok := r.take(se.RequestID); ok {
		p.slot <- delivery{err: err}
	}
}

// Fail delivers err to every pending request and refuses new ones.
func (r *Router) Fail(err error) {
	r.mu.Lock()
	if r.broken == nil {
		r.broken = err
	}
	pending := r.pending
	r.pending = make(map[int64]*Pending)
	r.mu.Unlock()

	for _, p := range pending {
		p.slot <- delivery{err: err}
	}
	if len(pending) > 0 {
		log.Debug().Err(err).Int("pending", len(pending)).Msg("router.Router.Fail")
	}
}

// FailEvaluator delivers err to every pending request scoped to evaluatorID.
func (r *Router) FailEvaluator(evaluatorID int64, err error) int {
	r.mu.Lock()
	var failed []*Pending
	for id, p := range r.pending {
		if p.Scoped && p.EvaluatorID == evaluatorID {
			failed = append(failed, p)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()
	for _, p := range failed {
		p.slot <- delivery{err: err}
	}
	return len(failed)
}

func (r *Router) violate(err error) {
	r.violation.Add(1)
	log.Error().Err(err).Msg("router.Router protocol violation")
	if r.opts.OnViolation != nil {
		r.opts.OnViolation(err)
	}
}

func (r *Router) Stats() Stats {
	r.mu.Lock()
	n := len(r.pending)
	r.mu.Unlock()
	return Stats{
		Pending:    n,
		Delivered:  r.delivered.Load(),
		Dropped:    r.dropped.Load(),
		Callbacks:  r.callbacks.Load(),
		Logs:       r.logs.Load(),
		Violations: r.violation.Load(),
	}
}
