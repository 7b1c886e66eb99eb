// Package evaluator drives evaluator lifecycles against one engine session.
//
// A Manager owns the engine process, the transport and the router. Callers
// address evaluators by id through Manager methods; the Manager is the only
// writer of evaluator state.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/pklctl/internal/observability"
	"github.com/danmuck/pklctl/internal/process"
	"github.com/danmuck/pklctl/internal/protocol"
	"github.com/danmuck/pklctl/internal/protocol/frame"
	"github.com/danmuck/pklctl/internal/reader"
	"github.com/danmuck/pklctl/internal/router"
	"github.com/danmuck/pklctl/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls a session. The zero value is usable; WithDefaults fills in
// process and frame limits.
type Config struct {
	// RequestTimeout bounds every wait for a response. Zero disables it.
	RequestTimeout time.Duration
	Process        process.Config
	Limits         frame.Limits
	// LogSink receives engine log messages for open evaluators.
	LogSink router.LogSink
	// MaxConsecutiveTimeouts breaks the session after that many timeouts in
	// a row. Zero disables the policy.
	MaxConsecutiveTimeouts int
}

// DefaultConfig returns the settings used by the CLI when no config file is
// given.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 60 * time.Second,
		Process:        process.DefaultConfig(),
		Limits:         frame.DefaultLimits(),
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.RequestTimeout < 0 {
		c.RequestTimeout = 0
	}
	c.Process = c.Process.WithDefaults()
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = def.Limits
	}
	if c.MaxConsecutiveTimeouts < 0 {
		c.MaxConsecutiveTimeouts = 0
	}
	return c
}

// State is the lifecycle stage of one evaluator.
type State int

const (
	StateUninitialized State = iota
	StateCreated
	StateEvaluating
	StateIdle
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateEvaluating:
		return "evaluating"
	case StateIdle:
		return "idle"
	case StateClosed:
		return "closed"
	default:
		return "uninitialized"
	}
}

// Evaluator is the caller's handle on one engine-side evaluator.
type Evaluator struct {
	id   int64
	opts Options
}

func (e Evaluator) ID() int64 { return e.id }

// Options returns a copy of the options the evaluator was created with.
func (e Evaluator) Options() Options { return e.opts.clone() }

type evaluatorState struct {
	opts      Options
	modules   map[string]reader.ModuleReader
	resources map[string]reader.ResourceReader
	state     State
	inflight  int
	// gate orders Evaluate sends against CloseEvaluator so nothing is sent
	// for an evaluator after its close.
	gate sync.RWMutex
}

// Stats summarizes a session for diagnostics.
type Stats struct {
	Session    string
	Evaluators int
	Router     router.Stats
	Transport  transport.Stats
}

// Manager owns one engine session and every evaluator created on it. It is
// safe for concurrent use.
type Manager struct {
	cfg       Config
	session   string
	logger    zerolog.Logger
	proc      *process.Process
	transport *transport.Transport
	router    *router.Router

	mu         sync.RWMutex
	evaluators map[int64]*evaluatorState
	closed     bool

	nextRequestID atomic.Int64
	timeouts      atomic.Int32
	closeOnce     sync.Once
	closeErr      error
}

// New starts the engine process and a session over its stdio.
func New(ctx context.Context, cfg Config) (*Manager, error) {
	cfg = cfg.WithDefaults()
	proc, err := process.Start(ctx, cfg.Process)
	if err != nil {
		return nil, err
	}
	m := newManager(proc.Stdout(), proc.Stdin(), cfg)
	m.proc = proc
	m.logger.Info().
		Str("engine", proc.Path()).
		Int("pid", proc.Pid()).
		Str("version", proc.Version().String()).
		Msg("evaluator.Manager.New session ready")
	return m, nil
}

// NewWithStreams runs a session over already-connected streams. Closing the
// manager closes r and w when they implement io.Closer.
func NewWithStreams(r io.Reader, w io.Writer, cfg Config) *Manager {
	return newManager(r, w, cfg.WithDefaults())
}

func newManager(r io.Reader, w io.Writer, cfg Config) *Manager {
	session := uuid.NewString()
	m := &Manager{
		cfg:        cfg,
		session:    session,
		logger:     log.With().Str("session", session).Logger(),
		transport:  transport.New(r, w, cfg.Limits),
		evaluators: make(map[int64]*evaluatorState),
	}
	if m.cfg.LogSink == nil {
		m.cfg.LogSink = router.ZerologSink{Logger: m.logger}
	}
	m.router = router.New(router.Options{
		Sender:      m.transport,
		Callbacks:   m,
		Logs:        router.LogSinkFunc(m.forwardLog),
		OnViolation: m.onViolation,
	})
	m.nextRequestID.Store(time.Now().UnixNano())
	go func() {
		err := m.transport.Run(m.router)
		m.logger.Debug().Err(err).Msg("evaluator.Manager read loop exited")
	}()
	return m
}

// Session is the random id attached to every log line of this session.
func (m *Manager) Session() string { return m.session }

// Version reports the engine version found by the startup probe, or an empty
// string for stream sessions.
func (m *Manager) Version() string {
	if m.proc == nil {
		return ""
	}
	return m.proc.Version().String()
}

// Err returns the fatal session error, if any.
func (m *Manager) Err() error {
	return m.transport.Err()
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	open := 0
	for _, st := range m.evaluators {
		if st.state != StateClosed {
			open++
		}
	}
	m.mu.RUnlock()
	return Stats{
		Session:    m.session,
		Evaluators: open,
		Router:     m.router.Stats(),
		Transport:  m.transport.Stats(),
	}
}

// State reports the lifecycle state of an evaluator.
func (m *Manager) State(evaluatorID int64) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.evaluators[evaluatorID]
	if !ok {
		return StateUninitialized, fmt.Errorf("%w: evaluator_id=%d", ErrUnknownEvaluator, evaluatorID)
	}
	return st.state, nil
}

func (m *Manager) usable() error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrManagerClosed
	}
	return m.transport.Err()
}

func (m *Manager) requestID() int64 {
	return m.nextRequestID.Add(1)
}

func (m *Manager) await(ctx context.Context, p *router.Pending, code protocol.Code) (protocol.Message, error) {
	msg, err := m.router.Await(ctx, p, m.cfg.RequestTimeout)
	observability.RecordRequest(code.String(), outcome(msg, err), time.Since(p.Registered))
	if errors.Is(err, router.ErrRequestTimedOut) {
		n := m.timeouts.Add(1)
		if limit := m.cfg.MaxConsecutiveTimeouts; limit > 0 && int(n) >= limit {
			m.logger.Error().Int32("timeouts", n).Msg("evaluator.Manager breaking session after repeated timeouts")
			_ = m.transport.CloseWithError(fmt.Errorf("%w: %d", ErrTooManyTimeouts, n))
		}
		return nil, err
	}
	if err == nil {
		m.timeouts.Store(0)
	}
	return msg, err
}

func outcome(msg protocol.Message, err error) string {
	switch {
	case errors.Is(err, router.ErrRequestTimedOut):
		return observability.OutcomeTimeout
	case err != nil:
		return observability.OutcomeFailed
	}
	if f, ok := msg.(protocol.Failable); ok && f.GetError() != nil {
		return observability.OutcomeError
	}
	return observability.OutcomeOK
}

// NewEvaluator performs the CreateEvaluator handshake.
func (m *Manager) NewEvaluator(ctx context.Context, opts Options) (Evaluator, error) {
	if err := m.usable(); err != nil {
		return Evaluator{}, err
	}
	opts = opts.clone()
	reqID := m.requestID()
	p, err := m.router.Register(reqID)
	if err != nil {
		return Evaluator{}, err
	}
	if err := m.transport.Send(opts.createMessage(reqID)); err != nil {
		m.router.Cancel(p)
		return Evaluator{}, err
	}
	msg, err := m.await(ctx, p, protocol.CodeCreateEvaluator)
	if err != nil {
		return Evaluator{}, err
	}
	resp, ok := msg.(*protocol.CreateEvaluatorResponse)
	if !ok {
		return Evaluator{}, fmt.Errorf("%w: %s for CreateEvaluator", ErrUnexpectedResponse, msg.Code())
	}
	if resp.Error != nil {
		m.logger.Warn().Int64("request_id", reqID).Str("error", *resp.Error).Msg("evaluator.Manager.NewEvaluator rejected")
		return Evaluator{}, &CreationError{Message: *resp.Error}
	}
	if resp.EvaluatorID == nil {
		return Evaluator{}, &CreationError{Message: "engine returned no evaluator id"}
	}
	id := *resp.EvaluatorID

	st := &evaluatorState{
		opts:      opts,
		modules:   make(map[string]reader.ModuleReader, len(opts.ModuleReaders)),
		resources: make(map[string]reader.ResourceReader, len(opts.ResourceReaders)),
		state:     StateCreated,
	}
	for _, r := range opts.ModuleReaders {
		st.modules[r.Scheme()] = r
	}
	for _, r := range opts.ResourceReaders {
		st.resources[r.Scheme()] = r
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = m.transport.Send(&protocol.CloseEvaluator{EvaluatorID: id})
		return Evaluator{}, ErrManagerClosed
	}
	if prev, ok := m.evaluators[id]; ok && prev.state != StateClosed {
		m.logger.Warn().Int64("evaluator_id", id).Msg("evaluator.Manager.NewEvaluator engine reused a live evaluator id")
	}
	m.evaluators[id] = st
	m.mu.Unlock()
	observability.EvaluatorOpened()

	m.logger.Info().Int64("evaluator_id", id).Int64("request_id", reqID).Msg("evaluator.Manager.NewEvaluator created")
	return Evaluator{id: id, opts: opts}, nil
}

func (m *Manager) begin(evaluatorID int64) (*evaluatorState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.evaluators[evaluatorID]
	if !ok {
		return nil, fmt.Errorf("%w: evaluator_id=%d", ErrUnknownEvaluator, evaluatorID)
	}
	if st.state == StateClosed {
		return nil, fmt.Errorf("%w: evaluator_id=%d", ErrEvaluatorClosed, evaluatorID)
	}
	st.inflight++
	st.state = StateEvaluating
	return st, nil
}

func (m *Manager) end(st *evaluatorState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.inflight--
	if st.inflight == 0 && st.state == StateEvaluating {
		st.state = StateIdle
	}
}

// EvaluateRaw sends Evaluate and returns the raw result payload. Callbacks
// the engine issues meanwhile are served by the read loop.
func (m *Manager) EvaluateRaw(ctx context.Context, evaluatorID int64, src ModuleSource, expr *string) ([]byte, error) {
	if err := m.usable(); err != nil {
		return nil, err
	}
	st, err := m.begin(evaluatorID)
	if err != nil {
		return nil, err
	}
	defer m.end(st)

	reqID := m.requestID()
	p, err := m.sendEvaluate(st, &protocol.Evaluate{
		RequestID:   reqID,
		EvaluatorID: evaluatorID,
		ModuleURI:   src.URI,
		ModuleText:  src.Text,
		Expr:        expr,
	})
	if err != nil {
		return nil, err
	}

	msg, err := m.await(ctx, p, protocol.CodeEvaluate)
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*protocol.EvaluateResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %s for Evaluate", ErrUnexpectedResponse, msg.Code())
	}
	if resp.Error != nil {
		return nil, &EvaluationError{EvaluatorID: evaluatorID, Message: *resp.Error}
	}
	return resp.Result, nil
}

func (m *Manager) sendEvaluate(st *evaluatorState, msg *protocol.Evaluate) (*router.Pending, error) {
	st.gate.RLock()
	defer st.gate.RUnlock()

	m.mu.RLock()
	closed := st.state == StateClosed
	m.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("%w: evaluator_id=%d", ErrEvaluatorClosed, msg.EvaluatorID)
	}
	p, err := m.router.RegisterScoped(msg.RequestID, msg.EvaluatorID)
	if err != nil {
		return nil, err
	}
	if err := m.transport.Send(msg); err != nil {
		m.router.Cancel(p)
		return nil, err
	}
	return p, nil
}

// CloseEvaluator sends CloseEvaluator and marks the evaluator closed. Any
// evaluation still waiting on it fails with ErrEvaluatorClosed. Closing a
// closed evaluator returns ErrEvaluatorClosed and sends nothing.
func (m *Manager) CloseEvaluator(evaluatorID int64) error {
	m.mu.RLock()
	st, ok := m.evaluators[evaluatorID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: evaluator_id=%d", ErrUnknownEvaluator, evaluatorID)
	}

	st.gate.Lock()
	defer st.gate.Unlock()
	m.mu.Lock()
	if st.state == StateClosed {
		m.mu.Unlock()
		return fmt.Errorf("%w: evaluator_id=%d", ErrEvaluatorClosed, evaluatorID)
	}
	st.state = StateClosed
	m.mu.Unlock()
	observability.EvaluatorClosed()

	if n := m.router.FailEvaluator(evaluatorID, fmt.Errorf("%w: evaluator_id=%d", ErrEvaluatorClosed, evaluatorID)); n > 0 {
		m.logger.Debug().Int64("evaluator_id", evaluatorID).Int("pending", n).Msg("evaluator.Manager.CloseEvaluator failed pending requests")
	}
	m.logger.Info().Int64("evaluator_id", evaluatorID).Msg("evaluator.Manager.CloseEvaluator")
	return m.transport.Send(&protocol.CloseEvaluator{EvaluatorID: evaluatorID})
}

// Close closes every open evaluator, then the transport, then the engine
// process. It is safe to call more than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closeErr = m.close()
	})
	return m.closeErr
}

func (m *Manager) close() error {
	m.mu.Lock()
	m.closed = true
	var open []int64
	for id, st := range m.evaluators {
		if st.state != StateClosed {
			open = append(open, id)
		}
	}
	m.mu.Unlock()
	sort.Slice(open, func(i, j int) bool { return open[i] < open[j] })

	var errs []error
	for _, id := range open {
		err := m.CloseEvaluator(id)
		if err != nil && !errors.Is(err, ErrEvaluatorClosed) && !errors.Is(err, transport.ErrConnectionBroken) {
			errs = append(errs, err)
		}
	}
	m.router.Fail(ErrManagerClosed)
	if err := m.transport.Close(); err != nil {
		m.logger.Debug().Err(err).Msg("evaluator.Manager.Close stream close")
	}
	if m.proc != nil {
		if err := m.proc.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	m.logger.Info().Int("closed_evaluators", len(open)).Msg("evaluator.Manager.Close")
	return errors.Join(errs...)
}

func (m *Manager) forwardLog(msg *protocol.Log) {
	m.mu.RLock()
	st, ok := m.evaluators[msg.EvaluatorID]
	open := ok && st.state != StateClosed
	m.mu.RUnlock()
	if !open {
		m.logger.Debug().Int64("evaluator_id", msg.EvaluatorID).Msg("evaluator.Manager drop log for unknown or closed evaluator")
		return
	}
	m.cfg.LogSink.Log(msg)
}

func (m *Manager) onViolation(err error) {
	m.logger.Warn().Err(err).Msg("evaluator.Manager protocol violation")
}
