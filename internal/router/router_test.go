package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/pklctl/internal/protocol"
	"github.com/danmuck/pklctl/internal/testutil/testlog"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []protocol.Message
}

func (s *recordingSender) Send(msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) messages() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.sent...)
}

type listHandler struct{}

func (listHandler) HandleCallback(msg protocol.Message) protocol.Message {
	m := msg.(*protocol.ListModules)
	return &protocol.ListModulesResponse{
		RequestID:    m.RequestID,
		EvaluatorID:  m.EvaluatorID,
		PathElements: []protocol.PathElement{{Name: m.URI}},
	}
}

func strPtr(s string) *string { return &s }

func TestDeliverToPendingRequest(t *testing.T) {
	testlog.Start(t)
	r := New(Options{})
	p, err := r.RegisterScoped(10, -135901)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	go r.Dispatch(&protocol.EvaluateResponse{RequestID: 10, EvaluatorID: -135901, Result: []byte{0xc0}})
	msg, err := r.Await(context.Background(), p, time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if resp, ok := msg.(*protocol.EvaluateResponse); !ok || resp.RequestID != 10 {
		t.Fatalf("unexpected delivery: %#v", msg)
	}
	if st := r.Stats(); st.Pending != 0 || st.Delivered != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestRegisterRejectsDuplicateRequestID(t *testing.T) {
	testlog.Start(t)
	r := New(Options{})
	if _, err := r.Register(7); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register(7); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
}

func TestAwaitTimeoutDropsLateFrame(t *testing.T) {
	testlog.Start(t)
	r := New(Options{})
	p, err := r.Register(99)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err = r.Await(context.Background(), p, 20*time.Millisecond)
	if !errors.Is(err, ErrRequestTimedOut) {
		t.Fatalf("expected ErrRequestTimedOut, got %v", err)
	}

	r.Dispatch(&protocol.CreateEvaluatorResponse{RequestID: 99, Error: strPtr("late")})
	st := r.Stats()
	if st.Dropped != 1 || st.Delivered != 0 || st.Pending != 0 {
		t.Fatalf("unexpected stats after late frame: %+v", st)
	}
	select {
	case d := <-p.slot:
		t.Fatalf("late frame delivered: %#v", d)
	default:
	}
}

func TestAwaitContextCancel(t *testing.T) {
	testlog.Start(t)
	r := New(Options{})
	p, _ := r.Register(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Await(ctx, p, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if r.Stats().Pending != 0 {
		t.Fatalf("pending entry not removed")
	}
}

func TestCallbackResponsesKeepEngineOrder(t *testing.T) {
	testlog.Start(t)
	sender := &recordingSender{}
	r := New(Options{Sender: sender, Callbacks: listHandler{}})
	r.Dispatch(&protocol.ListModules{RequestID: 1, EvaluatorID: 5, URI: "first:/"})
	r.Dispatch(&protocol.ListModules{RequestID: 2, EvaluatorID: 5, URI: "second:/"})

	sent := sender.messages()
	if len(sent) != 2 {
		t.Fatalf("expected 2 callback responses, got %d", len(sent))
	}
	for i, want := range []string{"first:/", "second:/"} {
		resp := sent[i].(*protocol.ListModulesResponse)
		if resp.RequestID != int64(i+1) || resp.PathElements[0].Name != want {
			t.Fatalf("response %d out of order: %+v", i, resp)
		}
	}
	if r.Stats().Callbacks != 2 {
		t.Fatalf("unexpected stats: %+v", r.Stats())
	}
}

func TestLogForwardedToSink(t *testing.T) {
	testlog.Start(t)
	var got []*protocol.Log
	r := New(Options{Logs: LogSinkFunc(func(m *protocol.Log) { got = append(got, m) })})
	r.Dispatch(&protocol.Log{EvaluatorID: 1, Level: protocol.LogLevelWarn, Message: "careful"})
	if len(got) != 1 || got[0].Message != "careful" {
		t.Fatalf("log not forwarded: %+v", got)
	}
	if r.Stats().Delivered != 0 {
		t.Fatalf("log must never count as a delivery")
	}
}

func TestUnexpectedInboundIsViolation(t *testing.T) {
	testlog.Start(t)
	var violations []error
	r := New(Options{OnViolation: func(err error) { violations = append(violations, err) }})
	r.Dispatch(&protocol.Evaluate{RequestID: 1, EvaluatorID: 1, ModuleURI: "repl:text"})
	r.Dispatch(&protocol.ListModules{RequestID: 2, EvaluatorID: 1, URI: "x:/"})
	if len(violations) != 2 {
		t.Fatalf("expected 2 violations, got %d", len(violations))
	}
	if !errors.Is(violations[0], ErrProtocolViolation) || !errors.Is(violations[1], ErrNoCallbackHandler) {
		t.Fatalf("unexpected violations: %v", violations)
	}
}

func TestEvaluatorMismatchFailsExchange(t *testing.T) {
	testlog.Start(t)
	r := New(Options{})
	p, _ := r.RegisterScoped(3, 100)
	r.Dispatch(&protocol.EvaluateResponse{RequestID: 3, EvaluatorID: 200, Result: []byte{0xc0}})
	if _, err := r.Await(context.Background(), p, time.Second); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestRejectFailsMatchingRequest(t *testing.T) {
	testlog.Start(t)
	r := New(Options{})
	p, _ := r.Register(4)
	r.Reject(&protocol.SchemaError{
		Code:         protocol.CodeCreateEvaluatorResponse,
		RequestID:    4,
		HasRequestID: true,
		Err:          errors.New("type mismatch"),
	})
	if _, err := r.Await(context.Background(), p, time.Second); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestFailFansOutAndBlocksRegister(t *testing.T) {
	testlog.Start(t)
	r := New(Options{})
	broken := errors.New("stream gone")
	var ps []*Pending
	for i := int64(1); i <= 3; i++ {
		p, err := r.Register(i)
		if err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
		ps = append(ps, p)
	}
	r.Fail(broken)
	for _, p := range ps {
		if _, err := r.Await(context.Background(), p, time.Second); !errors.Is(err, broken) {
			t.Fatalf("request %d: expected broken, got %v", p.RequestID, err)
		}
	}
	if _, err := r.Register(4); !errors.Is(err, broken) {
		t.Fatalf("expected register to fail after Fail, got %v", err)
	}
}

func TestFailEvaluatorOnlyTouchesItsRequests(t *testing.T) {
	testlog.Start(t)
	r := New(Options{})
	a, _ := r.RegisterScoped(1, 10)
	b, _ := r.RegisterScoped(2, 20)
	closed := errors.New("closed")
	if n := r.FailEvaluator(10, closed); n != 1 {
		t.Fatalf("expected 1 failed request, got %d", n)
	}
	if _, err := r.Await(context.Background(), a, time.Second); !errors.Is(err, closed) {
		t.Fatalf("expected closed, got %v", err)
	}
	if !r.Cancel(b) {
		t.Fatalf("request for other evaluator should still be pending")
	}
}
