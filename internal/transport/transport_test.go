package transport

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/pklctl/internal/protocol"
	"github.com/danmuck/pklctl/internal/protocol/frame"
	"github.com/danmuck/pklctl/internal/testutil/testlog"
)

type recorder struct {
	mu       sync.Mutex
	msgs     []protocol.Message
	rejected []*protocol.SchemaError
	failed   error
	done     chan struct{}
}

func newRecorder() *recorder { return &recorder{done: make(chan struct{})} }

func (r *recorder) Dispatch(msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) Reject(err *protocol.SchemaError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, err)
}

func (r *recorder) Fail(err error) {
	r.mu.Lock()
	r.failed = err
	r.mu.Unlock()
	close(r.done)
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("read loop did not terminate")
	}
}

func encode(t *testing.T, msgs ...protocol.Message) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, m := range msgs {
		if err := protocol.Write(&buf, m, frame.DefaultLimits()); err != nil {
			t.Fatalf("encode %s: %v", m.Code(), err)
		}
	}
	return buf.Bytes()
}

func TestRunDispatchesInOrderThenBreaksOnEOF(t *testing.T) {
	testlog.Start(t)
	in := encode(t,
		&protocol.Log{EvaluatorID: 1, Level: 0, Message: "a"},
		&protocol.ListModules{RequestID: 2, EvaluatorID: 1, URI: "x:/"},
		&protocol.EvaluateResponse{RequestID: 3, EvaluatorID: 1, Result: []byte{0x90}},
	)
	tr := New(bytes.NewReader(in), io.Discard, frame.DefaultLimits())
	rec := newRecorder()
	err := tr.Run(rec)
	if !errors.Is(err, ErrConnectionBroken) || !errors.Is(rec.failed, ErrConnectionBroken) {
		t.Fatalf("expected ErrConnectionBroken, got run=%v fail=%v", err, rec.failed)
	}
	if len(rec.msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(rec.msgs))
	}
	wantCodes := []protocol.Code{protocol.CodeLog, protocol.CodeListModules, protocol.CodeEvaluateResponse}
	for i, c := range wantCodes {
		if rec.msgs[i].Code() != c {
			t.Fatalf("message %d: got %s want %s", i, rec.msgs[i].Code(), c)
		}
	}
	if err := tr.Send(&protocol.CloseEvaluator{EvaluatorID: 1}); !errors.Is(err, ErrConnectionBroken) {
		t.Fatalf("send after break: %v", err)
	}
}

func TestRunRejectsSchemaMismatchAndContinues(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := frame.WriteFrame(&buf, uint8(protocol.CodeEvaluateResponse), map[string]any{
		"requestId":   5,
		"evaluatorId": "wrong",
		"result":      []byte{0x90},
	}, frame.DefaultLimits()); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf.Write(encode(t, &protocol.Log{EvaluatorID: 1, Message: "still alive"}))

	rec := newRecorder()
	_ = New(&buf, io.Discard, frame.DefaultLimits()).Run(rec)
	if len(rec.rejected) != 1 || rec.rejected[0].RequestID != 5 {
		t.Fatalf("expected one rejection for request 5, got %+v", rec.rejected)
	}
	if len(rec.msgs) != 1 {
		t.Fatalf("expected the stream to continue after rejection")
	}
}

func TestRunUnknownCodeIsFatal(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	_ = frame.WriteFrame(&buf, 0x7e, map[string]any{"requestId": 1}, frame.DefaultLimits())
	buf.Write(encode(t, &protocol.Log{EvaluatorID: 1, Message: "never seen"}))

	rec := newRecorder()
	err := New(&buf, io.Discard, frame.DefaultLimits()).Run(rec)
	if !errors.Is(err, ErrConnectionBroken) {
		t.Fatalf("expected ErrConnectionBroken, got %v", err)
	}
	if len(rec.msgs) != 0 {
		t.Fatalf("no message may be decoded after an unknown code")
	}
}

type slowWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	active int
	maxAct int
}

func (w *slowWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.active++
	if w.active > w.maxAct {
		w.maxAct = w.active
	}
	w.mu.Unlock()
	time.Sleep(time.Millisecond)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active--
	return w.buf.Write(p)
}

func TestSendIsSerialized(t *testing.T) {
	testlog.Start(t)
	w := &slowWriter{}
	tr := New(bytes.NewReader(nil), w, frame.DefaultLimits())
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := tr.Send(&protocol.CloseEvaluator{EvaluatorID: int64(i)}); err != nil {
				t.Errorf("send %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if w.maxAct != 1 {
		t.Fatalf("concurrent writes observed: %d", w.maxAct)
	}

	r := frame.NewReader(&w.buf, frame.DefaultLimits())
	for i := 0; i < 16; i++ {
		f, err := r.ReadFrame()
		if err != nil || protocol.Code(f.Code) != protocol.CodeCloseEvaluator {
			t.Fatalf("frame %d corrupted: %v", i, err)
		}
	}
	if tr.Stats().Sent != 16 {
		t.Fatalf("unexpected stats: %+v", tr.Stats())
	}
}

func TestCloseStopsReadLoop(t *testing.T) {
	testlog.Start(t)
	pr, pw := io.Pipe()
	tr := New(pr, pw, frame.DefaultLimits())
	rec := newRecorder()
	go func() { _ = tr.Run(rec) }()
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	rec.wait(t)
	if !errors.Is(rec.failed, ErrClosed) {
		t.Fatalf("expected ErrClosed cause, got %v", rec.failed)
	}
	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatalf("done not closed")
	}
}
