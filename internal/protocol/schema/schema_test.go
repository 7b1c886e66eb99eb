package schema

import (
	"testing"

	"github.com/danmuck/pklctl/internal/testutil/testlog"
	"github.com/vmihailenco/msgpack/v5"
)

func raw(t *testing.T, v any) msgpack.RawMessage {
	t.Helper()
	b, err := msgpack.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %v: %v", v, err)
	}
	return b
}

func TestValidateEvaluateRequiredFields(t *testing.T) {
	testlog.Start(t)
	fields := map[string]msgpack.RawMessage{
		FieldRequestID:   raw(t, int64(7)),
		FieldEvaluatorID: raw(t, int64(-135901)),
		FieldModuleURI:   raw(t, "repl:text"),
		FieldModuleText:  raw(t, "foo = 1"),
	}
	if err := Validate(MsgEvaluate, fields); err != nil {
		t.Fatalf("validate evaluate: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := map[string]msgpack.RawMessage{
		FieldRequestID:   raw(t, 1),
		FieldEvaluatorID: raw(t, 2),
		FieldURI:         raw(t, "modulepath:/foo.pkl"),
		"somethingNew":   raw(t, []byte{0x01}),
	}
	if err := Validate(MsgReadModule, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := map[string]msgpack.RawMessage{FieldRequestID: raw(t, 1)}
	err := Validate(MsgListModules, fields)
	if err == nil {
		t.Fatalf("expected error")
	}
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.Field != FieldEvaluatorID || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := map[string]msgpack.RawMessage{
		FieldEvaluatorID: raw(t, 1),
		FieldLevel:       raw(t, "warn"),
		FieldMessage:     raw(t, "hello"),
	}
	err := Validate(MsgLog, fields)
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T (%v)", err, err)
	}
	if ve.Field != FieldLevel || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateRequiredNullRejected(t *testing.T) {
	testlog.Start(t)
	fields := map[string]msgpack.RawMessage{
		FieldRequestID:   raw(t, nil),
		FieldEvaluatorID: raw(t, 1),
	}
	err := Validate(MsgEvaluateResponse, fields)
	ve, ok := err.(ValidationError)
	if !ok || ve.Field != FieldRequestID {
		t.Fatalf("expected null requestId rejection, got %v", err)
	}
}

func TestValidateEitherResultOrError(t *testing.T) {
	testlog.Start(t)
	base := map[string]msgpack.RawMessage{
		FieldRequestID:   raw(t, 1),
		FieldEvaluatorID: raw(t, 2),
	}
	if err := Validate(MsgEvaluateResponse, base); err == nil {
		t.Fatalf("expected either-of rejection")
	}

	base[FieldError] = raw(t, nil)
	if err := Validate(MsgEvaluateResponse, base); err == nil {
		t.Fatalf("null error must not satisfy either-of")
	}

	base[FieldError] = raw(t, "boom")
	if err := Validate(MsgEvaluateResponse, base); err != nil {
		t.Fatalf("error-only response: %v", err)
	}

	delete(base, FieldError)
	base[FieldResult] = raw(t, []byte{0x90})
	if err := Validate(MsgEvaluateResponse, base); err != nil {
		t.Fatalf("result-only response: %v", err)
	}
}

func TestValidateCreateEvaluatorResponseErrorOnly(t *testing.T) {
	testlog.Start(t)
	fields := map[string]msgpack.RawMessage{
		FieldRequestID: raw(t, 135),
		FieldError:     raw(t, "Could not find module"),
	}
	if err := Validate(MsgCreateEvaluatorResponse, fields); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateUnknownCode(t *testing.T) {
	testlog.Start(t)
	if err := Validate(0x7f, nil); err == nil {
		t.Fatalf("expected unknown code rejection")
	}
	if got := Name(0x7f); got != "Unknown(0x7f)" {
		t.Fatalf("unexpected name: %q", got)
	}
	if got := Name(MsgListModulesResponse); got != "ListModulesResponse" {
		t.Fatalf("unexpected name: %q", got)
	}
}
