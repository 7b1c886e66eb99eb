package protocol

import (
	"fmt"

	"github.com/danmuck/pklctl/internal/protocol/frame"
	"github.com/danmuck/pklctl/internal/protocol/schema"
	"github.com/vmihailenco/msgpack/v5"
)

// Decode turns a frame into its typed message.
//
// An unknown code or an unreadable payload map returns an error that is not a
// *SchemaError; callers must treat those as fatal to the stream. A payload that
// violates the schema for its code returns a *SchemaError.
//
// When a response carries a non-null error field, every field other than
// requestId, evaluatorId and error is ignored.
func Decode(f frame.Frame) (Message, error) {
	code := Code(f.Code)
	msg, ok := newMessage(code)
	if !ok {
		return nil, fmt.Errorf("%w: %#02x", ErrUnknownCode, f.Code)
	}
	fields, err := f.Fields()
	if err != nil {
		return nil, err
	}

	if err := schema.Validate(f.Code, fields); err != nil {
		return nil, schemaError(code, fields, err)
	}

	payload := f.Payload
	if errRaw, ok := fields[schema.FieldError]; ok && !frame.IsNull(errRaw) {
		if k := code.Kind(); k == KindResponse || k == KindCallbackResponse {
			payload, err = errorOnly(fields)
			if err != nil {
				return nil, schemaError(code, fields, err)
			}
		}
	}
	if err := msgpack.Unmarshal(payload, msg); err != nil {
		return nil, schemaError(code, fields, err)
	}
	return msg, nil
}

func errorOnly(fields map[string]msgpack.RawMessage) ([]byte, error) {
	keep := make(map[string]msgpack.RawMessage, 3)
	for _, name := range []string{schema.FieldRequestID, schema.FieldEvaluatorID, schema.FieldError} {
		if raw, ok := fields[name]; ok {
			keep[name] = raw
		}
	}
	return msgpack.Marshal(keep)
}

func schemaError(code Code, fields map[string]msgpack.RawMessage, err error) *SchemaError {
	se := &SchemaError{Code: code, Err: err}
	if raw, ok := fields[schema.FieldRequestID]; ok && !frame.IsNull(raw) {
		var id int64
		if msgpack.Unmarshal(raw, &id) == nil {
			se.RequestID = id
			se.HasRequestID = true
		}
	}
	return se
}
