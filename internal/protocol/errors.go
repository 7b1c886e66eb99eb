package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownCode    = errors.New("protocol: unknown message code")
	ErrSchemaMismatch = errors.New("protocol: schema mismatch")
)

// SchemaError reports a well-framed message whose payload does not match the
// schema for its code. The stream stays synchronized, so only the exchange
// identified by RequestID fails.
type SchemaError struct {
	Code         Code
	RequestID    int64
	HasRequestID bool
	Err          error
}

func (e *SchemaError) Error() string {
	if e.HasRequestID {
		return fmt.Sprintf("protocol: %s request_id=%d: %v", e.Code, e.RequestID, e.Err)
	}
	return fmt.Sprintf("protocol: %s: %v", e.Code, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

func (e *SchemaError) Is(target error) bool { return target == ErrSchemaMismatch }
