package evaluator

import (
	"errors"
	"fmt"
)

var (
	ErrEvaluatorCreationFailed = errors.New("evaluator: creation failed")
	ErrEvaluationFailed        = errors.New("evaluator: evaluation failed")
	ErrEvaluatorClosed         = errors.New("evaluator: closed")
	ErrUnknownEvaluator        = errors.New("evaluator: unknown evaluator")
	ErrManagerClosed           = errors.New("evaluator: manager closed")
	ErrUnexpectedResponse      = errors.New("evaluator: unexpected response type")
	ErrTooManyTimeouts         = errors.New("evaluator: too many consecutive timeouts")
)

// CreationError carries the engine's message for a rejected CreateEvaluator.
type CreationError struct {
	Message string
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("evaluator: creation failed: %s", e.Message)
}

func (e *CreationError) Is(target error) bool { return target == ErrEvaluatorCreationFailed }

// EvaluationError carries the engine's message for a failed Evaluate. The
// evaluator stays usable.
type EvaluationError struct {
	EvaluatorID int64
	Message     string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluator: evaluation failed evaluator_id=%d: %s", e.EvaluatorID, e.Message)
}

func (e *EvaluationError) Is(target error) bool { return target == ErrEvaluationFailed }
