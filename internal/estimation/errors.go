package estimation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind classifies estimation errors.
type Kind int

const (
	// KindConfiguration marks invalid parameter or optimizer setup. It is
	// fatal before any evaluation occurs.
	KindConfiguration Kind = iota + 1
	// KindEvaluation marks a forward-model failure for one or more items
	// of a batch. It is locally recoverable by retrying with a smaller
	// perturbation.
	KindEvaluation
	// KindIllConditioned marks a rank-deficient sensitivity matrix.
	KindIllConditioned
	// KindLineSearchStagnation means no line-search candidate improved the
	// objective.
	KindLineSearchStagnation
	// KindConvergence means the iteration budget was exhausted without
	// meeting the tolerance.
	KindConvergence
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindEvaluation:
		return "evaluation_failure"
	case KindIllConditioned:
		return "ill_conditioned_jacobian"
	case KindLineSearchStagnation:
		return "line_search_stagnation"
	case KindConvergence:
		return "convergence_failure"
	default:
		return "unknown"
	}
}

// Error is an estimation error with enough context to decide whether it is
// recoverable and, for batch failures, which items were affected.
type Error struct {
	// Kind classifies the error.
	Kind Kind
	// Message describes what went wrong.
	Message string
	// Op is the operation that caused the error.
	Op string
	// Indices lists the failed batch indices for evaluation failures.
	Indices []int
	// Err is the underlying error, if any.
	Err error
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Indices) > 0 {
		b.WriteString(" (indices ")
		for i, idx := range e.Indices {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(strconv.Itoa(idx))
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WithOp adds operation context to the error.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithIndices records which batch indices failed.
func (e *Error) WithIndices(indices ...int) *Error {
	e.Indices = indices
	return e
}

// NewError creates a new estimation error of the given kind.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewErrorf creates a new estimation error with a formatted message.
func NewErrorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps an existing error, classifying it with the given kind.
// If err is nil, WrapError returns nil.
func WrapError(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// IsKind reports whether err (or any error in its chain) is an estimation
// error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
