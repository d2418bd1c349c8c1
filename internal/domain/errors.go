package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies per-trigger failures. Each kind maps to a fixed
// retry/commit decision in the pipeline.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindAuth
	KindMalformedResponse
	KindProviderUnavailable
	KindPublish
	KindSchema
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindAuth:
		return "AuthError"
	case KindMalformedResponse:
		return "MalformedResponseError"
	case KindProviderUnavailable:
		return "ProviderUnavailableError"
	case KindPublish:
		return "PublishError"
	case KindSchema:
		return "SchemaError"
	default:
		return "UnknownError"
	}
}

// Transient reports whether a retry may succeed without operator action.
func (k ErrorKind) Transient() bool {
	return k == KindProviderUnavailable || k == KindPublish
}

// Error is a classified failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
