package service

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrorKind classifies a failed operation for the transport layer.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindBadRequest
	KindForbidden
	KindNotFound
	KindConflict
)

func (k ErrorKind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInternal:
		return "internal"
	}
	return "internal"
}

// Error is the error type returned by every coordinator and aggregator
// operation.
type Error struct {
	Kind      ErrorKind
	Op        string
	SessionID uuid.UUID
	Err       error
}

func (e *Error) Error() string {
	if e.SessionID != uuid.Nil {
		return fmt.Sprintf("%s [session %s]: %v", e.Op, e.SessionID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// Reasons surfaced to callers as error causes.
var (
	ErrExamNotFound      = errors.New("exam not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrWrongTenant       = errors.New("session belongs to another organization")
	ErrInvalidStatus     = errors.New("invalid session status")
	ErrInvalidSeverity   = errors.New("invalid severity")
	ErrUnknownQuestion   = errors.New("question is not part of this session")
	ErrTransition        = errors.New("transition not allowed")
	ErrSessionTerminal   = errors.New("session already ended")
	ErrPreempted         = errors.New("operation preempted by termination")
	ErrRegistryClosed    = errors.New("session registry closed")
	ErrSessionSuperseded = errors.New("session opened on another connection")
)

func badRequest(op string, id uuid.UUID, err error) *Error {
	return &Error{Kind: KindBadRequest, Op: op, SessionID: id, Err: err}
}

func forbidden(op string, id uuid.UUID, err error) *Error {
	return &Error{Kind: KindForbidden, Op: op, SessionID: id, Err: err}
}

func notFound(op string, id uuid.UUID, err error) *Error {
	return &Error{Kind: KindNotFound, Op: op, SessionID: id, Err: err}
}

func conflict(op string, id uuid.UUID, err error) *Error {
	return &Error{Kind: KindConflict, Op: op, SessionID: id, Err: err}
}

func internal(op string, id uuid.UUID, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, SessionID: id, Err: err}
}
