package amqp

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/tabish121/proton-go/internal/frames"
)

// ErrorKind discriminates the small error taxonomy this package
// defines. Tests assert on Kind rather than string-matching messages.
type ErrorKind int

const (
	ErrKindUnspecified ErrorKind = iota
	ErrKindClosed
	ErrKindIllegalState
	ErrKindOperationTimedOut
	ErrKindSendTimedOut
	ErrKindConnectionRemotelyClosed
	ErrKindSessionRemotelyClosed
	ErrKindLinkRemotelyClosed
	ErrKindResourceRemotelyClosed
	ErrKindDeliveryModified
	ErrKindTransactionDeclarationFailed
	ErrKindTransactionNotActive
	ErrKindTransactionRolledBack
	ErrKindUnsupportedOperation
	ErrKindUnsupportedPartialTransfer
	ErrKindIO
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindClosed:
		return "closed"
	case ErrKindIllegalState:
		return "illegal_state"
	case ErrKindOperationTimedOut:
		return "operation_timed_out"
	case ErrKindSendTimedOut:
		return "send_timed_out"
	case ErrKindConnectionRemotelyClosed:
		return "connection_remotely_closed"
	case ErrKindSessionRemotelyClosed:
		return "session_remotely_closed"
	case ErrKindLinkRemotelyClosed:
		return "link_remotely_closed"
	case ErrKindResourceRemotelyClosed:
		return "resource_remotely_closed"
	case ErrKindDeliveryModified:
		return "delivery_modified"
	case ErrKindTransactionDeclarationFailed:
		return "transaction_declaration_failed"
	case ErrKindTransactionNotActive:
		return "transaction_not_active"
	case ErrKindTransactionRolledBack:
		return "transaction_rolled_back"
	case ErrKindUnsupportedOperation:
		return "unsupported_operation"
	case ErrKindUnsupportedPartialTransfer:
		return "unsupported_partial_transfer"
	case ErrKindIO:
		return "io"
	default:
		return "unspecified"
	}
}

// Error is the single discriminated error type every operation in this
// module returns for protocol-level and lifecycle failures. It wraps the
// remote AMQP condition (if any) and an optional underlying cause.
type Error struct {
	Kind      ErrorKind
	Remote    *frames.Error
	Failed    bool // set on StateModified's delivery-failed flag
	Undeliverable bool
	cause     error
}

func newError(kind ErrorKind) *Error {
	return &Error{Kind: kind}
}

func newRemoteError(kind ErrorKind, remote *frames.Error) *Error {
	return &Error{Kind: kind, Remote: remote}
}

func wrapError(kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, cause: errors.WithStack(cause)}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Kind.String()
	if e.Remote != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Remote.Error())
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.cause.Error())
	}
	return msg
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, &amqp.Error{Kind: amqp.ErrKindSendTimedOut}).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

var (
	// ErrClosed is a sentinel matching any *Error with Kind ErrKindClosed.
	ErrClosed = &Error{Kind: ErrKindClosed}
	// ErrTransactionNotActive is a sentinel for commit/rollback without a
	// live transaction.
	ErrTransactionNotActive = &Error{Kind: ErrKindTransactionNotActive}
	// ErrIllegalState is a sentinel for e.g. begin while a transaction is
	// already active.
	ErrIllegalState = &Error{Kind: ErrKindIllegalState}
)
