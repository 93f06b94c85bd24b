package payment

import (
	"errors"
	"fmt"
)

// Kind classifies a payment failure so callers can map it to a response.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindGateway
	KindSignatureVerification
	KindNotFound
	KindStorage
	KindConflict
)

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindGateway:
		return "gateway"
	case KindSignatureVerification:
		return "signature_verification"
	case KindNotFound:
		return "not_found"
	case KindStorage:
		return "storage"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Sentinel errors returned by stores and wrapped in *Error by the services.
var (
	// ErrUserNotFound is returned when the referenced user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrPaymentNotFound is returned when no payment matches the session ID.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrDuplicateSessionID is returned, as a KindConflict *Error, when a
	// session ID is already recorded.
	ErrDuplicateSessionID = errors.New("duplicate external session id")

	// ErrAlreadyCompleted is returned, as a KindConflict *Error, when the
	// conditional transition finds the payment no longer pending.
	ErrAlreadyCompleted = errors.New("payment already completed")

	// ErrMissingSignature is returned when the webhook carries no signature header.
	ErrMissingSignature = errors.New("missing signature header")
)

// Error is a classified payment failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Store operations reported in *Error.Op.
const (
	opCreatePending     = "create pending payment"
	opCompleteAndCredit = "complete and credit"
)

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
