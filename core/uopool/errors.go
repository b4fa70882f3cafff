package uopool

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Kind classifies why an operation was refused so callers can map it to a JSON-RPC code
type Kind int

const (
	KindMalformedOperation Kind = iota + 1
	KindReputationRejected
	KindSimulationReverted
	KindInsufficientFee
	KindInsufficientStake
	KindNonceConflict
	KindStorageFailure
	KindSimulationTimeout
)

func (k Kind) String() string {
	switch k {
	case KindMalformedOperation:
		return "malformed_operation"
	case KindReputationRejected:
		return "reputation_rejected"
	case KindSimulationReverted:
		return "simulation_reverted"
	case KindInsufficientFee:
		return "insufficient_fee"
	case KindInsufficientStake:
		return "insufficient_stake"
	case KindNonceConflict:
		return "nonce_conflict"
	case KindStorageFailure:
		return "storage_failure"
	case KindSimulationTimeout:
		return "simulation_timeout"
	default:
		return "unknown"
	}
}

// ERC-4337 JSON-RPC error codes
const (
	CodeInvalidParams      = -32602
	CodeRejectedByEPOrAcct = -32500
	CodeRejectedByPaymstr  = -32501
	CodeBannedOpcode       = -32502
	CodeShortDeadline      = -32503
	CodeBannedOrThrottled  = -32504
	CodeStakeTooLow        = -32505
	CodeInternal           = -32603
)

// Sentinels matched by errors.Is against any *Error of the same kind
var (
	ErrMalformed          = &Error{Kind: KindMalformedOperation}
	ErrReputation         = &Error{Kind: KindReputationRejected}
	ErrSimulationReverted = &Error{Kind: KindSimulationReverted}
	ErrInsufficientFee    = &Error{Kind: KindInsufficientFee}
	ErrInsufficientStake  = &Error{Kind: KindInsufficientStake}
	ErrNonceConflict      = &Error{Kind: KindNonceConflict}
	ErrStorageFailure     = &Error{Kind: KindStorageFailure}
	ErrSimulationTimeout  = &Error{Kind: KindSimulationTimeout}
)

// Error is the typed failure returned to pool callers
type Error struct {
	Kind   Kind
	Reason string
	// Entity is the address the failure is attributed to, zero when not entity specific
	Entity common.Address
	// Status is set for reputation rejections
	Status Status
	// code overrides the JSON-RPC code derived from Kind
	code int
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Code is the ERC-4337 JSON-RPC error code for the failure
func (e *Error) Code() int {
	if e.code != 0 {
		return e.code
	}

	switch e.Kind {
	case KindMalformedOperation, KindInsufficientFee, KindNonceConflict:
		return CodeInvalidParams
	case KindReputationRejected:
		return CodeBannedOrThrottled
	case KindSimulationReverted, KindSimulationTimeout:
		return CodeRejectedByEPOrAcct
	case KindInsufficientStake:
		return CodeStakeTooLow
	default:
		return CodeInternal
	}
}

func malformed(format string, args ...any) *Error {
	return &Error{Kind: KindMalformedOperation, Reason: fmt.Sprintf(format, args...)}
}

func reverted(code int, reason string) *Error {
	return &Error{Kind: KindSimulationReverted, Reason: reason, code: code}
}

func storageFailure(err error) *Error {
	return &Error{Kind: KindStorageFailure, Reason: "cannot write to storage", Err: err}
}

// ErrorCode returns the JSON-RPC code for err, CodeInternal when it is not a pool error
func ErrorCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code()
	}
	return CodeInternal
}
