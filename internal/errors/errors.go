// Package errors defines the closed error taxonomy the value-movement
// core uses to decide retryability and terminality. The store returns
// plain errors; the chain adapter and everything above the store wrap
// errors into a Kind before deciding what to do next.
package errors

import "fmt"

// Kind is a coarse error classification, not a Go type. Callers switch
// on Kind, never on the wrapped cause.
type Kind string

const (
	KindValidation                     Kind = "VALIDATION"
	KindInsufficientAvailable          Kind = "INSUFFICIENT_AVAILABLE"
	KindInsufficientFrozen             Kind = "INSUFFICIENT_FROZEN"
	KindInsufficientHotWalletLiquidity Kind = "INSUFFICIENT_HOT_WALLET_LIQUIDITY"
	KindInsufficientAfterGas           Kind = "INSUFFICIENT_AFTER_GAS"
	KindInsufficientBalance            Kind = "INSUFFICIENT_BALANCE"
	KindChainRPC                       Kind = "CHAIN_RPC_ERROR"
	KindChainReverted                  Kind = "CHAIN_REVERTED"
	KindConfiguration                  Kind = "CONFIGURATION_ERROR"
)

// Error is the wrapper every component boundary returns.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a Kind-tagged error, wrapping cause if non-nil.
func New(kind Kind, op string, cause error) error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if err == nil {
		return false
	}
	if ae, ok := err.(*Error); ok {
		e = ae
	} else {
		return false
	}
	return e.Kind == kind
}

// Retryable reports whether the taxonomy considers this kind eligible
// for a retry inside the owning task. Only ChainRPC is transient; every
// other kind is terminal for the operation that produced it.
func Retryable(err error) bool {
	var e *Error
	if ae, ok := err.(*Error); ok {
		e = ae
	} else {
		return false
	}
	return e.Kind == KindChainRPC
}
