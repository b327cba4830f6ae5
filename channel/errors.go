package channel

import (
	"errors"
)

var (
	// ErrInvalidTxShape is returned when a channel transaction fails its
	// structural checks: no inputs or outputs, an amount out of range, a
	// relay-dust output, or a locktime outside the accepted range. A
	// transaction in this state must never be handed to a signer.
	ErrInvalidTxShape = errors.New("invalid transaction shape")

	// ErrInsufficientFunds is returned when the coins offered to fund a
	// channel don't cover the channel capacity plus the funding fee.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNonMonotonicPayment is returned when a commitment transaction is
	// requested for a cumulative amount below the last accepted one.
	// Payments within a channel are append-only.
	ErrNonMonotonicPayment = errors.New("non-monotonic payment")

	// ErrAmountExceedsFunding is returned when the cumulative payment
	// plus the commitment fee exceeds the channel capacity.
	ErrAmountExceedsFunding = errors.New("amount exceeds funding")

	// ErrDegenerateTransaction is returned when both the payer remainder
	// and the payee output of a commitment transaction would be dust,
	// leaving nothing worth broadcasting.
	ErrDegenerateTransaction = errors.New("all outputs are dust")

	// ErrSignatureMismatch is returned when a counter-signature fails
	// verification against the expected signature hash. The proposed
	// commitment transaction is discarded and the prior one remains
	// authoritative.
	ErrSignatureMismatch = errors.New("signature mismatch")

	// ErrSigningTimeout is returned when a counter-signature request does
	// not complete within the configured timeout. The channel is left in
	// its prior stable state; retrying is the caller's decision.
	ErrSigningTimeout = errors.New("signing request timed out")

	// ErrInvalidChannelState is returned when an operation is attempted
	// in a channel state that doesn't permit it.
	ErrInvalidChannelState = errors.New("invalid channel state")

	// ErrRefundNotMatured is returned when the refund transaction is
	// requested for broadcast before its timelock allows consensus rules
	// to accept it.
	ErrRefundNotMatured = errors.New("refund timelock not matured")
)
