package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/bernardoaraujor/braidpool/input"
)

// ChannelState tracks a channel through its lifecycle. Transitions only move
// forward; a failed operation leaves the state untouched.
type ChannelState uint8

const (
	// StateUnfunded is the initial state: parameters agreed, funding
	// transaction not yet confirmed.
	StateUnfunded ChannelState = iota

	// StateFunded means the funding transaction confirmed but no payment
	// has been made yet.
	StateFunded

	// StateActive means at least one commitment transaction has been
	// fully signed.
	StateActive

	// StateClosing means settlement started: either the latest commitment
	// or the matured refund was handed out for broadcast.
	StateClosing

	// StateClosed is terminal: a closing transaction confirmed on-chain,
	// as observed by the caller.
	StateClosed
)

// String returns a human readable channel state name.
func (s ChannelState) String() string {
	switch s {
	case StateUnfunded:
		return "Unfunded"
	case StateFunded:
		return "Funded"
	case StateActive:
		return "Active"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown<%d>", s)
	}
}

// CounterSigner requests the payee's signature for a proposed commitment
// transaction. Implementations typically perform a network round-trip to the
// counter-party and must honor context cancellation.
type CounterSigner interface {
	// SignCommitment returns the payee's raw signature over the
	// commitment's signature hash, without the sighash flag byte.
	SignCommitment(ctx context.Context,
		commit *CommitmentTransaction) (*ecdsa.Signature, error)
}

// DefaultSignTimeout bounds how long a counter-signature request may take
// before the payment attempt is abandoned.
const DefaultSignTimeout = 30 * time.Second

// AssemblerConfig bundles the collaborators an Assembler needs.
type AssemblerConfig struct {
	// Params describe the channel being assembled.
	Params *Parameters

	// Signer signs with the payer's key. It may be slow (hardware key,
	// remote signer); the assembler treats it as a blocking call.
	Signer input.Signer

	// CounterSigner obtains the payee's signature for new commitment
	// transactions.
	CounterSigner CounterSigner

	// Clock is the time source for signature request timeouts. Defaults
	// to the system clock.
	Clock clock.Clock

	// SignTimeout caps each counter-signature request. Defaults to
	// DefaultSignTimeout.
	SignTimeout time.Duration
}

// Assembler drives a single channel through its lifecycle, owning the
// channel's funding and refund transactions and the latest fully signed
// commitment transaction. All operations are serialized internally: payment
// N+1 is only built after payment N was accepted or abandoned, so the
// "latest" commitment is never ambiguous. Separate channels use separate
// Assemblers and share no state.
type Assembler struct {
	mtx sync.Mutex

	cfg AssemblerConfig

	state ChannelState

	funding *FundingTransaction
	refund  *RefundTransaction

	// latest is the authoritative commitment record, replaced atomically
	// on each accepted payment. Superseded records move to history and
	// must never be rebroadcast.
	latest  *SignedCommitment
	history []*SignedCommitment
}

// NewAssembler creates an Assembler for a channel described by the config's
// parameters.
func NewAssembler(cfg AssemblerConfig) (*Assembler, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("a Signer is required")
	}
	if cfg.CounterSigner == nil {
		return nil, fmt.Errorf("a CounterSigner is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.SignTimeout <= 0 {
		cfg.SignTimeout = DefaultSignTimeout
	}

	return &Assembler{
		cfg:   cfg,
		state: StateUnfunded,
	}, nil
}

// State returns the channel's current lifecycle state.
func (a *Assembler) State() ChannelState {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.state
}

// Fund builds the channel's funding transaction from the passed coins
// together with the payer's pre-signed refund transaction. The funding
// transaction is returned for the wallet to sign and broadcast; the refund
// transaction is fully signed and stashed as the payer's escape path. The
// channel stays in StateUnfunded until FundingConfirmed is called.
func (a *Assembler) Fund(coins []Coin, changePkScript, refundPkScript []byte,
	fundingFee, refundFee btcutil.Amount) (*FundingTransaction,
	*RefundTransaction, error) {

	a.mtx.Lock()
	defer a.mtx.Unlock()

	if a.state != StateUnfunded || a.funding != nil {
		return nil, nil, fmt.Errorf("%w: cannot fund channel in "+
			"state %v", ErrInvalidChannelState, a.state)
	}

	fundingTx, err := NewFundingTransaction(
		coins, changePkScript, a.cfg.Params, fundingFee,
	)
	if err != nil {
		return nil, nil, err
	}

	// The funding outpoint is now known; bind it to the parameters so
	// refund and commitment transactions can spend it. Any failure below
	// unwinds this so the assembler stays in its prior state.
	fundingPoint := fundingTx.FundingOutPoint()
	a.cfg.Params.FundingPoint = &fundingPoint

	refundTx, err := NewRefundTransaction(
		a.cfg.Params, refundPkScript, refundFee,
	)
	if err != nil {
		a.cfg.Params.FundingPoint = nil
		return nil, nil, err
	}

	refundSig, err := a.cfg.Signer.SignOutputRaw(
		refundTx.MsgTx(), refundTx.SignDescriptor(),
	)
	if err != nil {
		a.cfg.Params.FundingPoint = nil
		return nil, nil, err
	}
	refundTx.AddWitness(refundSig)

	a.funding = fundingTx
	a.refund = refundTx

	log.Infof("channel %v funded with capacity %v, refund matures per "+
		"%v lock of %d", fundingPoint, a.cfg.Params.Capacity,
		a.cfg.Params.RefundLock.Mode, a.cfg.Params.RefundLock.Value)

	return fundingTx, refundTx, nil
}

// FundingConfirmed transitions the channel to StateFunded. Confirmation of
// the funding transaction is observed externally by the caller.
func (a *Assembler) FundingConfirmed() error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if a.state != StateUnfunded || a.funding == nil {
		return fmt.Errorf("%w: funding confirmation in state %v",
			ErrInvalidChannelState, a.state)
	}

	a.state = StateFunded
	return nil
}

// AddPayment builds the next commitment transaction raising the payee's
// cumulative amount, obtains the payee's counter-signature, verifies it, and
// atomically replaces the channel's latest commitment. On any failure,
// timeout included, the channel remains in its prior stable state with the
// previous commitment still authoritative. The assembler never retries on
// its own; a stalled or rejected request is surfaced to the caller who
// decides whether to retry.
func (a *Assembler) AddPayment(ctx context.Context, cumulative,
	fee btcutil.Amount) (*SignedCommitment, error) {

	a.mtx.Lock()
	defer a.mtx.Unlock()

	if a.state != StateFunded && a.state != StateActive {
		return nil, fmt.Errorf("%w: cannot add payment in state %v",
			ErrInvalidChannelState, a.state)
	}

	var prevCumulative btcutil.Amount
	if a.latest != nil {
		prevCumulative = a.latest.Commitment.PaymentIndex()
	}

	commitTx, err := NewCommitmentTransaction(
		a.cfg.Params, cumulative, fee, prevCumulative,
	)
	if err != nil {
		return nil, err
	}

	payeeSig, err := a.requestCounterSignature(ctx, commitTx)
	if err != nil {
		return nil, err
	}

	digest, err := commitTx.SignatureHash(0, txscript.SigHashAll)
	if err != nil {
		return nil, err
	}
	if !payeeSig.Verify(digest, a.cfg.Params.PayeeKey) {
		return nil, fmt.Errorf("%w: counter-signature for channel "+
			"%v at cumulative %v", ErrSignatureMismatch,
			a.cfg.Params.FundingPoint, cumulative)
	}

	payerSig, err := a.cfg.Signer.SignOutputRaw(
		commitTx.MsgTx(), commitTx.PayerSignDescriptor(),
	)
	if err != nil {
		return nil, err
	}

	signed := &SignedCommitment{
		Commitment: commitTx,
		PayerSig:   payerSig,
		PayeeSig:   payeeSig,
	}
	if err := signed.Verify(); err != nil {
		return nil, err
	}

	// Both signatures verified; the new record replaces the previous one
	// atomically and the superseded commitment is retained only as audit
	// trail.
	if a.latest != nil {
		a.history = append(a.history, a.latest)
	}
	a.latest = signed
	a.state = StateActive

	log.Debugf("channel %v advanced to cumulative %v (payer remainder "+
		"%v, fee %v)", a.cfg.Params.FundingPoint, cumulative,
		commitTx.PayerAmount(), fee)

	return signed, nil
}

// requestCounterSignature asks the counter-party to sign the proposed
// commitment, bounded by the configured timeout and the caller's context.
func (a *Assembler) requestCounterSignature(ctx context.Context,
	commitTx *CommitmentTransaction) (*ecdsa.Signature, error) {

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type signResult struct {
		sig *ecdsa.Signature
		err error
	}
	resultChan := make(chan signResult, 1)

	go func() {
		sig, err := a.cfg.CounterSigner.SignCommitment(ctx, commitTx)
		resultChan <- signResult{sig: sig, err: err}
	}()

	select {
	case result := <-resultChan:
		if result.err != nil {
			return nil, fmt.Errorf("counter-signature request "+
				"failed: %w", result.err)
		}
		return result.sig, nil

	case <-a.cfg.Clock.TickAfter(a.cfg.SignTimeout):
		return nil, fmt.Errorf("%w: channel %v after %v",
			ErrSigningTimeout, a.cfg.Params.FundingPoint,
			a.cfg.SignTimeout)

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Latest returns the channel's current fully signed commitment, or nil if no
// payment has been made yet.
func (a *Assembler) Latest() *SignedCommitment {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.latest
}

// History returns the superseded commitments, oldest first, kept as audit
// trail. They must never be rebroadcast.
func (a *Assembler) History() []*SignedCommitment {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	history := make([]*SignedCommitment, len(a.history))
	copy(history, a.history)
	return history
}

// FundingTransaction returns the channel's funding transaction, or nil
// before Fund was called.
func (a *Assembler) FundingTransaction() *FundingTransaction {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.funding
}

// RefundTransaction returns the channel's pre-signed refund transaction, or
// nil before Fund was called.
func (a *Assembler) RefundTransaction() *RefundTransaction {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.refund
}

// Settle initiates cooperative settlement: the latest commitment is handed
// out for broadcast and the channel moves to StateClosing.
func (a *Assembler) Settle() (*SignedCommitment, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if a.state != StateActive {
		return nil, fmt.Errorf("%w: cannot settle in state %v",
			ErrInvalidChannelState, a.state)
	}

	a.state = StateClosing

	log.Infof("channel %v closing at cumulative %v",
		a.cfg.Params.FundingPoint,
		a.latest.Commitment.PaymentIndex())

	return a.latest, nil
}

// Refund hands out the pre-signed refund transaction for broadcast if the
// refund lock has matured at the passed height, moving the channel to
// StateClosing. fundingHeight is the height the funding transaction
// confirmed at, relevant for relative locks only.
func (a *Assembler) Refund(height, fundingHeight uint32) (*RefundTransaction,
	error) {

	a.mtx.Lock()
	defer a.mtx.Unlock()

	if a.state != StateFunded && a.state != StateActive {
		return nil, fmt.Errorf("%w: cannot refund in state %v",
			ErrInvalidChannelState, a.state)
	}

	if !a.refund.Matured(height, fundingHeight) {
		return nil, fmt.Errorf("%w: matures at height %d, chain at "+
			"%d", ErrRefundNotMatured,
			a.refund.MaturityHeight(fundingHeight), height)
	}

	a.state = StateClosing

	log.Infof("channel %v closing through refund path at height %d",
		a.cfg.Params.FundingPoint, height)

	return a.refund, nil
}

// MarkClosed transitions the channel to its terminal state once the caller
// observed a closing transaction confirm on-chain.
func (a *Assembler) MarkClosed() error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if a.state != StateClosing {
		return fmt.Errorf("%w: cannot close in state %v",
			ErrInvalidChannelState, a.state)
	}

	a.state = StateClosed
	return nil
}
