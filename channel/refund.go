package channel

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bernardoaraujor/braidpool/input"
)

// RefundTransaction returns the full channel capacity, minus fee, to the
// payer through the timelocked refund branch of the channel script. It is
// the payer's escape path: signed unilaterally, no counter-signature
// required, but only acceptable by consensus rules once the refund lock has
// matured. Any confirmed commitment transaction supersedes it permanently by
// spending the same funding outpoint.
type RefundTransaction struct {
	channelTx

	params *Parameters

	witnessScript []byte

	fee btcutil.Amount
}

// NewRefundTransaction builds the refund transaction spending the channel's
// funding outpoint back to refundPkScript. The input sequence (relative
// lock) or transaction locktime (absolute lock) is set from the channel
// parameters so that consensus rules enforce the maturity delay; the witness
// script's refund branch checks the very same value.
func NewRefundTransaction(params *Parameters, refundPkScript []byte,
	fee btcutil.Amount) (*RefundTransaction, error) {

	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTxShape, err)
	}
	if params.FundingPoint == nil {
		return nil, fmt.Errorf("%w: funding outpoint not yet known",
			ErrInvalidTxShape)
	}
	if fee < 0 || fee >= params.Capacity {
		return nil, fmt.Errorf("%w: refund fee %v out of range for "+
			"capacity %v", ErrInvalidTxShape, fee, params.Capacity)
	}

	witnessScript, chanOutput, err := params.FundingScript()
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)
	txIn := &wire.TxIn{
		PreviousOutPoint: *params.FundingPoint,
	}

	switch params.RefundLock.Mode {
	case input.LockModeRelative:
		// The relative delay is carried in the sequence field, which
		// OP_CHECKSEQUENCEVERIFY inside the script validates against.
		txIn.Sequence = params.RefundLock.Value

	case input.LockModeAbsolute:
		// The absolute height goes into the locktime trailer. The
		// sequence must be non-final or the locktime is disregarded.
		tx.LockTime = params.RefundLock.Value
		txIn.Sequence = wire.MaxTxInSequenceNum - 1
	}

	tx.AddTxIn(txIn)
	tx.AddTxOut(&wire.TxOut{
		Value:    int64(params.Capacity - fee),
		PkScript: refundPkScript,
	})

	refundTx := &RefundTransaction{
		channelTx:     newChannelTx(tx),
		params:        params,
		witnessScript: witnessScript,
		fee:           fee,
	}
	refundTx.prevOuts[*params.FundingPoint] = chanOutput
	refundTx.scriptCodes[0] = witnessScript

	if err := refundTx.Validate(); err != nil {
		return nil, err
	}

	return refundTx, nil
}

// SignDescriptor returns the descriptor the payer signs the refund input
// with.
func (r *RefundTransaction) SignDescriptor() *input.SignDescriptor {
	return &input.SignDescriptor{
		PubKey:        r.params.PayerKey,
		WitnessScript: r.witnessScript,
		Output:        r.prevOuts[*r.params.FundingPoint],
		HashType:      txscript.SigHashAll,
		SigHashes:     r.sigHashes(),
		InputIndex:    0,
	}
}

// AddWitness attaches the payer's signature as the refund branch witness,
// making the transaction broadcastable once matured.
func (r *RefundTransaction) AddWitness(payerSig *ecdsa.Signature) {
	sig := append(payerSig.Serialize(), byte(txscript.SigHashAll))
	r.tx.TxIn[0].Witness = input.SpendRefund(r.witnessScript, sig)
}

// Fee returns the fee the transaction pays.
func (r *RefundTransaction) Fee() btcutil.Amount {
	return r.fee
}

// MaturityHeight returns the first block height at which the refund
// transaction is acceptable by consensus rules. For a relative lock the
// funding confirmation height must be passed in; for an absolute lock it is
// ignored.
func (r *RefundTransaction) MaturityHeight(fundingHeight uint32) uint32 {
	switch r.params.RefundLock.Mode {
	case input.LockModeRelative:
		return fundingHeight + r.params.RefundLock.Value

	case input.LockModeAbsolute:
		// A locktime of H admits the transaction into blocks of
		// height strictly greater than H.
		return r.params.RefundLock.Value + 1

	default:
		return ^uint32(0)
	}
}

// Matured reports whether a block at the passed height could include the
// refund transaction.
func (r *RefundTransaction) Matured(height, fundingHeight uint32) bool {
	return height >= r.MaturityHeight(fundingHeight)
}

// Validate checks the refund transaction's structure: the shared shape
// checks, the single input spending the funding outpoint, and the lock
// fields mirroring the channel's refund lock.
func (r *RefundTransaction) Validate() error {
	if err := r.channelTx.Validate(); err != nil {
		return err
	}

	if len(r.tx.TxIn) != 1 {
		return fmt.Errorf("%w: refund tx must have exactly one "+
			"input, has %d", ErrInvalidTxShape, len(r.tx.TxIn))
	}
	if r.tx.TxIn[0].PreviousOutPoint != *r.params.FundingPoint {
		return fmt.Errorf("%w: refund tx does not spend the funding "+
			"outpoint", ErrInvalidTxShape)
	}

	switch r.params.RefundLock.Mode {
	case input.LockModeRelative:
		if r.tx.TxIn[0].Sequence != r.params.RefundLock.Value {
			return fmt.Errorf("%w: sequence %d does not match "+
				"refund delay %d", ErrInvalidTxShape,
				r.tx.TxIn[0].Sequence,
				r.params.RefundLock.Value)
		}

	case input.LockModeAbsolute:
		if r.tx.LockTime != r.params.RefundLock.Value {
			return fmt.Errorf("%w: locktime %d does not match "+
				"refund height %d", ErrInvalidTxShape,
				r.tx.LockTime, r.params.RefundLock.Value)
		}
		if r.tx.TxIn[0].Sequence == wire.MaxTxInSequenceNum {
			return fmt.Errorf("%w: final sequence disables the "+
				"refund locktime", ErrInvalidTxShape)
		}
	}

	return nil
}
