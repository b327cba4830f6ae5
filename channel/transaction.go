package channel

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// ChannelTransaction is the contract every channel transaction variant
// fulfills. The concrete set is closed: FundingTransaction,
// RefundTransaction and CommitmentTransaction. Each wraps one underlying
// wire transaction plus the channel-linkage metadata needed to recompute
// signature hashes for the outputs it spends.
type ChannelTransaction interface {
	// ToData produces the canonical consensus serialization of the
	// underlying transaction in the exact binary layout required for
	// network relay. The encoding is deterministic and round-trip
	// decodable via DecodeTx.
	ToData() ([]byte, error)

	// SignatureHash produces the BIP-0143 digest a signer must commit to
	// for the given input, bound to the specific locking script being
	// satisfied.
	SignatureHash(inputIndex int, hashType txscript.SigHashType) ([]byte,
		error)

	// Validate performs the structural checks that must pass before any
	// signature hash is computed. Failures wrap ErrInvalidTxShape.
	Validate() error

	// MsgTx returns the underlying wire transaction for broadcast
	// collaborators. Callers must not mutate it.
	MsgTx() *wire.MsgTx
}

// channelTx carries the state shared by all channel transaction variants:
// the wire transaction itself, the outputs it spends, and the script code
// each input must satisfy when computing its sighash.
type channelTx struct {
	tx *wire.MsgTx

	// prevOuts maps each spent outpoint to the output it consumes. Needed
	// both for the BIP-0143 midstate and for the input value committed to
	// by each signature.
	prevOuts map[wire.OutPoint]*wire.TxOut

	// scriptCodes holds, per input index, the script the signature hash
	// is bound to: the witness script for p2wsh spends, the derived
	// p2pkh-form script for p2wkh spends.
	scriptCodes map[int][]byte
}

func newChannelTx(tx *wire.MsgTx) channelTx {
	return channelTx{
		tx:          tx,
		prevOuts:    make(map[wire.OutPoint]*wire.TxOut),
		scriptCodes: make(map[int][]byte),
	}
}

// MsgTx returns the underlying wire transaction.
func (c *channelTx) MsgTx() *wire.MsgTx {
	return c.tx
}

// ToData serializes the underlying transaction, witness data included, into
// the consensus wire encoding.
func (c *channelTx) ToData() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(c.tx.SerializeSize())
	if err := c.tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("unable to serialize channel tx: %w",
			err)
	}

	return buf.Bytes(), nil
}

// SignatureHash computes the BIP-0143 witness v0 digest for the given input
// under the given sighash flag.
func (c *channelTx) SignatureHash(inputIndex int,
	hashType txscript.SigHashType) ([]byte, error) {

	if err := c.Validate(); err != nil {
		return nil, err
	}

	if inputIndex < 0 || inputIndex >= len(c.tx.TxIn) {
		return nil, fmt.Errorf("%w: input index %d out of range",
			ErrInvalidTxShape, inputIndex)
	}

	prevOut, ok := c.prevOuts[c.tx.TxIn[inputIndex].PreviousOutPoint]
	if !ok {
		return nil, fmt.Errorf("%w: no previous output for input %d",
			ErrInvalidTxShape, inputIndex)
	}
	scriptCode, ok := c.scriptCodes[inputIndex]
	if !ok {
		return nil, fmt.Errorf("%w: no script code for input %d",
			ErrInvalidTxShape, inputIndex)
	}

	fetcher := txscript.NewMultiPrevOutFetcher(c.prevOuts)
	sigHashes := txscript.NewTxSigHashes(c.tx, fetcher)

	return txscript.CalcWitnessSigHash(
		scriptCode, sigHashes, hashType, c.tx, inputIndex,
		prevOut.Value,
	)
}

// sigHashes returns the precomputed BIP-0143 midstate for the transaction,
// for use within sign descriptors.
func (c *channelTx) sigHashes() *txscript.TxSigHashes {
	fetcher := txscript.NewMultiPrevOutFetcher(c.prevOuts)
	return txscript.NewTxSigHashes(c.tx, fetcher)
}

// Validate performs the structural checks shared by all variants. Variants
// layer their own invariants on top.
func (c *channelTx) Validate() error {
	if len(c.tx.TxIn) == 0 {
		return fmt.Errorf("%w: transaction has no inputs",
			ErrInvalidTxShape)
	}
	if len(c.tx.TxOut) == 0 {
		return fmt.Errorf("%w: transaction has no outputs",
			ErrInvalidTxShape)
	}

	// Locktimes above the threshold are unix timestamps; the channel
	// protocol only ever locks to block heights.
	if c.tx.LockTime >= txscript.LockTimeThreshold {
		return fmt.Errorf("%w: locktime %d not a block height",
			ErrInvalidTxShape, c.tx.LockTime)
	}

	var total btcutil.Amount
	for i, txOut := range c.tx.TxOut {
		if txOut.Value < 0 {
			return fmt.Errorf("%w: output %d has negative value "+
				"%d", ErrInvalidTxShape, i, txOut.Value)
		}
		if txOut.Value > btcutil.MaxSatoshi {
			return fmt.Errorf("%w: output %d value %d above max",
				ErrInvalidTxShape, i, txOut.Value)
		}

		total += btcutil.Amount(txOut.Value)
		if total > btcutil.MaxSatoshi {
			return fmt.Errorf("%w: total output value overflows",
				ErrInvalidTxShape)
		}

		// An output below the relay dust threshold would make the
		// whole transaction unrelayable, defeating its purpose. The
		// threshold here is the same one the builders filter with.
		if txOut.Value < mempool.GetDustThreshold(txOut) {
			return fmt.Errorf("%w: output %d is dust (%d sat)",
				ErrInvalidTxShape, i, txOut.Value)
		}
	}

	return nil
}

// inputValue sums the values of all outputs spent by the transaction.
func (c *channelTx) inputValue() btcutil.Amount {
	var total btcutil.Amount
	for _, txIn := range c.tx.TxIn {
		if prevOut, ok := c.prevOuts[txIn.PreviousOutPoint]; ok {
			total += btcutil.Amount(prevOut.Value)
		}
	}

	return total
}

// DecodeTx decodes a transaction previously produced by ToData back into a
// wire transaction. Serialization round-trips losslessly:
// DecodeTx(ToData(tx)) yields a transaction identical to tx.
func DecodeTx(data []byte) (*wire.MsgTx, error) {
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("unable to decode channel tx: %w", err)
	}

	return tx, nil
}

// scriptCodeForOutput derives the BIP-0143 script code for spending the
// passed output. For p2wkh outputs the script code is the classic p2pkh form
// of the key hash, for p2wsh it is the witness script itself, which must be
// supplied by the caller and is therefore rejected here.
func scriptCodeForOutput(txOut *wire.TxOut) ([]byte, error) {
	switch {
	case txscript.IsPayToWitnessPubKeyHash(txOut.PkScript):
		// The pkScript is OP_0 <20-byte keyhash>; the script code is
		// OP_DUP OP_HASH160 <keyhash> OP_EQUALVERIFY OP_CHECKSIG.
		keyHash := txOut.PkScript[2:22]
		bldr := txscript.NewScriptBuilder()
		bldr.AddOp(txscript.OP_DUP)
		bldr.AddOp(txscript.OP_HASH160)
		bldr.AddData(keyHash)
		bldr.AddOp(txscript.OP_EQUALVERIFY)
		bldr.AddOp(txscript.OP_CHECKSIG)
		return bldr.Script()

	default:
		return nil, fmt.Errorf("unsupported previous output script "+
			"%x, only p2wkh coins can fund a channel",
			txOut.PkScript)
	}
}
