package input

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// RefundLockMode denotes how the refund branch of the channel script is time
// locked.
type RefundLockMode uint8

const (
	// LockModeRelative locks the refund branch with
	// OP_CHECKSEQUENCEVERIFY, counting blocks from confirmation of the
	// funding transaction.
	LockModeRelative RefundLockMode = iota

	// LockModeAbsolute locks the refund branch with
	// OP_CHECKLOCKTIMEVERIFY at an absolute block height.
	LockModeAbsolute
)

// String returns a human readable name for the lock mode.
func (m RefundLockMode) String() string {
	switch m {
	case LockModeRelative:
		return "relative"
	case LockModeAbsolute:
		return "absolute"
	default:
		return fmt.Sprintf("unknown<%d>", m)
	}
}

// RefundLock describes the timelock protecting the payer's unilateral refund
// path. The same lock value is embedded in the channel script and mirrored in
// the refund transaction's sequence or locktime field, so both must be
// derived from a single RefundLock to stay consistent.
type RefundLock struct {
	// Mode selects relative (CSV) or absolute (CLTV) semantics.
	Mode RefundLockMode

	// Value is the delay in blocks for LockModeRelative, or the absolute
	// block height for LockModeAbsolute.
	Value uint32
}

// Validate checks the lock value against the ranges consensus rules accept
// for the chosen mode.
func (l RefundLock) Validate() error {
	switch l.Mode {
	case LockModeRelative:
		if l.Value == 0 {
			return fmt.Errorf("relative refund delay must be " +
				"non-zero")
		}
		if l.Value > wire.SequenceLockTimeMask {
			return fmt.Errorf("relative refund delay %d exceeds "+
				"max of %d blocks", l.Value,
				wire.SequenceLockTimeMask)
		}

	case LockModeAbsolute:
		if l.Value == 0 {
			return fmt.Errorf("absolute refund height must be " +
				"non-zero")
		}
		if l.Value >= txscript.LockTimeThreshold {
			return fmt.Errorf("absolute refund height %d not "+
				"interpretable as a block height", l.Value)
		}

	default:
		return fmt.Errorf("unknown refund lock mode %d", l.Mode)
	}

	return nil
}

// WitnessScriptHash generates a pay-to-witness-script-hash public key script
// paying to a version 0 witness program paying to the passed witness script.
func WitnessScriptHash(witnessScript []byte) ([]byte, error) {
	bldr := txscript.NewScriptBuilder()

	bldr.AddOp(txscript.OP_0)
	scriptHash := sha256.Sum256(witnessScript)
	bldr.AddData(scriptHash[:])
	return bldr.Script()
}

// WitnessPubKeyHash generates a pay-to-witness-pubkey-hash public key script
// paying to the passed serialized public key.
func WitnessPubKeyHash(pubKey []byte) ([]byte, error) {
	bldr := txscript.NewScriptBuilder()

	bldr.AddOp(txscript.OP_0)
	bldr.AddData(btcutil.Hash160(pubKey))
	return bldr.Script()
}

// FundingScript constructs the witness script locking the channel funding
// output. The output is spendable through two paths:
//
//   - Cooperatively, at any time, with signatures from both the payer and the
//     payee. Every commitment transaction uses this branch.
//   - Unilaterally by the payer once the refund timelock has matured. This is
//     the payer's escape path should the payee disappear without settling.
//
// Possible Input Scripts:
//
//	COOP:   <> <payer sig> <payee sig> 1
//	REFUND: <payer sig> <>
//
// OP_IF
//     2 <key1> <key2> 2 OP_CHECKMULTISIG
// OP_ELSE
//     <lock value> OP_CHECKSEQUENCEVERIFY/OP_CHECKLOCKTIMEVERIFY OP_DROP
//     <payer key> OP_CHECKSIG
// OP_ENDIF
//
// The multisig keys are sorted in lexicographical order of their compressed
// serialization so both parties derive byte-identical scripts from the same
// parameters.
func FundingScript(payerKey, payeeKey *btcec.PublicKey,
	lock RefundLock) ([]byte, error) {

	if err := lock.Validate(); err != nil {
		return nil, err
	}

	payer := payerKey.SerializeCompressed()
	payee := payeeKey.SerializeCompressed()

	// Swap to sort pubkeys if needed. The signatures within the witness
	// must adhere to the same order, see SpendCooperative.
	key1, key2 := payer, payee
	if bytes.Compare(key1, key2) == 1 {
		key1, key2 = key2, key1
	}

	builder := txscript.NewScriptBuilder()

	// The cooperative clause is a plain 2-of-2 multisig, gated behind the
	// IF so the spender selects the branch explicitly.
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_2)
	builder.AddData(key1)
	builder.AddData(key2)
	builder.AddOp(txscript.OP_2)
	builder.AddOp(txscript.OP_CHECKMULTISIG)

	// Otherwise, this is the payer reclaiming the funds after the refund
	// timelock has matured.
	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(lock.Value))
	switch lock.Mode {
	case LockModeRelative:
		builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	case LockModeAbsolute:
		builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	}
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(payer)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// FundingPkScript creates the channel witness script, and its matching p2wsh
// output for the funding transaction.
func FundingPkScript(payerKey, payeeKey *btcec.PublicKey, lock RefundLock,
	amt int64) ([]byte, *wire.TxOut, error) {

	// As a sanity check, ensure that the passed amount is above zero.
	if amt <= 0 {
		return nil, nil, fmt.Errorf("can't create channel script "+
			"with zero or negative coins (have %d)", amt)
	}

	witnessScript, err := FundingScript(payerKey, payeeKey, lock)
	if err != nil {
		return nil, nil, err
	}

	// With the branch script in hand, generate a p2wsh script which pays
	// to it.
	pkScript, err := WitnessScriptHash(witnessScript)
	if err != nil {
		return nil, nil, err
	}

	return witnessScript, wire.NewTxOut(amt, pkScript), nil
}

// SpendCooperative generates the witness stack redeeming the channel output
// through the cooperative 2-of-2 branch. Both signatures must already carry
// their sighash flag byte. The signatures are placed on the stack in the
// order matching the lexicographically sorted public keys within the witness
// script.
func SpendCooperative(witnessScript, payerKey, payerSig, payeeKey,
	payeeSig []byte) wire.TxWitness {

	witness := make(wire.TxWitness, 5)

	// A nil stack element eats the extra pop of the original
	// OP_CHECKMULTISIG.
	witness[0] = nil

	if bytes.Compare(payerKey, payeeKey) == 1 {
		witness[1] = payeeSig
		witness[2] = payerSig
	} else {
		witness[1] = payerSig
		witness[2] = payeeSig
	}

	// A true selector routes execution into the multisig clause.
	witness[3] = []byte{0x01}
	witness[4] = witnessScript

	return witness
}

// SpendRefund generates the witness stack redeeming the channel output
// through the payer's timelocked refund branch. The signature must already
// carry its sighash flag byte. The spending transaction's sequence (relative
// lock) or locktime (absolute lock) must satisfy the lock embedded in the
// witness script or the script engine will reject the spend.
func SpendRefund(witnessScript, payerSig []byte) wire.TxWitness {
	witness := make(wire.TxWitness, 3)

	witness[0] = payerSig

	// An empty selector routes execution into the refund clause.
	witness[1] = nil
	witness[2] = witnessScript

	return witness
}

// FindScriptOutputIndex finds the index of the public key script output
// matching 'script'. Additionally, a boolean is returned indicating if a
// matching output was found at all.
//
// NOTE: The search stops after the first matching script is found.
func FindScriptOutputIndex(tx *wire.MsgTx, script []byte) (bool, uint32) {
	found := false
	index := uint32(0)
	for i, txOut := range tx.TxOut {
		if bytes.Equal(txOut.PkScript, script) {
			found = true
			index = uint32(i)
			break
		}
	}

	return found, index
}
