package input

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SignDescriptor houses the necessary information required to successfully
// sign a given segwit output. This struct is used by the Signer interface in
// order to gain access to critical data needed to generate a valid signature.
type SignDescriptor struct {
	// PubKey is the public key the produced signature must verify under.
	// The Signer is expected to hold, or be able to derive, the matching
	// private key.
	PubKey *btcec.PublicKey

	// WitnessScript is the full script required to properly redeem the
	// output. This field should be set to the full script if a p2wsh
	// output is being signed. For p2wkh it should be set to the hashed
	// script (PkScript).
	WitnessScript []byte

	// Output is the target output which should be signed. The PkScript
	// and Value fields within the output should be properly populated,
	// otherwise an invalid signature may be generated.
	Output *wire.TxOut

	// HashType is the target sighash type that should be used when
	// generating the final sighash, and signature.
	HashType txscript.SigHashType

	// SigHashes is the pre-computed sighash midstate to be used when
	// generating the final sighash for signing.
	SigHashes *txscript.TxSigHashes

	// InputIndex is the target input within the transaction that should
	// be signed.
	InputIndex int
}

// Signer represents an abstract object capable of generating raw signatures
// as well as full complete input scripts given a valid SignDescriptor and
// transaction. This interface fully abstracts away signing paving the way for
// Signer implementations such as hardware wallets, hardware tokens, HSM's, or
// simply a regular wallet.
type Signer interface {
	// SignOutputRaw generates a signature for the passed transaction
	// according to the data within the passed SignDescriptor.
	//
	// NOTE: The resulting signature should be void of a sighash byte.
	SignOutputRaw(tx *wire.MsgTx, signDesc *SignDescriptor) (
		*ecdsa.Signature, error)
}

// MemorySigner is a naive Signer implementation backed by a set of in-memory
// private keys. It is suitable for tests and for single-process payers that
// keep their channel keys hot; anything custodial should provide its own
// Signer instead.
type MemorySigner struct {
	keys map[[33]byte]*btcec.PrivateKey
}

// NewMemorySigner creates a MemorySigner holding the passed private keys.
func NewMemorySigner(keys ...*btcec.PrivateKey) *MemorySigner {
	s := &MemorySigner{
		keys: make(map[[33]byte]*btcec.PrivateKey, len(keys)),
	}
	for _, key := range keys {
		var id [33]byte
		copy(id[:], key.PubKey().SerializeCompressed())
		s.keys[id] = key
	}

	return s
}

// SignOutputRaw generates a BIP-0143 witness v0 signature for the requested
// input using the private key matching the descriptor's public key.
//
// NOTE: This is part of the Signer interface.
func (s *MemorySigner) SignOutputRaw(tx *wire.MsgTx,
	signDesc *SignDescriptor) (*ecdsa.Signature, error) {

	if signDesc.PubKey == nil {
		return nil, fmt.Errorf("sign descriptor is missing the " +
			"signing pubkey")
	}

	var id [33]byte
	copy(id[:], signDesc.PubKey.SerializeCompressed())
	privKey, ok := s.keys[id]
	if !ok {
		return nil, fmt.Errorf("no private key for pubkey %x", id)
	}

	digest, err := txscript.CalcWitnessSigHash(
		signDesc.WitnessScript, signDesc.SigHashes, signDesc.HashType,
		tx, signDesc.InputIndex, signDesc.Output.Value,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to compute sighash: %w", err)
	}

	return ecdsa.Sign(privKey, digest), nil
}
