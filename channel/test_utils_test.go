package channel

import (
	"bytes"
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/bernardoaraujor/braidpool/input"
)

var (
	testPayerKeyBytes = bytes.Repeat([]byte{0x55}, 32)
	testPayeeKeyBytes = bytes.Repeat([]byte{0x66}, 32)

	testCapacity btcutil.Amount = 100_000
	testFee      btcutil.Amount = 100
)

// testChannel bundles everything the channel tests need: both parties'
// keys, agreed parameters and a coin large enough to fund the channel.
type testChannel struct {
	payerPriv *btcec.PrivateKey
	payeePriv *btcec.PrivateKey

	params *Parameters

	coin           Coin
	changePkScript []byte
	refundPkScript []byte
}

func newTestChannel(t *testing.T, lock input.RefundLock) *testChannel {
	t.Helper()

	payerPriv, _ := btcec.PrivKeyFromBytes(testPayerKeyBytes)
	payeePriv, _ := btcec.PrivKeyFromBytes(testPayeeKeyBytes)

	params := &Parameters{
		PayerKey:   payerPriv.PubKey(),
		PayeeKey:   payeePriv.PubKey(),
		Capacity:   testCapacity,
		RefundLock: lock,
	}

	payerPkScript, err := input.WitnessPubKeyHash(
		payerPriv.PubKey().SerializeCompressed(),
	)
	require.NoError(t, err)

	coin := Coin{
		TxOut: wire.TxOut{
			Value:    int64(testCapacity) * 2,
			PkScript: payerPkScript,
		},
		OutPoint: wire.OutPoint{
			Hash:  chainhash.Hash{0xde, 0xad, 0xbe, 0xef},
			Index: 1,
		},
	}

	return &testChannel{
		payerPriv:      payerPriv,
		payeePriv:      payeePriv,
		params:         params,
		coin:           coin,
		changePkScript: payerPkScript,
		refundPkScript: payerPkScript,
	}
}

// defaultLock is the refund lock most tests run with.
func defaultLock() input.RefundLock {
	return input.RefundLock{Mode: input.LockModeRelative, Value: 144}
}

// bindFundingPoint builds the funding transaction for the test channel and
// binds its outpoint to the parameters, as the assembler would.
func (c *testChannel) bindFundingPoint(t *testing.T) *FundingTransaction {
	t.Helper()

	fundingTx, err := NewFundingTransaction(
		[]Coin{c.coin}, c.changePkScript, c.params, testFee,
	)
	require.NoError(t, err)

	fundingPoint := fundingTx.FundingOutPoint()
	c.params.FundingPoint = &fundingPoint

	return fundingTx
}

// payeeCounterSigner is an in-process payee that honestly signs every
// proposed commitment, standing in for the network round-trip to the real
// counter-party.
type payeeCounterSigner struct {
	priv *btcec.PrivateKey
}

func (p *payeeCounterSigner) SignCommitment(_ context.Context,
	commit *CommitmentTransaction) (*ecdsa.Signature, error) {

	digest, err := commit.SignatureHash(0, txscript.SigHashAll)
	if err != nil {
		return nil, err
	}

	return ecdsa.Sign(p.priv, digest), nil
}

// bogusCounterSigner returns a signature over the wrong digest, simulating a
// misbehaving counter-party.
type bogusCounterSigner struct {
	priv *btcec.PrivateKey
}

func (b *bogusCounterSigner) SignCommitment(_ context.Context,
	_ *CommitmentTransaction) (*ecdsa.Signature, error) {

	var wrongDigest [32]byte
	wrongDigest[0] = 0xff
	return ecdsa.Sign(b.priv, wrongDigest[:]), nil
}

// stalledCounterSigner never answers until the context is cancelled,
// simulating an unresponsive counter-party.
type stalledCounterSigner struct{}

func (s *stalledCounterSigner) SignCommitment(ctx context.Context,
	_ *CommitmentTransaction) (*ecdsa.Signature, error) {

	<-ctx.Done()
	return nil, ctx.Err()
}
