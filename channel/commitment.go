package channel

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"

	"github.com/bernardoaraujor/braidpool/input"
)

// CommitmentTransaction encodes the current payment split of a channel. It
// spends the funding outpoint through the cooperative branch, paying the
// cumulative amount to date to the payee and the remainder back to the
// payer. Each new commitment transaction supersedes the previous one; only
// the latest fully signed one is ever broadcast.
type CommitmentTransaction struct {
	channelTx

	params *Parameters

	witnessScript []byte

	// paymentIndex is the cumulative amount paid to the payee, which
	// doubles as the supersession order of commitment transactions: a
	// higher index always supersedes a lower one.
	paymentIndex btcutil.Amount

	// payeeAmount and payerAmount are the intended output values before
	// dust filtering; fee is the requested fee. The three always sum to
	// the channel capacity.
	payeeAmount btcutil.Amount
	payerAmount btcutil.Amount
	fee         btcutil.Amount

	// payeeOutputIndex and payerOutputIndex locate the two outputs
	// within the transaction, or -1 if the output was omitted as dust.
	payeeOutputIndex int
	payerOutputIndex int
}

// NewCommitmentTransaction builds the commitment transaction granting the
// passed cumulative amount to the payee. prevCumulative is the cumulative
// amount of the last accepted commitment (zero for the first payment);
// requesting less returns ErrNonMonotonicPayment since payments are
// append-only. Outputs below the dust threshold are omitted, their value
// absorbed by the fee; if both outputs would be dust the transaction is
// refused as ErrDegenerateTransaction.
func NewCommitmentTransaction(params *Parameters, cumulative, fee,
	prevCumulative btcutil.Amount) (*CommitmentTransaction, error) {

	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTxShape, err)
	}
	if params.FundingPoint == nil {
		return nil, fmt.Errorf("%w: funding outpoint not yet known",
			ErrInvalidTxShape)
	}
	if cumulative < 0 || fee < 0 {
		return nil, fmt.Errorf("%w: negative amount (cumulative %v, "+
			"fee %v)", ErrInvalidTxShape, cumulative, fee)
	}

	if cumulative < prevCumulative {
		return nil, fmt.Errorf("%w: requested cumulative %v below "+
			"accepted %v", ErrNonMonotonicPayment, cumulative,
			prevCumulative)
	}
	if cumulative+fee > params.Capacity {
		return nil, fmt.Errorf("%w: cumulative %v + fee %v exceeds "+
			"capacity %v", ErrAmountExceedsFunding, cumulative,
			fee, params.Capacity)
	}

	witnessScript, chanOutput, err := params.FundingScript()
	if err != nil {
		return nil, err
	}

	payeeScript, err := input.WitnessPubKeyHash(
		params.PayeeKey.SerializeCompressed(),
	)
	if err != nil {
		return nil, err
	}
	payerScript, err := input.WitnessPubKeyHash(
		params.PayerKey.SerializeCompressed(),
	)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)

	// The cooperative branch carries no timelock, so the input is final
	// and the locktime left at zero.
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *params.FundingPoint,
		Sequence:         wire.MaxTxInSequenceNum,
	})

	commitTx := &CommitmentTransaction{
		channelTx:        newChannelTx(tx),
		params:           params,
		witnessScript:    witnessScript,
		paymentIndex:     cumulative,
		payeeAmount:      cumulative,
		payerAmount:      params.Capacity - cumulative - fee,
		fee:              fee,
		payeeOutputIndex: -1,
		payerOutputIndex: -1,
	}
	commitTx.prevOuts[*params.FundingPoint] = chanOutput
	commitTx.scriptCodes[0] = witnessScript

	// The payee output leads, the payer remainder follows. The order is
	// fixed so both parties derive the identical transaction.
	if commitTx.payeeAmount >= DustLimit(payeeScript) {
		commitTx.payeeOutputIndex = len(tx.TxOut)
		tx.AddTxOut(&wire.TxOut{
			Value:    int64(commitTx.payeeAmount),
			PkScript: payeeScript,
		})
	}
	if commitTx.payerAmount >= DustLimit(payerScript) {
		commitTx.payerOutputIndex = len(tx.TxOut)
		tx.AddTxOut(&wire.TxOut{
			Value:    int64(commitTx.payerAmount),
			PkScript: payerScript,
		})
	}

	if len(tx.TxOut) == 0 {
		return nil, fmt.Errorf("%w: payee %v and payer %v below "+
			"dust", ErrDegenerateTransaction, commitTx.payeeAmount,
			commitTx.payerAmount)
	}

	if err := commitTx.Validate(); err != nil {
		return nil, err
	}

	log.Tracef("built commitment transaction at index %v: %v",
		cumulative, newLogClosure(func() string {
			return spew.Sdump(tx)
		}),
	)

	return commitTx, nil
}

// PaymentIndex returns the cumulative amount paid to the payee by this
// commitment transaction.
func (c *CommitmentTransaction) PaymentIndex() btcutil.Amount {
	return c.paymentIndex
}

// PayeeAmount returns the amount granted to the payee, before dust
// filtering.
func (c *CommitmentTransaction) PayeeAmount() btcutil.Amount {
	return c.payeeAmount
}

// PayerAmount returns the remainder returning to the payer, before dust
// filtering.
func (c *CommitmentTransaction) PayerAmount() btcutil.Amount {
	return c.payerAmount
}

// Fee returns the requested fee. Dust-omitted outputs raise the effective
// fee above this value.
func (c *CommitmentTransaction) Fee() btcutil.Amount {
	return c.fee
}

// signDescriptor returns the descriptor either party signs the commitment
// input with. The digest is identical for both; only the signing key
// differs.
func (c *CommitmentTransaction) signDescriptor(
	role keyRole) *input.SignDescriptor {

	pubKey := c.params.PayerKey
	if role == payeeKey {
		pubKey = c.params.PayeeKey
	}

	return &input.SignDescriptor{
		PubKey:        pubKey,
		WitnessScript: c.witnessScript,
		Output:        c.prevOuts[*c.params.FundingPoint],
		HashType:      txscript.SigHashAll,
		SigHashes:     c.sigHashes(),
		InputIndex:    0,
	}
}

// keyRole selects which party's key a sign descriptor is built for.
type keyRole uint8

const (
	payerKey keyRole = iota
	payeeKey
)

// PayerSignDescriptor returns the sign descriptor for the payer's side.
func (c *CommitmentTransaction) PayerSignDescriptor() *input.SignDescriptor {
	return c.signDescriptor(payerKey)
}

// PayeeSignDescriptor returns the sign descriptor for the payee's side.
func (c *CommitmentTransaction) PayeeSignDescriptor() *input.SignDescriptor {
	return c.signDescriptor(payeeKey)
}

// AddWitness attaches both signatures as the cooperative branch witness,
// making the transaction broadcastable.
func (c *CommitmentTransaction) AddWitness(payerSig, payeeSig *ecdsa.Signature) {
	payer := append(payerSig.Serialize(), byte(txscript.SigHashAll))
	payee := append(payeeSig.Serialize(), byte(txscript.SigHashAll))

	c.tx.TxIn[0].Witness = input.SpendCooperative(
		c.witnessScript,
		c.params.PayerKey.SerializeCompressed(), payer,
		c.params.PayeeKey.SerializeCompressed(), payee,
	)
}

// Validate checks the commitment transaction's structure: the shared shape
// checks, the single final-sequence input spending the funding outpoint,
// and the conservation invariant payer + payee + fee == capacity.
func (c *CommitmentTransaction) Validate() error {
	if err := c.channelTx.Validate(); err != nil {
		return err
	}

	if len(c.tx.TxIn) != 1 {
		return fmt.Errorf("%w: commitment tx must have exactly one "+
			"input, has %d", ErrInvalidTxShape, len(c.tx.TxIn))
	}
	if c.tx.TxIn[0].PreviousOutPoint != *c.params.FundingPoint {
		return fmt.Errorf("%w: commitment tx does not spend the "+
			"funding outpoint", ErrInvalidTxShape)
	}
	if c.tx.TxIn[0].Sequence != wire.MaxTxInSequenceNum {
		return fmt.Errorf("%w: commitment input sequence must be "+
			"final", ErrInvalidTxShape)
	}
	if c.tx.LockTime != 0 {
		return fmt.Errorf("%w: commitment tx carries unexpected "+
			"locktime %d", ErrInvalidTxShape, c.tx.LockTime)
	}
	if len(c.tx.TxOut) > 2 {
		return fmt.Errorf("%w: commitment tx has %d outputs, at most "+
			"two expected", ErrInvalidTxShape, len(c.tx.TxOut))
	}

	if c.payeeAmount+c.payerAmount+c.fee != c.params.Capacity {
		return fmt.Errorf("%w: payee %v + payer %v + fee %v != "+
			"capacity %v", ErrInvalidTxShape, c.payeeAmount,
			c.payerAmount, c.fee, c.params.Capacity)
	}

	if c.payeeOutputIndex >= 0 {
		value := c.tx.TxOut[c.payeeOutputIndex].Value
		if btcutil.Amount(value) != c.payeeAmount {
			return fmt.Errorf("%w: payee output pays %d, want %v",
				ErrInvalidTxShape, value, c.payeeAmount)
		}
	}
	if c.payerOutputIndex >= 0 {
		value := c.tx.TxOut[c.payerOutputIndex].Value
		if btcutil.Amount(value) != c.payerAmount {
			return fmt.Errorf("%w: payer output pays %d, want %v",
				ErrInvalidTxShape, value, c.payerAmount)
		}
	}

	return nil
}

// SignedCommitment pairs a commitment transaction with both parties'
// signatures. It is the unit the assembler stores as the channel's latest
// state and the unit persisted by callers; it is broadcastable only once
// Verify passes.
type SignedCommitment struct {
	// Commitment is the underlying commitment transaction.
	Commitment *CommitmentTransaction

	// PayerSig and PayeeSig are raw signatures over the commitment's
	// BIP-0143 digest, without the sighash flag byte.
	PayerSig *ecdsa.Signature
	PayeeSig *ecdsa.Signature
}

// Verify checks both signatures against the commitment's signature hash. A
// commitment transaction is spendable only once both signatures are present
// and verify; any failure is reported as ErrSignatureMismatch.
func (s *SignedCommitment) Verify() error {
	if s.PayerSig == nil || s.PayeeSig == nil {
		return fmt.Errorf("%w: missing signature",
			ErrSignatureMismatch)
	}

	digest, err := s.Commitment.SignatureHash(0, txscript.SigHashAll)
	if err != nil {
		return err
	}

	params := s.Commitment.params
	if !s.PayerSig.Verify(digest, params.PayerKey) {
		return fmt.Errorf("%w: payer signature invalid for index %v",
			ErrSignatureMismatch, s.Commitment.paymentIndex)
	}
	if !s.PayeeSig.Verify(digest, params.PayeeKey) {
		return fmt.Errorf("%w: payee signature invalid for index %v",
			ErrSignatureMismatch, s.Commitment.paymentIndex)
	}

	return nil
}

// BroadcastTx finalizes the commitment with its cooperative witness and
// returns the serialized transaction ready for relay.
func (s *SignedCommitment) BroadcastTx() ([]byte, error) {
	if err := s.Verify(); err != nil {
		return nil, err
	}

	s.Commitment.AddWitness(s.PayerSig, s.PayeeSig)
	return s.Commitment.ToData()
}

// Serialize writes the signed commitment to w in a form Deserialize can
// restore losslessly. The encoding is the serialized transaction, the
// payment index and fee, and both raw signatures, all length-prefixed where
// variable.
func (s *SignedCommitment) Serialize(w io.Writer) error {
	if s.PayerSig == nil || s.PayeeSig == nil {
		return fmt.Errorf("%w: missing signature",
			ErrSignatureMismatch)
	}

	txData, err := s.Commitment.ToData()
	if err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, 0, txData); err != nil {
		return err
	}

	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(s.Commitment.paymentIndex))
	if _, err := w.Write(scratch[:]); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(scratch[:], uint64(s.Commitment.fee))
	if _, err := w.Write(scratch[:]); err != nil {
		return err
	}

	if err := wire.WriteVarBytes(w, 0, s.PayerSig.Serialize()); err != nil {
		return err
	}
	return wire.WriteVarBytes(w, 0, s.PayeeSig.Serialize())
}

// DeserializeSignedCommitment restores a signed commitment previously
// written by Serialize. The channel parameters are needed to rebuild the
// transaction's linkage metadata and must be the same the commitment was
// built with.
func DeserializeSignedCommitment(r io.Reader,
	params *Parameters) (*SignedCommitment, error) {

	txData, err := wire.ReadVarBytes(r, 0, wire.MaxBlockPayload, "tx")
	if err != nil {
		return nil, err
	}
	tx, err := DecodeTx(txData)
	if err != nil {
		return nil, err
	}

	var scratch [8]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return nil, err
	}
	paymentIndex := btcutil.Amount(binary.BigEndian.Uint64(scratch[:]))
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return nil, err
	}
	fee := btcutil.Amount(binary.BigEndian.Uint64(scratch[:]))

	payerSigBytes, err := wire.ReadVarBytes(r, 0, 80, "payer sig")
	if err != nil {
		return nil, err
	}
	payerSig, err := ecdsa.ParseDERSignature(payerSigBytes)
	if err != nil {
		return nil, err
	}
	payeeSigBytes, err := wire.ReadVarBytes(r, 0, 80, "payee sig")
	if err != nil {
		return nil, err
	}
	payeeSig, err := ecdsa.ParseDERSignature(payeeSigBytes)
	if err != nil {
		return nil, err
	}

	commitTx, err := rebuildCommitment(params, tx, paymentIndex, fee)
	if err != nil {
		return nil, err
	}

	return &SignedCommitment{
		Commitment: commitTx,
		PayerSig:   payerSig,
		PayeeSig:   payeeSig,
	}, nil
}

// rebuildCommitment reattaches the channel-linkage metadata to a decoded
// commitment transaction, recovering the output split from the channel
// parameters.
func rebuildCommitment(params *Parameters, tx *wire.MsgTx, paymentIndex,
	fee btcutil.Amount) (*CommitmentTransaction, error) {

	if params.FundingPoint == nil {
		return nil, fmt.Errorf("%w: funding outpoint not yet known",
			ErrInvalidTxShape)
	}

	witnessScript, chanOutput, err := params.FundingScript()
	if err != nil {
		return nil, err
	}

	payeeScript, err := input.WitnessPubKeyHash(
		params.PayeeKey.SerializeCompressed(),
	)
	if err != nil {
		return nil, err
	}
	payerScript, err := input.WitnessPubKeyHash(
		params.PayerKey.SerializeCompressed(),
	)
	if err != nil {
		return nil, err
	}

	commitTx := &CommitmentTransaction{
		channelTx:        newChannelTx(tx),
		params:           params,
		witnessScript:    witnessScript,
		paymentIndex:     paymentIndex,
		payeeAmount:      paymentIndex,
		payerAmount:      params.Capacity - paymentIndex - fee,
		fee:              fee,
		payeeOutputIndex: -1,
		payerOutputIndex: -1,
	}
	commitTx.prevOuts[*params.FundingPoint] = chanOutput
	commitTx.scriptCodes[0] = witnessScript

	if found, idx := input.FindScriptOutputIndex(tx, payeeScript); found {
		commitTx.payeeOutputIndex = int(idx)
	}
	if found, idx := input.FindScriptOutputIndex(tx, payerScript); found {
		commitTx.payerOutputIndex = int(idx)
	}

	if err := commitTx.Validate(); err != nil {
		return nil, err
	}

	return commitTx, nil
}
