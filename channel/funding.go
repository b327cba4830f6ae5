package channel

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"

	"github.com/bernardoaraujor/braidpool/input"
)

// Coin represents a spendable UTXO which is available to fund a channel. The
// coins must be controlled by the payer's key; coin selection itself is the
// wallet's job and happens before this package is involved.
type Coin struct {
	wire.TxOut

	// OutPoint is the location of the coin within the chain.
	OutPoint wire.OutPoint
}

// FundingTransaction locks the channel capacity into a single p2wsh output
// spendable either cooperatively by both parties or unilaterally by the
// payer through the timelocked refund branch. It is created once per channel
// and immutable after broadcast.
type FundingTransaction struct {
	channelTx

	params *Parameters

	// witnessScript is the channel script hashed into the funding
	// output.
	witnessScript []byte

	// chanOutputIndex is the index of the channel output within the
	// transaction. Always 0 with the current layout, kept explicit so
	// downstream code never hardcodes it.
	chanOutputIndex uint32

	fee btcutil.Amount
}

// NewFundingTransaction assembles the funding transaction for a channel from
// the passed coins. The total coin value must cover the channel capacity
// plus the fee, otherwise ErrInsufficientFunds is returned. Any leftover
// above the dust threshold becomes a change output paying to changePkScript;
// leftover below it is folded into the fee. Construction is pure, the
// transaction is not broadcast.
func NewFundingTransaction(coins []Coin, changePkScript []byte,
	params *Parameters, fee btcutil.Amount) (*FundingTransaction, error) {

	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTxShape, err)
	}
	if fee < 0 {
		return nil, fmt.Errorf("%w: negative fee %v",
			ErrInvalidTxShape, fee)
	}
	if len(coins) == 0 {
		return nil, fmt.Errorf("%w: no coins to fund channel with",
			ErrInsufficientFunds)
	}

	var totalIn btcutil.Amount
	for _, coin := range coins {
		totalIn += btcutil.Amount(coin.Value)
	}
	if totalIn < params.Capacity+fee {
		return nil, fmt.Errorf("%w: have %v, need %v + %v fee",
			ErrInsufficientFunds, totalIn, params.Capacity, fee)
	}

	witnessScript, chanOutput, err := params.FundingScript()
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)
	fundingTx := &FundingTransaction{
		channelTx:     newChannelTx(tx),
		params:        params,
		witnessScript: witnessScript,
		fee:           fee,
	}

	for i, coin := range coins {
		coin := coin
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: coin.OutPoint,
			Sequence:         wire.MaxTxInSequenceNum,
		})

		fundingTx.prevOuts[coin.OutPoint] = &coin.TxOut
		scriptCode, err := scriptCodeForOutput(&coin.TxOut)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTxShape,
				err)
		}
		fundingTx.scriptCodes[i] = scriptCode
	}

	// The channel output always sits at index 0, followed by the
	// optional change output.
	tx.AddTxOut(chanOutput)

	change := totalIn - params.Capacity - fee
	if change >= DustLimit(changePkScript) {
		tx.AddTxOut(&wire.TxOut{
			Value:    int64(change),
			PkScript: changePkScript,
		})
	} else if change > 0 {
		log.Debugf("folding dust change of %v into funding fee",
			change)
		fundingTx.fee += change
	}

	if err := fundingTx.Validate(); err != nil {
		return nil, err
	}

	log.Tracef("built funding transaction: %v",
		newLogClosure(func() string {
			return spew.Sdump(tx)
		}),
	)

	return fundingTx, nil
}

// FundingOutPoint returns the outpoint of the channel output. Every
// subsequent channel transaction spends this outpoint.
func (f *FundingTransaction) FundingOutPoint() wire.OutPoint {
	return wire.OutPoint{
		Hash:  f.tx.TxHash(),
		Index: f.chanOutputIndex,
	}
}

// WitnessScript returns the channel script hashed into the funding output.
func (f *FundingTransaction) WitnessScript() []byte {
	return f.witnessScript
}

// Fee returns the fee the transaction pays, dust-change folding included.
func (f *FundingTransaction) Fee() btcutil.Amount {
	return f.fee
}

// SignDescriptor returns a descriptor for signing the given funding input
// with the payer's key. The witness itself is assembled by the payer's
// wallet, which may sign with descriptors like these or through its own
// machinery.
func (f *FundingTransaction) SignDescriptor(
	inputIndex int) (*input.SignDescriptor, error) {

	if inputIndex < 0 || inputIndex >= len(f.tx.TxIn) {
		return nil, fmt.Errorf("%w: input index %d out of range",
			ErrInvalidTxShape, inputIndex)
	}

	prevOut := f.prevOuts[f.tx.TxIn[inputIndex].PreviousOutPoint]

	return &input.SignDescriptor{
		PubKey:        f.params.PayerKey,
		WitnessScript: f.scriptCodes[inputIndex],
		Output:        prevOut,
		HashType:      txscript.SigHashAll,
		SigHashes:     f.sigHashes(),
		InputIndex:    inputIndex,
	}, nil
}

// Validate checks the funding transaction's structure: the shared shape
// checks, exactly one channel output of exactly the channel capacity, and
// value conservation across inputs, outputs and fee.
func (f *FundingTransaction) Validate() error {
	if err := f.channelTx.Validate(); err != nil {
		return err
	}

	expectedPkScript, err := input.WitnessScriptHash(f.witnessScript)
	if err != nil {
		return err
	}

	chanOutputs := 0
	var totalOut btcutil.Amount
	for _, txOut := range f.tx.TxOut {
		totalOut += btcutil.Amount(txOut.Value)
		if bytes.Equal(txOut.PkScript, expectedPkScript) {
			chanOutputs++
			if btcutil.Amount(txOut.Value) != f.params.Capacity {
				return fmt.Errorf("%w: channel output pays "+
					"%d, capacity is %v",
					ErrInvalidTxShape, txOut.Value,
					f.params.Capacity)
			}
		}
	}
	if chanOutputs != 1 {
		return fmt.Errorf("%w: expected exactly one channel output, "+
			"found %d", ErrInvalidTxShape, chanOutputs)
	}

	if f.inputValue() != totalOut+f.fee {
		return fmt.Errorf("%w: input value %v != outputs %v + fee %v",
			ErrInvalidTxShape, f.inputValue(), totalOut, f.fee)
	}

	return nil
}
