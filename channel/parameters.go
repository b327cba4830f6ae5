package channel

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/wire"

	"github.com/bernardoaraujor/braidpool/input"
)

// Parameters describes a single one-way channel: who pays, who gets paid,
// how much is locked up, and how the payer's refund path is time locked.
// Parameters are immutable once the funding transaction confirms; only the
// funding outpoint is filled in after construction, when the funding
// transaction id becomes known.
type Parameters struct {
	// PayerKey is the public key of the party funding the channel and
	// streaming payments out of it.
	PayerKey *btcec.PublicKey

	// PayeeKey is the public key of the party accumulating payments.
	PayeeKey *btcec.PublicKey

	// Capacity is the total amount locked into the channel funding
	// output. The sum of payee payment, payer remainder and fee of every
	// commitment transaction equals this amount.
	Capacity btcutil.Amount

	// RefundLock is the timelock protecting the payer's unilateral
	// refund path.
	RefundLock input.RefundLock

	// FundingPoint is the outpoint of the channel output within the
	// funding transaction. Nil until the funding transaction is built.
	FundingPoint *wire.OutPoint
}

// Validate checks that the parameters describe a channel that can actually
// be built: both keys present and distinct, a capacity worth locking up, and
// a refund lock consensus rules can express.
func (p *Parameters) Validate() error {
	if p.PayerKey == nil || p.PayeeKey == nil {
		return fmt.Errorf("both payer and payee keys are required")
	}

	payer := p.PayerKey.SerializeCompressed()
	payee := p.PayeeKey.SerializeCompressed()
	if bytes.Equal(payer, payee) {
		return fmt.Errorf("payer and payee keys must differ")
	}

	if p.Capacity <= 0 {
		return fmt.Errorf("channel capacity must be positive, have %v",
			p.Capacity)
	}
	if p.Capacity > btcutil.MaxSatoshi {
		return fmt.Errorf("channel capacity %v above max of %v",
			p.Capacity, btcutil.Amount(btcutil.MaxSatoshi))
	}

	return p.RefundLock.Validate()
}

// FundingScript derives the channel witness script and the p2wsh funding
// output locked by it. The same parameters always yield byte-identical
// scripts, which is required because the script hash is embedded in the
// funding output and must match on both sides.
func (p *Parameters) FundingScript() ([]byte, *wire.TxOut, error) {
	return input.FundingPkScript(
		p.PayerKey, p.PayeeKey, p.RefundLock, int64(p.Capacity),
	)
}

// DustLimit retrieves the economic dust threshold for an output carrying the
// passed pkScript, witness discount included. Outputs below this value are
// not relayed by default policy and are omitted from channel transactions.
// The same rule backs the structural validation, so an output the builders
// include always passes it.
func DustLimit(pkScript []byte) btcutil.Amount {
	txOut := &wire.TxOut{PkScript: pkScript}
	return btcutil.Amount(mempool.GetDustThreshold(txOut))
}
