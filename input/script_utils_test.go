package input

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

var (
	testPayerKeyBytes = bytes.Repeat([]byte{0x11}, 32)
	testPayeeKeyBytes = bytes.Repeat([]byte{0x22}, 32)

	testChanAmount int64 = 100_000
)

func testKeys(t *testing.T) (*btcec.PrivateKey, *btcec.PrivateKey) {
	t.Helper()

	payerPriv, _ := btcec.PrivKeyFromBytes(testPayerKeyBytes)
	payeePriv, _ := btcec.PrivKeyFromBytes(testPayeeKeyBytes)
	return payerPriv, payeePriv
}

// assertEngineExecution executes the VM returned by the newEngine closure,
// asserting the result matches the validity expectation. In the case where it
// doesn't match the expectation, it executes the script step-by-step and
// prints debug information to stdout.
func assertEngineExecution(t *testing.T, valid bool,
	newEngine func() (*txscript.Engine, error)) {

	t.Helper()

	// Get a new VM to execute.
	vm, err := newEngine()
	require.NoError(t, err, "unable to create engine")

	// Execute the VM, only go on to the step-by-step execution if it
	// doesn't validate as expected.
	vmErr := vm.Execute()
	if valid == (vmErr == nil) {
		return
	}

	// Now that the execution didn't match what we expected, fetch a new
	// VM to step through.
	vm, err = newEngine()
	require.NoError(t, err, "unable to create engine")

	// This buffer will trace execution of the Script, dumping out to
	// stdout.
	var debugBuf bytes.Buffer

	done := false
	for !done {
		dis, err := vm.DisasmPC()
		require.NoError(t, err, "stepping")
		debugBuf.WriteString(fmt.Sprintf("stepping %v\n", dis))

		done, err = vm.Step()
		if err != nil && valid {
			fmt.Println(debugBuf.String())
			t.Fatalf("spend test case failed, spend should be "+
				"valid: %v", err)
		} else if err == nil && !valid && done {
			fmt.Println(debugBuf.String())
			t.Fatalf("spend test case succeeded, spend should " +
				"be invalid")
		}

		debugBuf.WriteString(fmt.Sprintf("Stack: %v", vm.GetStack()))
		debugBuf.WriteString(fmt.Sprintf("AltStack: %v", vm.GetAltStack()))
	}

	// If we get to this point the unexpected case was not reached during
	// step execution, which happens for some checks, like the clean-stack
	// rule.
	validity := "invalid"
	if valid {
		validity = "valid"
	}

	fmt.Println(debugBuf.String())
	t.Fatalf("%v spend test case execution ended with: %v", validity, vmErr)
}

// signChannelSpend produces a sighash-flag-terminated signature for input 0
// of the passed spending transaction under the given key.
func signChannelSpend(t *testing.T, spendTx *wire.MsgTx, witnessScript,
	pkScript []byte, privKey *btcec.PrivateKey) []byte {

	t.Helper()

	prevFetcher := txscript.NewCannedPrevOutputFetcher(
		pkScript, testChanAmount,
	)
	sigHashes := txscript.NewTxSigHashes(spendTx, prevFetcher)

	digest, err := txscript.CalcWitnessSigHash(
		witnessScript, sigHashes, txscript.SigHashAll, spendTx, 0,
		testChanAmount,
	)
	require.NoError(t, err)

	sig := ecdsa.Sign(privKey, digest)
	return append(sig.Serialize(), byte(txscript.SigHashAll))
}

// newSpendTx creates a minimal transaction spending the channel output at a
// synthetic outpoint, paying the full amount onwards to an arbitrary script.
func newSpendTx(version int32) *wire.MsgTx {
	fundingPoint := wire.OutPoint{
		Hash:  chainhash.Hash{0x01, 0x02, 0x03},
		Index: 0,
	}

	spendTx := wire.NewMsgTx(version)
	spendTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: fundingPoint,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	spendTx.AddTxOut(&wire.TxOut{
		Value:    testChanAmount,
		PkScript: []byte("fake"),
	})

	return spendTx
}

// TestFundingScriptDeterminism asserts that the same channel parameters
// always yield byte-identical scripts, regardless of the order the keys are
// passed in the multisig branch derivation.
func TestFundingScriptDeterminism(t *testing.T) {
	t.Parallel()

	payerPriv, payeePriv := testKeys(t)
	lock := RefundLock{Mode: LockModeRelative, Value: 144}

	script1, err := FundingScript(
		payerPriv.PubKey(), payeePriv.PubKey(), lock,
	)
	require.NoError(t, err)

	script2, err := FundingScript(
		payerPriv.PubKey(), payeePriv.PubKey(), lock,
	)
	require.NoError(t, err)

	require.Equal(t, script1, script2)

	// The p2wsh wrapping must be deterministic as well, since the script
	// hash is embedded in the funding output and must match on both
	// sides.
	pkScript1, err := WitnessScriptHash(script1)
	require.NoError(t, err)
	pkScript2, err := WitnessScriptHash(script2)
	require.NoError(t, err)
	require.Equal(t, pkScript1, pkScript2)
}

// TestRefundLockValidation asserts range checking of the refund lock against
// what consensus rules can express.
func TestRefundLockValidation(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		lock  RefundLock
		valid bool
	}{{
		name:  "valid relative",
		lock:  RefundLock{Mode: LockModeRelative, Value: 144},
		valid: true,
	}, {
		name:  "zero relative",
		lock:  RefundLock{Mode: LockModeRelative, Value: 0},
		valid: false,
	}, {
		name: "relative above 16 bits",
		lock: RefundLock{
			Mode:  LockModeRelative,
			Value: wire.SequenceLockTimeMask + 1,
		},
		valid: false,
	}, {
		name:  "valid absolute",
		lock:  RefundLock{Mode: LockModeAbsolute, Value: 500_000},
		valid: true,
	}, {
		name: "absolute at timestamp threshold",
		lock: RefundLock{
			Mode:  LockModeAbsolute,
			Value: txscript.LockTimeThreshold,
		},
		valid: false,
	}, {
		name:  "unknown mode",
		lock:  RefundLock{Mode: RefundLockMode(99), Value: 1},
		valid: false,
	}}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			err := testCase.lock.Validate()
			if testCase.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

// TestCooperativeSpend tests that the 2-of-2 branch of the channel script is
// spendable with both signatures present and correctly ordered, and rejects
// spends with a missing or invalid signature.
func TestCooperativeSpend(t *testing.T) {
	t.Parallel()

	payerPriv, payeePriv := testKeys(t)
	payerKey := payerPriv.PubKey().SerializeCompressed()
	payeeKey := payeePriv.PubKey().SerializeCompressed()
	lock := RefundLock{Mode: LockModeRelative, Value: 144}

	witnessScript, chanOutput, err := FundingPkScript(
		payerPriv.PubKey(), payeePriv.PubKey(), lock, testChanAmount,
	)
	require.NoError(t, err)

	spendTx := newSpendTx(2)

	payerSig := signChannelSpend(
		t, spendTx, witnessScript, chanOutput.PkScript, payerPriv,
	)
	payeeSig := signChannelSpend(
		t, spendTx, witnessScript, chanOutput.PkScript, payeePriv,
	)

	testCases := []struct {
		name    string
		witness wire.TxWitness
		valid   bool
	}{{
		name: "both signatures",
		witness: SpendCooperative(
			witnessScript, payerKey, payerSig, payeeKey, payeeSig,
		),
		valid: true,
	}, {
		name: "swapped signatures",
		witness: SpendCooperative(
			witnessScript, payerKey, payeeSig, payeeKey, payerSig,
		),
		valid: false,
	}, {
		name: "payee signature doubled",
		witness: SpendCooperative(
			witnessScript, payerKey, payeeSig, payeeKey, payeeSig,
		),
		valid: false,
	}}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			spendTx.TxIn[0].Witness = testCase.witness

			newEngine := func() (*txscript.Engine, error) {
				prevFetcher := txscript.NewCannedPrevOutputFetcher(
					chanOutput.PkScript, testChanAmount,
				)
				sigHashes := txscript.NewTxSigHashes(
					spendTx, prevFetcher,
				)
				return txscript.NewEngine(
					chanOutput.PkScript, spendTx, 0,
					txscript.StandardVerifyFlags, nil,
					sigHashes, testChanAmount, prevFetcher,
				)
			}

			assertEngineExecution(t, testCase.valid, newEngine)
		})
	}
}

// TestRefundSpendRelative exercises the CSV refund branch at the exact
// maturity boundary: a spend with the input sequence at the scripted delay is
// valid, one block short is not.
func TestRefundSpendRelative(t *testing.T) {
	t.Parallel()

	const csvDelay = 144

	payerPriv, payeePriv := testKeys(t)
	lock := RefundLock{Mode: LockModeRelative, Value: csvDelay}

	witnessScript, chanOutput, err := FundingPkScript(
		payerPriv.PubKey(), payeePriv.PubKey(), lock, testChanAmount,
	)
	require.NoError(t, err)

	testCases := []struct {
		name     string
		sequence uint32
		valid    bool
	}{{
		name:     "matured",
		sequence: csvDelay,
		valid:    true,
	}, {
		name:     "one block short",
		sequence: csvDelay - 1,
		valid:    false,
	}}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			spendTx := newSpendTx(2)
			spendTx.TxIn[0].Sequence = testCase.sequence

			payerSig := signChannelSpend(
				t, spendTx, witnessScript,
				chanOutput.PkScript, payerPriv,
			)
			spendTx.TxIn[0].Witness = SpendRefund(
				witnessScript, payerSig,
			)

			newEngine := func() (*txscript.Engine, error) {
				prevFetcher := txscript.NewCannedPrevOutputFetcher(
					chanOutput.PkScript, testChanAmount,
				)
				sigHashes := txscript.NewTxSigHashes(
					spendTx, prevFetcher,
				)
				return txscript.NewEngine(
					chanOutput.PkScript, spendTx, 0,
					txscript.StandardVerifyFlags, nil,
					sigHashes, testChanAmount, prevFetcher,
				)
			}

			assertEngineExecution(t, testCase.valid, newEngine)
		})
	}
}

// TestRefundSpendAbsolute exercises the CLTV refund branch at the exact
// maturity boundary height.
func TestRefundSpendAbsolute(t *testing.T) {
	t.Parallel()

	const refundHeight = 500_000

	payerPriv, payeePriv := testKeys(t)
	lock := RefundLock{Mode: LockModeAbsolute, Value: refundHeight}

	witnessScript, chanOutput, err := FundingPkScript(
		payerPriv.PubKey(), payeePriv.PubKey(), lock, testChanAmount,
	)
	require.NoError(t, err)

	testCases := []struct {
		name     string
		lockTime uint32
		valid    bool
	}{{
		name:     "matured",
		lockTime: refundHeight,
		valid:    true,
	}, {
		name:     "one block short",
		lockTime: refundHeight - 1,
		valid:    false,
	}}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			spendTx := newSpendTx(2)
			spendTx.LockTime = testCase.lockTime

			// CLTV requires a non-final input sequence, otherwise
			// the locktime is disregarded entirely.
			spendTx.TxIn[0].Sequence = wire.MaxTxInSequenceNum - 1

			payerSig := signChannelSpend(
				t, spendTx, witnessScript,
				chanOutput.PkScript, payerPriv,
			)
			spendTx.TxIn[0].Witness = SpendRefund(
				witnessScript, payerSig,
			)

			newEngine := func() (*txscript.Engine, error) {
				prevFetcher := txscript.NewCannedPrevOutputFetcher(
					chanOutput.PkScript, testChanAmount,
				)
				sigHashes := txscript.NewTxSigHashes(
					spendTx, prevFetcher,
				)
				return txscript.NewEngine(
					chanOutput.PkScript, spendTx, 0,
					txscript.StandardVerifyFlags, nil,
					sigHashes, testChanAmount, prevFetcher,
				)
			}

			assertEngineExecution(t, testCase.valid, newEngine)
		})
	}
}

// TestFindScriptOutputIndex asserts the output lookup helper finds the first
// matching script and reports absence correctly.
func TestFindScriptOutputIndex(t *testing.T) {
	t.Parallel()

	payerPriv, payeePriv := testKeys(t)
	lock := RefundLock{Mode: LockModeRelative, Value: 144}

	_, chanOutput, err := FundingPkScript(
		payerPriv.PubKey(), payeePriv.PubKey(), lock, testChanAmount,
	)
	require.NoError(t, err)

	tx := wire.NewMsgTx(2)
	tx.AddTxOut(&wire.TxOut{Value: 1000, PkScript: []byte("change")})
	tx.AddTxOut(chanOutput)

	found, index := FindScriptOutputIndex(tx, chanOutput.PkScript)
	require.True(t, found)
	require.Equal(t, uint32(1), index)

	found, _ = FindScriptOutputIndex(tx, []byte("missing"))
	require.False(t, found)
}
