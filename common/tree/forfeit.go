package tree

import (
	"fmt"

	"github.com/ark-network/ark-batch/common"
	"github.com/ark-network/ark-batch/common/script"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// VtxoInput is a vtxo (or boarding utxo) spent through one of the leaves of
// its taproot script.
type VtxoInput struct {
	Outpoint   *wire.OutPoint
	Amount     int64
	Tapscripts []string
	Closure    script.Closure
}

// Prevout returns the spent output and the tapleaf spending it.
func (v VtxoInput) Prevout() (*wire.TxOut, *psbt.TaprootTapLeafScript, error) {
	vtxoScript, err := script.ParseVtxoScript(v.Tapscripts)
	if err != nil {
		return nil, nil, err
	}

	taprootKey, tapTree, err := vtxoScript.TapTree()
	if err != nil {
		return nil, nil, err
	}
	pkScript, err := common.P2TRScript(taprootKey)
	if err != nil {
		return nil, nil, err
	}

	proof, err := tapTree.ClosureProof(v.Closure)
	if err != nil {
		return nil, nil, err
	}

	return &wire.TxOut{Value: v.Amount, PkScript: pkScript}, &psbt.TaprootTapLeafScript{
		ControlBlock: proof.ControlBlock,
		Script:       proof.Script,
		LeafVersion:  txscript.BaseLeafVersion,
	}, nil
}

// Locktime returns the nLocktime required by a CLTV leaf, 0 otherwise.
func (v VtxoInput) Locktime() common.AbsoluteLocktime {
	if cltv, ok := v.Closure.(*script.CLTVMultisigClosure); ok {
		return cltv.Locktime
	}
	return 0
}

// BuildForfeitTx builds the tx giving the vtxo to the server once the
// connector output is confirmed. Inputs are [vtxo, connector], outputs are
// [forfeit, anchor], fee is deducted from the forfeit output.
func BuildForfeitTx(
	vtxo VtxoInput, connector *wire.OutPoint, connectorPrevout *wire.TxOut,
	forfeitScript []byte, fee uint64,
) (*psbt.Packet, error) {
	vtxoPrevout, leaf, err := vtxo.Prevout()
	if err != nil {
		return nil, fmt.Errorf("failed to get vtxo prevout: %w", err)
	}

	txLocktime := vtxo.Locktime()
	vtxoSequence := wire.MaxTxInSequenceNum
	if txLocktime != 0 {
		vtxoSequence = wire.MaxTxInSequenceNum - 1
	}

	forfeitAmount := vtxoPrevout.Value + connectorPrevout.Value - ANCHOR_VALUE - int64(fee)
	if forfeitAmount <= 0 {
		return nil, fmt.Errorf("forfeit fee %d exceeds the forfeited amount", fee)
	}

	ptx, err := psbt.New(
		[]*wire.OutPoint{vtxo.Outpoint, connector},
		[]*wire.TxOut{{Value: forfeitAmount, PkScript: forfeitScript}, AnchorOutput()},
		3, uint32(txLocktime), []uint32{vtxoSequence, wire.MaxTxInSequenceNum},
	)
	if err != nil {
		return nil, err
	}

	updater, err := psbt.NewUpdater(ptx)
	if err != nil {
		return nil, err
	}
	if err := updater.AddInWitnessUtxo(vtxoPrevout, 0); err != nil {
		return nil, err
	}
	if err := updater.AddInWitnessUtxo(connectorPrevout, 1); err != nil {
		return nil, err
	}
	if err := updater.AddInSighashType(txscript.SigHashDefault, 0); err != nil {
		return nil, err
	}

	ptx.Inputs[0].TaprootLeafScript = []*psbt.TaprootTapLeafScript{leaf}
	if err := AddTaprootTree(0, ptx, vtxo.Tapscripts); err != nil {
		return nil, err
	}

	return ptx, nil
}

// BuildForfeitTemplate builds the forfeit tx of a vtxo without its connector
// input, for a connector amount known in advance. The vtxo input commits to
// SIGHASH_ALL|ANYONECANPAY so that the connector can be added once signed.
func BuildForfeitTemplate(
	vtxo VtxoInput, connectorAmount int64, forfeitScript []byte,
) (*psbt.Packet, error) {
	ptx, err := BuildForfeitTx(
		vtxo, &wire.OutPoint{}, &wire.TxOut{Value: connectorAmount}, forfeitScript, 0,
	)
	if err != nil {
		return nil, err
	}

	ptx.UnsignedTx.TxIn = ptx.UnsignedTx.TxIn[:1]
	ptx.Inputs = ptx.Inputs[:1]
	ptx.Inputs[0].SighashType = txscript.SigHashAll | txscript.SigHashAnyOneCanPay
	return ptx, nil
}

// CompleteForfeitTx adds the connector input to a forfeit template. The vtxo
// input, its signatures included, and the outputs are left untouched.
func CompleteForfeitTx(
	template *psbt.Packet, connector *wire.OutPoint, connectorPrevout *wire.TxOut,
) (*psbt.Packet, error) {
	if len(template.UnsignedTx.TxIn) != 1 || len(template.Inputs) != 1 {
		return nil, fmt.Errorf("forfeit template must spend the vtxo only")
	}
	vtxoPrevout := template.Inputs[0].WitnessUtxo
	if vtxoPrevout == nil {
		return nil, fmt.Errorf("forfeit template: missing vtxo witness utxo")
	}

	outputAmount := int64(0)
	for _, out := range template.UnsignedTx.TxOut {
		outputAmount += out.Value
	}
	if vtxoPrevout.Value+connectorPrevout.Value < outputAmount {
		return nil, fmt.Errorf(
			"connector amount %d too low for forfeit output %d", connectorPrevout.Value, outputAmount,
		)
	}

	tx := template.UnsignedTx.Copy()
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: *connector, Sequence: wire.MaxTxInSequenceNum})

	ptx, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, err
	}
	ptx.Inputs[0] = template.Inputs[0]
	ptx.Inputs[1].WitnessUtxo = connectorPrevout
	copy(ptx.Outputs, template.Outputs)
	return ptx, nil
}
