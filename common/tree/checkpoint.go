package tree

import (
	"fmt"

	"github.com/ark-network/ark-batch/common/script"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// BuildCheckpointTx builds the tx moving a vtxo to a checkpoint output,
// locked by the server unroll leaf and the vtxo collaborative leaf. The vtxo
// is spent through its collaborative leaf.
func BuildCheckpointTx(
	vtxo VtxoInput, serverUnroll *script.CSVMultisigClosure,
) (*psbt.Packet, error) {
	checkpointScript := &script.TapscriptsVtxoScript{
		Closures: []script.Closure{serverUnroll, vtxo.Closure},
	}
	checkpointPkScript, err := checkpointScript.PkScript()
	if err != nil {
		return nil, fmt.Errorf("failed to build checkpoint script: %w", err)
	}

	prevout, leaf, err := vtxo.Prevout()
	if err != nil {
		return nil, err
	}

	txLocktime := vtxo.Locktime()
	sequence := wire.MaxTxInSequenceNum
	if txLocktime != 0 {
		sequence = wire.MaxTxInSequenceNum - 1
	}

	ptx, err := psbt.New(
		[]*wire.OutPoint{vtxo.Outpoint},
		[]*wire.TxOut{{Value: vtxo.Amount, PkScript: checkpointPkScript}, AnchorOutput()},
		3, uint32(txLocktime), []uint32{sequence},
	)
	if err != nil {
		return nil, err
	}

	updater, err := psbt.NewUpdater(ptx)
	if err != nil {
		return nil, err
	}
	if err := updater.AddInWitnessUtxo(prevout, 0); err != nil {
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
