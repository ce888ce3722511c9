package batch

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ark-network/ark-batch/common"
	"github.com/ark-network/ark-batch/common/script"
	"github.com/ark-network/ark-batch/common/tree"
	"github.com/ark-network/ark-batch/pkg/client-sdk/client"
	"github.com/ark-network/ark-batch/pkg/client-sdk/types"
	"github.com/ark-network/ark-batch/pkg/client-sdk/wallet"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcwallet/waddrmgr"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// signForfeits builds and signs one forfeit tx per spent vtxo, each backed
// by its own connector. A delegated round completes the forfeits signed by
// the vtxo owner instead.
func (r *RoundHandle) signForfeits(
	ctx context.Context, commitmentTx *psbt.Packet, e client.BatchFinalizationEvent,
) ([]string, error) {
	if len(r.intent.Vtxos) <= 0 {
		return nil, nil
	}
	if len(r.connectorChunks) <= 0 {
		return nil, serverError("missing connector tree", nil)
	}

	connectorTree, err := tree.NewTxTree(r.connectorChunks)
	if err != nil {
		return nil, serverError("invalid connector tree", err)
	}
	rootInput := connectorTree.Root().Input()
	if rootInput.Hash != commitmentTx.UnsignedTx.TxHash() {
		return nil, serverError("connector tree does not spend the commitment tx", nil)
	}
	connectors, err := tree.NewConnectorTracker(connectorTree)
	if err != nil {
		return nil, serverError("invalid connector tree", err)
	}

	assigned, err := assignConnectors(connectors, r.intent.Vtxos, e.ConnectorsIndex)
	if err != nil {
		return nil, err
	}

	forfeitTxs := make([]string, 0, len(r.intent.Vtxos))
	for i, vtxo := range r.intent.Vtxos {
		key := vtxo.Outpoint.String()
		connector := assigned[i]

		input, err := forfeitInput(vtxo.Outpoint, vtxo.Amount, vtxo.Tapscripts)
		if err != nil {
			return nil, localError(fmt.Sprintf("invalid vtxo %s", key), err)
		}

		var forfeitTx *psbt.Packet
		if r.delegate != nil {
			forfeitTx, err = r.completeForfeit(*input, connector)
			if err != nil {
				return nil, err
			}
		} else {
			forfeitTx, err = r.buildForfeit(ctx, *input, connector, e.MinRelayFeeRate)
			if err != nil {
				return nil, err
			}
		}

		b64, err := forfeitTx.B64Encode()
		if err != nil {
			return nil, localError("failed to encode forfeit tx", err)
		}
		forfeitTxs = append(forfeitTxs, b64)
	}

	return forfeitTxs, nil
}

// assignConnectors pairs every vtxo with its own connector. The vtxos listed
// in the server index claim their connector first, the others take the
// remaining ones in leaf order.
func assignConnectors(
	connectors *tree.ConnectorTracker, vtxos []types.Vtxo, index map[string]types.Outpoint,
) ([]*tree.Connector, error) {
	seen := make(map[string]struct{}, len(vtxos))
	for _, vtxo := range vtxos {
		key := vtxo.Outpoint.String()
		if _, ok := seen[key]; ok {
			return nil, localError(
				"forfeit already built", fmt.Errorf("%w: %s", ErrDuplicateInput, key),
			)
		}
		seen[key] = struct{}{}
	}

	assigned := make([]*tree.Connector, len(vtxos))
	for i, vtxo := range vtxos {
		key := vtxo.Outpoint.String()
		outpoint, ok := index[key]
		if !ok {
			continue
		}
		wireOutpoint, err := outpoint.ToWire()
		if err != nil {
			return nil, serverError("invalid connectors index", err)
		}
		assigned[i], err = connectors.Claim(key, *wireOutpoint)
		if err != nil {
			return nil, serverError("invalid connector assignment", err)
		}
	}

	for i, vtxo := range vtxos {
		if assigned[i] != nil {
			continue
		}
		connector, err := connectors.Next(vtxo.Outpoint.String())
		if err != nil {
			return nil, serverError("invalid connector assignment", err)
		}
		assigned[i] = connector
	}
	return assigned, nil
}

func (r *RoundHandle) buildForfeit(
	ctx context.Context, input tree.VtxoInput, connector *tree.Connector,
	minRelayFeeRate chainfee.SatPerKVByte,
) (*psbt.Packet, error) {
	key := input.Outpoint.String()

	fee := uint64(0)
	if minRelayFeeRate > 0 {
		var err error
		fee, err = forfeitFee(minRelayFeeRate, &input, r.params.forfeitScript)
		if err != nil {
			return nil, localError("failed to estimate forfeit fee", err)
		}
	}

	forfeitTx, err := tree.BuildForfeitTx(
		input, &connector.Outpoint, connector.Prevout, r.params.forfeitScript, fee,
	)
	if err != nil {
		return nil, localError(fmt.Sprintf("failed to build forfeit of %s", key), err)
	}

	signed, err := wallet.SignTapscriptInput(ctx, r.engine.signer, forfeitTx, 0)
	if err != nil {
		return nil, localError(fmt.Sprintf("failed to sign forfeit of %s", key), err)
	}
	if !signed {
		return nil, localError(fmt.Sprintf("vtxo %s is not spendable by the signer", key), nil)
	}
	return forfeitTx, nil
}

// forfeitFee estimates the fee of a forfeit spending the vtxo through its
// forfeit leaf, every key of the leaf adding a 64 bytes signature.
func forfeitFee(
	feeRate chainfee.SatPerKVByte, input *tree.VtxoInput, forfeitScript []byte,
) (uint64, error) {
	_, leaf, err := input.Prevout()
	if err != nil {
		return 0, err
	}
	controlBlock, err := txscript.ParseControlBlock(leaf.ControlBlock)
	if err != nil {
		return 0, err
	}

	witnessSize := 64 * len(script.ClosureKeys(input.Closure))
	return common.ComputeForfeitTxFee(
		feeRate,
		&waddrmgr.Tapscript{
			Type:           waddrmgr.TapscriptTypePartialReveal,
			ControlBlock:   controlBlock,
			RevealedScript: leaf.Script,
		},
		witnessSize,
		forfeitScript,
	)
}

// signBoardingInputs cosigns the commitment tx inputs spending boarding
// utxos through their collaborative leaf. It returns the signed psbt, empty
// if there is no boarding input.
func (r *RoundHandle) signBoardingInputs(
	ctx context.Context, commitmentTx *psbt.Packet,
) (string, error) {
	if len(r.intent.BoardingUtxos) <= 0 {
		return "", nil
	}

	for _, utxo := range r.intent.BoardingUtxos {
		input, err := forfeitInput(utxo.Outpoint, utxo.Amount, utxo.Tapscripts)
		if err != nil {
			return "", localError(fmt.Sprintf("invalid boarding utxo %s", utxo.Outpoint), err)
		}
		prevout, leaf, err := input.Prevout()
		if err != nil {
			return "", localError(fmt.Sprintf("invalid boarding utxo %s", utxo.Outpoint), err)
		}

		index := -1
		for i, txIn := range commitmentTx.UnsignedTx.TxIn {
			if txIn.PreviousOutPoint == *input.Outpoint {
				index = i
				break
			}
		}
		if index < 0 {
			return "", serverError(
				fmt.Sprintf("boarding utxo %s not spent by the commitment tx", utxo.Outpoint), nil,
			)
		}

		pin := &commitmentTx.Inputs[index]
		if pin.WitnessUtxo == nil {
			pin.WitnessUtxo = prevout
		} else if pin.WitnessUtxo.Value != prevout.Value ||
			!bytes.Equal(pin.WitnessUtxo.PkScript, prevout.PkScript) {
			return "", serverError(
				fmt.Sprintf("wrong prevout for boarding utxo %s", utxo.Outpoint), nil,
			)
		}
		pin.TaprootLeafScript = []*psbt.TaprootTapLeafScript{leaf}

		signed, err := wallet.SignTapscriptInput(ctx, r.engine.signer, commitmentTx, index)
		if err != nil {
			return "", localError(fmt.Sprintf("failed to sign boarding utxo %s", utxo.Outpoint), err)
		}
		if !signed {
			return "", localError(
				fmt.Sprintf("boarding utxo %s is not spendable by the signer", utxo.Outpoint), nil,
			)
		}
	}

	b64, err := commitmentTx.B64Encode()
	if err != nil {
		return "", localError("failed to encode commitment tx", err)
	}
	return b64, nil
}

// signCheckpoints signs, for every new vtxo owned by the signer, the
// checkpoint tx moving it under the server unroll leaf. Delegated rounds
// skip it, the new vtxos are not owned by the signer.
func (r *RoundHandle) signCheckpoints(ctx context.Context) ([]string, error) {
	if r.params.checkpointClosure == nil || r.delegate != nil {
		return nil, nil
	}

	offchainReceivers := 0
	checkpointTxs := make([]string, 0)
	for _, receiver := range r.intent.Receivers {
		if receiver.IsOnchain() {
			continue
		}
		leaf := r.receiverLeaves[offchainReceivers]
		offchainReceivers++
		if len(receiver.Tapscripts) <= 0 {
			continue
		}

		outpoint := tree.LeafOutpoint(leaf)
		vtxoScript, err := script.ParseVtxoScript(receiver.Tapscripts)
		if err != nil {
			return nil, localError("invalid receiver tapscripts", err)
		}
		forfeitClosures := vtxoScript.ForfeitClosures()
		if len(forfeitClosures) <= 0 {
			return nil, localError("receiver script has no forfeit closure", nil)
		}

		checkpointTx, err := tree.BuildCheckpointTx(tree.VtxoInput{
			Outpoint:   &outpoint,
			Amount:     int64(receiver.Amount),
			Tapscripts: receiver.Tapscripts,
			Closure:    forfeitClosures[0],
		}, r.params.checkpointClosure)
		if err != nil {
			return nil, localError("failed to build checkpoint tx", err)
		}

		signed, err := wallet.SignTapscriptInput(ctx, r.engine.signer, checkpointTx, 0)
		if err != nil {
			return nil, localError("failed to sign checkpoint tx", err)
		}
		if !signed {
			return nil, localError("receiver vtxo is not spendable by the signer", nil)
		}

		b64, err := checkpointTx.B64Encode()
		if err != nil {
			return nil, localError("failed to encode checkpoint tx", err)
		}
		checkpointTxs = append(checkpointTxs, b64)
	}
	return checkpointTxs, nil
}
