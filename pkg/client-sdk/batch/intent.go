package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/ark-network/ark-batch/common/intent"
	"github.com/ark-network/ark-batch/common/script"
	"github.com/ark-network/ark-batch/common/tree"
	"github.com/ark-network/ark-batch/pkg/client-sdk/types"
	"github.com/ark-network/ark-batch/pkg/client-sdk/wallet"
	"github.com/btcsuite/btcd/wire"
)

const deleteProofValidity = 2 * time.Minute

func (r *RoundHandle) register(ctx context.Context) error {
	if r.delegate != nil {
		return r.registerIntent(ctx, r.delegate.proof, r.delegate.message)
	}

	onchainOutputIndexes := make([]int, 0)
	for i, receiver := range r.intent.Receivers {
		if receiver.IsOnchain() {
			onchainOutputIndexes = append(onchainOutputIndexes, i)
		}
	}

	message, err := intent.NewRegisterMessage(
		onchainOutputIndexes, time.Now().Unix(), 0, r.intent.CosignerKeys,
	).Encode()
	if err != nil {
		return localError("failed to encode intent message", err)
	}

	proof, err := r.signedProof(ctx, message, r.outputs)
	if err != nil {
		return err
	}
	return r.registerIntent(ctx, proof, message)
}

func (r *RoundHandle) registerIntent(ctx context.Context, proof, message string) error {
	intentId, err := r.engine.transport.RegisterIntent(ctx, proof, message)
	if err != nil {
		return newTransportError("RegisterIntent", err)
	}
	r.intentId = intentId
	r.log().Infof("registered intent with %d inputs", len(r.intent.Outpoints()))
	return nil
}

// deleteIntent withdraws the registered intent, best effort. The deletion
// proof of a delegated intent can only be signed by the vtxo owner.
func (r *RoundHandle) deleteIntent() {
	if r.delegate != nil {
		r.log().Debug("delegated intent left registered")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deleteIntentTimeout)
	defer cancel()

	message, err := intent.NewDeleteMessage(time.Now().Add(deleteProofValidity).Unix()).Encode()
	if err != nil {
		r.log().WithError(err).Warn("failed to encode intent deletion message")
		return
	}
	proof, err := r.signedProof(ctx, message, nil)
	if err != nil {
		r.log().WithError(err).Warn("failed to sign intent deletion proof")
		return
	}
	if err := r.engine.transport.DeleteIntent(ctx, proof, message); err != nil {
		r.log().WithError(err).Warn("failed to delete intent")
		return
	}
	r.log().Debug("intent deleted")
}

func (r *RoundHandle) signedProof(
	ctx context.Context, message string, outputs []*wire.TxOut,
) (string, error) {
	return signProof(
		ctx, r.engine.signer, r.intent.Vtxos, r.intent.BoardingUtxos, message, outputs,
	)
}

// signProof builds the ownership proof of the inputs for the given message
// and signs every input the signer is involved in.
func signProof(
	ctx context.Context, signer wallet.Signer, vtxos []types.Vtxo, utxos []types.Utxo,
	message string, outputs []*wire.TxOut,
) (string, error) {
	inputs := make([]intent.Input, 0, len(vtxos)+len(utxos))
	for _, vtxo := range vtxos {
		input, err := forfeitInput(vtxo.Outpoint, vtxo.Amount, vtxo.Tapscripts)
		if err != nil {
			return "", localError(fmt.Sprintf("invalid vtxo %s", vtxo.Outpoint), err)
		}
		inputs = append(inputs, intent.Input{VtxoInput: *input})
	}
	for _, utxo := range utxos {
		input, err := forfeitInput(utxo.Outpoint, utxo.Amount, utxo.Tapscripts)
		if err != nil {
			return "", localError(fmt.Sprintf("invalid boarding utxo %s", utxo.Outpoint), err)
		}
		inputs = append(inputs, intent.Input{VtxoInput: *input})
	}

	proof, err := intent.New(message, inputs, outputs)
	if err != nil {
		return "", localError("failed to build intent proof", err)
	}

	ptx := proof.Packet()
	for i := range ptx.Inputs {
		signed, err := wallet.SignTapscriptInput(ctx, signer, ptx, i)
		if err != nil {
			return "", localError("failed to sign intent proof", err)
		}
		if !signed {
			return "", localError(
				fmt.Sprintf("intent proof input %d is not spendable by the signer", i), nil,
			)
		}
	}

	encoded, err := proof.Encode()
	if err != nil {
		return "", localError("failed to encode intent proof", err)
	}
	return encoded, nil
}

// forfeitInput spends a vtxo or a boarding utxo through its first
// collaborative leaf.
func forfeitInput(
	outpoint types.Outpoint, amount uint64, tapscripts []string,
) (*tree.VtxoInput, error) {
	vtxoScript, err := script.ParseVtxoScript(tapscripts)
	if err != nil {
		return nil, err
	}
	forfeitClosures := vtxoScript.ForfeitClosures()
	if len(forfeitClosures) <= 0 {
		return nil, fmt.Errorf("no forfeit closure found")
	}

	wireOutpoint, err := outpoint.ToWire()
	if err != nil {
		return nil, err
	}

	return &tree.VtxoInput{
		Outpoint:   wireOutpoint,
		Amount:     int64(amount),
		Tapscripts: tapscripts,
		Closure:    forfeitClosures[0],
	}, nil
}
