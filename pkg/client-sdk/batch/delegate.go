package batch

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ark-network/ark-batch/common"
	"github.com/ark-network/ark-batch/common/intent"
	"github.com/ark-network/ark-batch/common/tree"
	"github.com/ark-network/ark-batch/pkg/client-sdk/types"
	"github.com/ark-network/ark-batch/pkg/client-sdk/wallet"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Delegate lets another party settle vtxos on behalf of their owner. The
// owner signs the intent proof and the forfeit txs, the delegate cosigns the
// vtxo tree with the cosigner key and adds the connectors to the forfeits.
type Delegate struct {
	Vtxos     []types.Vtxo     `json:"vtxos"`
	Receivers []types.Receiver `json:"receivers"`
	Proof     string           `json:"proof"`
	Message   string           `json:"message"`
	// ForfeitTxs spend only their vtxo, signed with SIGHASH_ALL|ANYONECANPAY.
	ForfeitTxs  []string `json:"forfeit_txs"`
	CosignerKey string   `json:"cosigner_key"`
}

type delegatedRound struct {
	proof    string
	message  string
	forfeits map[string]*psbt.Packet
}

// GenerateDelegate signs the intent and the forfeits that let the owner of
// the cosigner key settle the given vtxos, sending them back to the signer.
// The spendable vtxos of the store are used if none is given.
func (e *Engine) GenerateDelegate(
	ctx context.Context, cosigner *btcec.PublicKey, vtxos []types.Vtxo,
) (*Delegate, error) {
	if cosigner == nil {
		return nil, &PreconditionError{fmt.Errorf("missing delegate cosigner key")}
	}
	if len(vtxos) <= 0 {
		if e.store == nil {
			return nil, &PreconditionError{ErrEmptyIntent}
		}
		var err error
		if vtxos, _, err = e.spendableCoins(ctx); err != nil {
			return nil, err
		}
		if len(vtxos) <= 0 {
			return nil, &PreconditionError{ErrNoFunds}
		}
	}
	if err := validateInputs(vtxos, nil); err != nil {
		return nil, err
	}

	params, err := e.serverParams(ctx)
	if err != nil {
		return nil, err
	}

	total := uint64(0)
	for _, vtxo := range vtxos {
		total += vtxo.Amount
	}
	receiver, err := e.ownReceiver(params, total)
	if err != nil {
		return nil, err
	}
	outputs, err := intentOutputs(params, types.Intent{
		Vtxos: vtxos, Receivers: []types.Receiver{*receiver},
	})
	if err != nil {
		return nil, err
	}

	cosignerKey := hex.EncodeToString(cosigner.SerializeCompressed())
	message, err := intent.NewRegisterMessage(
		nil, time.Now().Unix(), 0, []string{cosignerKey},
	).Encode()
	if err != nil {
		return nil, localError("failed to encode intent message", err)
	}
	proof, err := signProof(ctx, e.signer, vtxos, nil, message, outputs)
	if err != nil {
		return nil, err
	}

	forfeitTxs := make([]string, 0, len(vtxos))
	for _, vtxo := range vtxos {
		key := vtxo.Outpoint.String()
		input, err := forfeitInput(vtxo.Outpoint, vtxo.Amount, vtxo.Tapscripts)
		if err != nil {
			return nil, localError(fmt.Sprintf("invalid vtxo %s", key), err)
		}

		forfeitTx, err := tree.BuildForfeitTemplate(
			*input, int64(params.dust), params.forfeitScript,
		)
		if err != nil {
			return nil, localError(fmt.Sprintf("failed to build forfeit of %s", key), err)
		}
		signed, err := wallet.SignTapscriptInput(ctx, e.signer, forfeitTx, 0)
		if err != nil {
			return nil, localError(fmt.Sprintf("failed to sign forfeit of %s", key), err)
		}
		if !signed {
			return nil, localError(fmt.Sprintf("vtxo %s is not spendable by the signer", key), nil)
		}

		b64, err := forfeitTx.B64Encode()
		if err != nil {
			return nil, localError("failed to encode forfeit tx", err)
		}
		forfeitTxs = append(forfeitTxs, b64)
	}

	return &Delegate{
		Vtxos:       vtxos,
		Receivers:   []types.Receiver{*receiver},
		Proof:       proof,
		Message:     message,
		ForfeitTxs:  forfeitTxs,
		CosignerKey: cosignerKey,
	}, nil
}

// SettleDelegate joins the next batch with an intent signed by someone else.
// The cosigner must own the key the delegate was generated for. The engine
// store is left untouched.
func (e *Engine) SettleDelegate(
	ctx context.Context, delegate Delegate, cosigner tree.Musig2Signer,
) (*RoundHandle, error) {
	if cosigner == nil {
		return nil, &PreconditionError{fmt.Errorf("missing cosigner")}
	}
	cosignerKey, err := common.ParsePubKey(delegate.CosignerKey)
	if err != nil {
		return nil, &PreconditionError{fmt.Errorf("invalid delegate cosigner key: %w", err)}
	}
	if common.XOnlyHex(cosignerKey) != common.XOnlyHex(cosigner.PublicKey()) {
		return nil, &PreconditionError{ErrCosignerMismatch}
	}
	if len(delegate.Vtxos) <= 0 {
		return nil, &PreconditionError{ErrEmptyIntent}
	}
	if len(delegate.Receivers) <= 0 {
		return nil, &PreconditionError{ErrMissingReceivers}
	}
	if err := validateInputs(delegate.Vtxos, nil); err != nil {
		return nil, err
	}

	forfeits, err := parseForfeitTemplates(delegate)
	if err != nil {
		return nil, &PreconditionError{err}
	}

	params, err := e.serverParams(ctx)
	if err != nil {
		return nil, err
	}

	delegatedIntent := types.Intent{
		Vtxos:        delegate.Vtxos,
		Receivers:    delegate.Receivers,
		CosignerKeys: []string{delegate.CosignerKey},
	}
	outputs, err := intentOutputs(params, delegatedIntent)
	if err != nil {
		return nil, err
	}
	if err := validateProof(delegate, outputs); err != nil {
		return nil, &PreconditionError{err}
	}

	return e.startRound(ctx, &RoundHandle{
		intent:   delegatedIntent,
		outputs:  outputs,
		params:   params,
		cosigner: cosigner,
		delegate: &delegatedRound{
			proof:    delegate.Proof,
			message:  delegate.Message,
			forfeits: forfeits,
		},
	})
}

// parseForfeitTemplates maps every vtxo to its signed forfeit template.
func parseForfeitTemplates(delegate Delegate) (map[string]*psbt.Packet, error) {
	if len(delegate.ForfeitTxs) != len(delegate.Vtxos) {
		return nil, fmt.Errorf(
			"got %d forfeit txs for %d vtxos", len(delegate.ForfeitTxs), len(delegate.Vtxos),
		)
	}

	vtxos := make(map[string]struct{}, len(delegate.Vtxos))
	for _, vtxo := range delegate.Vtxos {
		vtxos[vtxo.Outpoint.String()] = struct{}{}
	}

	forfeits := make(map[string]*psbt.Packet, len(delegate.ForfeitTxs))
	for _, b64 := range delegate.ForfeitTxs {
		ptx, err := psbt.NewFromRawBytes(strings.NewReader(b64), true)
		if err != nil {
			return nil, fmt.Errorf("invalid forfeit tx: %w", err)
		}
		if len(ptx.UnsignedTx.TxIn) != 1 {
			return nil, fmt.Errorf("forfeit tx must spend its vtxo only")
		}
		key := types.OutpointFromWire(ptx.UnsignedTx.TxIn[0].PreviousOutPoint).String()
		if _, ok := vtxos[key]; !ok {
			return nil, fmt.Errorf("forfeit tx spends unknown vtxo %s", key)
		}
		if _, ok := forfeits[key]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateInput, key)
		}
		if ptx.Inputs[0].SighashType != txscript.SigHashAll|txscript.SigHashAnyOneCanPay {
			return nil, fmt.Errorf("forfeit of %s is not signed with SIGHASH_ALL|ANYONECANPAY", key)
		}
		if len(ptx.Inputs[0].TaprootScriptSpendSig) <= 0 {
			return nil, fmt.Errorf("forfeit of %s is not signed", key)
		}
		forfeits[key] = ptx
	}
	return forfeits, nil
}

// validateProof checks that the delegated proof spends the vtxos to the
// receivers and binds the delegate cosigner key.
func validateProof(delegate Delegate, outputs []*wire.TxOut) error {
	proof, err := intent.Decode(delegate.Proof)
	if err != nil {
		return fmt.Errorf("invalid intent proof: %w", err)
	}

	proven := proof.Outpoints()
	if len(proven) != len(delegate.Vtxos) {
		return fmt.Errorf("intent proof spends %d inputs, expected %d", len(proven), len(delegate.Vtxos))
	}
	for i, vtxo := range delegate.Vtxos {
		if types.OutpointFromWire(proven[i]) != vtxo.Outpoint {
			return fmt.Errorf("intent proof does not spend vtxo %s", vtxo.Outpoint)
		}
	}

	txOuts := proof.Packet().UnsignedTx.TxOut
	if len(txOuts) != len(outputs) {
		return fmt.Errorf("intent proof has %d outputs, expected %d", len(txOuts), len(outputs))
	}
	for i, out := range outputs {
		if txOuts[i].Value != out.Value || !bytes.Equal(txOuts[i].PkScript, out.PkScript) {
			return fmt.Errorf("intent proof output %d does not pay its receiver", i)
		}
	}

	var message intent.RegisterMessage
	if err := message.Decode(delegate.Message); err != nil {
		return fmt.Errorf("invalid intent message: %w", err)
	}
	if len(message.CosignersPublicKeys) != 1 || message.CosignersPublicKeys[0] != delegate.CosignerKey {
		return fmt.Errorf("intent message does not bind the delegate cosigner key")
	}
	return nil
}

// completeForfeit adds the connector to the forfeit signed by the vtxo
// owner. The result must be the forfeit the owner would have built for
// that connector.
func (r *RoundHandle) completeForfeit(
	input tree.VtxoInput, connector *tree.Connector,
) (*psbt.Packet, error) {
	key := types.OutpointFromWire(*input.Outpoint).String()
	template, ok := r.delegate.forfeits[key]
	if !ok {
		return nil, localError(fmt.Sprintf("missing forfeit of %s", key), nil)
	}

	forfeitTx, err := tree.CompleteForfeitTx(template, &connector.Outpoint, connector.Prevout)
	if err != nil {
		return nil, localError(fmt.Sprintf("failed to complete forfeit of %s", key), err)
	}

	fee := input.Amount + connector.Prevout.Value - tree.ANCHOR_VALUE -
		forfeitTx.UnsignedTx.TxOut[0].Value
	expected, err := tree.BuildForfeitTx(
		input, &connector.Outpoint, connector.Prevout, r.params.forfeitScript, uint64(fee),
	)
	if err != nil {
		return nil, localError(fmt.Sprintf("failed to build forfeit of %s", key), err)
	}
	if expected.UnsignedTx.TxHash() != forfeitTx.UnsignedTx.TxHash() {
		return nil, localError(fmt.Sprintf("signed forfeit of %s does not match its vtxo", key), nil)
	}
	return forfeitTx, nil
}
