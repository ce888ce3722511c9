// Package batch runs the client side of a batch settlement: it registers an
// intent, cosigns the vtxo tree, signs forfeits, boarding inputs and
// checkpoints, and reports the new vtxos once the commitment tx is final.
package batch

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/ark-network/ark-batch/common"
	"github.com/ark-network/ark-batch/common/script"
	"github.com/ark-network/ark-batch/common/tree"
	"github.com/ark-network/ark-batch/pkg/client-sdk/client"
	"github.com/ark-network/ark-batch/pkg/client-sdk/types"
	"github.com/ark-network/ark-batch/pkg/client-sdk/wallet"
	singlekeywallet "github.com/ark-network/ark-batch/pkg/client-sdk/wallet/singlekey"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	Transport client.TransportClient
	// Signer owns the spent vtxos and boarding utxos.
	Signer wallet.Signer
	// Store is optional, if set it is updated once a round settles.
	Store        types.Store
	CoinSelector CoinSelector
	Timeouts     *Timeouts
}

func (c Config) validate() error {
	if c.Transport == nil {
		return fmt.Errorf("missing transport client")
	}
	if c.Signer == nil {
		return fmt.Errorf("missing signer")
	}
	return nil
}

// Request is the intent to register for the next batch.
type Request struct {
	Vtxos         []types.Vtxo
	BoardingUtxos []types.Utxo
	Receivers     []types.Receiver
	// Cosigner signs the vtxo tree, a fresh key is used if nil.
	Cosigner tree.Musig2Signer
}

type Result struct {
	BatchId        string
	CommitmentTxid string
	// Vtxos are the vtxos created for the offchain receivers.
	Vtxos         []types.Vtxo
	ForfeitTxs    []string
	CheckpointTxs []string
}

// Engine runs one round at a time.
type Engine struct {
	transport    client.TransportClient
	signer       wallet.Signer
	store        types.Store
	coinSelector CoinSelector
	timeouts     Timeouts

	lock   sync.Mutex
	params *serverParams
	active *RoundHandle
}

func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	coinSelector := cfg.CoinSelector
	if coinSelector == nil {
		coinSelector = ExpiryCoinSelector{}
	}
	timeouts := DefaultTimeouts()
	if cfg.Timeouts != nil {
		timeouts = *cfg.Timeouts
	}

	return &Engine{
		transport:    cfg.Transport,
		signer:       cfg.Signer,
		store:        cfg.Store,
		coinSelector: coinSelector,
		timeouts:     timeouts,
	}, nil
}

// BeginRound registers the intent and joins the next batch that selects it.
// The round lives until it settles, fails or is canceled; canceling ctx
// cancels the round if forfeits were not sent yet.
func (e *Engine) BeginRound(ctx context.Context, req Request) (*RoundHandle, error) {
	if len(req.Vtxos)+len(req.BoardingUtxos) <= 0 {
		return nil, &PreconditionError{ErrEmptyIntent}
	}
	if len(req.Receivers) <= 0 {
		return nil, &PreconditionError{ErrMissingReceivers}
	}
	if err := validateInputs(req.Vtxos, req.BoardingUtxos); err != nil {
		return nil, err
	}

	params, err := e.serverParams(ctx)
	if err != nil {
		return nil, err
	}

	intent := types.Intent{
		Vtxos:         req.Vtxos,
		BoardingUtxos: req.BoardingUtxos,
		Receivers:     req.Receivers,
	}
	outputs, err := intentOutputs(params, intent)
	if err != nil {
		return nil, err
	}

	cosigner := req.Cosigner
	if cosigner == nil {
		cosigner, err = singlekeywallet.NewEphemeralSigner()
		if err != nil {
			return nil, fmt.Errorf("failed to create cosigner key: %w", err)
		}
	}
	if !intent.IsOnchainOnly() {
		intent.CosignerKeys = []string{
			hex.EncodeToString(cosigner.PublicKey().SerializeCompressed()),
		}
	}

	return e.startRound(ctx, &RoundHandle{
		intent:   intent,
		outputs:  outputs,
		params:   params,
		cosigner: cosigner,
	})
}

// startRound makes the handle the active round and runs it in background.
func (e *Engine) startRound(ctx context.Context, handle *RoundHandle) (*RoundHandle, error) {
	roundCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	handle.id = uuid.New().String()
	handle.engine = e
	handle.timeouts = e.timeouts
	handle.stop = stop
	handle.done = make(chan struct{})
	handle.state = Idle

	e.lock.Lock()
	if e.active != nil {
		e.lock.Unlock()
		stop()
		return nil, &PreconditionError{ErrRoundInProgress}
	}
	e.active = handle
	e.lock.Unlock()

	go handle.run(roundCtx)
	go func() {
		select {
		case <-ctx.Done():
			if err := handle.Cancel(); err != nil {
				log.WithError(err).Debug("round not canceled")
			}
		case <-handle.done:
		}
	}()

	return handle, nil
}

// validateInputs checks that every input is spendable through a known script
// and is spent once.
func validateInputs(vtxos []types.Vtxo, utxos []types.Utxo) error {
	seen := make(map[types.Outpoint]struct{}, len(vtxos)+len(utxos))
	spend := func(outpoint types.Outpoint) error {
		if _, ok := seen[outpoint]; ok {
			return &PreconditionError{fmt.Errorf("%w: %s", ErrDuplicateInput, outpoint)}
		}
		seen[outpoint] = struct{}{}
		return nil
	}

	for _, vtxo := range vtxos {
		if !vtxo.IsSpendable() {
			return &PreconditionError{fmt.Errorf("vtxo %s is not spendable", vtxo.Outpoint)}
		}
		if len(vtxo.Tapscripts) <= 0 {
			return &PreconditionError{fmt.Errorf("missing tapscripts of vtxo %s", vtxo.Outpoint)}
		}
		if err := spend(vtxo.Outpoint); err != nil {
			return err
		}
	}
	for _, utxo := range utxos {
		if len(utxo.Tapscripts) <= 0 {
			return &PreconditionError{fmt.Errorf("missing tapscripts of utxo %s", utxo.Outpoint)}
		}
		if err := spend(utxo.Outpoint); err != nil {
			return err
		}
	}
	return nil
}

// intentOutputs checks the intent amounts and returns the output of every
// receiver.
func intentOutputs(params *serverParams, intent types.Intent) ([]*wire.TxOut, error) {
	if intent.InputAmount() < intent.OutputAmount() {
		return nil, &PreconditionError{fmt.Errorf(
			"%w: inputs %d, outputs %d", ErrNotEnoughFunds, intent.InputAmount(), intent.OutputAmount(),
		)}
	}

	outputs := make([]*wire.TxOut, 0, len(intent.Receivers))
	for _, receiver := range intent.Receivers {
		output, err := receiver.TxOut(params.network.ChainParams())
		if err != nil {
			return nil, &PreconditionError{err}
		}
		if receiver.Amount < params.dust && !receiver.IsOnchain() {
			return nil, &PreconditionError{fmt.Errorf(
				"receiver amount %d is below dust %d", receiver.Amount, params.dust,
			)}
		}
		outputs = append(outputs, output)
	}
	return outputs, nil
}

// Settle sends every spendable coin of the store back to the signer in the
// next batch and waits for the round to end.
func (e *Engine) Settle(ctx context.Context) (*Result, error) {
	if e.store == nil {
		return nil, &PreconditionError{fmt.Errorf("settle requires a store")}
	}

	params, err := e.serverParams(ctx)
	if err != nil {
		return nil, err
	}

	vtxos, utxos, err := e.spendableCoins(ctx)
	if err != nil {
		return nil, err
	}

	total := uint64(0)
	for _, vtxo := range vtxos {
		total += vtxo.Amount
	}
	for _, utxo := range utxos {
		total += utxo.Amount
	}
	if total <= 0 {
		return nil, &PreconditionError{ErrNoFunds}
	}

	selectedVtxos, selectedUtxos, _, err := e.coinSelector.Select(
		total, params.dust, vtxos, utxos,
	)
	if err != nil {
		return nil, err
	}

	receiver, err := e.ownReceiver(params, total)
	if err != nil {
		return nil, err
	}

	handle, err := e.BeginRound(ctx, Request{
		Vtxos:         selectedVtxos,
		BoardingUtxos: selectedUtxos,
		Receivers:     []types.Receiver{*receiver},
	})
	if err != nil {
		return nil, err
	}

	<-handle.Done()
	return handle.Result()
}

// Store returns the store updated on settlement, nil if unset.
func (e *Engine) Store() types.Store {
	return e.store
}

// Active returns the running round, if any.
func (e *Engine) Active() *RoundHandle {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.active
}

func (e *Engine) release(handle *RoundHandle) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.active == handle {
		e.active = nil
	}
}

func (e *Engine) spendableCoins(ctx context.Context) ([]types.Vtxo, []types.Utxo, error) {
	allVtxos, _, err := e.store.VtxoStore().GetAllVtxos(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get vtxos: %w", err)
	}
	allUtxos, _, err := e.store.UtxoStore().GetAllUtxos(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get boarding utxos: %w", err)
	}

	vtxos := make([]types.Vtxo, 0, len(allVtxos))
	for _, vtxo := range allVtxos {
		if vtxo.IsSpendable() && len(vtxo.Tapscripts) > 0 {
			vtxos = append(vtxos, vtxo)
		}
	}
	utxos := make([]types.Utxo, 0, len(allUtxos))
	for _, utxo := range allUtxos {
		if !utxo.Spent && len(utxo.Tapscripts) > 0 {
			utxos = append(utxos, utxo)
		}
	}
	return vtxos, utxos, nil
}

// ownReceiver pays to the default vtxo script of the signer.
func (e *Engine) ownReceiver(params *serverParams, amount uint64) (*types.Receiver, error) {
	vtxoScript := script.NewDefaultVtxoScript(
		e.signer.PublicKey(), params.signerPubKey, params.unilateralExitDelay,
	)
	tapscripts, err := vtxoScript.Encode()
	if err != nil {
		return nil, err
	}
	pkScript, err := vtxoScript.PkScript()
	if err != nil {
		return nil, err
	}
	return &types.Receiver{
		To:         hex.EncodeToString(pkScript),
		Amount:     amount,
		Tapscripts: tapscripts,
	}, nil
}

type serverParams struct {
	signerPubKey        *btcec.PublicKey
	forfeitPubKey       *btcec.PublicKey
	forfeitScript       []byte
	checkpointClosure   *script.CSVMultisigClosure
	network             common.Network
	unilateralExitDelay common.RelativeLocktime
	dust                uint64
}

func (e *Engine) serverParams(ctx context.Context) (*serverParams, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.params != nil {
		return e.params, nil
	}

	info, err := e.transport.GetInfo(ctx)
	if err != nil {
		return nil, newTransportError("GetInfo", err)
	}
	params, err := parseServerInfo(info)
	if err != nil {
		return nil, serverError("invalid server info", err)
	}
	e.params = params
	return params, nil
}

func parseServerInfo(info *client.Info) (*serverParams, error) {
	network, err := common.NetworkFromString(info.Network)
	if err != nil {
		return nil, err
	}

	signerPubKey, err := common.ParsePubKey(info.SignerPubKey)
	if err != nil {
		return nil, fmt.Errorf("invalid signer pubkey: %w", err)
	}
	forfeitPubKey := signerPubKey
	if len(info.ForfeitPubKey) > 0 {
		forfeitPubKey, err = common.ParsePubKey(info.ForfeitPubKey)
		if err != nil {
			return nil, fmt.Errorf("invalid forfeit pubkey: %w", err)
		}
	}

	forfeitAddr, err := btcutil.DecodeAddress(info.ForfeitAddress, network.ChainParams())
	if err != nil {
		return nil, fmt.Errorf("invalid forfeit address: %w", err)
	}
	forfeitScript, err := txscript.PayToAddrScript(forfeitAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid forfeit address: %w", err)
	}

	var checkpointClosure *script.CSVMultisigClosure
	if len(info.CheckpointTapscript) > 0 {
		buf, err := hex.DecodeString(info.CheckpointTapscript)
		if err != nil {
			return nil, fmt.Errorf("invalid checkpoint tapscript: %w", err)
		}
		closure, err := script.DecodeClosure(buf)
		if err != nil {
			return nil, fmt.Errorf("invalid checkpoint tapscript: %w", err)
		}
		csvClosure, ok := closure.(*script.CSVMultisigClosure)
		if !ok {
			return nil, fmt.Errorf("checkpoint tapscript is not a csv multisig closure")
		}
		checkpointClosure = csvClosure
	}

	if info.UnilateralExitDelay <= 0 {
		return nil, fmt.Errorf("invalid unilateral exit delay %d", info.UnilateralExitDelay)
	}

	return &serverParams{
		signerPubKey:        signerPubKey,
		forfeitPubKey:       forfeitPubKey,
		forfeitScript:       forfeitScript,
		checkpointClosure:   checkpointClosure,
		network:             network,
		unilateralExitDelay: parseLocktime(info.UnilateralExitDelay),
		dust:                info.Dust,
	}, nil
}

// parseLocktime interprets values from 512 on as seconds, blocks otherwise.
func parseLocktime(value int64) common.RelativeLocktime {
	if value >= 512 {
		return common.RelativeLocktime{Type: common.LocktimeTypeSecond, Value: uint32(value)}
	}
	return common.RelativeLocktime{Type: common.LocktimeTypeBlock, Value: uint32(value)}
}
