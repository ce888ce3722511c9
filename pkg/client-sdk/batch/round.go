package batch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ark-network/ark-batch/common"
	"github.com/ark-network/ark-batch/common/tree"
	"github.com/ark-network/ark-batch/pkg/client-sdk/client"
	"github.com/ark-network/ark-batch/pkg/client-sdk/types"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"
)

const deleteIntentTimeout = 10 * time.Second

// RoundHandle follows a round started with Engine.BeginRound.
type RoundHandle struct {
	id       string
	engine   *Engine
	intent   types.Intent
	outputs  []*wire.TxOut
	params   *serverParams
	cosigner tree.Musig2Signer
	delegate *delegatedRound
	timeouts Timeouts
	stop     context.CancelFunc
	done     chan struct{}

	lock         sync.Mutex
	state        State
	canceled     bool
	forfeitsSent bool
	result       *Result
	err          error

	// owned by the round goroutine
	timer           *time.Timer
	deadline        <-chan time.Time
	intentId        string
	batchId         string
	batchExpiry     common.RelativeLocktime
	vtxoChunks      []tree.TxTreeNode
	connectorChunks []tree.TxTreeNode
	seenChunks      map[string]struct{}
	commitmentTx    *psbt.Packet
	session         *tree.CosigningSession
	receiverLeaves  []*tree.Node
	signaturesSent  bool
	checkpointTxs   []string
	forfeitTxs      []string
	commitmentTxid  string
}

// ID is the local id of the round, distinct from the server batch id.
func (r *RoundHandle) ID() string {
	return r.id
}

func (r *RoundHandle) Status() State {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.state
}

// Cancel stops the round and withdraws the intent. Once the forfeits are
// sent the round can't be canceled anymore.
func (r *RoundHandle) Cancel() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.state.IsTerminal() || r.canceled {
		return nil
	}
	if r.forfeitsSent {
		return &PreconditionError{ErrCancelAfterForfeits}
	}

	r.canceled = true
	r.stop()
	return nil
}

func (r *RoundHandle) Done() <-chan struct{} {
	return r.done
}

// Result waits for the round to end and returns its outcome.
func (r *RoundHandle) Result() (*Result, error) {
	<-r.done
	return r.result, r.err
}

func (r *RoundHandle) run(ctx context.Context) {
	defer close(r.done)
	defer r.engine.release(r)
	defer r.stop()

	result, err := r.safeExecute(ctx)
	if r.session != nil {
		r.session.Release()
	}

	if err != nil && r.isCanceled() {
		err = ErrCanceled
	}
	if err != nil && len(r.intentId) > 0 && !r.hasSentForfeits() {
		r.deleteIntent()
	}
	if r.timer != nil {
		r.timer.Stop()
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	r.result, r.err = result, err
	if err != nil {
		r.log().WithError(err).Warnf("round failed in state %s", r.state)
		r.state = Failed
		return
	}
	r.log().Infof("round settled in commitment tx %s", result.CommitmentTxid)
	r.state = Settled
}

func (r *RoundHandle) safeExecute(ctx context.Context) (result *Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = localError("unexpected failure", fmt.Errorf("%v", rec))
		}
	}()
	return r.execute(ctx)
}

func (r *RoundHandle) execute(ctx context.Context) (*Result, error) {
	r.transition(Registering)

	registrationCtx := ctx
	if r.timeouts.Registration > 0 {
		var cancel context.CancelFunc
		registrationCtx, cancel = context.WithTimeout(ctx, r.timeouts.Registration)
		defer cancel()
	}

	eventsCh, closeStream, err := r.engine.transport.GetEventStream(ctx, r.topics())
	if err != nil {
		return nil, newTransportError("GetEventStream", err)
	}
	defer closeStream()

	if err := r.register(registrationCtx); err != nil {
		if errors.Is(registrationCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TimeoutError{Phase: Registering}
		}
		return nil, err
	}

	r.transition(AwaitingSelection)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.deadline:
			return nil, &TimeoutError{Phase: r.Status()}
		case notify, ok := <-eventsCh:
			if !ok {
				return nil, newTransportError("GetEventStream", ErrStreamClosed)
			}
			if notify.Err != nil {
				return nil, newTransportError("GetEventStream", notify.Err)
			}

			result, err := r.handleEvent(ctx, notify.Event)
			if err != nil {
				return nil, err
			}
			if result != nil {
				return result, nil
			}
		}
	}
}

// transition moves the round to the given state and restarts the deadline
// of the new phase.
func (r *RoundHandle) transition(state State) {
	r.lock.Lock()
	from := r.state
	r.state = state
	r.lock.Unlock()

	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer, r.deadline = nil, nil
	if timeout := r.timeouts.of(state); timeout > 0 {
		r.timer = time.NewTimer(timeout)
		r.deadline = r.timer.C
	}

	r.log().Debugf("%s -> %s", from, state)
}

func (r *RoundHandle) handleEvent(ctx context.Context, event client.BatchEvent) (*Result, error) {
	state := r.Status()

	switch e := event.(type) {
	case client.StreamStartedEvent:
		r.log().Debugf("event stream %s started", e.Id)
	case client.HeartbeatEvent:
	case client.BatchStartedEvent:
		if state != AwaitingSelection {
			break
		}
		return nil, r.onBatchStarted(ctx, e)
	case client.BatchFailedEvent:
		if len(r.batchId) <= 0 || e.Id != r.batchId {
			r.log().Debugf("ignoring failure of batch %s", e.Id)
			break
		}
		return nil, fmt.Errorf("%w: %s", ErrBatchFailed, e.Reason)
	case client.TreeTxEvent:
		if !r.isOurs(e.Id) || (state != TreeNonceExchange &&
			state != TreeSignatureExchange && state != AwaitingFinalization) {
			break
		}
		r.onTreeTx(e)
	case client.TreeSigningStartedEvent:
		if !r.isOurs(e.Id) || state != TreeNonceExchange || r.session != nil {
			break
		}
		return nil, r.onTreeSigningStarted(ctx, e)
	case client.TreeNoncesEvent:
		if !r.isOurs(e.Id) || state != TreeNonceExchange || r.session == nil {
			break
		}
		return nil, r.onTreeNonces(ctx, e)
	case client.TreeNoncesAggregatedEvent:
		if !r.isOurs(e.Id) || state != TreeNonceExchange || r.session == nil {
			break
		}
		return nil, r.onTreeNoncesAggregated(ctx, e)
	case client.TreePartialSignaturesEvent:
		if !r.isOurs(e.Id) || state != TreeSignatureExchange {
			break
		}
		return nil, r.onTreePartialSignatures(ctx, e)
	case client.TreeSignatureEvent:
		if !r.isOurs(e.Id) || state != TreeSignatureExchange || e.BatchIndex != 0 {
			break
		}
		return nil, r.onTreeSignature(ctx, e)
	case client.BatchFinalizationEvent:
		if !r.isOurs(e.Id) {
			break
		}
		if state == TreeNonceExchange || state == TreeSignatureExchange {
			return nil, serverError("batch finalized before the vtxo tree is signed", nil)
		}
		if state != AwaitingFinalization {
			break
		}
		return nil, r.onBatchFinalization(ctx, e)
	case client.BatchFinalizedEvent:
		if !r.isOurs(e.Id) || state != SubmittingForfeits {
			break
		}
		return r.onBatchFinalized(ctx, e)
	default:
		r.log().Debugf("ignoring unknown event %T", event)
		return nil, nil
	}

	r.log().Tracef("handled %T in state %s", event, state)
	return nil, nil
}

func (r *RoundHandle) onBatchStarted(ctx context.Context, e client.BatchStartedEvent) error {
	buf := sha256.Sum256([]byte(r.intentId))
	hashedIntentId := hex.EncodeToString(buf[:])

	if !slices.Contains(e.HashedIntentIds, hashedIntentId) {
		r.log().Debugf("intent not selected in batch %s, waiting for next one", e.Id)
		r.transition(Retrying)
		r.transition(AwaitingSelection)
		return nil
	}

	if err := r.engine.transport.ConfirmRegistration(ctx, r.intentId); err != nil {
		return newTransportError("ConfirmRegistration", err)
	}

	r.batchId = e.Id
	r.batchExpiry = parseLocktime(e.BatchExpiry)
	r.seenChunks = make(map[string]struct{})
	r.log().Infof("intent selected in batch %s", e.Id)

	if r.intent.IsOnchainOnly() {
		r.transition(AwaitingFinalization)
		return nil
	}
	r.transition(TreeNonceExchange)
	return nil
}

func (r *RoundHandle) onTreeTx(e client.TreeTxEvent) {
	key := fmt.Sprintf("%d:%s", e.BatchIndex, e.Node.Txid)
	if _, ok := r.seenChunks[key]; ok {
		return
	}

	if e.BatchIndex == 0 {
		if r.session != nil {
			r.log().Debugf("ignoring vtxo tree tx %s received after signing started", e.Node.Txid)
			return
		}
		r.vtxoChunks = append(r.vtxoChunks, e.Node)
	} else {
		r.connectorChunks = append(r.connectorChunks, e.Node)
	}
	r.seenChunks[key] = struct{}{}
}

func (r *RoundHandle) onTreeSigningStarted(
	ctx context.Context, e client.TreeSigningStartedEvent,
) error {
	commitmentTx, err := psbt.NewFromRawBytes(strings.NewReader(e.UnsignedCommitmentTx), true)
	if err != nil {
		return serverError("invalid commitment tx", err)
	}

	if !r.isCosigner(e.CosignersPubkeys) {
		return serverError("cosigner key missing from the batch cosigners", nil)
	}

	vtxoTree, err := tree.NewTxTree(r.vtxoChunks)
	if err != nil {
		return serverError("invalid vtxo tree", err)
	}

	sweepRoot, err := tree.SweepTapscriptRoot(r.params.forfeitPubKey, r.batchExpiry)
	if err != nil {
		return localError("failed to compute sweep tapscript root", err)
	}

	if err := tree.ValidateVtxoTree(vtxoTree, commitmentTx.UnsignedTx, sweepRoot); err != nil {
		return serverError("invalid vtxo tree", err)
	}

	offchainOutputs, onchainOutputs := r.splitOutputs()
	if err := tree.ValidateReceivers(vtxoTree, offchainOutputs); err != nil {
		return serverError("invalid vtxo tree", err)
	}
	if err := tree.ValidateOnchainOutputs(commitmentTx.UnsignedTx, onchainOutputs); err != nil {
		return serverError("invalid commitment tx", err)
	}

	leaves := tree.FindLeaves(vtxoTree, offchainOutputs)
	leafTxids := make([]string, 0, len(leaves))
	for _, leaf := range leaves {
		leafTxids = append(leafTxids, leaf.Txid)
	}
	if err := tree.ValidateCosignerPaths(vtxoTree, r.cosigner.PublicKey(), leafTxids); err != nil {
		return serverError("invalid vtxo tree", err)
	}

	session, err := tree.NewCosigningSession(
		fmt.Sprintf("%s/%s", r.batchId, r.id), r.cosigner, vtxoTree,
		commitmentTx.UnsignedTx.TxOut[tree.BatchOutputIndex], sweepRoot,
	)
	if err != nil {
		return serverError("invalid vtxo tree", err)
	}

	nonces, err := session.GenerateNonces(ctx)
	if err != nil {
		session.Release()
		return localError("failed to generate tree nonces", err)
	}

	r.commitmentTx = commitmentTx
	r.session = session
	r.receiverLeaves = leaves

	if err := r.engine.transport.SubmitTreeNonces(
		ctx, r.batchId, r.cosignerPubkey(), nonces,
	); err != nil {
		return newTransportError("SubmitTreeNonces", err)
	}
	r.log().Debugf("submitted nonces for %d tree txs", len(nonces))
	return nil
}

func (r *RoundHandle) onTreeNonces(ctx context.Context, e client.TreeNoncesEvent) error {
	nonces := make(map[string][66]byte, len(e.Nonces))
	for key, nonce := range e.Nonces {
		pubkey, err := common.ParsePubKey(key)
		if err != nil {
			return serverError("invalid tree nonces", err)
		}
		nonces[common.XOnlyHex(pubkey)] = nonce
	}

	if err := r.session.AddNonces(e.Txid, nonces); err != nil {
		return serverError("invalid tree nonces", err)
	}
	if !r.session.NoncesComplete() {
		return nil
	}
	return r.signTree(ctx)
}

func (r *RoundHandle) onTreeNoncesAggregated(
	ctx context.Context, e client.TreeNoncesAggregatedEvent,
) error {
	if err := r.session.SetAggregatedNonces(e.Nonces); err != nil {
		return serverError("invalid aggregated tree nonces", err)
	}
	return r.signTree(ctx)
}

func (r *RoundHandle) signTree(ctx context.Context) error {
	if r.signaturesSent {
		return nil
	}

	sigs, err := r.session.Sign(ctx)
	if err != nil {
		return localError("failed to sign vtxo tree", err)
	}
	if err := r.engine.transport.SubmitTreeSignatures(
		ctx, r.batchId, r.cosignerPubkey(), sigs,
	); err != nil {
		return newTransportError("SubmitTreeSignatures", err)
	}
	r.signaturesSent = true
	r.log().Debugf("submitted signatures for %d tree txs", len(sigs))

	r.transition(TreeSignatureExchange)
	return nil
}

func (r *RoundHandle) onTreePartialSignatures(
	ctx context.Context, e client.TreePartialSignaturesEvent,
) error {
	cosigner, err := common.ParsePubKey(e.Cosigner)
	if err != nil {
		return serverError("invalid tree partial signatures", err)
	}
	if common.XOnlyHex(cosigner) == r.session.PublicKey() {
		return nil
	}

	sigs := make(tree.TreePartialSigs)
	for _, txid := range r.session.SigningNodes() {
		if sig, ok := e.Signatures[txid]; ok {
			sigs[txid] = sig
		}
	}
	if err := r.session.AddPartialSignatures(cosigner, sigs); err != nil {
		return serverError("invalid tree partial signatures", err)
	}
	return r.onTreeSigned(ctx)
}

func (r *RoundHandle) onTreeSignature(ctx context.Context, e client.TreeSignatureEvent) error {
	sig, err := hex.DecodeString(e.Signature)
	if err != nil {
		return serverError("invalid tree signature", err)
	}
	if err := r.session.SetSignature(e.Txid, sig); err != nil {
		return serverError("invalid tree signature", err)
	}
	return r.onTreeSigned(ctx)
}

func (r *RoundHandle) onTreeSigned(ctx context.Context) error {
	if !r.session.AllSigned() {
		return nil
	}

	checkpointTxs, err := r.signCheckpoints(ctx)
	if err != nil {
		return err
	}
	r.checkpointTxs = checkpointTxs

	r.log().Debug("vtxo tree fully signed")
	r.transition(AwaitingFinalization)
	return nil
}

func (r *RoundHandle) onBatchFinalization(
	ctx context.Context, e client.BatchFinalizationEvent,
) error {
	commitmentTx, err := psbt.NewFromRawBytes(strings.NewReader(e.Tx), true)
	if err != nil {
		return serverError("invalid commitment tx", err)
	}

	if r.commitmentTx != nil {
		if commitmentTx.UnsignedTx.TxHash() != r.commitmentTx.UnsignedTx.TxHash() {
			return serverError("commitment tx differs from the one of the signed vtxo tree", nil)
		}
	} else {
		_, onchainOutputs := r.splitOutputs()
		if err := tree.ValidateOnchainOutputs(commitmentTx.UnsignedTx, onchainOutputs); err != nil {
			return serverError("invalid commitment tx", err)
		}
	}

	forfeitTxs, err := r.signForfeits(ctx, commitmentTx, e)
	if err != nil {
		return err
	}
	signedCommitmentTx, err := r.signBoardingInputs(ctx, commitmentTx)
	if err != nil {
		return err
	}

	r.lock.Lock()
	if r.canceled {
		r.lock.Unlock()
		return ErrCanceled
	}
	r.forfeitsSent = true
	r.lock.Unlock()
	r.transition(SubmittingForfeits)

	if len(forfeitTxs) > 0 || len(signedCommitmentTx) > 0 {
		if err := r.engine.transport.SubmitSignedForfeitTxs(
			ctx, forfeitTxs, signedCommitmentTx,
		); err != nil {
			return newTransportError("SubmitSignedForfeitTxs", err)
		}
	}

	r.forfeitTxs = forfeitTxs
	r.commitmentTxid = commitmentTx.UnsignedTx.TxID()
	r.log().Debugf("submitted %d forfeit txs", len(forfeitTxs))
	return nil
}

func (r *RoundHandle) onBatchFinalized(
	ctx context.Context, e client.BatchFinalizedEvent,
) (*Result, error) {
	if e.Txid != r.commitmentTxid {
		return nil, serverError(
			fmt.Sprintf("finalized commitment tx %s, expected %s", e.Txid, r.commitmentTxid), nil,
		)
	}

	vtxos := r.newVtxos(e.Txid)
	r.updateStore(ctx, e.Txid, vtxos)

	return &Result{
		BatchId:        r.batchId,
		CommitmentTxid: e.Txid,
		Vtxos:          vtxos,
		ForfeitTxs:     r.forfeitTxs,
		CheckpointTxs:  r.checkpointTxs,
	}, nil
}

func (r *RoundHandle) newVtxos(commitmentTxid string) []types.Vtxo {
	offchainReceivers := make([]types.Receiver, 0, len(r.intent.Receivers))
	for _, receiver := range r.intent.Receivers {
		if !receiver.IsOnchain() {
			offchainReceivers = append(offchainReceivers, receiver)
		}
	}

	now := time.Now()
	vtxos := make([]types.Vtxo, 0, len(r.receiverLeaves))
	for i, leaf := range r.receiverLeaves {
		receiver := offchainReceivers[i]
		vtxos = append(vtxos, types.Vtxo{
			Outpoint:        types.OutpointFromWire(tree.LeafOutpoint(leaf)),
			Script:          hex.EncodeToString(tree.LeafOutput(leaf).PkScript),
			Amount:          receiver.Amount,
			CreatedAt:       now,
			ExpiresAt:       now.Add(r.batchExpiry.Duration()),
			CommitmentTxids: []string{commitmentTxid},
			Tapscripts:      receiver.Tapscripts,
		})
	}
	return vtxos
}

// updateStore marks the inputs spent and adds the vtxos owned by the
// signer. The batch is final at this point, store failures are only logged.
// The store is left untouched by delegated rounds, the coins belong to
// someone else.
func (r *RoundHandle) updateStore(ctx context.Context, commitmentTxid string, vtxos []types.Vtxo) {
	store := r.engine.store
	if store == nil || r.delegate != nil {
		return
	}

	if len(r.intent.Vtxos) > 0 {
		outpoints := make([]types.Outpoint, 0, len(r.intent.Vtxos))
		for _, vtxo := range r.intent.Vtxos {
			outpoints = append(outpoints, vtxo.Outpoint)
		}
		if _, err := store.VtxoStore().SpendVtxos(ctx, outpoints, commitmentTxid); err != nil {
			r.log().WithError(err).Error("failed to mark vtxos as spent")
		}
	}

	if len(r.intent.BoardingUtxos) > 0 {
		outpoints := make([]types.Outpoint, 0, len(r.intent.BoardingUtxos))
		for _, utxo := range r.intent.BoardingUtxos {
			outpoints = append(outpoints, utxo.Outpoint)
		}
		if _, err := store.UtxoStore().SpendUtxos(ctx, outpoints, commitmentTxid); err != nil {
			r.log().WithError(err).Error("failed to mark boarding utxos as spent")
		}
	}

	owned := make([]types.Vtxo, 0, len(vtxos))
	for _, vtxo := range vtxos {
		if len(vtxo.Tapscripts) > 0 {
			owned = append(owned, vtxo)
		}
	}
	if len(owned) > 0 {
		if _, err := store.VtxoStore().AddVtxos(ctx, owned); err != nil {
			r.log().WithError(err).Error("failed to add new vtxos")
		}
	}
}

func (r *RoundHandle) isOurs(batchId string) bool {
	return len(r.batchId) > 0 && batchId == r.batchId
}

func (r *RoundHandle) isCanceled() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.canceled
}

func (r *RoundHandle) hasSentForfeits() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.forfeitsSent
}

func (r *RoundHandle) isCosigner(cosigners []string) bool {
	myKey := common.XOnlyHex(r.cosigner.PublicKey())
	for _, cosigner := range cosigners {
		pubkey, err := common.ParsePubKey(cosigner)
		if err != nil {
			continue
		}
		if common.XOnlyHex(pubkey) == myKey {
			return true
		}
	}
	return false
}

func (r *RoundHandle) cosignerPubkey() string {
	return hex.EncodeToString(r.cosigner.PublicKey().SerializeCompressed())
}

// topics are the spent outpoints and the cosigner keys, the server only
// streams the events concerning them.
func (r *RoundHandle) topics() []string {
	topics := make([]string, 0)
	for _, outpoint := range r.intent.Outpoints() {
		topics = append(topics, outpoint.String())
	}
	return append(topics, r.intent.CosignerKeys...)
}

func (r *RoundHandle) splitOutputs() (offchain, onchain []*wire.TxOut) {
	for i, receiver := range r.intent.Receivers {
		if receiver.IsOnchain() {
			onchain = append(onchain, r.outputs[i])
			continue
		}
		offchain = append(offchain, r.outputs[i])
	}
	return
}

func (r *RoundHandle) log() *log.Entry {
	fields := log.Fields{"round": r.id}
	if len(r.intentId) > 0 {
		fields["intent"] = r.intentId
	}
	if len(r.batchId) > 0 {
		fields["batch"] = r.batchId
	}
	return log.WithFields(fields)
}
