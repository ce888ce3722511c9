package batch_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/ark-network/ark-batch/common"
	"github.com/ark-network/ark-batch/common/intent"
	"github.com/ark-network/ark-batch/common/script"
	"github.com/ark-network/ark-batch/common/tree"
	"github.com/ark-network/ark-batch/pkg/client-sdk/client"
	"github.com/ark-network/ark-batch/pkg/client-sdk/types"
	"github.com/ark-network/ark-batch/pkg/client-sdk/wallet"
	singlekeywallet "github.com/ark-network/ark-batch/pkg/client-sdk/wallet/singlekey"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/stretchr/testify/require"
)

var (
	batchExpiry = common.RelativeLocktime{Type: common.LocktimeTypeBlock, Value: 144}
	exitDelay   = common.RelativeLocktime{Type: common.LocktimeTypeSecond, Value: 1024}
)

type nonceMode int

const (
	aggregatedNonces nonceMode = iota
	relayedNonces
	withheldNonces
)

type coordinatorOpts struct {
	nonces nonceMode
	// partialSigs relays the server partial signatures instead of the
	// combined ones, it requires relayed nonces.
	partialSigs     bool
	duplicateEvents bool
	otherBatchFirst bool
	failBatch       bool
	holdFinalized   bool
	minRelayFeeRate chainfee.SatPerKVByte
	connectorsIndex func(index map[string]types.Outpoint)
}

type registeredIntent struct {
	id      string
	proof   *intent.Proof
	message intent.RegisterMessage
}

// coordinator plays the server side of a batch, signing with its own key.
type coordinator struct {
	opts   coordinatorOpts
	signer wallet.Signer
	events chan client.BatchEventChannel

	lock            sync.Mutex
	boarding        map[wire.OutPoint]bool
	intents         map[string]*registeredIntent
	batches         int
	batchId         string
	commitmentTx    *psbt.Packet
	vtxoTree        *tree.TxTree
	connectorTree   *tree.TxTree
	connectorsIndex map[string]types.Outpoint
	session         *tree.CosigningSession

	confirmed        int
	submittedNonces  int
	submittedSigs    int
	forfeits         [][]string
	signedCommitment []string
	deleted          int
	streamsClosed    int
}

func newCoordinator(t *testing.T, opts coordinatorOpts) *coordinator {
	signer, err := singlekeywallet.NewEphemeralSigner()
	require.NoError(t, err)
	return &coordinator{
		opts:     opts,
		signer:   signer,
		events:   make(chan client.BatchEventChannel, 256),
		boarding: make(map[wire.OutPoint]bool),
		intents:  make(map[string]*registeredIntent),
	}
}

func (c *coordinator) serverKey() *btcec.PublicKey {
	return c.signer.PublicKey()
}

func (c *coordinator) serverKeyHex() string {
	return hex.EncodeToString(c.serverKey().SerializeCompressed())
}

func (c *coordinator) GetInfo(_ context.Context) (*client.Info, error) {
	forfeitAddr, err := btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(c.serverKey()), &chaincfg.RegressionNetParams,
	)
	if err != nil {
		return nil, err
	}
	checkpointClosure := &script.CSVMultisigClosure{
		MultisigClosure: script.MultisigClosure{PubKeys: []*btcec.PublicKey{c.serverKey()}},
		Locktime:        common.RelativeLocktime{Type: common.LocktimeTypeBlock, Value: 10},
	}
	checkpointScript, err := checkpointClosure.Script()
	if err != nil {
		return nil, err
	}

	return &client.Info{
		Version:             "test",
		SignerPubKey:        c.serverKeyHex(),
		ForfeitAddress:      forfeitAddr.EncodeAddress(),
		CheckpointTapscript: hex.EncodeToString(checkpointScript),
		Network:             common.BitcoinRegTest.Name,
		SessionDuration:     10,
		UnilateralExitDelay: int64(exitDelay.Value),
		BoardingExitDelay:   int64(exitDelay.Value),
		Dust:                330,
	}, nil
}

func (c *coordinator) RegisterIntent(ctx context.Context, proof, message string) (string, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	decoded, err := intent.Decode(proof)
	if err != nil {
		return "", rejected("RegisterIntent", err)
	}
	var msg intent.RegisterMessage
	if err := msg.Decode(message); err != nil {
		return "", rejected("RegisterIntent", err)
	}

	ptx := decoded.Packet()
	for i := range ptx.Inputs {
		if _, err := wallet.SignTapscriptInput(ctx, c.signer, ptx, i); err != nil {
			return "", rejected("RegisterIntent", err)
		}
	}
	signedTx, err := decoded.Finalize()
	if err != nil {
		return "", rejected("RegisterIntent", err)
	}
	prevouts := make(map[wire.OutPoint]*wire.TxOut)
	for i, input := range ptx.Inputs[1:] {
		prevouts[ptx.UnsignedTx.TxIn[i+1].PreviousOutPoint] = input.WitnessUtxo
	}
	if err := intent.Verify(
		signedTx, message, txscript.NewMultiPrevOutFetcher(prevouts),
	); err != nil {
		return "", rejected("RegisterIntent", err)
	}

	id := fmt.Sprintf("intent-%d", len(c.intents)+1)
	c.intents[id] = &registeredIntent{id: id, proof: decoded, message: msg}

	if c.opts.otherBatchFirst {
		other := sha256.Sum256([]byte("someone-else"))
		c.emit(client.BatchStartedEvent{
			Id:              "other-batch",
			HashedIntentIds: []string{hex.EncodeToString(other[:])},
			BatchExpiry:     int64(batchExpiry.Value),
		})
		c.emit(client.BatchFailedEvent{Id: "other-batch", Reason: "not enough participants"})
	}

	c.batches++
	c.batchId = fmt.Sprintf("batch-%d", c.batches)
	hashed := sha256.Sum256([]byte(id))
	c.emit(client.BatchStartedEvent{
		Id:              c.batchId,
		HashedIntentIds: []string{hex.EncodeToString(hashed[:])},
		BatchExpiry:     int64(batchExpiry.Value),
	})
	return id, nil
}

func (c *coordinator) DeleteIntent(_ context.Context, _, message string) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	var msg intent.DeleteMessage
	if err := msg.Decode(message); err != nil {
		return rejected("DeleteIntent", err)
	}
	c.deleted++
	return nil
}

func (c *coordinator) ConfirmRegistration(ctx context.Context, intentId string) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	registered, ok := c.intents[intentId]
	if !ok {
		return &client.RequestError{Op: "ConfirmRegistration", StatusCode: 404, Message: "unknown intent"}
	}
	c.confirmed++

	if c.opts.failBatch {
		c.emit(client.BatchFailedEvent{Id: c.batchId, Reason: "a participant did not sign"})
		return nil
	}

	leaves, err := c.buildBatch(registered)
	if err != nil {
		return err
	}
	if len(leaves) <= 0 {
		return c.finalizeBatch()
	}

	chunks, err := c.vtxoTree.Serialize()
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		c.emit(client.TreeTxEvent{Id: c.batchId, BatchIndex: 0, Node: chunk})
	}

	sweepRoot, err := tree.SweepTapscriptRoot(c.serverKey(), batchExpiry)
	if err != nil {
		return err
	}
	c.session, err = tree.NewCosigningSession(
		c.batchId, c.signer, c.vtxoTree,
		c.commitmentTx.UnsignedTx.TxOut[tree.BatchOutputIndex], sweepRoot,
	)
	if err != nil {
		return err
	}
	if _, err := c.session.GenerateNonces(ctx); err != nil {
		return err
	}

	unsignedCommitmentTx, err := c.commitmentTx.B64Encode()
	if err != nil {
		return err
	}
	cosigners := append([]string{}, registered.message.CosignersPublicKeys...)
	c.emit(client.TreeSigningStartedEvent{
		Id:                   c.batchId,
		UnsignedCommitmentTx: unsignedCommitmentTx,
		CosignersPubkeys:     append(cosigners, c.serverKeyHex()),
	})
	return nil
}

// buildBatch creates the commitment tx, the vtxo tree and the connector tree
// of a batch made of the single intent.
func (c *coordinator) buildBatch(registered *registeredIntent) ([]tree.Leaf, error) {
	ptx := registered.proof.Packet()
	serverScript, err := common.P2TRScript(c.serverKey())
	if err != nil {
		return nil, err
	}

	onchainIndexes := make(map[int]bool)
	for _, index := range registered.message.OnchainOutputIndexes {
		onchainIndexes[index] = true
	}

	leaves := make([]tree.Leaf, 0)
	onchainOutputs := make([]*wire.TxOut, 0)
	for i, out := range ptx.UnsignedTx.TxOut {
		if onchainIndexes[i] {
			onchainOutputs = append(onchainOutputs, out)
			continue
		}
		cosigners := append([]string{}, registered.message.CosignersPublicKeys...)
		leaves = append(leaves, tree.Leaf{
			Script:              hex.EncodeToString(out.PkScript),
			Amount:              uint64(out.Value),
			CosignersPublicKeys: append(cosigners, c.serverKeyHex()),
		})
	}

	commitmentTx := wire.NewMsgTx(2)
	prevouts := []*wire.TxOut{{Value: 1_000_000, PkScript: serverScript}}
	commitmentTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{0xee}, Index: uint32(c.batches)},
	})

	vtxos := make([]types.Outpoint, 0)
	for i, txIn := range ptx.UnsignedTx.TxIn[1:] {
		if c.boarding[txIn.PreviousOutPoint] {
			commitmentTx.AddTxIn(&wire.TxIn{PreviousOutPoint: txIn.PreviousOutPoint})
			prevouts = append(prevouts, ptx.Inputs[i+1].WitnessUtxo)
			continue
		}
		vtxos = append(vtxos, types.OutpointFromWire(txIn.PreviousOutPoint))
	}

	sweepRoot, err := tree.SweepTapscriptRoot(c.serverKey(), batchExpiry)
	if err != nil {
		return nil, err
	}
	if len(leaves) > 0 {
		batchScript, batchAmount, err := tree.BuildBatchOutput(leaves, sweepRoot)
		if err != nil {
			return nil, err
		}
		commitmentTx.AddTxOut(&wire.TxOut{Value: batchAmount, PkScript: batchScript})
	} else {
		commitmentTx.AddTxOut(&wire.TxOut{Value: 5000, PkScript: serverScript})
	}
	for _, out := range onchainOutputs {
		commitmentTx.AddTxOut(out)
	}

	connectorLeaves := make([]tree.Leaf, 0, len(vtxos))
	connectorIndex := -1
	if len(vtxos) > 0 {
		for range vtxos {
			connectorLeaves = append(connectorLeaves, tree.Leaf{
				Script:              hex.EncodeToString(serverScript),
				Amount:              330,
				CosignersPublicKeys: []string{c.serverKeyHex()},
			})
		}
		connectorScript, connectorAmount, err := tree.BuildConnectorOutput(connectorLeaves)
		if err != nil {
			return nil, err
		}
		connectorIndex = len(commitmentTx.TxOut)
		commitmentTx.AddTxOut(&wire.TxOut{Value: connectorAmount, PkScript: connectorScript})
	}

	commitmentPtx, err := psbt.NewFromUnsignedTx(commitmentTx)
	if err != nil {
		return nil, err
	}
	for i, prevout := range prevouts {
		commitmentPtx.Inputs[i].WitnessUtxo = prevout
	}
	c.commitmentTx = commitmentPtx
	commitmentTxid := commitmentTx.TxHash()

	c.vtxoTree = nil
	if len(leaves) > 0 {
		c.vtxoTree, err = tree.BuildVtxoTree(
			&wire.OutPoint{Hash: commitmentTxid, Index: tree.BatchOutputIndex},
			leaves, sweepRoot, batchExpiry,
		)
		if err != nil {
			return nil, err
		}
	}

	c.connectorTree = nil
	c.connectorsIndex = nil
	if connectorIndex >= 0 {
		c.connectorTree, err = tree.BuildConnectorTree(
			&wire.OutPoint{Hash: commitmentTxid, Index: uint32(connectorIndex)}, connectorLeaves,
		)
		if err != nil {
			return nil, err
		}
		connectors, err := tree.NewConnectorTracker(c.connectorTree)
		if err != nil {
			return nil, err
		}
		c.connectorsIndex = make(map[string]types.Outpoint)
		for _, vtxo := range vtxos {
			connector, err := connectors.Next(vtxo.String())
			if err != nil {
				return nil, err
			}
			c.connectorsIndex[vtxo.String()] = types.OutpointFromWire(connector.Outpoint)
		}
		if c.opts.connectorsIndex != nil {
			c.opts.connectorsIndex(c.connectorsIndex)
		}
	}

	return leaves, nil
}

func (c *coordinator) SubmitTreeNonces(
	ctx context.Context, batchId, cosignerPubkey string, nonces tree.TreeNonces,
) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.submittedNonces++
	if c.opts.nonces == withheldNonces {
		return nil
	}

	cosigner, err := common.ParsePubKey(cosignerPubkey)
	if err != nil {
		return rejected("SubmitTreeNonces", err)
	}
	serverNonces, err := c.session.GenerateNonces(ctx)
	if err != nil {
		return err
	}

	aggregated := make(tree.TreeNonces)
	for txid, nonce := range nonces {
		if err := c.session.AddNonces(
			txid, map[string][66]byte{common.XOnlyHex(cosigner): nonce.PubNonce},
		); err != nil {
			return rejected("SubmitTreeNonces", err)
		}
		serverNonce := serverNonces[txid].PubNonce

		if c.opts.nonces == relayedNonces {
			c.emit(client.TreeNoncesEvent{
				Id:   batchId,
				Txid: txid,
				Nonces: map[string][66]byte{
					cosignerPubkey:   nonce.PubNonce,
					c.serverKeyHex(): serverNonce,
				},
			})
			continue
		}

		aggNonce, err := musig2.AggregateNonces([][66]byte{nonce.PubNonce, serverNonce})
		if err != nil {
			return err
		}
		aggregated[txid] = &tree.Musig2Nonce{PubNonce: aggNonce}
	}

	if c.opts.nonces == aggregatedNonces {
		c.emit(client.TreeNoncesAggregatedEvent{Id: batchId, Nonces: aggregated})
	}
	return nil
}

func (c *coordinator) SubmitTreeSignatures(
	ctx context.Context, batchId, cosignerPubkey string, signatures tree.TreePartialSigs,
) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.submittedSigs++
	serverSigs, err := c.session.Sign(ctx)
	if err != nil {
		return err
	}
	cosigner, err := common.ParsePubKey(cosignerPubkey)
	if err != nil {
		return rejected("SubmitTreeSignatures", err)
	}
	if err := c.session.AddPartialSignatures(cosigner, signatures); err != nil {
		return rejected("SubmitTreeSignatures", err)
	}

	if c.opts.partialSigs {
		c.emit(client.TreePartialSignaturesEvent{
			Id:         batchId,
			Cosigner:   cosignerPubkey,
			Signatures: signatures,
		})
		c.emit(client.TreePartialSignaturesEvent{
			Id:         batchId,
			Cosigner:   c.serverKeyHex(),
			Signatures: serverSigs,
		})
	} else {
		for txid, sig := range c.session.Signatures() {
			c.emit(client.TreeSignatureEvent{
				Id:         batchId,
				BatchIndex: 0,
				Txid:       txid,
				Signature:  hex.EncodeToString(sig),
			})
		}
	}

	return c.finalizeBatch()
}

func (c *coordinator) finalizeBatch() error {
	if c.connectorTree != nil {
		chunks, err := c.connectorTree.Serialize()
		if err != nil {
			return err
		}
		for _, chunk := range chunks {
			c.emit(client.TreeTxEvent{Id: c.batchId, BatchIndex: 1, Node: chunk})
		}
	}

	commitmentTx, err := c.commitmentTx.B64Encode()
	if err != nil {
		return err
	}
	c.emit(client.BatchFinalizationEvent{
		Id:              c.batchId,
		Tx:              commitmentTx,
		ConnectorsIndex: c.connectorsIndex,
		MinRelayFeeRate: c.opts.minRelayFeeRate,
	})
	return nil
}

func (c *coordinator) SubmitSignedForfeitTxs(
	_ context.Context, signedForfeitTxs []string, signedCommitmentTx string,
) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.forfeits = append(c.forfeits, signedForfeitTxs)
	c.signedCommitment = append(c.signedCommitment, signedCommitmentTx)
	if !c.opts.holdFinalized {
		c.emit(client.BatchFinalizedEvent{Id: c.batchId, Txid: c.commitmentTx.UnsignedTx.TxID()})
	}
	return nil
}

// releaseFinalized announces the commitment tx held back by holdFinalized.
func (c *coordinator) releaseFinalized() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.emit(client.BatchFinalizedEvent{Id: c.batchId, Txid: c.commitmentTx.UnsignedTx.TxID()})
}

func (c *coordinator) GetEventStream(
	_ context.Context, _ []string,
) (<-chan client.BatchEventChannel, func(), error) {
	return c.events, func() {
		c.lock.Lock()
		defer c.lock.Unlock()
		c.streamsClosed++
	}, nil
}

func (c *coordinator) Close() {}

func (c *coordinator) emit(event client.BatchEvent) {
	c.events <- client.BatchEventChannel{Event: event}
	if c.opts.duplicateEvents {
		c.events <- client.BatchEventChannel{Event: event}
	}
}

type coordinatorCalls struct {
	confirmed        int
	submittedNonces  int
	submittedSigs    int
	forfeits         [][]string
	signedCommitment []string
	deleted          int
}

func (c *coordinator) calls() coordinatorCalls {
	c.lock.Lock()
	defer c.lock.Unlock()
	return coordinatorCalls{
		confirmed:        c.confirmed,
		submittedNonces:  c.submittedNonces,
		submittedSigs:    c.submittedSigs,
		forfeits:         append([][]string{}, c.forfeits...),
		signedCommitment: append([]string{}, c.signedCommitment...),
		deleted:          c.deleted,
	}
}

func (c *coordinator) commitmentTxid() string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.commitmentTx.UnsignedTx.TxID()
}

func rejected(op string, err error) error {
	return &client.RequestError{Op: op, StatusCode: 400, Message: err.Error()}
}

// wallet fixtures

func newOwner(t *testing.T) wallet.Signer {
	signer, err := singlekeywallet.NewEphemeralSigner()
	require.NoError(t, err)
	return signer
}

func ownedTapscripts(t *testing.T, owner wallet.Signer, c *coordinator) ([]string, []byte) {
	vtxoScript := script.NewDefaultVtxoScript(owner.PublicKey(), c.serverKey(), exitDelay)
	tapscripts, err := vtxoScript.Encode()
	require.NoError(t, err)
	pkScript, err := vtxoScript.PkScript()
	require.NoError(t, err)
	return tapscripts, pkScript
}

func randomOutpoint(t *testing.T) types.Outpoint {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	hash := chainhash.HashH(key.Serialize())
	return types.Outpoint{Txid: hash.String(), VOut: 0}
}

func newBoardingUtxo(t *testing.T, owner wallet.Signer, c *coordinator, amount uint64) types.Utxo {
	tapscripts, _ := ownedTapscripts(t, owner, c)
	outpoint := randomOutpoint(t)
	wireOutpoint, err := outpoint.ToWire()
	require.NoError(t, err)

	c.lock.Lock()
	c.boarding[*wireOutpoint] = true
	c.lock.Unlock()

	return types.Utxo{Outpoint: outpoint, Amount: amount, Tapscripts: tapscripts}
}

func newVtxo(t *testing.T, owner wallet.Signer, c *coordinator, amount uint64) types.Vtxo {
	tapscripts, pkScript := ownedTapscripts(t, owner, c)
	return types.Vtxo{
		Outpoint:   randomOutpoint(t),
		Script:     hex.EncodeToString(pkScript),
		Amount:     amount,
		Tapscripts: tapscripts,
	}
}

func ownReceiver(t *testing.T, owner wallet.Signer, c *coordinator, amount uint64) types.Receiver {
	tapscripts, pkScript := ownedTapscripts(t, owner, c)
	return types.Receiver{
		To:         hex.EncodeToString(pkScript),
		Amount:     amount,
		Tapscripts: tapscripts,
	}
}

func onchainReceiver(t *testing.T, amount uint64) types.Receiver {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(key.PubKey()), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)
	return types.Receiver{To: addr.EncodeAddress(), Amount: amount, Onchain: true}
}

func decodePsbt(t *testing.T, b64 string) *psbt.Packet {
	ptx, err := psbt.NewFromRawBytes(strings.NewReader(b64), true)
	require.NoError(t, err)
	return ptx
}
