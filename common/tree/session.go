package tree

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ark-network/ark-batch/common"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/wire"
)

var (
	ErrNoncesNotGenerated = errors.New("nonces not generated")
	ErrNoncesIncomplete   = errors.New("aggregated nonces incomplete")
	ErrNotCosigner        = errors.New("key is not a cosigner of the node")
	ErrConflictingNonce   = errors.New("conflicting nonce")
	ErrConflictingSig     = errors.New("conflicting signature")
	ErrInvalidPartialSig  = errors.New("invalid partial signature")
	ErrInvalidSignature   = errors.New("invalid signature")
)

// NonceContext identifies a single nonce generation. A signer never
// produces two nonces for the same context while its session is open.
type NonceContext struct {
	SessionID string
	Txid      string
}

// NonceRef points to a secret nonce held by the signer.
type NonceRef string

type PartialSignRequest struct {
	CombinedNonce [66]byte
	Cosigners     []*btcec.PublicKey
	TapscriptRoot []byte
	Message       [32]byte
}

// Musig2Signer holds the cosigner secret key and its secret nonces, which
// never leave it. A secret nonce is consumed by the first PartialSign using
// it.
type Musig2Signer interface {
	PublicKey() *btcec.PublicKey
	NewNonce(ctx context.Context, nonceCtx NonceContext) (NonceRef, [66]byte, error)
	PartialSign(
		ctx context.Context, ref NonceRef, req PartialSignRequest,
	) (*musig2.PartialSignature, error)
}

// NonceReleaser is implemented by the signers that keep state per signing
// session. ReleaseNonces drops the secret nonces not consumed yet and
// closes the session.
type NonceReleaser interface {
	ReleaseNonces(sessionID string)
}

// NodeError is the failure of a single tree node.
type NodeError struct {
	Txid string
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %s", e.Txid, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

type nodeSession struct {
	node      *Node
	cosigners []*btcec.PublicKey
	aggKey    *musig2.AggregateKey
	message   [32]byte
	mustSign  bool

	nonceRef    NonceRef
	nonces      map[string][66]byte
	aggNonce    *[66]byte
	ownSig      *musig2.PartialSignature
	partialSigs map[string]*musig2.PartialSignature
	signature   *schnorr.Signature
}

func (n *nodeSession) isCosigner(key string) (*btcec.PublicKey, bool) {
	for _, cosigner := range n.cosigners {
		if common.XOnlyHex(cosigner) == key {
			return cosigner, true
		}
	}
	return nil, false
}

// CosigningSession runs the musig2 protocol of one local cosigner key over
// every node of a vtxo tree. Nodes whose cosigners do not include the key are
// only tracked to verify their final signatures.
type CosigningSession struct {
	lock sync.Mutex

	id         string
	signer     Musig2Signer
	signerKey  string
	tree       *TxTree
	scriptRoot []byte
	nodes      map[string]*nodeSession

	myNonces TreeNonces
	mySigs   TreePartialSigs
}

// NewCosigningSession computes the cosigner set, the aggregated key and the
// sighash of every node. The cosigner sets are the ones declared in the
// psbt of each node.
func NewCosigningSession(
	id string, signer Musig2Signer, tree *TxTree,
	batchOutput *wire.TxOut, scriptRoot []byte,
) (*CosigningSession, error) {
	session := &CosigningSession{
		id:         id,
		signer:     signer,
		signerKey:  common.XOnlyHex(signer.PublicKey()),
		tree:       tree,
		scriptRoot: scriptRoot,
		nodes:      make(map[string]*nodeSession, tree.Len()),
	}

	for _, node := range tree.Nodes() {
		cosigners, err := GetCosignerKeys(node.Tx.Inputs[0])
		if err != nil {
			return nil, &NodeError{node.Txid, err}
		}
		if len(cosigners) == 0 {
			return nil, &NodeError{node.Txid, ErrNoCosigners}
		}

		aggKey, err := AggregateKeys(cosigners, scriptRoot)
		if err != nil {
			return nil, &NodeError{node.Txid, err}
		}

		message, err := nodeSighash(tree, node, batchOutput)
		if err != nil {
			return nil, &NodeError{node.Txid, err}
		}

		ns := &nodeSession{
			node:        node,
			cosigners:   cosigners,
			aggKey:      aggKey,
			message:     message,
			nonces:      make(map[string][66]byte),
			partialSigs: make(map[string]*musig2.PartialSignature),
		}
		_, ns.mustSign = ns.isCosigner(session.signerKey)
		session.nodes[node.Txid] = ns
	}

	return session, nil
}

func (s *CosigningSession) ID() string {
	return s.id
}

// PublicKey is the hex x-only key of the local cosigner.
func (s *CosigningSession) PublicKey() string {
	return s.signerKey
}

// SigningNodes returns the txids of the nodes the local key cosigns.
func (s *CosigningSession) SigningNodes() []string {
	txids := make([]string, 0)
	for _, node := range s.tree.Nodes() {
		if s.nodes[node.Txid].mustSign {
			txids = append(txids, node.Txid)
		}
	}
	return txids
}

// GenerateNonces asks the signer one nonce per node to sign. Calling it again
// returns the same nonces.
func (s *CosigningSession) GenerateNonces(ctx context.Context) (TreeNonces, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.myNonces != nil {
		return s.myNonces, nil
	}

	toSign := s.signingNodes()
	if len(toSign) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotCosigner, s.signerKey)
	}

	if err := workPool(toSign, 0, func(ns *nodeSession) error {
		ref, pubNonce, err := s.signer.NewNonce(ctx, NonceContext{SessionID: s.id, Txid: ns.node.Txid})
		if err != nil {
			return &NodeError{ns.node.Txid, err}
		}
		ns.nonceRef = ref
		ns.nonces[s.signerKey] = pubNonce
		return nil
	}); err != nil {
		return nil, err
	}

	nonces := make(TreeNonces, len(toSign))
	for _, ns := range toSign {
		nonces[ns.node.Txid] = &Musig2Nonce{PubNonce: ns.nonces[s.signerKey]}
	}
	s.myNonces = nonces
	return nonces, nil
}

// Release drops the secret nonces the signer still holds for the session.
// The session can't sign afterwards.
func (s *CosigningSession) Release() {
	if releaser, ok := s.signer.(NonceReleaser); ok {
		releaser.ReleaseNonces(s.id)
	}
}

// AddNonces registers the public nonces of the cosigners of a node. The node
// nonce is aggregated locally once every cosigner contributed. Nodes not
// signed by the local key are ignored.
func (s *CosigningSession) AddNonces(txid string, nonces map[string][66]byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	ns, ok := s.nodes[txid]
	if !ok {
		return &NodeError{txid, ErrNodeNotFound}
	}
	if !ns.mustSign {
		return nil
	}
	if s.myNonces == nil {
		return &NodeError{txid, ErrNoncesNotGenerated}
	}

	for key, nonce := range nonces {
		if _, ok := ns.isCosigner(key); !ok {
			return &NodeError{txid, fmt.Errorf("%w: %s", ErrNotCosigner, key)}
		}
		if existing, ok := ns.nonces[key]; ok {
			if existing != nonce {
				return &NodeError{txid, fmt.Errorf("%w from %s", ErrConflictingNonce, key)}
			}
			continue
		}
		ns.nonces[key] = nonce
	}

	if ns.aggNonce != nil || len(ns.nonces) != len(ns.cosigners) {
		return nil
	}

	pubNonces := make([][66]byte, 0, len(ns.cosigners))
	for _, cosigner := range ns.cosigners {
		pubNonces = append(pubNonces, ns.nonces[common.XOnlyHex(cosigner)])
	}
	aggNonce, err := musig2.AggregateNonces(pubNonces)
	if err != nil {
		return &NodeError{txid, fmt.Errorf("failed to aggregate nonces: %w", err)}
	}
	ns.aggNonce = &aggNonce
	return nil
}

// SetAggregatedNonces sets the aggregated nonces computed by the coordinator.
// They must match any nonce aggregated locally.
func (s *CosigningSession) SetAggregatedNonces(nonces TreeNonces) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.myNonces == nil {
		return ErrNoncesNotGenerated
	}

	for txid := range nonces {
		if _, ok := s.nodes[txid]; !ok {
			return &NodeError{txid, ErrNodeNotFound}
		}
	}

	for _, ns := range s.signingNodes() {
		nonce, ok := nonces[ns.node.Txid]
		if !ok || nonce == nil {
			return &NodeError{ns.node.Txid, ErrNoncesIncomplete}
		}
		if ns.aggNonce != nil {
			if *ns.aggNonce != nonce.PubNonce {
				return &NodeError{ns.node.Txid, ErrConflictingNonce}
			}
			continue
		}
	}

	for _, ns := range s.signingNodes() {
		if ns.aggNonce == nil {
			aggNonce := nonces[ns.node.Txid].PubNonce
			ns.aggNonce = &aggNonce
		}
	}
	return nil
}

// NoncesComplete reports whether every node to sign has an aggregated nonce.
func (s *CosigningSession) NoncesComplete() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, ns := range s.signingNodes() {
		if ns.aggNonce == nil {
			return false
		}
	}
	return s.myNonces != nil
}

// Sign produces the partial signatures of every node to sign. Secret nonces
// are consumed by the signer, calling it again returns the same signatures.
func (s *CosigningSession) Sign(ctx context.Context) (TreePartialSigs, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.mySigs != nil {
		return s.mySigs, nil
	}
	if s.myNonces == nil {
		return nil, ErrNoncesNotGenerated
	}

	toSign := s.signingNodes()
	for _, ns := range toSign {
		if ns.aggNonce == nil {
			return nil, &NodeError{ns.node.Txid, ErrNoncesIncomplete}
		}
	}

	if err := workPool(toSign, 0, func(ns *nodeSession) error {
		sig, err := s.signer.PartialSign(ctx, ns.nonceRef, PartialSignRequest{
			CombinedNonce: *ns.aggNonce,
			Cosigners:     ns.cosigners,
			TapscriptRoot: s.scriptRoot,
			Message:       ns.message,
		})
		if err != nil {
			return &NodeError{ns.node.Txid, err}
		}
		ns.ownSig = sig
		ns.partialSigs[s.signerKey] = sig
		return nil
	}); err != nil {
		return nil, err
	}

	sigs := make(TreePartialSigs, len(toSign))
	for _, ns := range toSign {
		sigs[ns.node.Txid] = ns.ownSig
	}
	s.mySigs = sigs
	return sigs, nil
}

// AddPartialSignatures verifies and registers the partial signatures of a
// cosigner. A node whose contributions are complete gets its combined
// signature. Every failing node is reported, the others are kept.
func (s *CosigningSession) AddPartialSignatures(
	cosigner *btcec.PublicKey, sigs TreePartialSigs,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	key := common.XOnlyHex(cosigner)
	errs := make([]error, 0)

	for txid, sig := range sigs {
		if err := s.addPartialSignature(txid, key, sig); err != nil {
			errs = append(errs, &NodeError{txid, err})
		}
	}

	return errors.Join(errs...)
}

func (s *CosigningSession) addPartialSignature(
	txid, key string, sig *musig2.PartialSignature,
) error {
	ns, ok := s.nodes[txid]
	if !ok {
		return ErrNodeNotFound
	}
	if !ns.mustSign || ns.ownSig == nil {
		return fmt.Errorf("node not signed locally")
	}
	if sig == nil || sig.S == nil {
		return ErrInvalidPartialSig
	}

	cosignerKey, ok := ns.isCosigner(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotCosigner, key)
	}

	if existing, ok := ns.partialSigs[key]; ok {
		if existing.S.Equals(sig.S) {
			return nil
		}
		return fmt.Errorf("%w from %s", ErrConflictingSig, key)
	}

	pubNonce, ok := ns.nonces[key]
	if !ok {
		return fmt.Errorf("missing nonce of cosigner %s", key)
	}

	if !sig.Verify(
		pubNonce, *ns.aggNonce, ns.cosigners, cosignerKey, ns.message,
		SignOptions(s.scriptRoot)...,
	) {
		return fmt.Errorf("%w from %s", ErrInvalidPartialSig, key)
	}
	ns.partialSigs[key] = sig

	if len(ns.partialSigs) != len(ns.cosigners) || ns.signature != nil {
		return nil
	}

	partialSigs := make([]*musig2.PartialSignature, 0, len(ns.cosigners))
	for _, cosigner := range ns.cosigners {
		partialSigs = append(partialSigs, ns.partialSigs[common.XOnlyHex(cosigner)])
	}

	combineOpts := make([]musig2.CombineOption, 0)
	if len(s.scriptRoot) > 0 {
		combineOpts = append(combineOpts, musig2.WithTaprootTweakedCombine(
			ns.message, ns.cosigners, s.scriptRoot, true,
		))
	}
	combined := musig2.CombineSigs(ns.ownSig.R, partialSigs, combineOpts...)
	return s.setSignature(ns, combined)
}

// SetSignature verifies and applies the final signature of a node.
func (s *CosigningSession) SetSignature(txid string, sig []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	ns, ok := s.nodes[txid]
	if !ok {
		return &NodeError{txid, ErrNodeNotFound}
	}

	schnorrSig, err := schnorr.ParseSignature(sig)
	if err != nil {
		return &NodeError{txid, fmt.Errorf("%w: %s", ErrInvalidSignature, err)}
	}

	if err := s.setSignature(ns, schnorrSig); err != nil {
		return &NodeError{txid, err}
	}
	return nil
}

func (s *CosigningSession) setSignature(ns *nodeSession, sig *schnorr.Signature) error {
	if ns.signature != nil {
		if ns.signature.IsEqual(sig) {
			return nil
		}
		return ErrConflictingSig
	}

	if !sig.Verify(ns.message[:], ns.aggKey.FinalKey) {
		return ErrInvalidSignature
	}

	ns.signature = sig
	return s.tree.SetSignature(ns.node.Txid, sig.Serialize())
}

// IsSigned reports whether the node has a verified signature.
func (s *CosigningSession) IsSigned(txid string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	ns, ok := s.nodes[txid]
	return ok && ns.signature != nil
}

// AllSigned reports whether every node of the tree has a verified signature.
func (s *CosigningSession) AllSigned() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, ns := range s.nodes {
		if ns.signature == nil {
			return false
		}
	}
	return true
}

// Signatures returns the verified signatures of the nodes signed so far,
// keyed by txid.
func (s *CosigningSession) Signatures() map[string][]byte {
	s.lock.Lock()
	defer s.lock.Unlock()

	sigs := make(map[string][]byte)
	for txid, ns := range s.nodes {
		if ns.signature != nil {
			sigs[txid] = ns.signature.Serialize()
		}
	}
	return sigs
}

// Tree returns the tree, with the signatures applied so far.
func (s *CosigningSession) Tree() *TxTree {
	return s.tree
}

func (s *CosigningSession) signingNodes() []*nodeSession {
	nodes := make([]*nodeSession, 0)
	for _, node := range s.tree.Nodes() {
		if ns := s.nodes[node.Txid]; ns.mustSign {
			nodes = append(nodes, ns)
		}
	}
	return nodes
}
