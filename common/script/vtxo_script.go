package script

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ark-network/ark-batch/common"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

var ErrNoExitLeaf = errors.New("no exit leaf")

// NewDefaultVtxoScript returns the common vtxo script: A + S | A after T with:
// - A: the owner of the vtxo.
// - S: the server key.
// - T: exit delay the owner waits once the vtxo is unrolled onchain.
func NewDefaultVtxoScript(
	owner, server *btcec.PublicKey, exitDelay common.RelativeLocktime,
) *TapscriptsVtxoScript {
	return &TapscriptsVtxoScript{
		[]Closure{
			&CSVMultisigClosure{
				MultisigClosure: MultisigClosure{PubKeys: []*btcec.PublicKey{owner}},
				Locktime:        exitDelay,
			},
			&MultisigClosure{PubKeys: []*btcec.PublicKey{owner, server}},
		},
	}
}

// ParseVtxoScript decodes a list of hex encoded tapscripts.
func ParseVtxoScript(scripts []string) (*TapscriptsVtxoScript, error) {
	if len(scripts) == 0 {
		return nil, fmt.Errorf("empty tapscripts array")
	}

	v := &TapscriptsVtxoScript{}
	if err := v.Decode(scripts); err != nil {
		return nil, fmt.Errorf("invalid vtxo scripts: %w", err)
	}
	return v, nil
}

// TapscriptsVtxoScript is a taproot script with an unspendable internal key
// and one leaf per closure.
type TapscriptsVtxoScript struct {
	Closures []Closure
}

func (v *TapscriptsVtxoScript) Encode() ([]string, error) {
	encoded := make([]string, 0, len(v.Closures))
	for _, closure := range v.Closures {
		script, err := closure.Script()
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, hex.EncodeToString(script))
	}
	return encoded, nil
}

func (v *TapscriptsVtxoScript) Decode(scripts []string) error {
	if len(scripts) == 0 {
		return fmt.Errorf("empty scripts array")
	}

	v.Closures = make([]Closure, 0, len(scripts))
	for _, script := range scripts {
		scriptBytes, err := hex.DecodeString(script)
		if err != nil {
			return err
		}

		closure, err := DecodeClosure(scriptBytes)
		if err != nil {
			return err
		}
		v.Closures = append(v.Closures, closure)
	}

	return nil
}

// Validate checks every forfeit leaf requires the server signature and the
// exit delay is at least minLocktime.
func (v *TapscriptsVtxoScript) Validate(
	server *btcec.PublicKey, minLocktime common.RelativeLocktime,
) error {
	xOnlyServer := schnorr.SerializePubKey(server)
	for _, forfeit := range v.ForfeitClosures() {
		var keys []*btcec.PublicKey
		switch c := forfeit.(type) {
		case *MultisigClosure:
			keys = c.PubKeys
		case *CLTVMultisigClosure:
			keys = c.PubKeys
		}

		found := false
		for _, pubkey := range keys {
			if bytes.Equal(schnorr.SerializePubKey(pubkey), xOnlyServer) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("invalid forfeit closure, server pubkey not found")
		}
	}

	smallestExit, err := v.SmallestExitDelay()
	if err != nil {
		if errors.Is(err, ErrNoExitLeaf) {
			return nil
		}
		return err
	}

	if smallestExit.LessThan(minLocktime) {
		return fmt.Errorf("exit delay is too short")
	}

	return nil
}

func (v *TapscriptsVtxoScript) SmallestExitDelay() (*common.RelativeLocktime, error) {
	var smallest *common.RelativeLocktime

	for _, closure := range v.Closures {
		if csvClosure, ok := closure.(*CSVMultisigClosure); ok {
			if smallest == nil || csvClosure.Locktime.LessThan(*smallest) {
				locktime := csvClosure.Locktime
				smallest = &locktime
			}
		}
	}

	if smallest == nil {
		return nil, ErrNoExitLeaf
	}
	return smallest, nil
}

// ForfeitClosures are the collaborative leaves, spendable with the server.
func (v *TapscriptsVtxoScript) ForfeitClosures() []Closure {
	forfeits := make([]Closure, 0)
	for _, closure := range v.Closures {
		switch closure.(type) {
		case *MultisigClosure, *CLTVMultisigClosure:
			forfeits = append(forfeits, closure)
		}
	}
	return forfeits
}

// ExitClosures are the unilateral leaves.
func (v *TapscriptsVtxoScript) ExitClosures() []Closure {
	exits := make([]Closure, 0)
	for _, closure := range v.Closures {
		if _, ok := closure.(*CSVMultisigClosure); ok {
			exits = append(exits, closure)
		}
	}
	return exits
}

func (v *TapscriptsVtxoScript) TapTree() (*btcec.PublicKey, *TaprootTree, error) {
	leaves := make([]txscript.TapLeaf, len(v.Closures))
	for i, closure := range v.Closures {
		script, err := closure.Script()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get script for closure %d: %w", i, err)
		}
		leaves[i] = txscript.NewBaseTapLeaf(script)
	}

	tapTree := txscript.AssembleTaprootScriptTree(leaves...)
	root := tapTree.RootNode.TapHash()
	taprootKey := txscript.ComputeTaprootOutputKey(common.UnspendableKey(), root[:])

	return taprootKey, &TaprootTree{tapTree}, nil
}

// PkScript returns the P2TR output script of the vtxo script.
func (v *TapscriptsVtxoScript) PkScript() ([]byte, error) {
	taprootKey, _, err := v.TapTree()
	if err != nil {
		return nil, err
	}
	return common.P2TRScript(taprootKey)
}

// TaprootTree wraps the indexed script tree to look up merkle proofs.
type TaprootTree struct {
	*txscript.IndexedTapScriptTree
}

func (b *TaprootTree) GetRoot() chainhash.Hash {
	return b.RootNode.TapHash()
}

func (b *TaprootTree) GetTaprootMerkleProof(
	leafhash chainhash.Hash,
) (*common.TaprootMerkleProof, error) {
	index, ok := b.LeafProofIndex[leafhash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrLeafNotFound, leafhash)
	}
	proof := b.LeafMerkleProofs[index]

	controlBlock := proof.ToControlBlock(common.UnspendableKey())
	controlBlockBytes, err := controlBlock.ToBytes()
	if err != nil {
		return nil, err
	}

	return &common.TaprootMerkleProof{
		ControlBlock: controlBlockBytes,
		Script:       proof.Script,
	}, nil
}

// ClosureProof returns the merkle proof of the given closure leaf.
func (b *TaprootTree) ClosureProof(closure Closure) (*common.TaprootMerkleProof, error) {
	script, err := closure.Script()
	if err != nil {
		return nil, err
	}
	return b.GetTaprootMerkleProof(txscript.NewBaseTapLeaf(script).TapHash())
}
