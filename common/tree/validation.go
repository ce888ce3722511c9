package tree

import (
	"bytes"
	"fmt"

	"github.com/ark-network/ark-batch/common"
	"github.com/ark-network/ark-batch/common/script"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	ErrInvalidCommitmentTx        = fmt.Errorf("invalid commitment transaction")
	ErrWrongCommitmentTxid        = fmt.Errorf("the input of the tree root is not the commitment tx batch output")
	ErrInvalidBatchAmount         = fmt.Errorf("root outputs amount differs from the batch output amount")
	ErrNumberOfOutputs            = fmt.Errorf("vtxo tree node should be a leaf or have exactly two outputs")
	ErrMissingCosignersPublicKeys = fmt.Errorf("missing cosigners public keys")
	ErrInvalidTaprootScript       = fmt.Errorf("invalid taproot script")
	ErrMissingReceiver            = fmt.Errorf("receiver not found in the tree")
	ErrMissingOnchainOutput       = fmt.Errorf("onchain output not found in the commitment tx")
	ErrCosignerNotInPath          = fmt.Errorf("cosigner key missing on the path to the leaf")
)

// BatchOutputIndex is the commitment tx output spent by the vtxo tree.
const BatchOutputIndex = 0

// SweepTapscriptRoot returns the tapscript root of the batch outputs: a
// single leaf letting the server sweep after the batch expiry.
func SweepTapscriptRoot(server *btcec.PublicKey, expiry common.RelativeLocktime) ([]byte, error) {
	closure := &script.CSVMultisigClosure{
		MultisigClosure: script.MultisigClosure{PubKeys: []*btcec.PublicKey{server}},
		Locktime:        expiry,
	}
	sweepScript, err := closure.Script()
	if err != nil {
		return nil, err
	}

	tapTree := txscript.AssembleTaprootScriptTree(txscript.NewBaseTapLeaf(sweepScript))
	root := tapTree.RootNode.TapHash()
	return root[:], nil
}

// ValidateVtxoTree checks the vtxo tree against the commitment tx:
// - the tree is coherent and binary
// - the root spends the batch output, and its outputs sum to its amount
// - every node output is locked by the cosigners of the child, tweaked
// with the sweep tapscript root
func ValidateVtxoTree(vtxoTree *TxTree, commitmentTx *wire.MsgTx, sweepTapTreeRoot []byte) error {
	if commitmentTx == nil || len(commitmentTx.TxOut) <= BatchOutputIndex {
		return ErrInvalidCommitmentTx
	}

	if err := vtxoTree.Validate(); err != nil {
		return err
	}

	root := vtxoTree.Root()
	rootInput := root.Input()
	if rootInput.Hash != commitmentTx.TxHash() || rootInput.Index != BatchOutputIndex {
		return ErrWrongCommitmentTxid
	}

	batchOutput := commitmentTx.TxOut[BatchOutputIndex]
	sumRootOutputs := int64(0)
	for _, out := range root.Tx.UnsignedTx.TxOut {
		sumRootOutputs += out.Value
	}
	if sumRootOutputs != batchOutput.Value {
		return fmt.Errorf(
			"%w: got %d, expected %d", ErrInvalidBatchAmount, sumRootOutputs, batchOutput.Value,
		)
	}

	for _, node := range vtxoTree.Nodes() {
		if n := len(nonAnchorOutputs(node.Tx.UnsignedTx)); n != 1 && n != vtxoTreeRadix {
			return fmt.Errorf("node %s: %w", node.Txid, ErrNumberOfOutputs)
		}

		cosigners, err := GetCosignerKeys(node.Tx.Inputs[0])
		if err != nil {
			return fmt.Errorf("node %s: %w", node.Txid, err)
		}
		if len(cosigners) == 0 {
			return fmt.Errorf("node %s: %w", node.Txid, ErrMissingCosignersPublicKeys)
		}

		aggregatedKey, err := AggregateKeys(cosigners, sweepTapTreeRoot)
		if err != nil {
			return fmt.Errorf("node %s: %w", node.Txid, err)
		}
		expectedScript, err := common.P2TRScript(aggregatedKey.FinalKey)
		if err != nil {
			return err
		}

		prevout := batchOutput
		if parent := vtxoTree.Parent(node); parent != nil {
			prevout = parent.Tx.UnsignedTx.TxOut[node.Input().Index]
		}
		if !bytes.Equal(prevout.PkScript, expectedScript) {
			return fmt.Errorf("node %s: %w", node.Txid, ErrInvalidTaprootScript)
		}
	}

	return nil
}

// ValidateReceivers checks every offchain output is created verbatim by a
// distinct leaf of the tree.
func ValidateReceivers(vtxoTree *TxTree, outputs []*wire.TxOut) error {
	leaves := vtxoTree.Leaves()
	used := make(map[string]bool, len(leaves))

	for _, output := range outputs {
		found := false
		for _, leaf := range leaves {
			if used[leaf.Txid] {
				continue
			}
			leafOutput := LeafOutput(leaf)
			if leafOutput.Value == output.Value && bytes.Equal(leafOutput.PkScript, output.PkScript) {
				used[leaf.Txid] = true
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf(
				"%w: script %x amount %d", ErrMissingReceiver, output.PkScript, output.Value,
			)
		}
	}
	return nil
}

// ValidateOnchainOutputs checks every onchain output is created verbatim by
// a distinct output of the commitment tx.
func ValidateOnchainOutputs(commitmentTx *wire.MsgTx, outputs []*wire.TxOut) error {
	used := make(map[int]bool)

	for _, output := range outputs {
		found := false
		for i, out := range commitmentTx.TxOut {
			if used[i] || i == BatchOutputIndex {
				continue
			}
			if out.Value == output.Value && bytes.Equal(out.PkScript, output.PkScript) {
				used[i] = true
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf(
				"%w: script %x amount %d", ErrMissingOnchainOutput, output.PkScript, output.Value,
			)
		}
	}
	return nil
}

// FindLeaves returns the leaves creating the given outputs.
func FindLeaves(vtxoTree *TxTree, outputs []*wire.TxOut) []*Node {
	leaves := make([]*Node, 0, len(outputs))
	used := make(map[string]bool)
	for _, output := range outputs {
		for _, leaf := range vtxoTree.Leaves() {
			leafOutput := LeafOutput(leaf)
			if used[leaf.Txid] || leafOutput.Value != output.Value ||
				!bytes.Equal(leafOutput.PkScript, output.PkScript) {
				continue
			}
			used[leaf.Txid] = true
			leaves = append(leaves, leaf)
			break
		}
	}
	return leaves
}

// ValidateCosignerPaths checks the key cosigns every node from the root down
// to each of the given leaves.
func ValidateCosignerPaths(vtxoTree *TxTree, key *btcec.PublicKey, leafTxids []string) error {
	xOnly := common.XOnlyHex(key)
	for _, txid := range leafTxids {
		path, err := vtxoTree.Path(txid)
		if err != nil {
			return err
		}
		for _, node := range path {
			cosigners, err := GetCosignerKeys(node.Tx.Inputs[0])
			if err != nil {
				return fmt.Errorf("node %s: %w", node.Txid, err)
			}
			found := false
			for _, cosigner := range cosigners {
				if common.XOnlyHex(cosigner) == xOnly {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("node %s: %w", node.Txid, ErrCosignerNotInPath)
			}
		}
	}
	return nil
}

// LeafOutput returns the vtxo created by a leaf node.
func LeafOutput(leaf *Node) *wire.TxOut {
	tx := leaf.Tx.UnsignedTx
	return tx.TxOut[nonAnchorOutputs(tx)[0]]
}

// LeafOutpoint returns the outpoint of the vtxo created by a leaf node.
func LeafOutpoint(leaf *Node) wire.OutPoint {
	tx := leaf.Tx.UnsignedTx
	return wire.OutPoint{Hash: tx.TxHash(), Index: nonAnchorOutputs(tx)[0]}
}
