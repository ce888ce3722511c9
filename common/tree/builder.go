package tree

import (
	"encoding/hex"
	"fmt"

	"github.com/ark-network/ark-batch/common"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	vtxoTreeRadix       = 2
	connectorsTreeRadix = 4
)

// Leaf is an output of the tree and the keys cosigning the path to it.
type Leaf struct {
	Script              string
	Amount              uint64
	CosignersPublicKeys []string
}

// BuildBatchOutput returns the script and amount of the commitment tx output
// the vtxo tree spends.
func BuildBatchOutput(receivers []Leaf, sweepTapTreeRoot []byte) ([]byte, int64, error) {
	root, err := createTxTree(receivers, sweepTapTreeRoot, vtxoTreeRadix)
	if err != nil {
		return nil, 0, err
	}
	return root.inputScript, root.amount() + ANCHOR_VALUE, nil
}

// BuildVtxoTree creates the tree of txs from the one spending the batch output
// to the ones creating the vtxos.
func BuildVtxoTree(
	rootInput *wire.OutPoint, receivers []Leaf,
	sweepTapTreeRoot []byte, vtxoTreeExpiry common.RelativeLocktime,
) (*TxTree, error) {
	root, err := createTxTree(receivers, sweepTapTreeRoot, vtxoTreeRadix)
	if err != nil {
		return nil, err
	}

	chunks, err := root.chunks(rootInput, &vtxoTreeExpiry)
	if err != nil {
		return nil, err
	}
	return NewTxTree(chunks)
}

// BuildConnectorOutput returns the script and amount of the commitment tx
// output the connector tree spends.
func BuildConnectorOutput(receivers []Leaf) ([]byte, int64, error) {
	root, err := createTxTree(receivers, nil, connectorsTreeRadix)
	if err != nil {
		return nil, 0, err
	}
	return root.inputScript, root.amount() + ANCHOR_VALUE, nil
}

// BuildConnectorTree creates the tree of txs from the one spending the
// connector output to the ones creating the connectors.
func BuildConnectorTree(rootInput *wire.OutPoint, receivers []Leaf) (*TxTree, error) {
	root, err := createTxTree(receivers, nil, connectorsTreeRadix)
	if err != nil {
		return nil, err
	}

	chunks, err := root.chunks(rootInput, nil)
	if err != nil {
		return nil, err
	}
	return NewTxTree(chunks)
}

// templateNode is a leaf if output is set, a branch otherwise.
type templateNode struct {
	output      *wire.TxOut
	children    []*templateNode
	inputScript []byte
	cosigners   []*btcec.PublicKey
}

func (n *templateNode) amount() int64 {
	if n.output != nil {
		return n.output.Value
	}
	amount := int64(0)
	for _, child := range n.children {
		amount += child.amount() + ANCHOR_VALUE
	}
	return amount
}

func (n *templateNode) outputs() []*wire.TxOut {
	if n.output != nil {
		return []*wire.TxOut{n.output, AnchorOutput()}
	}
	outputs := make([]*wire.TxOut, 0, len(n.children)+1)
	for _, child := range n.children {
		outputs = append(outputs, &wire.TxOut{Value: child.amount(), PkScript: child.inputScript})
	}
	return append(outputs, AnchorOutput())
}

func (n *templateNode) chunks(
	input *wire.OutPoint, expiry *common.RelativeLocktime,
) ([]TxTreeNode, error) {
	ptx, err := psbt.New(
		[]*wire.OutPoint{input}, n.outputs(), 3, 0, []uint32{wire.MaxTxInSequenceNum},
	)
	if err != nil {
		return nil, err
	}

	updater, err := psbt.NewUpdater(ptx)
	if err != nil {
		return nil, err
	}
	if err := updater.AddInSighashType(txscript.SigHashDefault, 0); err != nil {
		return nil, err
	}

	for _, cosigner := range n.cosigners {
		if err := AddCosignerKey(0, ptx, cosigner); err != nil {
			return nil, err
		}
	}
	if expiry != nil {
		if err := AddVtxoTreeExpiry(0, ptx, *expiry); err != nil {
			return nil, err
		}
	}

	b64, err := ptx.B64Encode()
	if err != nil {
		return nil, err
	}

	txid := ptx.UnsignedTx.TxHash()
	chunk := TxTreeNode{
		Txid:     txid.String(),
		Tx:       b64,
		Children: make(map[uint32]string),
	}
	chunks := make([]TxTreeNode, 0)

	for i, child := range n.children {
		childChunks, err := child.chunks(&wire.OutPoint{Hash: txid, Index: uint32(i)}, expiry)
		if err != nil {
			return nil, err
		}
		// the child chunk is the last of its list
		chunk.Children[uint32(i)] = childChunks[len(childChunks)-1].Txid
		chunks = append(chunks, childChunks...)
	}

	return append(chunks, chunk), nil
}

func createTxTree(receivers []Leaf, tapTreeRoot []byte, radix int) (*templateNode, error) {
	if len(receivers) == 0 {
		return nil, fmt.Errorf("no receivers provided")
	}

	nodes := make([]*templateNode, 0, len(receivers))
	for _, r := range receivers {
		pkScript, err := hex.DecodeString(r.Script)
		if err != nil {
			return nil, fmt.Errorf("failed to decode receiver script: %w", err)
		}

		cosigners := make([]*btcec.PublicKey, 0, len(r.CosignersPublicKeys))
		for _, cosigner := range r.CosignersPublicKeys {
			pubkey, err := common.ParsePubKey(cosigner)
			if err != nil {
				return nil, fmt.Errorf("failed to parse cosigner pubkey: %w", err)
			}
			cosigners = append(cosigners, pubkey)
		}

		leaf, err := newTemplateNode(uniqueCosigners(cosigners), tapTreeRoot)
		if err != nil {
			return nil, fmt.Errorf("leaf %s: %w", r.Script, err)
		}
		leaf.output = &wire.TxOut{Value: int64(r.Amount), PkScript: pkScript}
		nodes = append(nodes, leaf)
	}

	for len(nodes) > 1 {
		var err error
		nodes, err = createUpperLevel(nodes, tapTreeRoot, radix)
		if err != nil {
			return nil, fmt.Errorf("failed to create tx tree: %w", err)
		}
	}

	return nodes[0], nil
}

// createUpperLevel groups nodes by radix, nodes left out of a full group are
// promoted to the upper level as they are.
func createUpperLevel(
	nodes []*templateNode, tapTreeRoot []byte, radix int,
) ([]*templateNode, error) {
	if len(nodes) <= 1 {
		return nodes, nil
	}
	if len(nodes) < radix {
		return createUpperLevel(nodes, tapTreeRoot, len(nodes))
	}

	remainder := len(nodes) % radix
	if remainder != 0 {
		groups, err := createUpperLevel(nodes[:len(nodes)-remainder], tapTreeRoot, radix)
		if err != nil {
			return nil, err
		}
		return append(groups, nodes[len(nodes)-remainder:]...), nil
	}

	groups := make([]*templateNode, 0, len(nodes)/radix)
	for i := 0; i < len(nodes); i += radix {
		children := nodes[i : i+radix]

		var cosigners []*btcec.PublicKey
		for _, child := range children {
			cosigners = append(cosigners, child.cosigners...)
		}

		branch, err := newTemplateNode(uniqueCosigners(cosigners), tapTreeRoot)
		if err != nil {
			return nil, err
		}
		branch.children = children
		groups = append(groups, branch)
	}
	return groups, nil
}

func newTemplateNode(cosigners []*btcec.PublicKey, tapTreeRoot []byte) (*templateNode, error) {
	aggregatedKey, err := AggregateKeys(cosigners, tapTreeRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate keys: %w", err)
	}

	inputScript, err := common.P2TRScript(aggregatedKey.FinalKey)
	if err != nil {
		return nil, err
	}

	return &templateNode{inputScript: inputScript, cosigners: cosigners}, nil
}

// uniqueCosigners removes duplicated keys, keeping the first occurrence.
func uniqueCosigners(cosigners []*btcec.PublicKey) []*btcec.PublicKey {
	seen := make(map[string]struct{})
	unique := make([]*btcec.PublicKey, 0, len(cosigners))

	for _, cosigner := range cosigners {
		key := common.XOnlyHex(cosigner)
		if _, exists := seen[key]; !exists {
			seen[key] = struct{}{}
			unique = append(unique, cosigner)
		}
	}
	return unique
}
