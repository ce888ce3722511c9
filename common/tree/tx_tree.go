package tree

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
)

var (
	ErrEmptyTree       = errors.New("empty tree")
	ErrNoRoot          = errors.New("no root chunk found")
	ErrMultipleRoots   = errors.New("multiple root chunks found")
	ErrDuplicatedTxid  = errors.New("duplicated txid")
	ErrUnreachableNode = errors.New("unreachable tree node")
	ErrNodeNotFound    = errors.New("tree node not found")
)

// TxTreeNode is the wire representation of a tree node, the unit the server
// streams the tree with.
type TxTreeNode struct {
	Txid string `json:"txid"`
	// Tx is the base64 encoded psbt.
	Tx string `json:"tx"`
	// Children maps output index to child txid.
	Children map[uint32]string `json:"children"`
}

// Position locates a node in the tree template. The child spending output k
// of node (d, i) is at (d+1, i*radix+k).
type Position struct {
	Depth uint32
	Index uint32
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Depth, p.Index)
}

func (p Position) less(other Position) bool {
	if p.Depth != other.Depth {
		return p.Depth < other.Depth
	}
	return p.Index < other.Index
}

type Node struct {
	Position Position
	Txid     string
	Tx       *psbt.Packet

	parent   int
	children map[uint32]int
}

// Input is the outpoint spent by the node.
func (n *Node) Input() wire.OutPoint {
	return n.Tx.UnsignedTx.TxIn[0].PreviousOutPoint
}

// TxTree is an arena of psbt nodes indexed by txid and by position.
type TxTree struct {
	radix  uint32
	nodes  []*Node
	byTxid map[string]int
	byPos  map[Position]int
}

// NewTxTree rebuilds the tree from the list of chunks, in any order.
func NewTxTree(chunks []TxTreeNode) (*TxTree, error) {
	if len(chunks) == 0 {
		return nil, ErrEmptyTree
	}

	type decoded struct {
		tx       *psbt.Packet
		children map[uint32]string
	}

	byTxid := make(map[string]decoded, len(chunks))
	referenced := make(map[string]struct{})
	radix := uint32(2)

	for _, chunk := range chunks {
		ptx, err := psbt.NewFromRawBytes(strings.NewReader(chunk.Tx), true)
		if err != nil {
			return nil, fmt.Errorf("failed to decode psbt: %w", err)
		}
		txid := ptx.UnsignedTx.TxID()
		if chunk.Txid != "" && chunk.Txid != txid {
			return nil, fmt.Errorf("txid mismatch: chunk %s, tx %s", chunk.Txid, txid)
		}
		if _, ok := byTxid[txid]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatedTxid, txid)
		}
		byTxid[txid] = decoded{ptx, chunk.Children}

		for _, child := range chunk.Children {
			referenced[child] = struct{}{}
		}
		if n := uint32(len(nonAnchorOutputs(ptx.UnsignedTx))); n > radix {
			radix = n
		}
	}

	roots := make([]string, 0, 1)
	for txid := range byTxid {
		if _, ok := referenced[txid]; !ok {
			roots = append(roots, txid)
		}
	}
	if len(roots) == 0 {
		return nil, ErrNoRoot
	}
	if len(roots) > 1 {
		sort.Strings(roots)
		return nil, fmt.Errorf("%w: %v", ErrMultipleRoots, roots)
	}

	tree := &TxTree{
		radix:  radix,
		nodes:  make([]*Node, 0, len(byTxid)),
		byTxid: make(map[string]int, len(byTxid)),
		byPos:  make(map[Position]int, len(byTxid)),
	}

	type queued struct {
		txid     string
		pos      Position
		parent   int
		outIndex uint32
	}
	queue := []queued{{txid: roots[0], parent: -1}}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		chunk, ok := byTxid[item.txid]
		if !ok {
			return nil, fmt.Errorf("%w: child %s", ErrNodeNotFound, item.txid)
		}
		if _, seen := tree.byTxid[item.txid]; seen {
			return nil, fmt.Errorf("%w: %s referenced twice", ErrDuplicatedTxid, item.txid)
		}

		index := len(tree.nodes)
		node := &Node{
			Position: item.pos,
			Txid:     item.txid,
			Tx:       chunk.tx,
			parent:   item.parent,
			children: make(map[uint32]int),
		}
		tree.nodes = append(tree.nodes, node)
		tree.byTxid[item.txid] = index
		tree.byPos[item.pos] = index
		if item.parent >= 0 {
			tree.nodes[item.parent].children[item.outIndex] = index
		}

		outIndexes := make([]uint32, 0, len(chunk.children))
		for outIndex := range chunk.children {
			outIndexes = append(outIndexes, outIndex)
		}
		sort.Slice(outIndexes, func(i, j int) bool { return outIndexes[i] < outIndexes[j] })

		for _, outIndex := range outIndexes {
			queue = append(queue, queued{
				txid:     chunk.children[outIndex],
				parent:   index,
				outIndex: outIndex,
				pos: Position{
					Depth: item.pos.Depth + 1,
					Index: item.pos.Index*radix + outIndex,
				},
			})
		}
	}

	if len(tree.nodes) != len(byTxid) {
		return nil, fmt.Errorf(
			"%w: %d of %d nodes reachable from root", ErrUnreachableNode, len(tree.nodes), len(byTxid),
		)
	}

	return tree, nil
}

func (t *TxTree) Root() *Node {
	return t.nodes[0]
}

func (t *TxTree) Len() int {
	return len(t.nodes)
}

// Nodes returns all nodes, breadth first.
func (t *TxTree) Nodes() []*Node {
	return append([]*Node(nil), t.nodes...)
}

func (t *TxTree) Find(txid string) *Node {
	index, ok := t.byTxid[txid]
	if !ok {
		return nil
	}
	return t.nodes[index]
}

func (t *TxTree) FindAt(pos Position) *Node {
	index, ok := t.byPos[pos]
	if !ok {
		return nil
	}
	return t.nodes[index]
}

// Parent returns nil for the root.
func (t *TxTree) Parent(n *Node) *Node {
	if n.parent < 0 {
		return nil
	}
	return t.nodes[n.parent]
}

// Children returns the children of the node indexed by the spent output.
func (t *TxTree) Children(n *Node) map[uint32]*Node {
	children := make(map[uint32]*Node, len(n.children))
	for outIndex, index := range n.children {
		children[outIndex] = t.nodes[index]
	}
	return children
}

func (t *TxTree) IsLeaf(n *Node) bool {
	return len(n.children) == 0
}

// Leaves returns the nodes without children ordered by position.
func (t *TxTree) Leaves() []*Node {
	leaves := make([]*Node, 0)
	for _, n := range t.nodes {
		if t.IsLeaf(n) {
			leaves = append(leaves, n)
		}
	}
	sort.Slice(leaves, func(i, j int) bool {
		return leaves[i].Position.less(leaves[j].Position)
	})
	return leaves
}

// Path returns the nodes from the root down to the node with the given txid.
func (t *TxTree) Path(txid string) ([]*Node, error) {
	index, ok := t.byTxid[txid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, txid)
	}

	path := make([]*Node, 0)
	for index >= 0 {
		node := t.nodes[index]
		path = append([]*Node{node}, path...)
		index = node.parent
	}
	return path, nil
}

// SetSignature sets the key path signature of the node input.
func (t *TxTree) SetSignature(txid string, sig []byte) error {
	node := t.Find(txid)
	if node == nil {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, txid)
	}
	node.Tx.Inputs[0].TaprootKeySpendSig = sig
	return nil
}

// Serialize returns the chunk list, breadth first.
func (t *TxTree) Serialize() ([]TxTreeNode, error) {
	chunks := make([]TxTreeNode, 0, len(t.nodes))
	for _, n := range t.nodes {
		b64, err := n.Tx.B64Encode()
		if err != nil {
			return nil, err
		}
		children := make(map[uint32]string, len(n.children))
		for outIndex, index := range n.children {
			children[outIndex] = t.nodes[index].Txid
		}
		chunks = append(chunks, TxTreeNode{Txid: n.Txid, Tx: b64, Children: children})
	}
	return chunks, nil
}

// Validate checks the tree is coherent:
// - every tx has exactly one input and is version 3
// - a node is either a leaf (one non anchor output) or a branch with at
// least one child, a branch may omit children unrelated to the receiver
// - a child spends the parent output it is indexed by
// - the sum of a child outputs equals the spent parent output
func (t *TxTree) Validate() error {
	for _, n := range t.nodes {
		tx := n.Tx.UnsignedTx
		if tx.TxID() != n.Txid {
			return fmt.Errorf("node %s: txid mismatch", n.Position)
		}
		if len(tx.TxIn) != 1 || len(n.Tx.Inputs) != 1 {
			return fmt.Errorf("node %s: expected exactly one input, got %d", n.Position, len(tx.TxIn))
		}
		if tx.Version != 3 {
			return fmt.Errorf("node %s: unexpected tx version %d", n.Position, tx.Version)
		}

		outputs := nonAnchorOutputs(tx)
		switch {
		case len(outputs) == 0:
			return fmt.Errorf("node %s: no outputs", n.Position)
		case len(outputs) == 1 && len(n.children) > 0:
			return fmt.Errorf("node %s: single output node cannot have children", n.Position)
		case len(outputs) > 1 && len(n.children) == 0:
			return fmt.Errorf("node %s: branch without children", n.Position)
		}

		for outIndex, childIndex := range n.children {
			if int(outIndex) >= len(tx.TxOut) || IsAnchor(tx.TxOut[outIndex]) {
				return fmt.Errorf("node %s: invalid child output index %d", n.Position, outIndex)
			}

			child := t.nodes[childIndex]
			input := child.Input()
			if input.Hash.String() != n.Txid || input.Index != outIndex {
				return fmt.Errorf(
					"node %s: child %s does not spend output %d", n.Position, child.Txid, outIndex,
				)
			}

			childAmount := int64(0)
			for _, out := range child.Tx.UnsignedTx.TxOut {
				childAmount += out.Value
			}
			if childAmount != tx.TxOut[outIndex].Value {
				return fmt.Errorf(
					"node %s: child %s outputs sum %d, parent output is %d",
					n.Position, child.Txid, childAmount, tx.TxOut[outIndex].Value,
				)
			}
		}
	}
	return nil
}
