package tree

import (
	"bytes"

	"github.com/btcsuite/btcd/wire"
)

// P2A: OP_1 <0x4e73>, a keyless anchor output used to bump the fees of v3
// txs via CPFP.
var (
	ANCHOR_PKSCRIPT = []byte{
		0x51, 0x02, 0x4e, 0x73,
	}
	ANCHOR_VALUE = int64(0)
)

func AnchorOutput() *wire.TxOut {
	return &wire.TxOut{
		Value:    ANCHOR_VALUE,
		PkScript: ANCHOR_PKSCRIPT,
	}
}

func IsAnchor(out *wire.TxOut) bool {
	return out != nil && bytes.Equal(out.PkScript, ANCHOR_PKSCRIPT)
}

// nonAnchorOutputs returns the indexes of the outputs that are not anchors.
func nonAnchorOutputs(tx *wire.MsgTx) []uint32 {
	indexes := make([]uint32, 0, len(tx.TxOut))
	for i, out := range tx.TxOut {
		if !IsAnchor(out) {
			indexes = append(indexes, uint32(i))
		}
	}
	return indexes
}
