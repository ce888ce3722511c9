package tree

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// TapTree is a list of hex encoded tapscripts, serialized like the
// PSBT_OUT_TAP_TREE field of BIP-371 with every leaf at depth 1.
type TapTree []string

func (t TapTree) Encode() ([]byte, error) {
	var buf bytes.Buffer

	if err := wire.WriteVarInt(&buf, 0, uint64(len(t))); err != nil {
		return nil, err
	}

	for _, tapscript := range t {
		scriptBytes, err := hex.DecodeString(tapscript)
		if err != nil {
			return nil, fmt.Errorf("invalid tapscript %s: %w", tapscript, err)
		}

		buf.WriteByte(1)
		buf.WriteByte(byte(txscript.BaseLeafVersion))
		if err := wire.WriteVarBytes(&buf, 0, scriptBytes); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func DecodeTapTree(data []byte) (TapTree, error) {
	buf := bytes.NewReader(data)

	count, err := wire.ReadVarInt(buf, 0)
	if err != nil {
		return nil, err
	}

	leaves := make(TapTree, 0, count)
	for i := uint64(0); i < count; i++ {
		var header [2]byte
		if _, err := io.ReadFull(buf, header[:]); err != nil {
			return nil, err
		}
		if header[1] != byte(txscript.BaseLeafVersion) {
			return nil, fmt.Errorf("unsupported leaf version %x", header[1])
		}

		script, err := wire.ReadVarBytes(buf, 0, txscript.MaxScriptSize, "tapscript")
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, hex.EncodeToString(script))
	}

	if buf.Len() > 0 {
		return nil, fmt.Errorf("unexpected %d trailing bytes", buf.Len())
	}

	return leaves, nil
}
