package tree

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ark-network/ark-batch/common"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
)

// ArkPsbtFieldKeyType is the proprietary key type of the ark psbt fields.
const ArkPsbtFieldKeyType = 222

var (
	COSIGNER_PSBT_KEY_PREFIX  = arkFieldKey("cosigner")
	VTXO_TREE_EXPIRY_PSBT_KEY = arkFieldKey("expiry")
	VTXO_TAPROOT_TREE_KEY     = arkFieldKey("taptree")
)

func arkFieldKey(name string) []byte {
	return append([]byte{ArkPsbtFieldKeyType}, name...)
}

// AddVtxoTreeExpiry writes the batch expiry as a minimally encoded BIP68
// sequence in the input unknowns.
func AddVtxoTreeExpiry(inIndex int, ptx *psbt.Packet, vtxoTreeExpiry common.RelativeLocktime) error {
	if inIndex >= len(ptx.Inputs) {
		return fmt.Errorf("input index %d out of range", inIndex)
	}

	value, err := common.BIP68EncodeAsNumber(vtxoTreeExpiry)
	if err != nil {
		return err
	}

	ptx.Inputs[inIndex].Unknowns = append(ptx.Inputs[inIndex].Unknowns, &psbt.Unknown{
		Value: value,
		Key:   VTXO_TREE_EXPIRY_PSBT_KEY,
	})
	return nil
}

// GetVtxoTreeExpiry returns nil if the field is not set.
func GetVtxoTreeExpiry(in psbt.PInput) (*common.RelativeLocktime, error) {
	for _, u := range in.Unknowns {
		if bytes.Equal(u.Key, VTXO_TREE_EXPIRY_PSBT_KEY) {
			return common.BIP68DecodeSequence(u.Value)
		}
	}
	return nil, nil
}

// AddCosignerKey appends the key to the cosigners of the input, indexed by
// insertion order.
func AddCosignerKey(inIndex int, ptx *psbt.Packet, key *btcec.PublicKey) error {
	if inIndex >= len(ptx.Inputs) {
		return fmt.Errorf("input index %d out of range", inIndex)
	}

	currentCosigners, err := GetCosignerKeys(ptx.Inputs[inIndex])
	if err != nil {
		return err
	}

	ptx.Inputs[inIndex].Unknowns = append(ptx.Inputs[inIndex].Unknowns, &psbt.Unknown{
		Value: key.SerializeCompressed(),
		Key:   cosignerPrefixedKey(len(currentCosigners)),
	})
	return nil
}

// GetCosignerKeys returns the cosigners of the input ordered by index.
func GetCosignerKeys(in psbt.PInput) ([]*btcec.PublicKey, error) {
	byIndex := make(map[uint32]*btcec.PublicKey)
	for _, u := range in.Unknowns {
		index, ok := parsePrefixedCosignerKey(u.Key)
		if !ok {
			continue
		}
		if _, dup := byIndex[index]; dup {
			return nil, fmt.Errorf("duplicated cosigner index %d", index)
		}

		key, err := btcec.ParsePubKey(u.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid cosigner key at index %d: %w", index, err)
		}
		byIndex[index] = key
	}

	keys := make([]*btcec.PublicKey, 0, len(byIndex))
	for i := uint32(0); i < uint32(len(byIndex)); i++ {
		key, ok := byIndex[i]
		if !ok {
			return nil, fmt.Errorf("missing cosigner at index %d", i)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// AddTaprootTree writes the vtxo taproot tree of the spent output in the
// input unknowns.
func AddTaprootTree(inIndex int, ptx *psbt.Packet, tapscripts []string) error {
	if inIndex >= len(ptx.Inputs) {
		return fmt.Errorf("input index %d out of range", inIndex)
	}

	encoded, err := TapTree(tapscripts).Encode()
	if err != nil {
		return err
	}

	ptx.Inputs[inIndex].Unknowns = append(ptx.Inputs[inIndex].Unknowns, &psbt.Unknown{
		Value: encoded,
		Key:   VTXO_TAPROOT_TREE_KEY,
	})
	return nil
}

func GetTaprootTree(in psbt.PInput) (TapTree, error) {
	for _, u := range in.Unknowns {
		if bytes.Equal(u.Key, VTXO_TAPROOT_TREE_KEY) {
			return DecodeTapTree(u.Value)
		}
	}
	return nil, nil
}

func cosignerPrefixedKey(index int) []byte {
	key := make([]byte, len(COSIGNER_PSBT_KEY_PREFIX), len(COSIGNER_PSBT_KEY_PREFIX)+4)
	copy(key, COSIGNER_PSBT_KEY_PREFIX)
	return binary.BigEndian.AppendUint32(key, uint32(index))
}

func parsePrefixedCosignerKey(key []byte) (uint32, bool) {
	if !bytes.HasPrefix(key, COSIGNER_PSBT_KEY_PREFIX) {
		return 0, false
	}
	suffix := key[len(COSIGNER_PSBT_KEY_PREFIX):]
	if len(suffix) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(suffix), true
}
