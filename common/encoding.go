package common

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/bech32"
)

// Address is an offchain Ark address: the server signer key and the taproot
// key of the vtxo script.
type Address struct {
	HRP        string
	Server     *btcec.PublicKey
	VtxoTapKey *btcec.PublicKey
}

// PkScript returns the P2TR script locking the vtxo.
func (a *Address) PkScript() ([]byte, error) {
	if a.VtxoTapKey == nil {
		return nil, fmt.Errorf("missing vtxo taproot key")
	}
	return P2TRScript(a.VtxoTapKey)
}

func (a *Address) Encode() (string, error) {
	if a.Server == nil {
		return "", fmt.Errorf("missing server public key")
	}
	if a.VtxoTapKey == nil {
		return "", fmt.Errorf("missing vtxo taproot key")
	}

	// [version, server key, vtxo key]
	combinedKey := append([]byte{0}, schnorr.SerializePubKey(a.Server)...)
	combinedKey = append(combinedKey, schnorr.SerializePubKey(a.VtxoTapKey)...)

	grp, err := bech32.ConvertBits(combinedKey, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.EncodeM(a.HRP, grp)
}

func DecodeAddress(addr string) (*Address, error) {
	if len(addr) == 0 {
		return nil, fmt.Errorf("missing address")
	}

	prefix, buf, err := bech32.DecodeNoLimit(addr)
	if err != nil {
		return nil, err
	}
	if prefix != Bitcoin.Addr && prefix != BitcoinTestNet.Addr {
		return nil, fmt.Errorf("invalid prefix")
	}
	grp, err := bech32.ConvertBits(buf, 5, 8, false)
	if err != nil {
		return nil, err
	}

	if len(grp) != 1+32+32 {
		return nil, fmt.Errorf("invalid address length, expected 65 bytes got %d", len(grp))
	}
	if grp[0] != 0 {
		return nil, fmt.Errorf("unsupported address version %d", grp[0])
	}

	serverKey, err := schnorr.ParsePubKey(grp[1:33])
	if err != nil {
		return nil, fmt.Errorf("failed to parse server public key: %s", err)
	}
	vtxoKey, err := schnorr.ParsePubKey(grp[33:])
	if err != nil {
		return nil, fmt.Errorf("failed to parse vtxo taproot key: %s", err)
	}

	return &Address{
		HRP:        prefix,
		Server:     serverKey,
		VtxoTapKey: vtxoKey,
	}, nil
}
