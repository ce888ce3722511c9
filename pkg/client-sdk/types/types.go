package types

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ark-network/ark-batch/common"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	InMemoryStore = "inmemory"
	KVStore       = "kv"
)

type Outpoint struct {
	Txid string
	VOut uint32
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%s", o.Txid, strconv.Itoa(int(o.VOut)))
}

func (o Outpoint) ToWire() (*wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(o.Txid)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %s: %w", o.Txid, err)
	}
	return &wire.OutPoint{Hash: *hash, Index: o.VOut}, nil
}

func OutpointFromWire(outpoint wire.OutPoint) Outpoint {
	return Outpoint{Txid: outpoint.Hash.String(), VOut: outpoint.Index}
}

// ParseOutpoint parses a txid:vout string.
func ParseOutpoint(s string) (Outpoint, error) {
	txid, vout, ok := strings.Cut(s, ":")
	if !ok {
		return Outpoint{}, fmt.Errorf("invalid outpoint %s", s)
	}
	index, err := strconv.ParseUint(vout, 10, 32)
	if err != nil {
		return Outpoint{}, fmt.Errorf("invalid outpoint index %s: %w", vout, err)
	}
	return Outpoint{Txid: txid, VOut: uint32(index)}, nil
}

type Vtxo struct {
	Outpoint
	// Script is the hex encoded output script.
	Script          string
	Amount          uint64
	CreatedAt       time.Time
	ExpiresAt       time.Time
	CommitmentTxids []string
	Preconfirmed    bool
	Swept           bool
	Unrolled        bool
	Spent           bool
	SpentBy         string
	Tapscripts      []string
}

// IsSpendable reports whether the vtxo can be an input of a batch. A swept
// or unrolled vtxo is not, even if unspent.
func (v Vtxo) IsSpendable() bool {
	return !v.Spent && !v.Swept && !v.Unrolled
}

func (v Vtxo) IsExpiringBefore(t time.Time) bool {
	return !v.ExpiresAt.IsZero() && v.ExpiresAt.Before(t)
}

// Utxo is an onchain boarding output, spent by the commitment tx.
type Utxo struct {
	Outpoint
	Amount     uint64
	Tapscripts []string
	CreatedAt  time.Time
	Spent      bool
	SpentBy    string
}

type Receiver struct {
	// To is either a hex encoded output script, an offchain ark address or
	// an onchain bitcoin address.
	To      string
	Amount  uint64
	Onchain bool
	// Tapscripts of the receiver vtxo script, if owned by the client.
	Tapscripts []string
}

func (r Receiver) IsOnchain() bool {
	return r.Onchain
}

// PkScript resolves the destination to the output script.
func (r Receiver) PkScript(params *chaincfg.Params) ([]byte, error) {
	if len(r.To) == 0 {
		return nil, fmt.Errorf("missing receiver destination")
	}

	if buf, err := hex.DecodeString(r.To); err == nil {
		if class := txscript.GetScriptClass(buf); class == txscript.NonStandardTy {
			return nil, fmt.Errorf("invalid receiver script %s", r.To)
		}
		return buf, nil
	}

	if !r.Onchain {
		addr, err := common.DecodeAddress(r.To)
		if err != nil {
			return nil, fmt.Errorf("invalid offchain address %s: %w", r.To, err)
		}
		return addr.PkScript()
	}

	addr, err := btcutil.DecodeAddress(r.To, params)
	if err != nil {
		return nil, fmt.Errorf("invalid onchain address %s: %w", r.To, err)
	}
	return txscript.PayToAddrScript(addr)
}

func (r Receiver) TxOut(params *chaincfg.Params) (*wire.TxOut, error) {
	pkScript, err := r.PkScript(params)
	if err != nil {
		return nil, err
	}
	return &wire.TxOut{Value: int64(r.Amount), PkScript: pkScript}, nil
}

// Intent is what the client registers for the next batch: the funds to
// settle, the outputs to create and the keys cosigning the vtxo tree.
type Intent struct {
	Vtxos         []Vtxo
	BoardingUtxos []Utxo
	Receivers     []Receiver
	// CosignerKeys are hex compressed public keys.
	CosignerKeys []string
	ValidAt      time.Time
	ExpireAt     time.Time
}

func (i Intent) InputAmount() uint64 {
	amount := uint64(0)
	for _, vtxo := range i.Vtxos {
		amount += vtxo.Amount
	}
	for _, utxo := range i.BoardingUtxos {
		amount += utxo.Amount
	}
	return amount
}

func (i Intent) OutputAmount() uint64 {
	amount := uint64(0)
	for _, receiver := range i.Receivers {
		amount += receiver.Amount
	}
	return amount
}

// Outpoints returns the inputs of the intent, vtxos first.
func (i Intent) Outpoints() []Outpoint {
	outpoints := make([]Outpoint, 0, len(i.Vtxos)+len(i.BoardingUtxos))
	for _, vtxo := range i.Vtxos {
		outpoints = append(outpoints, vtxo.Outpoint)
	}
	for _, utxo := range i.BoardingUtxos {
		outpoints = append(outpoints, utxo.Outpoint)
	}
	return outpoints
}

func (i Intent) IsOnchainOnly() bool {
	for _, receiver := range i.Receivers {
		if !receiver.Onchain {
			return false
		}
	}
	return true
}

type VtxoEventType int

const (
	VtxosAdded VtxoEventType = iota
	VtxosSpent
	VtxosUpdated
)

func (e VtxoEventType) String() string {
	return map[VtxoEventType]string{
		VtxosAdded:   "VTXOS_ADDED",
		VtxosSpent:   "VTXOS_SPENT",
		VtxosUpdated: "VTXOS_UPDATED",
	}[e]
}

type VtxoEvent struct {
	Type  VtxoEventType
	Vtxos []Vtxo
}
