package types

import "context"

type Store interface {
	VtxoStore() VtxoStore
	UtxoStore() UtxoStore
	Close()
}

type VtxoStore interface {
	AddVtxos(ctx context.Context, vtxos []Vtxo) (int, error)
	SpendVtxos(ctx context.Context, outpoints []Outpoint, spentBy string) (int, error)
	UpdateVtxos(ctx context.Context, vtxos []Vtxo) (int, error)
	GetAllVtxos(ctx context.Context) (spendable, spent []Vtxo, err error)
	GetVtxos(ctx context.Context, outpoints []Outpoint) ([]Vtxo, error)
	GetEventChannel() <-chan VtxoEvent
	Close()
}

type UtxoStore interface {
	AddUtxos(ctx context.Context, utxos []Utxo) (int, error)
	SpendUtxos(ctx context.Context, outpoints []Outpoint, spentBy string) (int, error)
	GetAllUtxos(ctx context.Context) (spendable, spent []Utxo, err error)
	Close()
}
