package store

import (
	"fmt"

	kvstore "github.com/ark-network/ark-batch/pkg/client-sdk/store/kv"
	inmemorystore "github.com/ark-network/ark-batch/pkg/client-sdk/store/inmemory"
	"github.com/ark-network/ark-batch/pkg/client-sdk/types"
	"github.com/dgraph-io/badger/v4"
)

type service struct {
	vtxoStore types.VtxoStore
	utxoStore types.UtxoStore
}

type Config struct {
	StoreType string

	BaseDir      string
	BadgerLogger badger.Logger
}

// NewStore opens the vtxo and boarding utxo stores of the given type.
func NewStore(storeConfig Config) (types.Store, error) {
	var (
		vtxoStore types.VtxoStore
		utxoStore types.UtxoStore
		err       error

		dir          = storeConfig.BaseDir
		badgerLogger = storeConfig.BadgerLogger
	)

	switch storeConfig.StoreType {
	case types.InMemoryStore:
		vtxoStore = inmemorystore.NewVtxoStore()
		utxoStore = inmemorystore.NewUtxoStore()
	case types.KVStore:
		vtxoStore, err = kvstore.NewVtxoStore(dir, badgerLogger)
		if err != nil {
			return nil, err
		}
		utxoStore, err = kvstore.NewUtxoStore(dir, badgerLogger)
		if err != nil {
			vtxoStore.Close()
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown store type %s", storeConfig.StoreType)
	}

	return &service{vtxoStore, utxoStore}, nil
}

func (s *service) VtxoStore() types.VtxoStore {
	return s.vtxoStore
}

func (s *service) UtxoStore() types.UtxoStore {
	return s.utxoStore
}

func (s *service) Close() {
	s.vtxoStore.Close()
	s.utxoStore.Close()
}
