package inmemorystore

import (
	"context"
	"sync"

	"github.com/ark-network/ark-batch/pkg/client-sdk/types"
)

type utxoStore struct {
	utxos map[types.Outpoint]types.Utxo
	lock  *sync.RWMutex
}

func NewUtxoStore() types.UtxoStore {
	return &utxoStore{
		utxos: make(map[types.Outpoint]types.Utxo),
		lock:  &sync.RWMutex{},
	}
}

func (s *utxoStore) AddUtxos(_ context.Context, utxos []types.Utxo) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	count := 0
	for _, utxo := range utxos {
		if _, ok := s.utxos[utxo.Outpoint]; ok {
			continue
		}
		s.utxos[utxo.Outpoint] = utxo
		count++
	}
	return count, nil
}

func (s *utxoStore) SpendUtxos(
	_ context.Context, outpoints []types.Outpoint, spentBy string,
) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	count := 0
	for _, outpoint := range outpoints {
		utxo, ok := s.utxos[outpoint]
		if !ok || utxo.Spent {
			continue
		}
		utxo.Spent = true
		utxo.SpentBy = spentBy
		s.utxos[outpoint] = utxo
		count++
	}
	return count, nil
}

func (s *utxoStore) GetAllUtxos(_ context.Context) (spendable, spent []types.Utxo, err error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	for _, utxo := range s.utxos {
		if utxo.Spent {
			spent = append(spent, utxo)
		} else {
			spendable = append(spendable, utxo)
		}
	}
	return
}

func (s *utxoStore) Close() {}
