package kvstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/ark-network/ark-batch/pkg/client-sdk/types"
	"github.com/dgraph-io/badger/v4"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold/v4"
)

const (
	utxoStoreDir = "utxos"
)

type utxoStore struct {
	db   *badgerhold.Store
	lock *sync.Mutex
}

// NewUtxoStore opens the boarding utxo store in dir, in memory if dir is
// empty.
func NewUtxoStore(dir string, logger badger.Logger) (types.UtxoStore, error) {
	if len(dir) > 0 {
		dir = filepath.Join(dir, utxoStoreDir)
	}
	badgerDb, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open utxo store: %s", err)
	}
	return &utxoStore{
		db:   badgerDb,
		lock: &sync.Mutex{},
	}, nil
}

func (s *utxoStore) AddUtxos(_ context.Context, utxos []types.Utxo) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	count := 0
	for _, utxo := range utxos {
		if err := s.db.Insert(utxo.Outpoint.String(), &utxo); err != nil {
			if errors.Is(err, badgerhold.ErrKeyExists) {
				continue
			}
			return -1, err
		}
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
		var utxo types.Utxo
		if err := s.db.Get(outpoint.String(), &utxo); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				continue
			}
			return -1, err
		}
		if utxo.Spent {
			continue
		}
		utxo.Spent = true
		utxo.SpentBy = spentBy
		if err := s.db.Update(outpoint.String(), &utxo); err != nil {
			return -1, err
		}
		count++
	}
	return count, nil
}

func (s *utxoStore) GetAllUtxos(
	_ context.Context,
) (spendable, spent []types.Utxo, err error) {
	var allUtxos []types.Utxo
	if err = s.db.Find(&allUtxos, nil); err != nil {
		return nil, nil, err
	}

	for _, utxo := range allUtxos {
		if utxo.Spent {
			spent = append(spent, utxo)
		} else {
			spendable = append(spendable, utxo)
		}
	}
	return
}

func (s *utxoStore) Close() {
	if err := s.db.Close(); err != nil {
		log.Debugf("error on closing utxo db: %s", err)
	}
}
