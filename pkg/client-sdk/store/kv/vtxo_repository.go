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
	vtxoStoreDir = "vtxos"
)

type vtxoStore struct {
	db      *badgerhold.Store
	lock    *sync.Mutex
	eventCh chan types.VtxoEvent
}

// NewVtxoStore opens the vtxo store in dir, in memory if dir is empty.
func NewVtxoStore(dir string, logger badger.Logger) (types.VtxoStore, error) {
	if len(dir) > 0 {
		dir = filepath.Join(dir, vtxoStoreDir)
	}
	badgerDb, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open vtxo store: %s", err)
	}
	return &vtxoStore{
		db:      badgerDb,
		lock:    &sync.Mutex{},
		eventCh: make(chan types.VtxoEvent, eventChannelSize),
	}, nil
}

func (s *vtxoStore) AddVtxos(_ context.Context, vtxos []types.Vtxo) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	added := make([]types.Vtxo, 0, len(vtxos))
	for _, vtxo := range vtxos {
		if err := s.db.Insert(vtxo.Outpoint.String(), &vtxo); err != nil {
			if errors.Is(err, badgerhold.ErrKeyExists) {
				continue
			}
			return -1, err
		}
		added = append(added, vtxo)
	}
	if len(added) > 0 {
		s.sendEvent(types.VtxoEvent{Type: types.VtxosAdded, Vtxos: added})
	}
	return len(added), nil
}

func (s *vtxoStore) SpendVtxos(
	ctx context.Context, outpoints []types.Outpoint, spentBy string,
) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	vtxos, err := s.getVtxos(outpoints)
	if err != nil {
		return -1, err
	}

	spent := make([]types.Vtxo, 0, len(vtxos))
	for _, vtxo := range vtxos {
		if vtxo.Spent {
			continue
		}
		vtxo.Spent = true
		vtxo.SpentBy = spentBy
		if err := s.db.Update(vtxo.Outpoint.String(), &vtxo); err != nil {
			return -1, err
		}
		spent = append(spent, vtxo)
	}
	if len(spent) > 0 {
		s.sendEvent(types.VtxoEvent{Type: types.VtxosSpent, Vtxos: spent})
	}
	return len(spent), nil
}

func (s *vtxoStore) UpdateVtxos(_ context.Context, vtxos []types.Vtxo) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, vtxo := range vtxos {
		if err := s.db.Upsert(vtxo.Outpoint.String(), &vtxo); err != nil {
			return -1, err
		}
	}
	if len(vtxos) > 0 {
		s.sendEvent(types.VtxoEvent{Type: types.VtxosUpdated, Vtxos: vtxos})
	}
	return len(vtxos), nil
}

func (s *vtxoStore) GetAllVtxos(
	_ context.Context,
) (spendable, spent []types.Vtxo, err error) {
	var allVtxos []types.Vtxo
	if err = s.db.Find(&allVtxos, nil); err != nil {
		return nil, nil, err
	}

	for _, vtxo := range allVtxos {
		if vtxo.IsSpendable() {
			spendable = append(spendable, vtxo)
		} else {
			spent = append(spent, vtxo)
		}
	}
	return
}

func (s *vtxoStore) GetVtxos(
	_ context.Context, outpoints []types.Outpoint,
) ([]types.Vtxo, error) {
	return s.getVtxos(outpoints)
}

func (s *vtxoStore) GetEventChannel() <-chan types.VtxoEvent {
	return s.eventCh
}

func (s *vtxoStore) Close() {
	if err := s.db.Close(); err != nil {
		log.Debugf("error on closing vtxo db: %s", err)
	}
}

func (s *vtxoStore) getVtxos(outpoints []types.Outpoint) ([]types.Vtxo, error) {
	vtxos := make([]types.Vtxo, 0, len(outpoints))
	for _, outpoint := range outpoints {
		var vtxo types.Vtxo
		if err := s.db.Get(outpoint.String(), &vtxo); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				continue
			}
			return nil, err
		}
		vtxos = append(vtxos, vtxo)
	}
	return vtxos, nil
}

// sendEvent makes room for the event by dropping the oldest one when
// nobody drains the buffer.
func (s *vtxoStore) sendEvent(event types.VtxoEvent) {
	for {
		select {
		case s.eventCh <- event:
			return
		default:
		}

		select {
		case dropped := <-s.eventCh:
			log.Warnf(
				"vtxo event buffer full, dropped %s event of %d vtxo(s)",
				dropped.Type, len(dropped.Vtxos),
			)
		default:
		}
	}
}
