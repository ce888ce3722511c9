package inmemorystore

import (
	"context"
	"sync"

	"github.com/ark-network/ark-batch/pkg/client-sdk/types"
	log "github.com/sirupsen/logrus"
)

const eventChannelSize = 64

type vtxoStore struct {
	vtxos   map[types.Outpoint]types.Vtxo
	lock    *sync.RWMutex
	eventCh chan types.VtxoEvent
}

func NewVtxoStore() types.VtxoStore {
	return &vtxoStore{
		vtxos:   make(map[types.Outpoint]types.Vtxo),
		lock:    &sync.RWMutex{},
		eventCh: make(chan types.VtxoEvent, eventChannelSize),
	}
}

func (s *vtxoStore) AddVtxos(_ context.Context, vtxos []types.Vtxo) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	added := make([]types.Vtxo, 0, len(vtxos))
	for _, vtxo := range vtxos {
		if _, ok := s.vtxos[vtxo.Outpoint]; ok {
			continue
		}
		s.vtxos[vtxo.Outpoint] = vtxo
		added = append(added, vtxo)
	}
	if len(added) > 0 {
		s.sendEvent(types.VtxoEvent{Type: types.VtxosAdded, Vtxos: added})
	}
	return len(added), nil
}

func (s *vtxoStore) SpendVtxos(
	_ context.Context, outpoints []types.Outpoint, spentBy string,
) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	spent := make([]types.Vtxo, 0, len(outpoints))
	for _, outpoint := range outpoints {
		vtxo, ok := s.vtxos[outpoint]
		if !ok || vtxo.Spent {
			continue
		}
		vtxo.Spent = true
		vtxo.SpentBy = spentBy
		s.vtxos[outpoint] = vtxo
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
		s.vtxos[vtxo.Outpoint] = vtxo
	}
	if len(vtxos) > 0 {
		s.sendEvent(types.VtxoEvent{Type: types.VtxosUpdated, Vtxos: vtxos})
	}
	return len(vtxos), nil
}

func (s *vtxoStore) GetAllVtxos(_ context.Context) (spendable, spent []types.Vtxo, err error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	for _, vtxo := range s.vtxos {
		if vtxo.IsSpendable() {
			spendable = append(spendable, vtxo)
		} else {
			spent = append(spent, vtxo)
		}
	}
	return
}

func (s *vtxoStore) GetVtxos(_ context.Context, outpoints []types.Outpoint) ([]types.Vtxo, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	vtxos := make([]types.Vtxo, 0, len(outpoints))
	for _, outpoint := range outpoints {
		if vtxo, ok := s.vtxos[outpoint]; ok {
			vtxos = append(vtxos, vtxo)
		}
	}
	return vtxos, nil
}

func (s *vtxoStore) GetEventChannel() <-chan types.VtxoEvent {
	return s.eventCh
}

func (s *vtxoStore) Close() {}

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
