package batch

import (
	"fmt"
	"sort"

	"github.com/ark-network/ark-batch/pkg/client-sdk/types"
)

type CoinSelector interface {
	Select(
		target, dust uint64, vtxos []types.Vtxo, boardingUtxos []types.Utxo,
	) ([]types.Vtxo, []types.Utxo, uint64, error)
}

// ExpiryCoinSelector selects the vtxos expiring first, then the oldest
// boarding utxos. If the change would be dust, one more coin is added when
// available so that it can be sent back to the owner.
type ExpiryCoinSelector struct{}

func (ExpiryCoinSelector) Select(
	target, dust uint64, vtxos []types.Vtxo, boardingUtxos []types.Utxo,
) ([]types.Vtxo, []types.Utxo, uint64, error) {
	sortedVtxos := append([]types.Vtxo{}, vtxos...)
	sort.SliceStable(sortedVtxos, func(i, j int) bool {
		if sortedVtxos[i].ExpiresAt.IsZero() || sortedVtxos[j].ExpiresAt.IsZero() {
			return !sortedVtxos[i].ExpiresAt.IsZero()
		}
		return sortedVtxos[i].ExpiresAt.Before(sortedVtxos[j].ExpiresAt)
	})
	sortedUtxos := append([]types.Utxo{}, boardingUtxos...)
	sort.SliceStable(sortedUtxos, func(i, j int) bool {
		return sortedUtxos[i].CreatedAt.Before(sortedUtxos[j].CreatedAt)
	})

	selectedVtxos := make([]types.Vtxo, 0)
	selectedUtxos := make([]types.Utxo, 0)
	selectedAmount := uint64(0)
	next := -1

	for i, vtxo := range sortedVtxos {
		if selectedAmount >= target {
			next = i
			break
		}
		selectedVtxos = append(selectedVtxos, vtxo)
		selectedAmount += vtxo.Amount
	}

	nextUtxo := -1
	for i, utxo := range sortedUtxos {
		if selectedAmount >= target {
			nextUtxo = i
			break
		}
		selectedUtxos = append(selectedUtxos, utxo)
		selectedAmount += utxo.Amount
	}

	if selectedAmount < target {
		return nil, nil, 0, fmt.Errorf(
			"%w: missing %d to cover %d", ErrNotEnoughFunds, target-selectedAmount, target,
		)
	}

	change := selectedAmount - target
	if change > 0 && change < dust {
		switch {
		case next >= 0:
			selectedVtxos = append(selectedVtxos, sortedVtxos[next])
			change += sortedVtxos[next].Amount
		case nextUtxo >= 0:
			selectedUtxos = append(selectedUtxos, sortedUtxos[nextUtxo])
			change += sortedUtxos[nextUtxo].Amount
		}
	}

	return selectedVtxos, selectedUtxos, change, nil
}
