package batch_test

import (
	"testing"
	"time"

	"github.com/ark-network/ark-batch/pkg/client-sdk/batch"
	"github.com/ark-network/ark-batch/pkg/client-sdk/types"
	"github.com/stretchr/testify/require"
)

func TestExpiryCoinSelector(t *testing.T) {
	t.Parallel()

	now := time.Now()
	vtxos := []types.Vtxo{
		{Outpoint: types.Outpoint{Txid: "a"}, Amount: 1000, ExpiresAt: now.Add(3 * time.Hour)},
		{Outpoint: types.Outpoint{Txid: "b"}, Amount: 2000, ExpiresAt: now.Add(time.Hour)},
		{Outpoint: types.Outpoint{Txid: "c"}, Amount: 5000},
	}
	utxos := []types.Utxo{
		{Outpoint: types.Outpoint{Txid: "d"}, Amount: 4000, CreatedAt: now},
		{Outpoint: types.Outpoint{Txid: "e"}, Amount: 3000, CreatedAt: now.Add(-time.Hour)},
	}

	fixtures := []struct {
		name           string
		target         uint64
		dust           uint64
		expectedVtxos  []string
		expectedUtxos  []string
		expectedChange uint64
	}{
		{
			name:           "expiring first",
			target:         1500,
			dust:           330,
			expectedVtxos:  []string{"b"},
			expectedUtxos:  []string{},
			expectedChange: 500,
		},
		{
			name:           "vtxos before boarding utxos",
			target:         8500,
			dust:           330,
			expectedVtxos:  []string{"b", "a", "c"},
			expectedUtxos:  []string{"e"},
			expectedChange: 2500,
		},
		{
			name:           "dust change takes one more coin",
			target:         1900,
			dust:           330,
			expectedVtxos:  []string{"b", "a"},
			expectedUtxos:  []string{},
			expectedChange: 1100,
		},
		{
			name:           "exact amount",
			target:         3000,
			dust:           330,
			expectedVtxos:  []string{"b", "a"},
			expectedUtxos:  []string{},
			expectedChange: 0,
		},
	}

	selector := batch.ExpiryCoinSelector{}
	for _, f := range fixtures {
		t.Run(f.name, func(t *testing.T) {
			selectedVtxos, selectedUtxos, change, err := selector.Select(f.target, f.dust, vtxos, utxos)
			require.NoError(t, err)

			vtxoIds := make([]string, 0, len(selectedVtxos))
			for _, vtxo := range selectedVtxos {
				vtxoIds = append(vtxoIds, vtxo.Txid)
			}
			utxoIds := make([]string, 0, len(selectedUtxos))
			for _, utxo := range selectedUtxos {
				utxoIds = append(utxoIds, utxo.Txid)
			}
			require.Equal(t, f.expectedVtxos, vtxoIds)
			require.Equal(t, f.expectedUtxos, utxoIds)
			require.Equal(t, f.expectedChange, change)
		})
	}

	t.Run("not enough funds", func(t *testing.T) {
		_, _, _, err := selector.Select(20000, 330, vtxos, utxos)
		require.ErrorIs(t, err, batch.ErrNotEnoughFunds)
	})

	// the input slices are not reordered
	require.Equal(t, "a", vtxos[0].Txid)
	require.Equal(t, "d", utxos[0].Txid)
}
