package batch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ark-network/ark-batch/common/tree"
	"github.com/ark-network/ark-batch/pkg/client-sdk/batch"
	"github.com/ark-network/ark-batch/pkg/client-sdk/store"
	"github.com/ark-network/ark-batch/pkg/client-sdk/types"
	"github.com/ark-network/ark-batch/pkg/client-sdk/wallet"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, c *coordinator, owner wallet.Signer, timeouts *batch.Timeouts) *batch.Engine {
	engine, err := batch.NewEngine(batch.Config{
		Transport: c,
		Signer:    owner,
		Timeouts:  timeouts,
	})
	require.NoError(t, err)
	return engine
}

func waitResult(t *testing.T, handle *batch.RoundHandle) (*batch.Result, error) {
	select {
	case <-handle.Done():
	case <-time.After(15 * time.Second):
		require.FailNow(t, "round did not end", "state %s", handle.Status())
	}
	return handle.Result()
}

func waitState(t *testing.T, handle *batch.RoundHandle, state batch.State) {
	require.Eventually(t, func() bool {
		return handle.Status() == state
	}, 10*time.Second, 10*time.Millisecond)
}

func TestBoardingRound(t *testing.T) {
	t.Parallel()

	c := newCoordinator(t, coordinatorOpts{})
	owner := newOwner(t)
	engine := newEngine(t, c, owner, nil)

	utxo := newBoardingUtxo(t, owner, c, 100000)
	receiver := ownReceiver(t, owner, c, 99500)

	handle, err := engine.BeginRound(context.Background(), batch.Request{
		BoardingUtxos: []types.Utxo{utxo},
		Receivers:     []types.Receiver{receiver},
	})
	require.NoError(t, err)
	require.NotEmpty(t, handle.ID())

	result, err := waitResult(t, handle)
	require.NoError(t, err)
	require.Equal(t, batch.Settled, handle.Status())
	require.Nil(t, engine.Active())

	require.Equal(t, "batch-1", result.BatchId)
	require.Equal(t, c.commitmentTxid(), result.CommitmentTxid)
	require.Empty(t, result.ForfeitTxs)

	require.Len(t, result.Vtxos, 1)
	vtxo := result.Vtxos[0]
	require.Equal(t, uint64(99500), vtxo.Amount)
	require.Equal(t, receiver.To, vtxo.Script)
	require.Equal(t, receiver.Tapscripts, vtxo.Tapscripts)
	require.Equal(t, []string{result.CommitmentTxid}, vtxo.CommitmentTxids)
	require.True(t, vtxo.ExpiresAt.After(vtxo.CreatedAt))
	require.True(t, vtxo.IsSpendable())

	require.Len(t, result.CheckpointTxs, 1)
	checkpoint := decodePsbt(t, result.CheckpointTxs[0])
	require.Equal(t, vtxo.Outpoint.String(), checkpoint.UnsignedTx.TxIn[0].PreviousOutPoint.String())
	require.Len(t, checkpoint.Inputs[0].TaprootScriptSpendSig, 1)

	calls := c.calls()
	require.Equal(t, 1, calls.confirmed)
	require.Equal(t, 1, calls.submittedNonces)
	require.Equal(t, 1, calls.submittedSigs)
	require.Zero(t, calls.deleted)
	require.Len(t, calls.forfeits, 1)
	require.Empty(t, calls.forfeits[0])

	require.Len(t, calls.signedCommitment, 1)
	commitmentTx := decodePsbt(t, calls.signedCommitment[0])
	require.Equal(t, result.CommitmentTxid, commitmentTx.UnsignedTx.TxID())
	require.Equal(t, utxo.Outpoint.String(), commitmentTx.UnsignedTx.TxIn[1].PreviousOutPoint.String())
	require.Len(t, commitmentTx.Inputs[1].TaprootScriptSpendSig, 1)
	require.Empty(t, commitmentTx.Inputs[0].TaprootScriptSpendSig)
}

func TestVtxoRound(t *testing.T) {
	t.Parallel()

	c := newCoordinator(t, coordinatorOpts{
		nonces:          relayedNonces,
		partialSigs:     true,
		minRelayFeeRate: 1000,
	})
	owner := newOwner(t)
	engine := newEngine(t, c, owner, nil)

	vtxos := []types.Vtxo{newVtxo(t, owner, c, 30000), newVtxo(t, owner, c, 30000)}
	offchain := ownReceiver(t, owner, c, 40000)
	onchain := onchainReceiver(t, 19000)

	handle, err := engine.BeginRound(context.Background(), batch.Request{
		Vtxos:     vtxos,
		Receivers: []types.Receiver{onchain, offchain},
	})
	require.NoError(t, err)

	result, err := waitResult(t, handle)
	require.NoError(t, err)
	require.Equal(t, batch.Settled, handle.Status())

	require.Len(t, result.Vtxos, 1)
	require.Equal(t, uint64(40000), result.Vtxos[0].Amount)
	require.Len(t, result.CheckpointTxs, 1)

	require.Len(t, result.ForfeitTxs, 2)
	connectors := make(map[string]bool)
	for i, b64 := range result.ForfeitTxs {
		forfeitTx := decodePsbt(t, b64)
		require.Len(t, forfeitTx.UnsignedTx.TxIn, 2)
		require.Equal(t, vtxos[i].Outpoint.String(), forfeitTx.UnsignedTx.TxIn[0].PreviousOutPoint.String())
		require.Len(t, forfeitTx.Inputs[0].TaprootScriptSpendSig, 1)
		// the min relay fee is taken from the forfeit output
		require.Less(t, forfeitTx.UnsignedTx.TxOut[0].Value, int64(30000+330))

		connector := forfeitTx.UnsignedTx.TxIn[1].PreviousOutPoint.String()
		require.False(t, connectors[connector])
		connectors[connector] = true
	}

	calls := c.calls()
	require.Len(t, calls.forfeits, 1)
	require.Equal(t, result.ForfeitTxs, calls.forfeits[0])
	require.Empty(t, calls.signedCommitment[0])
}

func TestOnchainOnlyRound(t *testing.T) {
	t.Parallel()

	c := newCoordinator(t, coordinatorOpts{})
	owner := newOwner(t)
	engine := newEngine(t, c, owner, nil)

	handle, err := engine.BeginRound(context.Background(), batch.Request{
		Vtxos:     []types.Vtxo{newVtxo(t, owner, c, 10000)},
		Receivers: []types.Receiver{onchainReceiver(t, 9000)},
	})
	require.NoError(t, err)

	result, err := waitResult(t, handle)
	require.NoError(t, err)
	require.Empty(t, result.Vtxos)
	require.Empty(t, result.CheckpointTxs)
	require.Len(t, result.ForfeitTxs, 1)

	calls := c.calls()
	require.Zero(t, calls.submittedNonces)
	require.Zero(t, calls.submittedSigs)
	require.Len(t, calls.forfeits, 1)
}

func TestRoundIgnoresOtherBatches(t *testing.T) {
	t.Parallel()

	c := newCoordinator(t, coordinatorOpts{otherBatchFirst: true})
	owner := newOwner(t)
	engine := newEngine(t, c, owner, nil)

	handle, err := engine.BeginRound(context.Background(), batch.Request{
		BoardingUtxos: []types.Utxo{newBoardingUtxo(t, owner, c, 50000)},
		Receivers:     []types.Receiver{ownReceiver(t, owner, c, 50000)},
	})
	require.NoError(t, err)

	result, err := waitResult(t, handle)
	require.NoError(t, err)
	require.Equal(t, "batch-1", result.BatchId)
}

func TestRoundReplayedEvents(t *testing.T) {
	t.Parallel()

	c := newCoordinator(t, coordinatorOpts{duplicateEvents: true})
	owner := newOwner(t)
	engine := newEngine(t, c, owner, nil)

	handle, err := engine.BeginRound(context.Background(), batch.Request{
		Vtxos:         []types.Vtxo{newVtxo(t, owner, c, 50000)},
		BoardingUtxos: []types.Utxo{newBoardingUtxo(t, owner, c, 50000)},
		Receivers:     []types.Receiver{ownReceiver(t, owner, c, 99000)},
	})
	require.NoError(t, err)

	result, err := waitResult(t, handle)
	require.NoError(t, err)
	require.Len(t, result.Vtxos, 1)
	require.Len(t, result.ForfeitTxs, 1)

	calls := c.calls()
	require.Equal(t, 1, calls.confirmed)
	require.Equal(t, 1, calls.submittedNonces)
	require.Equal(t, 1, calls.submittedSigs)
	require.Len(t, calls.forfeits, 1)
}

func TestRoundTimeout(t *testing.T) {
	t.Parallel()

	c := newCoordinator(t, coordinatorOpts{nonces: withheldNonces})
	owner := newOwner(t)
	timeouts := batch.DefaultTimeouts()
	timeouts.NonceAggregation = 200 * time.Millisecond
	engine := newEngine(t, c, owner, &timeouts)

	handle, err := engine.BeginRound(context.Background(), batch.Request{
		BoardingUtxos: []types.Utxo{newBoardingUtxo(t, owner, c, 50000)},
		Receivers:     []types.Receiver{ownReceiver(t, owner, c, 50000)},
	})
	require.NoError(t, err)
	waitState(t, handle, batch.TreeNonceExchange)
	started := time.Now()

	_, err = waitResult(t, handle)
	require.Error(t, err)
	require.GreaterOrEqual(t, time.Since(started), 150*time.Millisecond)

	var timeoutErr *batch.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, batch.TreeNonceExchange, timeoutErr.Phase)
	require.True(t, batch.Retryable(err))
	require.Equal(t, batch.Failed, handle.Status())

	calls := c.calls()
	require.Equal(t, 1, calls.submittedNonces)
	require.Zero(t, calls.submittedSigs)
	require.Empty(t, calls.forfeits)
	require.Equal(t, 1, calls.deleted)
}

func TestCancelRound(t *testing.T) {
	t.Parallel()

	t.Run("with handle", func(t *testing.T) {
		t.Parallel()

		c := newCoordinator(t, coordinatorOpts{nonces: withheldNonces})
		owner := newOwner(t)
		engine := newEngine(t, c, owner, nil)

		handle, err := engine.BeginRound(context.Background(), batch.Request{
			Vtxos:     []types.Vtxo{newVtxo(t, owner, c, 50000)},
			Receivers: []types.Receiver{ownReceiver(t, owner, c, 50000)},
		})
		require.NoError(t, err)
		waitState(t, handle, batch.TreeNonceExchange)

		require.NoError(t, handle.Cancel())
		_, err = waitResult(t, handle)
		require.ErrorIs(t, err, batch.ErrCanceled)
		require.False(t, batch.Retryable(err))
		require.Equal(t, batch.Failed, handle.Status())
		require.NoError(t, handle.Cancel())

		calls := c.calls()
		require.Empty(t, calls.forfeits)
		require.Equal(t, 1, calls.deleted)
	})

	t.Run("with context", func(t *testing.T) {
		t.Parallel()

		c := newCoordinator(t, coordinatorOpts{nonces: withheldNonces})
		owner := newOwner(t)
		engine := newEngine(t, c, owner, nil)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		handle, err := engine.BeginRound(ctx, batch.Request{
			BoardingUtxos: []types.Utxo{newBoardingUtxo(t, owner, c, 50000)},
			Receivers:     []types.Receiver{ownReceiver(t, owner, c, 50000)},
		})
		require.NoError(t, err)
		waitState(t, handle, batch.TreeNonceExchange)

		cancel()
		_, err = waitResult(t, handle)
		require.ErrorIs(t, err, batch.ErrCanceled)
		require.Equal(t, 1, c.calls().deleted)
		require.Nil(t, engine.Active())
	})

	t.Run("after forfeits", func(t *testing.T) {
		t.Parallel()

		c := newCoordinator(t, coordinatorOpts{holdFinalized: true})
		owner := newOwner(t)
		engine := newEngine(t, c, owner, nil)

		handle, err := engine.BeginRound(context.Background(), batch.Request{
			Vtxos:     []types.Vtxo{newVtxo(t, owner, c, 50000)},
			Receivers: []types.Receiver{ownReceiver(t, owner, c, 50000)},
		})
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return len(c.calls().forfeits) == 1
		}, 10*time.Second, 10*time.Millisecond)

		err = handle.Cancel()
		require.ErrorIs(t, err, batch.ErrCancelAfterForfeits)
		var preconditionErr *batch.PreconditionError
		require.ErrorAs(t, err, &preconditionErr)
		require.Equal(t, batch.SubmittingForfeits, handle.Status())

		c.releaseFinalized()
		result, err := waitResult(t, handle)
		require.NoError(t, err)
		require.Len(t, result.ForfeitTxs, 1)
		require.Zero(t, c.calls().deleted)
	})
}

func TestRoundRejectsReusedConnector(t *testing.T) {
	t.Parallel()

	c := newCoordinator(t, coordinatorOpts{
		connectorsIndex: func(index map[string]types.Outpoint) {
			var first *types.Outpoint
			for vtxo, connector := range index {
				if first == nil {
					connector := connector
					first = &connector
					continue
				}
				index[vtxo] = *first
			}
		},
	})
	owner := newOwner(t)
	engine := newEngine(t, c, owner, nil)

	handle, err := engine.BeginRound(context.Background(), batch.Request{
		Vtxos:     []types.Vtxo{newVtxo(t, owner, c, 30000), newVtxo(t, owner, c, 30000)},
		Receivers: []types.Receiver{ownReceiver(t, owner, c, 60000)},
	})
	require.NoError(t, err)

	_, err = waitResult(t, handle)
	require.ErrorIs(t, err, tree.ErrConnectorReused)
	var validationErr *batch.ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Equal(t, batch.SourceServer, validationErr.Source)
	require.False(t, batch.Retryable(err))

	calls := c.calls()
	require.Empty(t, calls.forfeits)
	require.Equal(t, 1, calls.deleted)
}

func TestRoundPartialConnectorsIndex(t *testing.T) {
	t.Parallel()

	var vtxos []types.Vtxo
	c := newCoordinator(t, coordinatorOpts{
		connectorsIndex: func(index map[string]types.Outpoint) {
			// only the last vtxo is indexed, to the connector the first one
			// would take in leaf order
			first := index[vtxos[0].Outpoint.String()]
			for vtxo := range index {
				delete(index, vtxo)
			}
			index[vtxos[2].Outpoint.String()] = first
		},
	})
	owner := newOwner(t)
	engine := newEngine(t, c, owner, nil)
	vtxos = []types.Vtxo{
		newVtxo(t, owner, c, 30000), newVtxo(t, owner, c, 30000), newVtxo(t, owner, c, 30000),
	}

	handle, err := engine.BeginRound(context.Background(), batch.Request{
		Vtxos:     vtxos,
		Receivers: []types.Receiver{ownReceiver(t, owner, c, 90000)},
	})
	require.NoError(t, err)

	result, err := waitResult(t, handle)
	require.NoError(t, err)
	require.Len(t, result.ForfeitTxs, 3)

	connectors := make(map[string]string)
	for _, b64 := range result.ForfeitTxs {
		forfeitTx := decodePsbt(t, b64)
		vtxo := forfeitTx.UnsignedTx.TxIn[0].PreviousOutPoint.String()
		connector := forfeitTx.UnsignedTx.TxIn[1].PreviousOutPoint.String()
		require.NotContains(t, connectors, connector)
		connectors[connector] = vtxo
	}
	require.Len(t, connectors, 3)

	c.lock.Lock()
	indexed := c.connectorsIndex[vtxos[2].Outpoint.String()]
	c.lock.Unlock()
	require.Equal(t, vtxos[2].Outpoint.String(), connectors[indexed.String()])
}

func TestRoundReleasesNonces(t *testing.T) {
	t.Parallel()

	fixtures := []struct {
		name    string
		opts    coordinatorOpts
		settled bool
	}{
		{name: "settled", settled: true},
		{
			name: "failed after signing",
			opts: coordinatorOpts{
				connectorsIndex: func(index map[string]types.Outpoint) {
					for vtxo := range index {
						index[vtxo] = types.Outpoint{Txid: "00", VOut: 9}
					}
				},
			},
		},
	}

	for _, f := range fixtures {
		f := f
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()

			c := newCoordinator(t, f.opts)
			owner := newOwner(t)
			engine := newEngine(t, c, owner, nil)
			cosigner := &releaseRecorder{Signer: newOwner(t)}

			handle, err := engine.BeginRound(context.Background(), batch.Request{
				Vtxos:     []types.Vtxo{newVtxo(t, owner, c, 30000)},
				Receivers: []types.Receiver{ownReceiver(t, owner, c, 30000)},
				Cosigner:  cosigner,
			})
			require.NoError(t, err)

			_, err = waitResult(t, handle)
			if f.settled {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
			require.Len(t, cosigner.sessions(), 1)
		})
	}
}

func TestRoundBatchFailed(t *testing.T) {
	t.Parallel()

	c := newCoordinator(t, coordinatorOpts{failBatch: true})
	owner := newOwner(t)
	engine := newEngine(t, c, owner, nil)

	handle, err := engine.BeginRound(context.Background(), batch.Request{
		BoardingUtxos: []types.Utxo{newBoardingUtxo(t, owner, c, 50000)},
		Receivers:     []types.Receiver{ownReceiver(t, owner, c, 50000)},
	})
	require.NoError(t, err)

	_, err = waitResult(t, handle)
	require.ErrorIs(t, err, batch.ErrBatchFailed)
	require.True(t, batch.Retryable(err))
	require.Equal(t, 1, c.calls().deleted)
}

func TestRoundInProgress(t *testing.T) {
	t.Parallel()

	c := newCoordinator(t, coordinatorOpts{nonces: withheldNonces})
	owner := newOwner(t)
	engine := newEngine(t, c, owner, nil)

	req := batch.Request{
		BoardingUtxos: []types.Utxo{newBoardingUtxo(t, owner, c, 50000)},
		Receivers:     []types.Receiver{ownReceiver(t, owner, c, 50000)},
	}
	handle, err := engine.BeginRound(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, handle, engine.Active())

	_, err = engine.BeginRound(context.Background(), req)
	require.ErrorIs(t, err, batch.ErrRoundInProgress)
	var preconditionErr *batch.PreconditionError
	require.ErrorAs(t, err, &preconditionErr)

	require.NoError(t, handle.Cancel())
	_, err = waitResult(t, handle)
	require.ErrorIs(t, err, batch.ErrCanceled)
	require.Nil(t, engine.Active())
}

func TestBeginRoundPreconditions(t *testing.T) {
	t.Parallel()

	c := newCoordinator(t, coordinatorOpts{})
	owner := newOwner(t)
	engine := newEngine(t, c, owner, nil)

	spent := newVtxo(t, owner, c, 10000)
	spent.Spent = true
	noTapscripts := newVtxo(t, owner, c, 10000)
	noTapscripts.Tapscripts = nil
	duplicated := newVtxo(t, owner, c, 10000)
	boardingDuplicate := types.Utxo{
		Outpoint:   duplicated.Outpoint,
		Amount:     duplicated.Amount,
		Tapscripts: duplicated.Tapscripts,
	}

	fixtures := []struct {
		name        string
		req         batch.Request
		expectedErr error
	}{
		{
			name: "empty intent",
			req: batch.Request{
				Receivers: []types.Receiver{ownReceiver(t, owner, c, 1000)},
			},
			expectedErr: batch.ErrEmptyIntent,
		},
		{
			name: "no receivers",
			req: batch.Request{
				Vtxos: []types.Vtxo{newVtxo(t, owner, c, 10000)},
			},
			expectedErr: batch.ErrMissingReceivers,
		},
		{
			name: "not enough funds",
			req: batch.Request{
				Vtxos:     []types.Vtxo{newVtxo(t, owner, c, 10000)},
				Receivers: []types.Receiver{ownReceiver(t, owner, c, 10001)},
			},
			expectedErr: batch.ErrNotEnoughFunds,
		},
		{
			name: "spent vtxo",
			req: batch.Request{
				Vtxos:     []types.Vtxo{spent},
				Receivers: []types.Receiver{ownReceiver(t, owner, c, 10000)},
			},
		},
		{
			name: "missing tapscripts",
			req: batch.Request{
				Vtxos:     []types.Vtxo{noTapscripts},
				Receivers: []types.Receiver{ownReceiver(t, owner, c, 10000)},
			},
		},
		{
			name: "duplicated vtxo",
			req: batch.Request{
				Vtxos:     []types.Vtxo{duplicated, duplicated},
				Receivers: []types.Receiver{ownReceiver(t, owner, c, 20000)},
			},
			expectedErr: batch.ErrDuplicateInput,
		},
		{
			name: "vtxo spent as boarding utxo",
			req: batch.Request{
				Vtxos:         []types.Vtxo{duplicated},
				BoardingUtxos: []types.Utxo{boardingDuplicate},
				Receivers:     []types.Receiver{ownReceiver(t, owner, c, 20000)},
			},
			expectedErr: batch.ErrDuplicateInput,
		},
		{
			name: "dust receiver",
			req: batch.Request{
				Vtxos:     []types.Vtxo{newVtxo(t, owner, c, 10000)},
				Receivers: []types.Receiver{ownReceiver(t, owner, c, 100)},
			},
		},
		{
			name: "invalid receiver",
			req: batch.Request{
				Vtxos:     []types.Vtxo{newVtxo(t, owner, c, 10000)},
				Receivers: []types.Receiver{{To: "not an address", Amount: 10000}},
			},
		},
	}

	for _, f := range fixtures {
		t.Run(f.name, func(t *testing.T) {
			handle, err := engine.BeginRound(context.Background(), f.req)
			require.Error(t, err)
			require.Nil(t, handle)

			var preconditionErr *batch.PreconditionError
			require.ErrorAs(t, err, &preconditionErr)
			if f.expectedErr != nil {
				require.ErrorIs(t, err, f.expectedErr)
			}
		})
	}

	require.Nil(t, engine.Active())
	require.Zero(t, c.calls().confirmed)
}

func TestSettle(t *testing.T) {
	t.Parallel()

	t.Run("valid", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		c := newCoordinator(t, coordinatorOpts{})
		owner := newOwner(t)

		svc, err := store.NewStore(store.Config{StoreType: types.InMemoryStore})
		require.NoError(t, err)
		defer svc.Close()

		utxo := newBoardingUtxo(t, owner, c, 100000)
		vtxo := newVtxo(t, owner, c, 20000)
		vtxo.ExpiresAt = time.Now().Add(time.Hour)
		_, err = svc.UtxoStore().AddUtxos(ctx, []types.Utxo{utxo})
		require.NoError(t, err)
		_, err = svc.VtxoStore().AddVtxos(ctx, []types.Vtxo{vtxo})
		require.NoError(t, err)

		engine, err := batch.NewEngine(batch.Config{Transport: c, Signer: owner, Store: svc})
		require.NoError(t, err)

		result, err := engine.Settle(ctx)
		require.NoError(t, err)
		require.Len(t, result.Vtxos, 1)
		require.Equal(t, uint64(120000), result.Vtxos[0].Amount)
		require.Len(t, result.ForfeitTxs, 1)

		spendableVtxos, spentVtxos, err := svc.VtxoStore().GetAllVtxos(ctx)
		require.NoError(t, err)
		require.Len(t, spendableVtxos, 1)
		require.Equal(t, result.Vtxos[0].Outpoint, spendableVtxos[0].Outpoint)
		require.Len(t, spentVtxos, 1)
		require.Equal(t, vtxo.Outpoint, spentVtxos[0].Outpoint)
		require.Equal(t, result.CommitmentTxid, spentVtxos[0].SpentBy)

		spendableUtxos, spentUtxos, err := svc.UtxoStore().GetAllUtxos(ctx)
		require.NoError(t, err)
		require.Empty(t, spendableUtxos)
		require.Len(t, spentUtxos, 1)
	})

	t.Run("invalid", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		c := newCoordinator(t, coordinatorOpts{})
		owner := newOwner(t)

		engine := newEngine(t, c, owner, nil)
		_, err := engine.Settle(ctx)
		var preconditionErr *batch.PreconditionError
		require.ErrorAs(t, err, &preconditionErr)

		svc, err := store.NewStore(store.Config{StoreType: types.InMemoryStore})
		require.NoError(t, err)
		defer svc.Close()
		engine, err = batch.NewEngine(batch.Config{Transport: c, Signer: owner, Store: svc})
		require.NoError(t, err)
		_, err = engine.Settle(ctx)
		require.ErrorIs(t, err, batch.ErrNoFunds)
	})
}

func TestNewEngineInvalidConfig(t *testing.T) {
	t.Parallel()

	owner := newOwner(t)
	c := newCoordinator(t, coordinatorOpts{})

	_, err := batch.NewEngine(batch.Config{Signer: owner})
	require.Error(t, err)
	_, err = batch.NewEngine(batch.Config{Transport: c})
	require.Error(t, err)
}

// releaseRecorder is a cosigner recording the released signing sessions.
type releaseRecorder struct {
	wallet.Signer

	lock     sync.Mutex
	released []string
}

func (r *releaseRecorder) ReleaseNonces(sessionID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.released = append(r.released, sessionID)
	if releaser, ok := r.Signer.(tree.NonceReleaser); ok {
		releaser.ReleaseNonces(sessionID)
	}
}

func (r *releaseRecorder) sessions() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string{}, r.released...)
}
