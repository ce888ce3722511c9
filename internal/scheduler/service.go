// Package scheduler settles the client funds periodically, before the
// vtxos expire.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ark-network/ark-batch/pkg/client-sdk/batch"
	"github.com/ark-network/ark-batch/pkg/client-sdk/types"
	"github.com/go-co-op/gocron"
	log "github.com/sirupsen/logrus"
)

type Settler interface {
	Settle(ctx context.Context) (*batch.Result, error)
}

type Service struct {
	scheduler    *gocron.Scheduler
	settler      Settler
	store        types.Store
	interval     time.Duration
	beforeExpiry time.Duration

	lock   sync.Mutex
	cancel context.CancelFunc
}

// NewScheduler returns a scheduler checking the store every interval and
// settling when a vtxo expires within beforeExpiry or a boarding utxo is
// waiting to be onboarded.
func NewScheduler(
	settler Settler, store types.Store, interval, beforeExpiry time.Duration,
) (*Service, error) {
	if settler == nil {
		return nil, fmt.Errorf("missing settler")
	}
	if store == nil {
		return nil, fmt.Errorf("missing store")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("invalid interval %s", interval)
	}
	return &Service{
		scheduler:    gocron.NewScheduler(time.UTC),
		settler:      settler,
		store:        store,
		interval:     interval,
		beforeExpiry: beforeExpiry,
	}, nil
}

func (s *Service) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := s.scheduler.Every(s.interval).SingletonMode().Do(func() {
		s.settleIfNeeded(ctx)
	}); err != nil {
		cancel()
		return err
	}

	s.cancel = cancel
	s.scheduler.StartAsync()
	return nil
}

// Stop cancels the running settlement, if any, and removes the job.
func (s *Service) Stop() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	s.scheduler.Stop()
	s.scheduler.Clear()
	s.cancel = nil
}

// NeedsSettlement reports whether some funds must join the next batch.
func (s *Service) NeedsSettlement(ctx context.Context) (bool, error) {
	vtxos, _, err := s.store.VtxoStore().GetAllVtxos(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get vtxos: %w", err)
	}
	threshold := time.Now().Add(s.beforeExpiry)
	for _, vtxo := range vtxos {
		if vtxo.IsSpendable() && vtxo.IsExpiringBefore(threshold) {
			return true, nil
		}
	}

	utxos, _, err := s.store.UtxoStore().GetAllUtxos(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get boarding utxos: %w", err)
	}
	for _, utxo := range utxos {
		if !utxo.Spent {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) settleIfNeeded(ctx context.Context) {
	needed, err := s.NeedsSettlement(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to check funds to settle")
		return
	}
	if !needed {
		log.Debug("nothing to settle")
		return
	}

	result, err := s.settler.Settle(ctx)
	if err != nil {
		if errors.Is(err, batch.ErrRoundInProgress) || errors.Is(err, batch.ErrNoFunds) {
			log.WithError(err).Debug("settlement skipped")
			return
		}
		log.WithError(err).WithField("retryable", batch.Retryable(err)).Warn("settlement failed")
		return
	}

	log.WithFields(log.Fields{
		"batch_id":      result.BatchId,
		"commitment_tx": result.CommitmentTxid,
		"vtxos":         len(result.Vtxos),
	}).Info("funds settled")
}
