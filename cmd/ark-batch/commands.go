package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ark-network/ark-batch/internal/scheduler"
	"github.com/ark-network/ark-batch/pkg/client-sdk/batch"
	"github.com/ark-network/ark-batch/pkg/client-sdk/client"
	restclient "github.com/ark-network/ark-batch/pkg/client-sdk/client/rest"
	"github.com/ark-network/ark-batch/pkg/client-sdk/store"
	"github.com/ark-network/ark-batch/pkg/client-sdk/types"
	"github.com/ark-network/ark-batch/pkg/client-sdk/wallet"
	singlekeywallet "github.com/ark-network/ark-batch/pkg/client-sdk/wallet/singlekey"
	filestore "github.com/ark-network/ark-batch/pkg/client-sdk/wallet/singlekey/store/file"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

func initWallet(ctx *cli.Context) error {
	w, err := loadWallet()
	if err != nil {
		return err
	}

	password, err := readPassword()
	if err != nil {
		return err
	}

	seed := ctx.String(seedFlag.Name)
	if len(seed) <= 0 {
		seed = cfg.Seed
	}
	if _, err := w.Create(ctx.Context, password, seed); err != nil {
		return err
	}

	return printJSON(map[string]string{
		"pubkey": hex.EncodeToString(w.PublicKey().SerializeCompressed()),
	})
}

func balance(ctx *cli.Context) error {
	svc, err := openStore()
	if err != nil {
		return err
	}
	defer svc.Close()

	vtxos, _, err := svc.VtxoStore().GetAllVtxos(ctx.Context)
	if err != nil {
		return err
	}
	utxos, _, err := svc.UtxoStore().GetAllUtxos(ctx.Context)
	if err != nil {
		return err
	}

	offchain := uint64(0)
	var nextExpiry *time.Time
	for _, vtxo := range vtxos {
		if !vtxo.IsSpendable() {
			continue
		}
		offchain += vtxo.Amount
		if !vtxo.ExpiresAt.IsZero() && (nextExpiry == nil || vtxo.ExpiresAt.Before(*nextExpiry)) {
			expiry := vtxo.ExpiresAt
			nextExpiry = &expiry
		}
	}
	boarding := uint64(0)
	for _, utxo := range utxos {
		if !utxo.Spent {
			boarding += utxo.Amount
		}
	}

	bal := map[string]any{
		"offchain_balance": offchain,
		"boarding_balance": boarding,
		"vtxos":            len(vtxos),
		"boarding_utxos":   len(utxos),
	}
	if nextExpiry != nil {
		bal["next_expiration"] = nextExpiry.Format(time.RFC3339)
	}
	return printJSON(bal)
}

func settle(ctx *cli.Context) error {
	engine, closeFn, err := setupEngine(ctx.Context)
	if err != nil {
		return err
	}
	defer closeFn()

	result, err := engine.Settle(ctx.Context)
	if err != nil {
		return err
	}

	return printJSON(map[string]any{
		"batch_id":        result.BatchId,
		"commitment_txid": result.CommitmentTxid,
		"vtxos":           len(result.Vtxos),
	})
}

func daemon(ctx *cli.Context) error {
	engine, closeFn, err := setupEngine(ctx.Context)
	if err != nil {
		return err
	}
	defer closeFn()

	svc, err := scheduler.NewScheduler(
		engine, engine.Store(), cfg.SettleInterval, cfg.SettleBeforeExpiry,
	)
	if err != nil {
		return err
	}

	log.Infof("ark-batch daemon config: %s", cfg)
	log.Info("starting settlement scheduler...")
	if err := svc.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, os.Interrupt)
	<-sigChan

	log.Info("shutting down...")
	svc.Stop()
	if handle := engine.Active(); handle != nil {
		if err := handle.Cancel(); err != nil {
			log.WithError(err).Warn("failed to cancel running round")
			<-handle.Done()
		}
	}
	return nil
}

func setupEngine(ctx context.Context) (*batch.Engine, func(), error) {
	w, err := loadWallet()
	if err != nil {
		return nil, nil, err
	}
	password, err := readPassword()
	if err != nil {
		return nil, nil, err
	}
	if _, err := w.Unlock(ctx, password); err != nil {
		return nil, nil, fmt.Errorf("failed to unlock wallet: %w", err)
	}

	transport, err := newTransport()
	if err != nil {
		return nil, nil, err
	}

	svc, err := openStore()
	if err != nil {
		transport.Close()
		return nil, nil, err
	}

	timeouts := cfg.Timeouts
	engine, err := batch.NewEngine(batch.Config{
		Transport: transport,
		Signer:    w,
		Store:     svc,
		Timeouts:  &timeouts,
	})
	if err != nil {
		transport.Close()
		svc.Close()
		return nil, nil, err
	}

	closeFn := func() {
		transport.Close()
		svc.Close()
	}
	return engine, closeFn, nil
}

func newTransport() (client.TransportClient, error) {
	opts := []restclient.Option{restclient.WithRequestTimeout(cfg.RequestTimeout)}
	if cfg.Transport == "websocket" {
		opts = append(opts, restclient.WithWebsocket())
	}
	return restclient.NewClient(cfg.ServerUrl, opts...)
}

func openStore() (types.Store, error) {
	return store.NewStore(store.Config{
		StoreType:    cfg.StoreType,
		BaseDir:      cfg.DbDir(),
		BadgerLogger: log.StandardLogger(),
	})
}

func loadWallet() (wallet.Wallet, error) {
	walletStore, err := filestore.NewWalletStore(cfg.Datadir)
	if err != nil {
		return nil, err
	}
	return singlekeywallet.NewWallet(walletStore)
}

func readPassword() (string, error) {
	if len(cfg.Password) > 0 {
		return cfg.Password, nil
	}

	fmt.Print("unlock your wallet with password: ")
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	if len(password) <= 0 {
		return "", fmt.Errorf("missing password")
	}
	return string(password), nil
}

func printJSON(resp interface{}) error {
	jsonBytes, err := json.MarshalIndent(resp, "", "\t")
	if err != nil {
		return err
	}
	fmt.Println(string(jsonBytes))
	return nil
}
