package main

import (
	"fmt"
	"os"

	"github.com/ark-network/ark-batch/internal/config"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

//nolint:all
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var cfg *config.Config

var (
	initCommand = cli.Command{
		Name:  "init",
		Usage: "Create the signer key, encrypted with a password",
		Action: func(ctx *cli.Context) error {
			return initWallet(ctx)
		},
		Flags: []cli.Flag{&seedFlag},
	}

	balanceCommand = cli.Command{
		Name:  "balance",
		Usage: "Shows the vtxos and boarding utxos of the store",
		Action: func(ctx *cli.Context) error {
			return balance(ctx)
		},
	}

	settleCommand = cli.Command{
		Name:  "settle",
		Usage: "Join the next batch with all spendable funds",
		Action: func(ctx *cli.Context) error {
			return settle(ctx)
		},
	}

	daemonCommand = cli.Command{
		Name:  "daemon",
		Usage: "Settle funds periodically, before they expire",
		Action: func(ctx *cli.Context) error {
			return daemon(ctx)
		},
	}

	configCommand = cli.Command{
		Name:  "config",
		Usage: "Shows the configuration",
		Action: func(ctx *cli.Context) error {
			fmt.Println(cfg.String())
			return nil
		},
	}
)

var seedFlag = cli.StringFlag{
	Name:  "seed",
	Usage: "optional, hex or nsec encoded private key to encrypt",
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Println(fmt.Errorf("error: %v", err))
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()

	app.Version = fmt.Sprintf("%s (%s, %s)", version, commit, date)
	app.Name = "ark-batch"
	app.Usage = "settle vtxos and boarding utxos in Ark batches"
	app.Commands = append(
		app.Commands,
		&initCommand,
		&balanceCommand,
		&settleCommand,
		&daemonCommand,
		&configCommand,
	)

	app.Before = func(_ *cli.Context) error {
		c, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("invalid config: %v", err)
		}
		log.SetLevel(log.Level(c.LogLevel))
		cfg = c
		return nil
	}

	return app
}
