package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	"github.com/bartossh/Fiduciary/configuration"
	"github.com/bartossh/Fiduciary/emulator"
	"github.com/bartossh/Fiduciary/logging"
	"github.com/bartossh/Fiduciary/logo"
	"github.com/bartossh/Fiduciary/stdoutwriter"
	"github.com/bartossh/Fiduciary/wallet"
)

const usage = `Emulates the ledger node the custodian settles transfers on.
Balances are kept in memory and every accepted transfer answers with a settlement reference.`

func main() {
	logo.Display()

	var file, address, value string
	configurator := func() (configuration.Configuration, error) {
		if file == "" {
			return configuration.Configuration{}, errors.New("please specify configuration file path with -c <path to file>")
		}
		return configuration.Read(file)
	}

	app := &cli.App{
		Name:  "emulator",
		Usage: usage,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Load configuration from `FILE`",
				Destination: &file,
			},
		},
		Commands: []*cli.Command{
			{
				Name:    "run",
				Aliases: []string{"r"},
				Usage:   "starts the ledger node emulator",
				Action: func(_ *cli.Context) error {
					cfg, err := configurator()
					if err != nil {
						return err
					}
					return run(cfg.Emulator)
				},
			},
			{
				Name:    "fund",
				Aliases: []string{"f"},
				Usage:   "credits the address on the running emulator configured as the ledger node",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "address",
						Aliases:     []string{"a"},
						Usage:       "Wallet `ADDRESS` to credit",
						Required:    true,
						Destination: &address,
					},
					&cli.StringFlag{
						Name:        "value",
						Aliases:     []string{"v"},
						Usage:       "`VALUE` in the ledger smallest unit",
						Required:    true,
						Destination: &value,
					},
				},
				Action: func(_ *cli.Context) error {
					cfg, err := configurator()
					if err != nil {
						return err
					}
					b, err := emulator.FundRemote(cfg.Ledger.NodeURL, address, value)
					if err != nil {
						return err
					}
					pterm.Success.Println(fmt.Sprintf("address %s balance is %s", b.Address, b.Balance))
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		pterm.Error.Println(err.Error())
	}
}

func run(cfg emulator.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		cancel()
	}()

	callbackOnErr := func(err error) {
		fmt.Println("logger error: ", err)
	}
	callbackOnFatal := func(err error) {
		panic(fmt.Sprintf("fatal error: %s", err))
	}
	log := logging.New("fiduciary-emulator", callbackOnErr, callbackOnFatal, stdoutwriter.Logger{})

	node, err := emulator.New(cfg, wallet.NewVerifier())
	if err != nil {
		return err
	}
	log.Info(fmt.Sprintf("ledger emulator listening on port [ %d ]", cfg.Port))
	return emulator.Run(ctx, cfg, node, log)
}
