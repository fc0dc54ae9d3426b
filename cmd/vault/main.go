package main

import (
	"errors"
	"os"

	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	"github.com/bartossh/Fiduciary/configuration"
	"github.com/bartossh/Fiduciary/custody"
	"github.com/bartossh/Fiduciary/keyvault"
	"github.com/bartossh/Fiduciary/logo"
)

const usage = `Vault CLI tool provisions sealed custodial wallets and opens sealed keys to print the address they derive.
Use it to diagnose a key mismatch out-of-band. The vault secret is read from the configuration
or from the FIDUCIARY_VAULT_SECRET environment variable. The signing key is never printed.`

func main() {
	logo.Display()

	var config, scope, ciphertext string

	provisioner := func() (custody.Provisioner, error) {
		if config == "" {
			return custody.Provisioner{}, errors.New("please specify configuration file path with -c <path to file>")
		}
		if scope == "" {
			return custody.Provisioner{}, errors.New("please specify institution id with -s <id>")
		}
		cfg, err := configuration.Read(config)
		if err != nil {
			return custody.Provisioner{}, err
		}
		vault, err := keyvault.FromConfig(cfg.Vault)
		if err != nil {
			return custody.Provisioner{}, err
		}
		return custody.NewProvisioner(vault), nil
	}

	app := &cli.App{
		Name:  "vault",
		Usage: usage,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Load configuration from `FILE`",
				Destination: &config,
			},
			&cli.StringFlag{
				Name:        "scope",
				Aliases:     []string{"s"},
				Usage:       "Institution `ID` the key is sealed for",
				Destination: &scope,
			},
		},
		Commands: []*cli.Command{
			{
				Name:    "new",
				Aliases: []string{"n"},
				Usage:   "Creates new custodial wallet and prints its address and sealed key.",
				Action: func(_ *cli.Context) error {
					p, err := provisioner()
					if err != nil {
						return err
					}
					address, sealed, err := p.ProvisionWallet(scope)
					if err != nil {
						return err
					}
					pterm.Info.Println("address:    " + address)
					pterm.Info.Println("ciphertext: " + sealed)
					return nil
				},
			},
			{
				Name:    "address",
				Aliases: []string{"a"},
				Usage:   "Opens the sealed key and prints the address it derives.",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "ciphertext",
						Aliases:     []string{"k"},
						Usage:       "Sealed key `CIPHERTEXT`",
						Required:    true,
						Destination: &ciphertext,
					},
				},
				Action: func(_ *cli.Context) error {
					p, err := provisioner()
					if err != nil {
						return err
					}
					address, err := p.OpenAddress(scope, ciphertext)
					if err != nil {
						return err
					}
					pterm.Info.Println("address: " + address)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		pterm.Error.Println(err.Error())
	}
}
