package configuration

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/bartossh/Fiduciary/emulator"
	"github.com/bartossh/Fiduciary/identity"
	"github.com/bartossh/Fiduciary/intake"
	"github.com/bartossh/Fiduciary/keyvault"
	"github.com/bartossh/Fiduciary/ledger"
	"github.com/bartossh/Fiduciary/natsclient"
	"github.com/bartossh/Fiduciary/server"
	"github.com/bartossh/Fiduciary/settlement"
	"github.com/bartossh/Fiduciary/telemetry"
	"github.com/bartossh/Fiduciary/token"
	"github.com/bartossh/Fiduciary/zincadapter"
)

// Environment variables overriding secrets of the configuration file.
const (
	EnvVaultSecret = "FIDUCIARY_VAULT_SECRET"
	EnvDBConn      = "FIDUCIARY_DB_CONN"
	EnvNatsToken   = "FIDUCIARY_NATS_TOKEN"
	EnvZincToken   = "FIDUCIARY_ZINC_TOKEN"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

var ErrUnknownDriver = errors.New("unknown database driver, use one of postgres, mongo, memory")

// DBConfig contains configuration of the database.
type DBConfig struct {
	Driver       string `yaml:"driver"`        // Driver is one of postgres, mongo or memory.
	ConnStr      string `yaml:"conn_str"`      // ConnStr is the connection string to the database.
	DatabaseName string `yaml:"database_name"` // DatabaseName is the name of the database.
	MaxLen       int    `yaml:"max_len"`       // MaxLen caps the number of records of the memory driver.
}

// Configuration is the main configuration of the application that corresponds to the *.yaml file
// that holds the configuration.
type Configuration struct {
	Server     server.Config      `yaml:"server"`
	Database   DBConfig           `yaml:"database"`
	Vault      keyvault.Config    `yaml:"vault"`
	Ledger     ledger.Config      `yaml:"ledger"`
	Settlement settlement.Config  `yaml:"settlement"`
	Intake     intake.Config      `yaml:"intake"`
	Identity   identity.Config    `yaml:"identity"`
	Nats       natsclient.Config  `yaml:"nats"`
	Telemetry  telemetry.Config   `yaml:"telemetry"`
	Session    token.Config       `yaml:"session"`
	Emulator   emulator.Config    `yaml:"emulator"`
	Zinc       zincadapter.Config `yaml:"zinc"`
}

// Read reads the configuration from the file and returns the Configuration with set fields according to the yaml setup.
// Secrets set in the environment, or in the .env file of the working directory, take precedence over the file.
func Read(path string) (Configuration, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Configuration{}, err
	}

	var main Configuration
	err = yaml.Unmarshal(buf, &main)
	if err != nil {
		return Configuration{}, fmt.Errorf("in file %q: %w", path, err)
	}

	godotenv.Load()
	main.overrideFromEnv()

	if err := main.Database.validate(); err != nil {
		return Configuration{}, fmt.Errorf("in file %q: %w", path, err)
	}

	return main, nil
}

func (c *Configuration) overrideFromEnv() {
	if v, ok := os.LookupEnv(EnvVaultSecret); ok && v != "" {
		c.Vault.Secret = v
	}
	if v, ok := os.LookupEnv(EnvDBConn); ok && v != "" {
		c.Database.ConnStr = v
	}
	if v, ok := os.LookupEnv(EnvNatsToken); ok && v != "" {
		c.Nats.Token = v
	}
	if v, ok := os.LookupEnv(EnvZincToken); ok && v != "" {
		c.Zinc.Token = v
	}
}

func (d *DBConfig) validate() error {
	switch d.Driver {
	case "":
		d.Driver = DriverMemory
	case DriverPostgres, DriverMongo, DriverMemory:
	default:
		return errors.Join(ErrUnknownDriver, fmt.Errorf("received %q", d.Driver))
	}
	return nil
}
