package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lib/pq"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/bartossh/Fiduciary/configuration"
	"github.com/bartossh/Fiduciary/custody"
	"github.com/bartossh/Fiduciary/identity"
	"github.com/bartossh/Fiduciary/intake"
	"github.com/bartossh/Fiduciary/keyvault"
	"github.com/bartossh/Fiduciary/ledger"
	"github.com/bartossh/Fiduciary/localcache"
	"github.com/bartossh/Fiduciary/logger"
	"github.com/bartossh/Fiduciary/logging"
	"github.com/bartossh/Fiduciary/logo"
	"github.com/bartossh/Fiduciary/natsclient"
	"github.com/bartossh/Fiduciary/reactive"
	"github.com/bartossh/Fiduciary/repomongo"
	"github.com/bartossh/Fiduciary/repopostgre"
	"github.com/bartossh/Fiduciary/server"
	"github.com/bartossh/Fiduciary/settlement"
	"github.com/bartossh/Fiduciary/stdoutwriter"
	"github.com/bartossh/Fiduciary/telemetry"
	"github.com/bartossh/Fiduciary/token"
	"github.com/bartossh/Fiduciary/transaction"
	"github.com/bartossh/Fiduciary/webhooks"
	"github.com/bartossh/Fiduciary/zincadapter"
)

const usage = `The Fiduciary custodian API server accepts disbursement requests raised by institution associates
and settles them on the ledger from the institution custodial wallet once the auditor approves them.`

const (
	serviceName       = "fiduciary-custodian"
	eventsBufferSize  = 256
	awaitingGauge     = "requests_awaiting_decision"
	disconnectTimeout = 5 * time.Second
)

type store interface {
	settlement.Repository
	identity.Repository
}

func main() {
	logo.Display()

	var file, institution string
	configurator := func() (configuration.Configuration, error) {
		if file == "" {
			return configuration.Configuration{}, errors.New("please specify configuration file path with -c <path to file>")
		}
		return configuration.Read(file)
	}

	app := &cli.App{
		Name:  "custodian",
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
				Usage:   "runs the custodian API server",
				Action: func(_ *cli.Context) error {
					cfg, err := configurator()
					if err != nil {
						return err
					}
					return run(cfg)
				},
			},
			{
				Name:    "watch",
				Aliases: []string{"w"},
				Usage:   "prints settlement events published on the message bus",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "institution",
						Aliases:     []string{"i"},
						Usage:       "Institution ledger `ID`, all institutions when empty",
						Destination: &institution,
					},
				},
				Action: func(_ *cli.Context) error {
					cfg, err := configurator()
					if err != nil {
						return err
					}
					return watch(cfg, institution)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		pterm.Error.Println(err.Error())
	}
}

func interruptible() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-c:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(c)
	}()
	return ctx, cancel
}

func run(cfg configuration.Configuration) error {
	ctx, cancel := interruptible()
	defer cancel()

	st, writers, closeStore, err := connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	callbackOnErr := func(err error) {
		fmt.Println("logger error: ", err)
	}
	callbackOnFatal := func(err error) {
		pterm.Error.Println(fmt.Sprintf("fatal error: %s", err))
		cancel()
	}
	if cfg.Zinc.Address != "" {
		zinc, err := zincadapter.New(cfg.Zinc)
		if err != nil {
			return err
		}
		writers = append(writers, zinc)
	}
	log := logging.New(serviceName, callbackOnErr, callbackOnFatal, append(writers, stdoutwriter.Logger{})...)

	vault, err := keyvault.FromConfig(cfg.Vault)
	if err != nil {
		return err
	}
	cfg.Ledger.Normalize()
	client, err := ledger.NewClient(cfg.Ledger)
	if err != nil {
		return err
	}
	if err := client.Alive(ctx); err != nil {
		log.Warn(fmt.Sprintf("ledger node [ %s ] does not respond yet, %s", cfg.Ledger.NodeURL, err))
	}

	measurements := telemetry.New()
	measurements.CreateUpdateObservableGauge(awaitingGauge, "Requests created minus requests decided since the process start.")

	events := reactive.New[settlement.Event](eventsBufferSize)
	hooks := webhooks.New(log)
	defer hooks.Wait()
	notifiers := []settlement.Notifier{events, hooks}
	if cfg.Nats.Address != "" {
		pub, err := natsclient.PublisherConnect(cfg.Nats)
		if err != nil {
			return err
		}
		defer pub.Disconnect()
		notifiers = append(notifiers, pub)
	}

	directory := identity.New(cfg.Identity, st, custody.NewProvisioner(vault))
	manager := custody.New(directory, vault, client, cfg.Ledger.Decimals, log)
	engine := settlement.New(cfg.Settlement, st, directory, manager, measurements, log, notifiers...)
	if cfg.Intake.Decimals == 0 {
		cfg.Intake.Decimals = cfg.Ledger.Decimals
	}

	svc := server.Services{
		Identity:   directory,
		Intake:     intake.New(cfg.Intake, directory, engine, log),
		Settlement: engine,
		Custody:    manager,
		Sessions:   token.NewSessions(ctx, cfg.Session),
		Events:     events,
		Webhooks:   hooks,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, cfg.Server, svc, log)
	})
	g.Go(func() error {
		return telemetry.Run(gctx, cfg.Telemetry, measurements)
	})
	g.Go(func() error {
		countAwaiting(gctx, events, measurements)
		return nil
	})
	if cfg.Database.Driver == configuration.DriverPostgres {
		g.Go(func() error {
			return listen(gctx, cfg.Database, log)
		})
	}

	log.Info(fmt.Sprintf("custodian started on port [ %d ] with [ %s ] database", cfg.Server.Port, cfg.Database.Driver))
	err = g.Wait()
	if err != nil {
		log.Error(err.Error())
	}
	return err
}

func connect(ctx context.Context, cfg configuration.DBConfig) (store, []io.Writer, func(), error) {
	switch cfg.Driver {
	case configuration.DriverPostgres:
		db, err := repopostgre.Connect(ctx, cfg.ConnStr, cfg.DatabaseName)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := db.RunMigration(ctx); err != nil {
			db.Disconnect(ctx)
			return nil, nil, nil, err
		}
		return db, []io.Writer{db}, func() { db.Disconnect(context.Background()) }, nil
	case configuration.DriverMongo:
		db, err := repomongo.Connect(ctx, cfg.ConnStr, cfg.DatabaseName)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := db.RunMigration(ctx); err != nil {
			db.Disconnect(ctx)
			return nil, nil, nil, err
		}
		closer := func() {
			ctxx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
			defer cancel()
			db.Disconnect(ctxx)
		}
		return db, []io.Writer{db}, closer, nil
	default:
		return localcache.New(localcache.Config{MaxLen: cfg.MaxLen}), nil, func() {}, nil
	}
}

// listen reports transaction request changes committed by any custodian sharing the database.
func listen(ctx context.Context, cfg configuration.DBConfig, log logger.Logger) error {
	report := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn(fmt.Sprintf("postgres listener event [ %d ], %s", ev, err))
		}
	}
	l, err := repopostgre.Listen(fmt.Sprintf("%s/%s?sslmode=disable", cfg.ConnStr, cfg.DatabaseName), report)
	if err != nil {
		return err
	}
	defer l.Close()

	l.SubscribeTransactionRequests(ctx, func(n repopostgre.Notification) {
		log.Debug(fmt.Sprintf(
			"transaction request [ %s ] of institution [ %s ] %s with status [ %s ]",
			n.Data.ID, n.Data.InstitutionRef, n.Action, n.Data.Status,
		))
	}, log)
	<-ctx.Done()
	return nil
}

func countAwaiting(ctx context.Context, events *reactive.Observable[settlement.Event], m *telemetry.Measurements) {
	sub := events.Subscribe()
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-sub.Channel():
			if e.Status == transaction.Pending {
				m.IncrementGauge(awaitingGauge)
				continue
			}
			m.DecrementGauge(awaitingGauge)
		}
	}
}

func watch(cfg configuration.Configuration, institution string) error {
	ctx, cancel := interruptible()
	defer cancel()

	sub, err := natsclient.SubscriberConnect(cfg.Nats)
	if err != nil {
		return err
	}
	defer sub.Disconnect()

	log := logging.New(serviceName, func(error) {}, func(error) { cancel() }, stdoutwriter.Logger{})
	err = sub.SubscribeSettlement(ctx, institution, func(e settlement.Event) {
		pterm.Info.Println(fmt.Sprintf(
			"%s request [ %s ] of institution [ %s ] is [ %s ] %s",
			e.OccurredAt.Format(time.RFC3339), e.RequestID, e.InstitutionRef, e.Status, e.SettlementRef,
		))
	}, log)
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
