package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/shopspring/decimal"

	"github.com/bartossh/Fiduciary/identity"
	"github.com/bartossh/Fiduciary/intake"
	"github.com/bartossh/Fiduciary/logger"
	"github.com/bartossh/Fiduciary/reactive"
	"github.com/bartossh/Fiduciary/settlement"
	"github.com/bartossh/Fiduciary/token"
	"github.com/bartossh/Fiduciary/transaction"
	"github.com/bartossh/Fiduciary/webhooks"
)

const (
	ApiVersion = "1.0.0"
	Header     = "Fiduciary-Custodian"
)

const shutdownTimeout = 5 * time.Second

const (
	authGroupURL        = "/auth"
	associatesGroupURL  = "/associates"
	transactionGroupURL = "/transactions"
	institutionGroupURL = "/institution"
	webhooksGroupURL    = "/webhooks"
	registerURL         = "/register"
	loginAuditorURL     = "/login/auditor"
	loginAssociateURL   = "/login/associate"
	logoutURL           = "/logout"
	reviewURL           = "/review"
	summaryURL          = "/summary"
)

const (
	AliveURL          = "/alive"                                 // URL to check if server is alive and version.
	RegisterURL       = authGroupURL + registerURL               // URL to register an institution with its auditor.
	LoginAuditorURL   = authGroupURL + loginAuditorURL           // URL to log in as the auditor.
	LoginAssociateURL = authGroupURL + loginAssociateURL         // URL to log in as the associate.
	LogoutURL         = authGroupURL + logoutURL                 // URL to revoke the session token.
	AssociatesURL     = associatesGroupURL                       // URL to list, create and delete associates.
	TransactionsURL   = transactionGroupURL                      // URL to submit and list transaction requests.
	SummaryURL        = institutionGroupURL + summaryURL         // URL to read the institution balance summary.
	WebhooksURL       = webhooksGroupURL                         // URL to list, create and remove settlement event webhooks.
	WsURL             = "/ws"                                    // URL to connect to websocket stream of settlement events.
	ReviewURLTemplate = transactionGroupURL + "/:id" + reviewURL // URL to decide on the transaction request.
)

var ErrWrongPortSpecified = errors.New("port must be between 1 and 65535")

// Identity registers institutions, authenticates users and manages associates.
type Identity interface {
	RegisterInstitution(ctx context.Context, name, location, auditorPassword string) (identity.Institution, identity.Auditor, error)
	Institution(ctx context.Context, institutionID string) (identity.Institution, error)
	LedgerID(ctx context.Context, institutionID string) (string, error)
	AuthenticateAuditor(ctx context.Context, institutionID, password string) (identity.Principal, error)
	AuthenticateAssociate(ctx context.Context, institutionID, associateID, password string) (identity.Principal, error)
	CreateAssociate(ctx context.Context, institutionID, associatePassword, auditorPassword string) (identity.Associate, error)
	DeleteAssociate(ctx context.Context, institutionID, associateID, auditorPassword string) error
	Associates(ctx context.Context, institutionID string) ([]identity.Associate, error)
}

// Submitter accepts new transaction requests.
type Submitter interface {
	Submit(ctx context.Context, institutionID, creatorID string, p intake.Payload) (transaction.Request, error)
}

// Settler reads and decides on transaction requests.
type Settler interface {
	Request(ctx context.Context, id string, actor settlement.Actor) (transaction.Request, error)
	Requests(ctx context.Context, actor settlement.Actor) ([]transaction.Request, error)
	Decide(
		ctx context.Context, id string, decision transaction.Status, actor settlement.Actor, credential, note string,
	) (transaction.Request, error)
}

// Balancer reads the institution custodial wallet balance.
type Balancer interface {
	BalanceOf(ctx context.Context, institutionID string) (decimal.Decimal, error)
}

// SessionManager issues and validates session tokens.
type SessionManager interface {
	Issue(claims token.Claims) (token.Token, error)
	Validate(token string) (token.Claims, error)
	Revoke(token string)
	RevokeUser(userID string)
}

// EventSubscriber provides reactive subscription to settlement events.
type EventSubscriber interface {
	Subscribe() *reactive.Subscriber[settlement.Event]
}

// Hooker manages webhooks receiving the institution settlement events.
type Hooker interface {
	CreateWebhook(ledgerID string, h webhooks.Hook) error
	RemoveWebhook(ledgerID, url string) error
	Webhooks(ledgerID string) []webhooks.Hook
}

// Services holds the components the server exposes.
type Services struct {
	Identity   Identity
	Intake     Submitter
	Settlement Settler
	Custody    Balancer
	Sessions   SessionManager
	Events     EventSubscriber
	Webhooks   Hooker
}

// Config contains configuration of the server.
type Config struct {
	Port int `yaml:"port"` // Port to listen on.
}

type server struct {
	identity   Identity
	intake     Submitter
	settlement Settler
	custody    Balancer
	sessions   SessionManager
	events     EventSubscriber
	webhooks   Hooker
	hub        *hub
	log        logger.Logger
}

// Run initializes routing and runs the server. To stop the server cancel the context.
// It blocks until the context is canceled.
func Run(ctx context.Context, c Config, svc Services, log logger.Logger) error {
	if err := validateConfig(&c); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%v", c.Port))
	if err != nil {
		return err
	}
	return Serve(ctx, ln, svc, log)
}

// Serve serves the API on the listener. It blocks until the context is canceled.
func Serve(ctx context.Context, ln net.Listener, svc Services, log logger.Logger) error {
	ctxx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := newServer(svc, log)
	router := s.router(ctxx)

	errC := make(chan error, 1)
	go func() {
		errC <- router.Listener(ln)
		cancel()
	}()
	go s.hub.run(ctxx)
	go s.runSubscriber(ctxx)

	<-ctxx.Done()

	var err error
	select {
	case err = <-errC:
	default:
	}
	if errx := router.ShutdownWithTimeout(shutdownTimeout); errx != nil {
		err = errors.Join(err, errx)
	}
	return err
}

func newServer(svc Services, log logger.Logger) *server {
	return &server{
		identity:   svc.Identity,
		intake:     svc.Intake,
		settlement: svc.Settlement,
		custody:    svc.Custody,
		sessions:   svc.Sessions,
		events:     svc.Events,
		webhooks:   svc.Webhooks,
		hub:        newHub(log),
		log:        log,
	}
}

func (s *server) router(ctx context.Context) *fiber.App {
	router := fiber.New(fiber.Config{
		Prefork:               false,
		CaseSensitive:         true,
		StrictRouting:         true,
		ReadTimeout:           time.Second * 5,
		WriteTimeout:          time.Second * 30,
		ServerHeader:          Header,
		AppName:               ApiVersion,
		Concurrency:           4096,
		DisableStartupMessage: true,
	})
	router.Use(recover.New())

	router.Get(AliveURL, s.alive)

	auth := router.Group(authGroupURL)
	auth.Post(registerURL, s.register)
	auth.Post(loginAuditorURL, s.loginAuditor)
	auth.Post(loginAssociateURL, s.loginAssociate)
	auth.Post(logoutURL, s.authenticate, s.logout)

	associates := router.Group(associatesGroupURL, s.authenticate, s.auditorOnly)
	associates.Get("", s.associates)
	associates.Post("", s.associateCreate)
	associates.Delete("/:id", s.associateDelete)

	transactions := router.Group(transactionGroupURL, s.authenticate)
	transactions.Post("", s.submit)
	transactions.Get("", s.transactions)
	transactions.Get("/:id", s.transaction)
	transactions.Post("/:id"+reviewURL, s.review)

	institution := router.Group(institutionGroupURL, s.authenticate)
	institution.Get(summaryURL, s.summary)

	if s.webhooks != nil {
		hooks := router.Group(webhooksGroupURL, s.authenticate, s.auditorOnly)
		hooks.Get("", s.hooks)
		hooks.Post("", s.hookCreate)
		hooks.Delete("", s.hookRemove)
	}

	router.Get(WsURL, s.authenticate, func(c *fiber.Ctx) error { return s.wsWrapper(ctx, c) })

	return router
}

func validateConfig(c *Config) error {
	if c.Port <= 0 || c.Port > 65535 {
		return ErrWrongPortSpecified
	}
	return nil
}

func (s *server) runSubscriber(ctx context.Context) {
	if s.events == nil {
		return
	}
	sub := s.events.Subscribe()
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Channel():
			if !ok {
				return
			}
			s.hub.publish(ctx, e)
		}
	}
}
