package emulator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/bartossh/Fiduciary/ledger"
	"github.com/bartossh/Fiduciary/logger"
)

const (
	ApiVersion = "1.0.0"
	Header     = "Fiduciary-Ledger-Emulator"
)

const FundURL = "/fund"

const shutdownTimeout = 5 * time.Second

// FundRequest credits the address on the emulated ledger.
type FundRequest struct {
	Address string `json:"address"`
	Value   string `json:"value"`
}

type server struct {
	node *Node
	log  logger.Logger
}

// Run listens on configured port and serves the emulated ledger node API.
// It blocks until the context is canceled.
func Run(ctx context.Context, cfg Config, node *Node, log logger.Logger) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return err
	}
	return Serve(ctx, ln, node, log)
}

// Serve serves the emulated ledger node API on the listener.
// It blocks until the context is canceled.
func Serve(ctx context.Context, ln net.Listener, node *Node, log logger.Logger) error {
	app := newApp(node, log)

	errC := make(chan error, 1)
	go func() {
		errC <- app.Listener(ln)
	}()

	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
	}
	return app.ShutdownWithTimeout(shutdownTimeout)
}

func newApp(node *Node, log logger.Logger) *fiber.App {
	s := &server{node: node, log: log}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		CaseSensitive:         true,
		StrictRouting:         true,
		ServerHeader:          Header,
		AppName:               ApiVersion,
	})
	app.Use(recover.New())

	app.Get(ledger.AliveURL, s.alive)
	app.Get(ledger.BalanceURL+"/:address", s.balance)
	app.Post(ledger.TransferURL, s.transfer)
	app.Post(FundURL, s.fund)

	return app
}

func (s *server) alive(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"alive": true, "api_version": ApiVersion, "api_header": Header})
}

func (s *server) balance(c *fiber.Ctx) error {
	address := c.Params("address")
	b, err := s.node.GetBalance(c.UserContext(), address)
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(ledger.ErrorResponse{Error: "node busy"})
	}
	return c.JSON(ledger.BalanceResponse{Address: address, Balance: b.String()})
}

func (s *server) transfer(c *fiber.Ctx) error {
	var t ledger.Transfer
	if err := c.BodyParser(&t); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ledger.ErrorResponse{Error: "malformed transfer"})
	}

	ref, err := s.node.Submit(c.UserContext(), t)
	if err != nil {
		s.log.Info(fmt.Sprintf("ledger emulator rejected transfer from %s: %s", t.From, err))
		if errors.Is(err, ledger.ErrTransferRejected) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(ledger.ErrorResponse{Error: err.Error()})
		}
		return c.Status(fiber.StatusServiceUnavailable).JSON(ledger.ErrorResponse{Error: "node busy"})
	}

	s.log.Info(fmt.Sprintf("ledger emulator recorded transfer %s of %s from %s to %s", ref, t.Value, t.From, t.To))
	return c.JSON(ledger.TransferResponse{Reference: ref})
}

func (s *server) fund(c *fiber.Ctx) error {
	var req FundRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ledger.ErrorResponse{Error: "malformed request"})
	}
	value, ok := new(big.Int).SetString(req.Value, 10)
	if !ok || value.Sign() <= 0 || req.Address == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ledger.ErrorResponse{Error: "address and positive value required"})
	}
	s.node.Fund(req.Address, value)
	b, _ := s.node.GetBalance(c.UserContext(), req.Address)
	return c.JSON(ledger.BalanceResponse{Address: req.Address, Balance: b.String()})
}
