package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/bcrypt"

	"github.com/bartossh/Fiduciary/custody"
	"github.com/bartossh/Fiduciary/emulator"
	"github.com/bartossh/Fiduciary/identity"
	"github.com/bartossh/Fiduciary/intake"
	"github.com/bartossh/Fiduciary/keyvault"
	"github.com/bartossh/Fiduciary/ledger"
	"github.com/bartossh/Fiduciary/localcache"
	"github.com/bartossh/Fiduciary/reactive"
	"github.com/bartossh/Fiduciary/settlement"
	"github.com/bartossh/Fiduciary/token"
	"github.com/bartossh/Fiduciary/transaction"
	"github.com/bartossh/Fiduciary/wallet"
	"github.com/bartossh/Fiduciary/webhooks"
)

const (
	auditorPassword   = "auditor-secret"
	associatePassword = "associate-secret"
	ledgerTimeout     = 200 * time.Millisecond
)

type nopLogger struct{}

func (nopLogger) Debug(string) {}
func (nopLogger) Info(string)  {}
func (nopLogger) Warn(string)  {}
func (nopLogger) Error(string) {}
func (nopLogger) Fatal(string) {}

type fixture struct {
	app       *fiber.App
	svc       Services
	directory *identity.Directory
	sessions  *token.Sessions
	events    *reactive.Observable[settlement.Event]
	node      *emulator.Node
	hooks     *webhooks.Service
}

// setup wires the whole custodian against a ledger node emulator reached over HTTP.
func setup(t *testing.T) fixture {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	node, err := emulator.New(emulator.Config{}, wallet.NewVerifier())
	assert.Nil(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Nil(t, err)
	go emulator.Serve(ctx, ln, node, nopLogger{})

	client, err := ledger.NewClient(ledger.Config{NodeURL: "http://" + ln.Addr().String(), Timeout: time.Second})
	assert.Nil(t, err)
	assert.Eventually(t, func() bool {
		return client.Alive(ctx) == nil
	}, time.Second*2, time.Millisecond*20)

	d, err := keyvault.NewGlobalDeriver("server-test-secret")
	assert.Nil(t, err)
	vault := keyvault.New(d)

	store := localcache.New(localcache.Config{})
	directory := identity.New(identity.Config{HashCost: bcrypt.MinCost}, store, custody.NewProvisioner(vault))
	manager := custody.New(directory, vault, client, 18, nopLogger{})
	events := reactive.New[settlement.Event](16)
	hooks := webhooks.New(nopLogger{})
	engine := settlement.New(
		settlement.Config{LedgerTimeout: ledgerTimeout}, store, directory, manager, nil, nopLogger{}, events, hooks,
	)
	sessions := token.NewSessions(ctx, token.Config{})

	svc := Services{
		Identity:   directory,
		Intake:     intake.New(intake.Config{}, directory, engine, nopLogger{}),
		Settlement: engine,
		Custody:    manager,
		Sessions:   sessions,
		Events:     events,
		Webhooks:   hooks,
	}
	s := newServer(svc, nopLogger{})

	return fixture{
		app:       s.router(ctx),
		svc:       svc,
		directory: directory,
		sessions:  sessions,
		events:    events,
		node:      node,
		hooks:     hooks,
	}
}

func call(t *testing.T, app *fiber.App, method, url, tkn string, body any) (int, []byte) {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		assert.Nil(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, url, r)
	req.Header.Set("Content-Type", "application/json")
	if tkn != "" {
		req.Header.Set("Authorization", "Bearer "+tkn)
	}
	resp, err := app.Test(req, -1)
	assert.Nil(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	assert.Nil(t, err)
	return resp.StatusCode, raw
}

func decode[T any](t *testing.T, raw []byte) T {
	var v T
	assert.Nil(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

type institution struct {
	RegisterResponse
	auditorToken   string
	associateID    string
	associateToken string
}

func register(t *testing.T, f fixture, name string) institution {
	status, raw := call(t, f.app, http.MethodPost, RegisterURL, "",
		RegisterRequest{Name: name, Location: "Lisbon", Password: auditorPassword})
	assert.Equal(t, fiber.StatusCreated, status, string(raw))
	in := institution{RegisterResponse: decode[RegisterResponse](t, raw)}

	status, raw = call(t, f.app, http.MethodPost, LoginAuditorURL, "",
		LoginRequest{InstitutionID: in.Institution.ID, Password: auditorPassword})
	assert.Equal(t, fiber.StatusOK, status, string(raw))
	in.auditorToken = decode[LoginResponse](t, raw).Token

	status, raw = call(t, f.app, http.MethodPost, AssociatesURL, in.auditorToken,
		AssociateCreateRequest{Password: associatePassword, AuditorPassword: auditorPassword})
	assert.Equal(t, fiber.StatusCreated, status, string(raw))
	in.associateID = decode[identity.Associate](t, raw).ID

	status, raw = call(t, f.app, http.MethodPost, LoginAssociateURL, "",
		LoginRequest{InstitutionID: in.Institution.ID, AssociateID: in.associateID, Password: associatePassword})
	assert.Equal(t, fiber.StatusOK, status, string(raw))
	in.associateToken = decode[LoginResponse](t, raw).Token

	return in
}

func fund(f fixture, in institution, smallest string) {
	v, _ := new(big.Int).SetString(smallest, 10)
	f.node.Fund(in.Institution.WalletAddress, v)
}

func submit(t *testing.T, f fixture, in institution, amount string) transaction.Request {
	status, raw := call(t, f.app, http.MethodPost, TransactionsURL, in.associateToken, intake.Payload{
		Receiver: "0xABC", Amount: amount, Purpose: "supplies", Priority: "high",
	})
	assert.Equal(t, fiber.StatusCreated, status, string(raw))
	return decode[transaction.Request](t, raw)
}

func reviewPath(id string) string {
	return TransactionsURL + "/" + id + "/review"
}

func TestAlive(t *testing.T) {
	f := setup(t)
	status, raw := call(t, f.app, http.MethodGet, AliveURL, "", nil)
	assert.Equal(t, fiber.StatusOK, status)
	res := decode[AliveResponse](t, raw)
	assert.True(t, res.Alive)
	assert.Equal(t, Header, res.APIHeader)
}

func TestApproveSettlesOnLedger(t *testing.T) {
	f := setup(t)
	in := register(t, f, "Harbor Shelter")
	fund(f, in, "2000000000000000000")

	r := submit(t, f, in, "1.5")
	assert.Equal(t, transaction.Pending, r.Status)
	assert.Equal(t, in.Institution.LedgerID, r.InstitutionRef)
	assert.Equal(t, in.associateID, r.CreatorRef)

	status, raw := call(t, f.app, http.MethodPost, reviewPath(r.ID), in.auditorToken,
		ReviewRequest{Decision: "approve", Credential: auditorPassword, Note: "ok"})
	assert.Equal(t, fiber.StatusOK, status, string(raw))
	decided := decode[transaction.Request](t, raw)
	assert.Equal(t, transaction.Approved, decided.Status)
	assert.NotEmpty(t, decided.SettlementRef)
	assert.NotNil(t, decided.DecidedAt)
	assert.Equal(t, 1, f.node.Recorded())

	status, raw = call(t, f.app, http.MethodGet, SummaryURL, in.auditorToken, nil)
	assert.Equal(t, fiber.StatusOK, status, string(raw))
	summary := decode[SummaryResponse](t, raw)
	assert.Equal(t, "0.5", summary.Balance)
	assert.Equal(t, 1, summary.Requests)
	assert.Equal(t, in.Institution.WalletAddress, summary.WalletAddress)
}

func TestApproveInsufficientFundsStaysPending(t *testing.T) {
	f := setup(t)
	in := register(t, f, "Harbor Shelter")
	fund(f, in, "1000000000000000000")
	r := submit(t, f, in, "1.5")

	status, raw := call(t, f.app, http.MethodPost, reviewPath(r.ID), in.auditorToken,
		ReviewRequest{Decision: "approve", Credential: auditorPassword})
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Equal(t, "insufficient_funds", decode[ErrorResponse](t, raw).Title)

	status, raw = call(t, f.app, http.MethodGet, TransactionsURL+"/"+r.ID, in.associateToken, nil)
	assert.Equal(t, fiber.StatusOK, status)
	got := decode[transaction.Request](t, raw)
	assert.Equal(t, transaction.Pending, got.Status)
	assert.Empty(t, got.SettlementRef)

	fund(f, in, "1000000000000000000")
	status, raw = call(t, f.app, http.MethodPost, reviewPath(r.ID), in.auditorToken,
		ReviewRequest{Decision: "approve", Credential: auditorPassword})
	assert.Equal(t, fiber.StatusOK, status, string(raw))
	assert.Equal(t, transaction.Approved, decode[transaction.Request](t, raw).Status)
}

func TestApproveWrongCredentialMakesNoLedgerCall(t *testing.T) {
	f := setup(t)
	in := register(t, f, "Harbor Shelter")
	fund(f, in, "2000000000000000000")
	r := submit(t, f, in, "1.5")

	status, raw := call(t, f.app, http.MethodPost, reviewPath(r.ID), in.auditorToken,
		ReviewRequest{Decision: "approve", Credential: "wrong"})
	assert.Equal(t, fiber.StatusUnauthorized, status)
	res := decode[ErrorResponse](t, raw)
	assert.Equal(t, "step_up_failed", res.Title)
	assert.Equal(t, 0, f.node.Recorded())
}

func TestApproveLedgerTimeoutThenRetry(t *testing.T) {
	f := setup(t)
	in := register(t, f, "Harbor Shelter")
	fund(f, in, "2000000000000000000")
	r := submit(t, f, in, "1.5")

	f.node.SetLatency(ledgerTimeout * 3)
	status, raw := call(t, f.app, http.MethodPost, reviewPath(r.ID), in.auditorToken,
		ReviewRequest{Decision: "approve", Credential: auditorPassword})
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Equal(t, "ledger_unavailable", decode[ErrorResponse](t, raw).Title)

	f.node.SetLatency(0)
	status, raw = call(t, f.app, http.MethodPost, reviewPath(r.ID), in.auditorToken,
		ReviewRequest{Decision: "approve", Credential: auditorPassword})
	assert.Equal(t, fiber.StatusOK, status, string(raw))
	assert.Equal(t, 1, f.node.Recorded())
}

func TestDecideTwiceIsConflict(t *testing.T) {
	f := setup(t)
	in := register(t, f, "Harbor Shelter")
	r := submit(t, f, in, "1.5")

	status, raw := call(t, f.app, http.MethodPost, reviewPath(r.ID), in.auditorToken,
		ReviewRequest{Decision: "decline", Note: "no budget"})
	assert.Equal(t, fiber.StatusOK, status, string(raw))
	decided := decode[transaction.Request](t, raw)
	assert.Equal(t, transaction.Declined, decided.Status)
	assert.Equal(t, "no budget", decided.AuditorNote)

	status, _ = call(t, f.app, http.MethodPost, reviewPath(r.ID), in.auditorToken,
		ReviewRequest{Decision: "review"})
	assert.Equal(t, fiber.StatusConflict, status)
}

func TestReviewAccess(t *testing.T) {
	f := setup(t)
	in := register(t, f, "Harbor Shelter")
	other := register(t, f, "Valley Clinic")
	r := submit(t, f, in, "1.5")

	status, _ := call(t, f.app, http.MethodPost, reviewPath(r.ID), in.associateToken,
		ReviewRequest{Decision: "decline"})
	assert.Equal(t, fiber.StatusForbidden, status)

	status, _ = call(t, f.app, http.MethodPost, reviewPath(r.ID), other.auditorToken,
		ReviewRequest{Decision: "decline"})
	assert.Equal(t, fiber.StatusForbidden, status)

	status, _ = call(t, f.app, http.MethodGet, TransactionsURL+"/"+r.ID, other.associateToken, nil)
	assert.Equal(t, fiber.StatusForbidden, status)

	status, _ = call(t, f.app, http.MethodPost, reviewPath("OFFMISSING"), in.auditorToken,
		ReviewRequest{Decision: "decline"})
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = call(t, f.app, http.MethodPost, reviewPath(r.ID), in.auditorToken,
		ReviewRequest{Decision: "maybe"})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = call(t, f.app, http.MethodGet, TransactionsURL, "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = call(t, f.app, http.MethodGet, TransactionsURL, "forged", nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)
}

func TestSubmitValidationDoesNotLeakCause(t *testing.T) {
	f := setup(t)
	in := register(t, f, "Harbor Shelter")

	status, raw := call(t, f.app, http.MethodPost, TransactionsURL, in.associateToken, intake.Payload{
		Receiver: "0xABC", Amount: "-1", Purpose: "supplies",
	})
	assert.Equal(t, fiber.StatusBadRequest, status)
	res := decode[ErrorResponse](t, raw)
	assert.Equal(t, "validation_error", res.Title)
	assert.NotContains(t, res.Message, "-1")
}

func TestTransactionsListOrder(t *testing.T) {
	f := setup(t)
	in := register(t, f, "Harbor Shelter")
	first := submit(t, f, in, "1")
	second := submit(t, f, in, "2")

	status, raw := call(t, f.app, http.MethodPost, reviewPath(first.ID), in.auditorToken,
		ReviewRequest{Decision: "review"})
	assert.Equal(t, fiber.StatusOK, status, string(raw))

	status, raw = call(t, f.app, http.MethodGet, TransactionsURL, in.associateToken, nil)
	assert.Equal(t, fiber.StatusOK, status)
	list := decode[TransactionsResponse](t, raw).Transactions
	assert.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, transaction.NeedsReview, list[0].Status)
	assert.Equal(t, second.ID, list[1].ID)
}

func TestAssociatesManagement(t *testing.T) {
	f := setup(t)
	in := register(t, f, "Harbor Shelter")

	status, _ := call(t, f.app, http.MethodGet, AssociatesURL, in.associateToken, nil)
	assert.Equal(t, fiber.StatusForbidden, status)

	status, _ = call(t, f.app, http.MethodPost, AssociatesURL, in.auditorToken,
		AssociateCreateRequest{Password: "p", AuditorPassword: "wrong"})
	assert.Equal(t, fiber.StatusUnauthorized, status)

	for i := 0; i < 3; i++ {
		status, raw := call(t, f.app, http.MethodPost, AssociatesURL, in.auditorToken,
			AssociateCreateRequest{Password: "p", AuditorPassword: auditorPassword})
		assert.Equal(t, fiber.StatusCreated, status, string(raw))
	}
	status, _ = call(t, f.app, http.MethodPost, AssociatesURL, in.auditorToken,
		AssociateCreateRequest{Password: "p", AuditorPassword: auditorPassword})
	assert.Equal(t, fiber.StatusConflict, status)

	status, raw := call(t, f.app, http.MethodGet, AssociatesURL, in.auditorToken, nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Len(t, decode[AssociatesResponse](t, raw).Associates, 4)

	status, _ = call(t, f.app, http.MethodDelete, AssociatesURL+"/"+in.associateID, in.auditorToken,
		AssociateDeleteRequest{AuditorPassword: auditorPassword})
	assert.Equal(t, fiber.StatusNoContent, status)

	status, _ = call(t, f.app, http.MethodGet, TransactionsURL, in.associateToken, nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)
}

func TestLoginAndLogout(t *testing.T) {
	f := setup(t)
	in := register(t, f, "Harbor Shelter")

	status, _ := call(t, f.app, http.MethodPost, LoginAuditorURL, "",
		LoginRequest{InstitutionID: in.Institution.ID, Password: "wrong"})
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = call(t, f.app, http.MethodPost, LogoutURL, in.auditorToken, nil)
	assert.Equal(t, fiber.StatusNoContent, status)

	status, _ = call(t, f.app, http.MethodGet, SummaryURL, in.auditorToken, nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)
}

func TestRegisterMissingFields(t *testing.T) {
	f := setup(t)
	status, raw := call(t, f.app, http.MethodPost, RegisterURL, "", RegisterRequest{Name: "Harbor Shelter"})
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "validation_error", decode[ErrorResponse](t, raw).Title)
}

func TestValidateConfig(t *testing.T) {
	assert.ErrorIs(t, validateConfig(&Config{Port: 0}), ErrWrongPortSpecified)
	assert.ErrorIs(t, validateConfig(&Config{Port: 70000}), ErrWrongPortSpecified)
	assert.Nil(t, validateConfig(&Config{Port: 8080}))
}

func TestWebhooksReceiveSettlementEvents(t *testing.T) {
	f := setup(t)
	in := register(t, f, "Harbor Shelter")
	other := register(t, f, "River Kitchen")
	fund(f, in, "2000000000000000000")

	received := make(chan webhooks.Message, 8)
	receiver := fiber.New(fiber.Config{DisableStartupMessage: true})
	receiver.Post("/hook", func(c *fiber.Ctx) error {
		var m webhooks.Message
		if err := c.BodyParser(&m); err != nil {
			return fiber.ErrBadRequest
		}
		received <- m
		return c.SendStatus(fiber.StatusNoContent)
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Nil(t, err)
	go receiver.Listener(ln)
	t.Cleanup(func() { receiver.Shutdown() })
	hookURL := "http://" + ln.Addr().String() + "/hook"

	status, _ := call(t, f.app, http.MethodPost, WebhooksURL, in.associateToken, WebhookRequest{URL: hookURL})
	assert.Equal(t, fiber.StatusForbidden, status)
	status, raw := call(t, f.app, http.MethodPost, WebhooksURL, in.auditorToken, WebhookRequest{URL: "hook"})
	assert.Equal(t, fiber.StatusBadRequest, status, string(raw))
	status, raw = call(t, f.app, http.MethodPost, WebhooksURL, in.auditorToken,
		WebhookRequest{URL: hookURL, Token: "hook-secret"})
	assert.Equal(t, fiber.StatusCreated, status, string(raw))

	status, raw = call(t, f.app, http.MethodGet, WebhooksURL, in.auditorToken, nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Len(t, decode[WebhooksResponse](t, raw).Webhooks, 1)
	status, raw = call(t, f.app, http.MethodGet, WebhooksURL, other.auditorToken, nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Empty(t, decode[WebhooksResponse](t, raw).Webhooks)

	submit(t, f, other, "1")
	r := submit(t, f, in, "1")
	status, raw = call(t, f.app, http.MethodPost, reviewPath(r.ID), in.auditorToken,
		ReviewRequest{Decision: "approve", Credential: auditorPassword})
	assert.Equal(t, fiber.StatusOK, status, string(raw))
	f.hooks.Wait()

	statuses := map[transaction.Status]webhooks.Message{}
	for i := 0; i < 2; i++ {
		select {
		case m := <-received:
			assert.Equal(t, "hook-secret", m.Token)
			assert.Equal(t, r.ID, m.Event.RequestID)
			statuses[m.Event.Status] = m
		case <-time.After(time.Second * 2):
			t.Fatal("webhook message not received")
		}
	}
	assert.Contains(t, statuses, transaction.Pending)
	assert.NotEmpty(t, statuses[transaction.Approved].Event.SettlementRef)
	assert.Empty(t, received)

	status, _ = call(t, f.app, http.MethodDelete, WebhooksURL, in.auditorToken, WebhookRequest{URL: hookURL})
	assert.Equal(t, fiber.StatusNoContent, status)
	status, _ = call(t, f.app, http.MethodDelete, WebhooksURL, in.auditorToken, WebhookRequest{URL: hookURL})
	assert.Equal(t, fiber.StatusNotFound, status)
}
