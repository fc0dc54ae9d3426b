package server

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/bartossh/Fiduciary/identity"
	"github.com/bartossh/Fiduciary/intake"
	"github.com/bartossh/Fiduciary/settlement"
	"github.com/bartossh/Fiduciary/token"
	"github.com/bartossh/Fiduciary/transaction"
	"github.com/bartossh/Fiduciary/webhooks"
)

const (
	claimsKey   = "claims"
	tokenKey    = "token"
	bearer      = "Bearer "
	tokenHeader = "Token"
)

// AliveResponse is a response for alive and version check.
type AliveResponse struct {
	Alive      bool   `json:"alive"`
	APIVersion string `json:"api_version"`
	APIHeader  string `json:"api_header"`
}

func (s *server) alive(c *fiber.Ctx) error {
	return c.JSON(
		AliveResponse{
			Alive:      true,
			APIVersion: ApiVersion,
			APIHeader:  Header,
		})
}

// authenticate resolves the session token from the Authorization bearer header
// or the Token header and stores its claims in the request locals.
func (s *server) authenticate(c *fiber.Ctx) error {
	raw := c.Get(fiber.HeaderAuthorization)
	if strings.HasPrefix(raw, bearer) {
		raw = strings.TrimPrefix(raw, bearer)
	} else {
		raw = c.Get(tokenHeader)
	}
	if raw == "" {
		return s.fail(c, "authentication", token.ErrTokenNotFound)
	}
	claims, err := s.sessions.Validate(raw)
	if err != nil {
		return s.fail(c, "authentication", err)
	}
	c.Locals(claimsKey, claims)
	c.Locals(tokenKey, raw)
	return c.Next()
}

func (s *server) auditorOnly(c *fiber.Ctx) error {
	if identity.Role(claimsOf(c).Role) != identity.RoleAuditor {
		return s.fail(c, "auditor access", settlement.ErrForbidden)
	}
	return c.Next()
}

func claimsOf(c *fiber.Ctx) token.Claims {
	claims, _ := c.Locals(claimsKey).(token.Claims)
	return claims
}

func actorOf(c *fiber.Ctx) settlement.Actor {
	claims := claimsOf(c)
	return settlement.Actor{
		UserID:        claims.UserID,
		InstitutionID: claims.InstitutionID,
		Role:          identity.Role(claims.Role),
	}
}

// RegisterRequest registers the institution together with its auditor.
type RegisterRequest struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	Password string `json:"password"`
}

// RegisterResponse holds the identifiers of the registered institution.
type RegisterResponse struct {
	Institution identity.Institution `json:"institution"`
	AuditorID   string               `json:"auditor_id"`
}

func (s *server) register(c *fiber.Ctx) error {
	var req RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return s.badRequest(c, "register", err)
	}
	in, a, err := s.identity.RegisterInstitution(c.Context(), req.Name, req.Location, req.Password)
	if err != nil {
		return s.fail(c, "register", err)
	}
	return c.Status(fiber.StatusCreated).JSON(RegisterResponse{Institution: in, AuditorID: a.ID})
}

// LoginRequest holds the credentials, AssociateID is used by the associate login only.
type LoginRequest struct {
	InstitutionID string `json:"institution_id"`
	AssociateID   string `json:"associate_id,omitempty"`
	Password      string `json:"password"`
}

// LoginResponse holds the session token and the authenticated principal.
type LoginResponse struct {
	Token     string             `json:"token"`
	ExpiresAt time.Time          `json:"expires_at"`
	Principal identity.Principal `json:"principal"`
}

func (s *server) loginAuditor(c *fiber.Ctx) error {
	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return s.badRequest(c, "auditor login", err)
	}
	p, err := s.identity.AuthenticateAuditor(c.Context(), req.InstitutionID, req.Password)
	if err != nil {
		return s.fail(c, "auditor login", err)
	}
	return s.issue(c, p)
}

func (s *server) loginAssociate(c *fiber.Ctx) error {
	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return s.badRequest(c, "associate login", err)
	}
	p, err := s.identity.AuthenticateAssociate(c.Context(), req.InstitutionID, req.AssociateID, req.Password)
	if err != nil {
		return s.fail(c, "associate login", err)
	}
	return s.issue(c, p)
}

func (s *server) issue(c *fiber.Ctx, p identity.Principal) error {
	t, err := s.sessions.Issue(token.Claims{UserID: p.UserID, InstitutionID: p.InstitutionID, Role: string(p.Role)})
	if err != nil {
		return s.fail(c, "session issue", err)
	}
	return c.JSON(LoginResponse{Token: t.Token, ExpiresAt: time.UnixMicro(t.ExpirationDate).UTC(), Principal: p})
}

func (s *server) logout(c *fiber.Ctx) error {
	raw, _ := c.Locals(tokenKey).(string)
	s.sessions.Revoke(raw)
	return c.SendStatus(fiber.StatusNoContent)
}

// AssociateCreateRequest creates the associate, AuditorPassword is the step-up credential.
type AssociateCreateRequest struct {
	Password        string `json:"password"`
	AuditorPassword string `json:"auditor_password"`
}

// AssociateDeleteRequest deletes the associate, AuditorPassword is the step-up credential.
type AssociateDeleteRequest struct {
	AuditorPassword string `json:"auditor_password"`
}

// AssociatesResponse lists the institution associates.
type AssociatesResponse struct {
	Associates []identity.Associate `json:"associates"`
}

func (s *server) associates(c *fiber.Ctx) error {
	as, err := s.identity.Associates(c.Context(), claimsOf(c).InstitutionID)
	if err != nil {
		return s.fail(c, "associates", err)
	}
	if as == nil {
		as = []identity.Associate{}
	}
	return c.JSON(AssociatesResponse{Associates: as})
}

func (s *server) associateCreate(c *fiber.Ctx) error {
	var req AssociateCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return s.badRequest(c, "associate create", err)
	}
	a, err := s.identity.CreateAssociate(c.Context(), claimsOf(c).InstitutionID, req.Password, req.AuditorPassword)
	if err != nil {
		return s.fail(c, "associate create", err)
	}
	return c.Status(fiber.StatusCreated).JSON(a)
}

func (s *server) associateDelete(c *fiber.Ctx) error {
	var req AssociateDeleteRequest
	if err := c.BodyParser(&req); err != nil {
		return s.badRequest(c, "associate delete", err)
	}
	id := c.Params("id")
	if err := s.identity.DeleteAssociate(c.Context(), claimsOf(c).InstitutionID, id, req.AuditorPassword); err != nil {
		return s.fail(c, "associate delete", err)
	}
	s.sessions.RevokeUser(id)
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *server) submit(c *fiber.Ctx) error {
	var p intake.Payload
	if err := c.BodyParser(&p); err != nil {
		return s.badRequest(c, "transaction submit", err)
	}
	claims := claimsOf(c)
	r, err := s.intake.Submit(c.Context(), claims.InstitutionID, claims.UserID, p)
	if err != nil {
		return s.fail(c, "transaction submit", err)
	}
	return c.Status(fiber.StatusCreated).JSON(r)
}

// TransactionsResponse lists the institution transaction requests.
type TransactionsResponse struct {
	Transactions []transaction.Request `json:"transactions"`
}

func (s *server) transactions(c *fiber.Ctx) error {
	rs, err := s.settlement.Requests(c.Context(), actorOf(c))
	if err != nil {
		return s.fail(c, "transactions", err)
	}
	if rs == nil {
		rs = []transaction.Request{}
	}
	return c.JSON(TransactionsResponse{Transactions: rs})
}

func (s *server) transaction(c *fiber.Ctx) error {
	r, err := s.settlement.Request(c.Context(), c.Params("id"), actorOf(c))
	if err != nil {
		return s.fail(c, "transaction", err)
	}
	return c.JSON(r)
}

// ReviewRequest is the auditor decision on the pending transaction request.
// Credential is required only for approval.
type ReviewRequest struct {
	Decision   string `json:"decision"`
	Credential string `json:"credential"`
	Note       string `json:"note"`
}

func (s *server) review(c *fiber.Ctx) error {
	var req ReviewRequest
	if err := c.BodyParser(&req); err != nil {
		return s.badRequest(c, "transaction review", err)
	}
	decision, err := settlement.ParseDecision(req.Decision)
	if err != nil {
		return s.fail(c, "transaction review", err)
	}
	r, err := s.settlement.Decide(c.Context(), c.Params("id"), decision, actorOf(c), req.Credential, req.Note)
	if err != nil {
		return s.fail(c, "transaction review", err)
	}
	return c.JSON(r)
}

// SummaryResponse is the institution custodial wallet state.
type SummaryResponse struct {
	InstitutionID string `json:"institution_id"`
	LedgerID      string `json:"ledger_id"`
	WalletAddress string `json:"wallet_address"`
	Balance       string `json:"balance"`
	Requests      int    `json:"requests"`
}

func (s *server) summary(c *fiber.Ctx) error {
	claims := claimsOf(c)
	in, err := s.identity.Institution(c.Context(), claims.InstitutionID)
	if err != nil {
		return s.fail(c, "summary", err)
	}
	rs, err := s.settlement.Requests(c.Context(), actorOf(c))
	if err != nil {
		return s.fail(c, "summary", err)
	}
	balance, err := s.custody.BalanceOf(c.Context(), claims.InstitutionID)
	if err != nil {
		return s.fail(c, "summary", err)
	}
	return c.JSON(SummaryResponse{
		InstitutionID: in.ID,
		LedgerID:      in.LedgerID,
		WalletAddress: in.WalletAddress,
		Balance:       balance.String(),
		Requests:      len(rs),
	})
}

// WebhookRequest creates or removes the institution webhook.
// Token is ignored on removal.
type WebhookRequest struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// WebhooksResponse lists the institution webhooks.
type WebhooksResponse struct {
	Webhooks []webhooks.Hook `json:"webhooks"`
}

func (s *server) hooks(c *fiber.Ctx) error {
	ledgerID, err := s.identity.LedgerID(c.Context(), claimsOf(c).InstitutionID)
	if err != nil {
		return s.fail(c, "webhooks", err)
	}
	return c.JSON(WebhooksResponse{Webhooks: s.webhooks.Webhooks(ledgerID)})
}

func (s *server) hookCreate(c *fiber.Ctx) error {
	var req WebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return s.badRequest(c, "webhook create", err)
	}
	ledgerID, err := s.identity.LedgerID(c.Context(), claimsOf(c).InstitutionID)
	if err != nil {
		return s.fail(c, "webhook create", err)
	}
	h := webhooks.Hook{URL: req.URL, Token: req.Token}
	if err := s.webhooks.CreateWebhook(ledgerID, h); err != nil {
		return s.fail(c, "webhook create", err)
	}
	return c.Status(fiber.StatusCreated).JSON(h)
}

func (s *server) hookRemove(c *fiber.Ctx) error {
	var req WebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return s.badRequest(c, "webhook remove", err)
	}
	ledgerID, err := s.identity.LedgerID(c.Context(), claimsOf(c).InstitutionID)
	if err != nil {
		return s.fail(c, "webhook remove", err)
	}
	if err := s.webhooks.RemoveWebhook(ledgerID, req.URL); err != nil {
		return s.fail(c, "webhook remove", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
