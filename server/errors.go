package server

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/bartossh/Fiduciary/custody"
	"github.com/bartossh/Fiduciary/identity"
	"github.com/bartossh/Fiduciary/intake"
	"github.com/bartossh/Fiduciary/keyvault"
	"github.com/bartossh/Fiduciary/ledger"
	"github.com/bartossh/Fiduciary/settlement"
	"github.com/bartossh/Fiduciary/token"
	"github.com/bartossh/Fiduciary/transaction"
	"github.com/bartossh/Fiduciary/webhooks"
)

// ErrorResponse is the body of every failed call.
// Message is fixed per Title and never carries the internal cause.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

type failure struct {
	target  error
	code    int
	title   string
	message string
}

// Checked in order, the first match wins.
// Ledger unavailability precedes rejection as balance reads join both.
var failures = []failure{
	{intake.ErrValidation, fiber.StatusBadRequest, "validation_error", "request payload is invalid"},
	{identity.ErrMissingFields, fiber.StatusBadRequest, "validation_error", "required fields are missing"},
	{settlement.ErrInvalidDecision, fiber.StatusBadRequest, "invalid_decision", "decision must be one of approve, decline, review"},
	{webhooks.ErrInvalidHook, fiber.StatusBadRequest, "validation_error", "webhook url must be an absolute http or https url"},
	{token.ErrTokenNotFound, fiber.StatusUnauthorized, "unauthenticated", "session token is missing or expired"},
	{identity.ErrInvalidCredentials, fiber.StatusUnauthorized, "invalid_credentials", "credentials are invalid"},
	{settlement.ErrUnauthorized, fiber.StatusUnauthorized, "step_up_failed", "auditor credential verification failed"},
	{settlement.ErrForbidden, fiber.StatusForbidden, "forbidden", "access to this resource is forbidden"},
	{settlement.ErrNotFound, fiber.StatusNotFound, "not_found", "transaction request not found"},
	{transaction.ErrRequestNotFound, fiber.StatusNotFound, "not_found", "transaction request not found"},
	{identity.ErrInstitutionNotFound, fiber.StatusNotFound, "not_found", "institution not found"},
	{identity.ErrAssociateNotFound, fiber.StatusNotFound, "not_found", "associate not found"},
	{webhooks.ErrHookNotFound, fiber.StatusNotFound, "not_found", "webhook not found"},
	{settlement.ErrConflict, fiber.StatusConflict, "conflict", "transaction request is already decided"},
	{identity.ErrExists, fiber.StatusConflict, "conflict", "record already exists"},
	{identity.ErrAssociateLimit, fiber.StatusConflict, "associate_limit", "maximum number of associates reached"},
	{webhooks.ErrHookLimit, fiber.StatusConflict, "webhook_limit", "maximum number of webhooks reached"},
	{settlement.ErrInsufficientFunds, fiber.StatusUnprocessableEntity, "insufficient_funds", "institution balance is insufficient, request remains pending"},
	{custody.ErrInvalidAmount, fiber.StatusUnprocessableEntity, "invalid_amount", "amount cannot be represented on the ledger"},
	{settlement.ErrUnrecorded, fiber.StatusInternalServerError, "settlement_unrecorded", "transfer landed on the ledger but is not recorded yet, repeat the decision to record it"},
	{ledger.ErrLedgerUnavailable, fiber.StatusServiceUnavailable, "ledger_unavailable", "ledger is unavailable, request remains pending, retry later"},
	{ledger.ErrTransferRejected, fiber.StatusBadGateway, "transfer_rejected", "ledger rejected the transfer, request remains pending"},
	{custody.ErrKeyMismatch, fiber.StatusInternalServerError, "key_mismatch", "custodial wallet is misconfigured, contact the operator"},
	{custody.ErrKeyUnavailable, fiber.StatusInternalServerError, "key_unavailable", "custodial key cannot be opened, contact the operator"},
	{keyvault.ErrAuthenticationFailure, fiber.StatusInternalServerError, "key_unavailable", "custodial key cannot be opened, contact the operator"},
	{custody.ErrWalletNotProvisioned, fiber.StatusInternalServerError, "wallet_not_provisioned", "custodial wallet is not provisioned, contact the operator"},
}

func classify(err error) failure {
	for _, f := range failures {
		if errors.Is(err, f.target) {
			return f
		}
	}
	return failure{
		code:    fiber.StatusInternalServerError,
		title:   "request_failed",
		message: "an internal error occurred",
	}
}

// fail logs the cause and answers with the fixed message of its class.
func (s *server) fail(c *fiber.Ctx, op string, err error) error {
	f := classify(err)
	msg := fmt.Sprintf("server %s from [ %s ] failed with [ %s ], %s", op, c.IP(), f.title, err)
	if f.code >= fiber.StatusInternalServerError {
		s.log.Error(msg)
	} else {
		s.log.Warn(msg)
	}
	return c.Status(f.code).JSON(ErrorResponse{Code: f.code, Title: f.title, Message: f.message})
}

func (s *server) badRequest(c *fiber.Ctx, op string, err error) error {
	return s.fail(c, op, errors.Join(intake.ErrValidation, err))
}
