package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bartossh/Fiduciary/identity"
	"github.com/bartossh/Fiduciary/ledger"
	"github.com/bartossh/Fiduciary/logger"
	"github.com/bartossh/Fiduciary/transaction"
)

var (
	ErrNotFound          = errors.New("transaction request not found")
	ErrConflict          = errors.New("transaction request is already decided or is being decided")
	ErrForbidden         = errors.New("access to transaction request of another institution is forbidden")
	ErrUnauthorized      = errors.New("auditor credential verification failed")
	ErrInsufficientFunds = errors.New("institution balance is insufficient")
	ErrInvalidDecision   = errors.New("invalid decision")
	ErrUnrecorded        = errors.New("transfer landed on the ledger but the approval is not recorded yet")
)

const (
	defaultLedgerTimeout = 10 * time.Second
	finalWriteTimeout    = 5 * time.Second
	recordAttempts       = 3
	recordBackoff        = 100 * time.Millisecond
)

// Outcomes reported to the Recorder.
const (
	OutcomeApproved          = "approved"
	OutcomeDeclined          = "declined"
	OutcomeNeedsReview       = "needs_review"
	OutcomeRejected          = "rejected"
	OutcomeConflict          = "conflict"
	OutcomeInsufficientFunds = "insufficient_funds"
	OutcomeLedgerUnavailable = "ledger_unavailable"
	OutcomeUnrecorded        = "unrecorded"
	OutcomeFailed            = "failed"
)

// Repository persists transaction requests.
// ClaimRequest succeeds only if the request is Pending and carries no live claim.
// WriteDecision succeeds only if the request is still Pending and is claimed with the given claim.
type Repository interface {
	WriteRequest(ctx context.Context, r *transaction.Request) error
	ReadRequest(ctx context.Context, id string) (transaction.Request, error)
	ReadRequestsByInstitution(ctx context.Context, institutionRef string) ([]transaction.Request, error)
	ClaimRequest(ctx context.Context, id, claim string, until time.Time) (bool, error)
	ReleaseRequest(ctx context.Context, id, claim string) error
	WriteDecision(ctx context.Context, id, claim string, d transaction.Decision) (bool, error)
}

// Directory resolves institutions and re-checks auditor credentials.
type Directory interface {
	LedgerID(ctx context.Context, institutionID string) (string, error)
	VerifyAuditorCredential(ctx context.Context, institutionID, secret string) (bool, error)
}

// Custody reads balances and disburses funds of institution custodial wallets.
type Custody interface {
	BalanceOf(ctx context.Context, institutionID string) (decimal.Decimal, error)
	Disburse(ctx context.Context, institutionID, to string, amount decimal.Decimal) (string, error)
}

// Event informs about the transaction request change.
type Event struct {
	ID             uuid.UUID          `json:"id"`
	RequestID      string             `json:"request_id"`
	InstitutionRef string             `json:"institution_ref"`
	Status         transaction.Status `json:"status"`
	SettlementRef  string             `json:"settlement_ref,omitempty"`
	OccurredAt     time.Time          `json:"occurred_at"`
}

// Notifier is informed about every created and decided transaction request.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Recorder records decision outcomes and latency.
type Recorder interface {
	RecordDecision(outcome string, took time.Duration)
}

// Actor is the authenticated user acting on transaction requests.
type Actor struct {
	UserID        string
	InstitutionID string
	Role          identity.Role
}

// Config contains configuration of the settlement Engine.
type Config struct {
	LedgerTimeout          time.Duration `yaml:"ledger_timeout"`          // Timeout of a single custody call, defaults to 10s.
	ClaimTTL               time.Duration `yaml:"claim_ttl"`               // Claim expiry, must exceed two ledger timeouts.
	SerializeDisbursements bool          `yaml:"serialize_disbursements"` // Serialize balance check and disbursement per institution.
}

// Normalize fills the defaults.
func (c *Config) Normalize() {
	if c.LedgerTimeout <= 0 {
		c.LedgerTimeout = defaultLedgerTimeout
	}
	if c.ClaimTTL <= 2*c.LedgerTimeout {
		c.ClaimTTL = 3 * c.LedgerTimeout
	}
}

// ParseDecision parses decision of the auditor to the terminal status.
func ParseDecision(s string) (transaction.Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved":
		return transaction.Approved, nil
	case "decline", "declined":
		return transaction.Declined, nil
	case "review", "needsreview", "needs_review":
		return transaction.NeedsReview, nil
	default:
		return transaction.Pending, ErrInvalidDecision
	}
}

// Engine is the settlement state machine of transaction requests.
// Every request moves once from Pending to one of the decided statuses.
// Decisions on the same request are serialized by per record conditional writes,
// decisions on distinct requests are independent.
type Engine struct {
	cfg       Config
	repo      Repository
	directory Directory
	custody   Custody
	rec       Recorder
	log       logger.Logger
	notifiers []Notifier

	mux        sync.Mutex
	locks      map[string]*institutionLock
	unrecorded map[string]settled
}

// institutionLock serializes approvals of one institution.
// It is dropped from the Engine once no caller holds or awaits it.
type institutionLock struct {
	sem  chan struct{}
	refs int
}

// settled is an approval paid on the ledger whose decision write failed.
type settled struct {
	claim    string
	decision transaction.Decision
}

// New creates a new settlement Engine. Recorder may be nil.
func New(
	cfg Config, repo Repository, directory Directory, custody Custody, rec Recorder, log logger.Logger, notifiers ...Notifier,
) *Engine {
	cfg.Normalize()
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Engine{
		cfg:        cfg,
		repo:       repo,
		directory:  directory,
		custody:    custody,
		rec:        rec,
		log:        log,
		notifiers:  notifiers,
		locks:      make(map[string]*institutionLock),
		unrecorded: make(map[string]settled),
	}
}

// Create persists the new pending transaction request.
// Duplicated id is rejected with transaction.ErrRequestExists.
func (e *Engine) Create(ctx context.Context, r *transaction.Request) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.Status != transaction.Pending {
		return transaction.ErrInvalidStatusTransition
	}
	if err := e.repo.WriteRequest(ctx, r); err != nil {
		return err
	}
	e.notify(ctx, r)
	return nil
}

// Request returns the transaction request visible to the actor.
func (e *Engine) Request(ctx context.Context, id string, actor Actor) (transaction.Request, error) {
	r, err := e.read(ctx, id)
	if err != nil {
		return transaction.Request{}, err
	}
	if err := e.belongs(ctx, actor, &r); err != nil {
		return transaction.Request{}, err
	}
	return r, nil
}

// Requests returns all transaction requests of the actor institution,
// decided ones first with the latest decision first, then the latest created first.
func (e *Engine) Requests(ctx context.Context, actor Actor) ([]transaction.Request, error) {
	ledgerID, err := e.ledgerID(ctx, actor)
	if err != nil {
		return nil, err
	}
	rs, err := e.repo.ReadRequestsByInstitution(ctx, ledgerID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i].DecidedAt, rs[j].DecidedAt
		switch {
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.After(*b)
		default:
			return rs[i].CreatedAt.After(rs[j].CreatedAt)
		}
	})
	return rs, nil
}

// Decide applies the auditor decision to the pending transaction request.
// Approval re-checks the auditor credential, verifies the institution balance
// and disburses the funds before the request is marked as approved.
// Any failure leaves the request pending and is returned to the caller.
// A paid approval whose write failed keeps its claim and is recorded by the next
// decision on the request, the ledger is never called twice for it.
func (e *Engine) Decide(
	ctx context.Context, id string, decision transaction.Status, actor Actor, credential, note string,
) (transaction.Request, error) {
	start := time.Now()
	r, err := e.decide(ctx, id, decision, actor, credential, note)
	e.rec.RecordDecision(outcome(decision, err), time.Since(start))
	return r, err
}

func (e *Engine) decide(
	ctx context.Context, id string, decision transaction.Status, actor Actor, credential, note string,
) (transaction.Request, error) {
	if !transaction.Pending.CanTransitionTo(decision) {
		return transaction.Request{}, ErrInvalidDecision
	}

	r, err := e.read(ctx, id)
	if err != nil {
		return transaction.Request{}, err
	}
	if r.Status != transaction.Pending {
		e.forgetSettled(id)
		return transaction.Request{}, ErrConflict
	}
	if actor.Role != identity.RoleAuditor {
		return transaction.Request{}, ErrForbidden
	}
	if err := e.belongs(ctx, actor, &r); err != nil {
		return transaction.Request{}, err
	}

	if decision == transaction.Approved {
		ok, err := e.directory.VerifyAuditorCredential(ctx, actor.InstitutionID, credential)
		if err != nil {
			return transaction.Request{}, err
		}
		if !ok {
			return transaction.Request{}, ErrUnauthorized
		}
	}

	if u, ok := e.settledUnrecorded(id); ok {
		return e.recordSettled(ctx, id, r, u)
	}

	if decision == transaction.Approved && e.cfg.SerializeDisbursements {
		unlock, err := e.lockInstitution(ctx, actor.InstitutionID)
		if err != nil {
			return transaction.Request{}, err
		}
		defer unlock()
	}

	claim := uuid.NewString()
	ok, err := e.repo.ClaimRequest(ctx, id, claim, time.Now().Add(e.cfg.ClaimTTL))
	if err != nil {
		return transaction.Request{}, err
	}
	if !ok {
		return transaction.Request{}, ErrConflict
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		rctx, cancel := context.WithTimeout(context.Background(), finalWriteTimeout)
		defer cancel()
		if err := e.repo.ReleaseRequest(rctx, id, claim); err != nil {
			e.log.Warn(fmt.Sprintf("settlement releasing claim of request [ %s ] failed, %s", id, err))
		}
	}()

	d := transaction.Decision{Status: decision, AuditorNote: note}
	if decision == transaction.Approved {
		ref, err := e.settle(ctx, actor.InstitutionID, &r)
		if err != nil {
			return transaction.Request{}, err
		}
		d.SettlementRef = ref
		// Paid requests keep their claim until the approval is recorded.
		committed = true
	}
	d.DecidedAt = time.Now()

	if err := r.Apply(d); err != nil {
		if d.SettlementRef != "" {
			e.rememberSettled(id, settled{claim: claim, decision: d})
		}
		return transaction.Request{}, err
	}

	ok, err = e.record(id, claim, d)
	if err != nil || !ok {
		if d.SettlementRef != "" {
			e.rememberSettled(id, settled{claim: claim, decision: d})
			e.log.Error(fmt.Sprintf(
				"settlement of request [ %s ] landed on the ledger with reference [ %s ] but was not recorded, %v",
				id, d.SettlementRef, err,
			))
			return transaction.Request{}, errors.Join(ErrUnrecorded, err)
		}
		if err != nil {
			return transaction.Request{}, err
		}
		return transaction.Request{}, ErrConflict
	}
	committed = true

	e.log.Info(fmt.Sprintf("settlement request [ %s ] decided as [ %s ] by [ %s ]", id, r.Status, actor.UserID))
	e.notify(ctx, &r)

	return r, nil
}

// record writes the decision, retrying failed writes with a fresh context.
// A write refused by the claim condition is final.
func (e *Engine) record(id, claim string, d transaction.Decision) (bool, error) {
	var err error
	for attempt := 1; attempt <= recordAttempts; attempt++ {
		var ok bool
		wctx, cancel := context.WithTimeout(context.Background(), finalWriteTimeout)
		ok, err = e.repo.WriteDecision(wctx, id, claim, d)
		cancel()
		if err == nil {
			return ok, nil
		}
		e.log.Warn(fmt.Sprintf("settlement writing decision of request [ %s ] attempt [ %d ] failed, %s", id, attempt, err))
		if attempt < recordAttempts {
			time.Sleep(recordBackoff * time.Duration(attempt))
		}
	}
	return false, err
}

// recordSettled records the approval of the request already paid on the ledger.
// The ledger is not called again whatever the new decision is.
func (e *Engine) recordSettled(ctx context.Context, id string, r transaction.Request, u settled) (transaction.Request, error) {
	ok, err := e.record(id, u.claim, u.decision)
	if err == nil && !ok {
		claim := uuid.NewString()
		ok, err = e.repo.ClaimRequest(ctx, id, claim, time.Now().Add(e.cfg.ClaimTTL))
		if err == nil && !ok {
			return transaction.Request{}, ErrConflict
		}
		if err == nil {
			u.claim = claim
			e.rememberSettled(id, u)
			ok, err = e.record(id, claim, u.decision)
		}
	}
	if err != nil || !ok {
		return transaction.Request{}, errors.Join(ErrUnrecorded, err)
	}
	e.forgetSettled(id)

	if err := r.Apply(u.decision); err != nil {
		return transaction.Request{}, err
	}
	e.log.Info(fmt.Sprintf(
		"settlement request [ %s ] approval with reference [ %s ] recorded", id, u.decision.SettlementRef,
	))
	e.notify(ctx, &r)
	return r, nil
}

func (e *Engine) settledUnrecorded(id string) (settled, bool) {
	e.mux.Lock()
	defer e.mux.Unlock()
	u, ok := e.unrecorded[id]
	return u, ok
}

func (e *Engine) rememberSettled(id string, u settled) {
	e.mux.Lock()
	defer e.mux.Unlock()
	e.unrecorded[id] = u
}

func (e *Engine) forgetSettled(id string) {
	e.mux.Lock()
	defer e.mux.Unlock()
	delete(e.unrecorded, id)
}

func (e *Engine) settle(ctx context.Context, institutionID string, r *transaction.Request) (string, error) {
	bctx, cancel := context.WithTimeout(ctx, e.cfg.LedgerTimeout)
	balance, err := e.custody.BalanceOf(bctx, institutionID)
	cancel()
	if err != nil {
		return "", unavailable(err)
	}
	if balance.LessThan(r.Amount) {
		return "", ErrInsufficientFunds
	}

	dctx, cancel := context.WithTimeout(ctx, e.cfg.LedgerTimeout)
	defer cancel()
	ref, err := e.custody.Disburse(dctx, institutionID, r.ReceiverAddress, r.Amount)
	if err != nil {
		e.log.Warn(fmt.Sprintf("settlement disbursement of request [ %s ] failed, %s", r.ID, err))
		return "", unavailable(err)
	}
	if ref == "" {
		return "", errors.Join(ledger.ErrLedgerUnavailable, errors.New("empty settlement reference"))
	}
	return ref, nil
}

// lockInstitution waits for the institution approval lock until the context is done.
func (e *Engine) lockInstitution(ctx context.Context, institutionID string) (func(), error) {
	e.mux.Lock()
	l, ok := e.locks[institutionID]
	if !ok {
		l = &institutionLock{sem: make(chan struct{}, 1)}
		e.locks[institutionID] = l
	}
	l.refs++
	e.mux.Unlock()

	drop := func() {
		e.mux.Lock()
		defer e.mux.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, institutionID)
		}
	}

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			drop()
		}, nil
	case <-ctx.Done():
		drop()
		return nil, unavailable(ctx.Err())
	}
}

func (e *Engine) read(ctx context.Context, id string) (transaction.Request, error) {
	r, err := e.repo.ReadRequest(ctx, id)
	if err != nil {
		if errors.Is(err, transaction.ErrRequestNotFound) {
			return transaction.Request{}, errors.Join(ErrNotFound, err)
		}
		return transaction.Request{}, err
	}
	return r, nil
}

func (e *Engine) ledgerID(ctx context.Context, actor Actor) (string, error) {
	ledgerID, err := e.directory.LedgerID(ctx, actor.InstitutionID)
	if err != nil {
		if errors.Is(err, identity.ErrInstitutionNotFound) {
			return "", errors.Join(ErrForbidden, err)
		}
		return "", err
	}
	return ledgerID, nil
}

func (e *Engine) belongs(ctx context.Context, actor Actor, r *transaction.Request) error {
	ledgerID, err := e.ledgerID(ctx, actor)
	if err != nil {
		return err
	}
	if ledgerID != r.InstitutionRef {
		return ErrForbidden
	}
	return nil
}

func (e *Engine) notify(ctx context.Context, r *transaction.Request) {
	ev := Event{
		ID:             uuid.New(),
		RequestID:      r.ID,
		InstitutionRef: r.InstitutionRef,
		Status:         r.Status,
		SettlementRef:  r.SettlementRef,
		OccurredAt:     time.Now(),
	}
	for _, n := range e.notifiers {
		if err := n.Notify(ctx, ev); err != nil {
			e.log.Warn(fmt.Sprintf("settlement notifying about request [ %s ] failed, %s", r.ID, err))
		}
	}
}

func unavailable(err error) error {
	if errors.Is(err, ledger.ErrLedgerUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errors.Join(ledger.ErrLedgerUnavailable, err)
	}
	return err
}

func outcome(decision transaction.Status, err error) string {
	switch {
	case err == nil && decision == transaction.Approved:
		return OutcomeApproved
	case err == nil && decision == transaction.Declined:
		return OutcomeDeclined
	case err == nil:
		return OutcomeNeedsReview
	case errors.Is(err, ErrUnrecorded):
		return OutcomeUnrecorded
	case errors.Is(err, ErrConflict):
		return OutcomeConflict
	case errors.Is(err, ErrInsufficientFunds):
		return OutcomeInsufficientFunds
	case errors.Is(err, ledger.ErrLedgerUnavailable):
		return OutcomeLedgerUnavailable
	case errors.Is(err, ErrInvalidDecision), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrForbidden), errors.Is(err, ErrUnauthorized):
		return OutcomeRejected
	default:
		return OutcomeFailed
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordDecision(string, time.Duration) {}
