package localcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/bartossh/Fiduciary/identity"
	"github.com/bartossh/Fiduciary/transaction"
)

const defaultMaxLen = 100_000

// ErrCacheFull is returned when a new transaction request exceeds MaxLen. Nothing is evicted.
var ErrCacheFull = errors.New("cache max size has been reached")

// Config contains configuration of the Store.
type Config struct {
	MaxLen int `yaml:"max_len"` // Maximum number of transaction requests held, defaults to 100000.
}

type claim struct {
	id    string
	until time.Time
}

// Store is an in-memory storage of transaction requests and identities.
// It is used by development runs and tests, state is lost on restart.
type Store struct {
	mux sync.RWMutex

	requests      map[string]transaction.Request
	claims        map[string]claim
	institutionRq map[string]map[string]struct{}

	institutions map[string]identity.Institution
	auditors     map[string]identity.Auditor
	associates   map[string]identity.Associate

	maxLen int
}

// New creates a new Store according to Config.
func New(cfg Config) *Store {
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = defaultMaxLen
	}
	return &Store{
		requests:      make(map[string]transaction.Request),
		claims:        make(map[string]claim),
		institutionRq: make(map[string]map[string]struct{}),
		institutions:  make(map[string]identity.Institution),
		auditors:      make(map[string]identity.Auditor),
		associates:    make(map[string]identity.Associate),
		maxLen:        cfg.MaxLen,
	}
}

// WriteRequest stores the new transaction request.
func (s *Store) WriteRequest(_ context.Context, r *transaction.Request) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, ok := s.requests[r.ID]; ok {
		return errors.Join(transaction.ErrRequestExists, fmt.Errorf("id [ %s ]", r.ID))
	}
	if len(s.requests) >= s.maxLen {
		return errors.Join(ErrCacheFull, fmt.Errorf("max size [ %v ]", s.maxLen))
	}
	s.requests[r.ID] = *r

	set, ok := s.institutionRq[r.InstitutionRef]
	if !ok {
		set = make(map[string]struct{})
	}
	set[r.ID] = struct{}{}
	s.institutionRq[r.InstitutionRef] = set

	return nil
}

// ReadRequest reads the transaction request.
func (s *Store) ReadRequest(_ context.Context, id string) (transaction.Request, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return transaction.Request{}, transaction.ErrRequestNotFound
	}
	return r, nil
}

// ReadRequestsByInstitution reads all transaction requests of the institution.
func (s *Store) ReadRequestsByInstitution(_ context.Context, institutionRef string) ([]transaction.Request, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	ids := maps.Keys(s.institutionRq[institutionRef])
	rs := make([]transaction.Request, 0, len(ids))
	for _, id := range ids {
		r, ok := s.requests[id]
		if !ok {
			return nil, fmt.Errorf("institution [ %s ] refers to missing request [ %s ]", institutionRef, id)
		}
		rs = append(rs, r)
	}
	return rs, nil
}

// ClaimRequest claims the pending transaction request until given time.
func (s *Store) ClaimRequest(_ context.Context, id, claimID string, until time.Time) (bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return false, transaction.ErrRequestNotFound
	}
	if r.Status != transaction.Pending {
		return false, nil
	}
	if c, ok := s.claims[id]; ok && c.until.After(time.Now()) {
		return false, nil
	}
	s.claims[id] = claim{id: claimID, until: until}
	return true, nil
}

// ReleaseRequest removes the claim if it is still held.
func (s *Store) ReleaseRequest(_ context.Context, id, claimID string) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if c, ok := s.claims[id]; ok && c.id == claimID {
		delete(s.claims, id)
	}
	return nil
}

// WriteDecision writes the decision if the request is pending and claimed with given claim.
func (s *Store) WriteDecision(_ context.Context, id, claimID string, d transaction.Decision) (bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return false, transaction.ErrRequestNotFound
	}
	c, ok := s.claims[id]
	if !ok || c.id != claimID || r.Status != transaction.Pending {
		return false, nil
	}
	if err := r.Apply(d); err != nil {
		return false, err
	}
	s.requests[id] = r
	delete(s.claims, id)
	return true, nil
}

// WriteInstitution stores the new institution.
func (s *Store) WriteInstitution(_ context.Context, in *identity.Institution) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, ok := s.institutions[in.ID]; ok {
		return identity.ErrExists
	}
	for _, other := range s.institutions {
		if other.LedgerID == in.LedgerID {
			return identity.ErrExists
		}
	}
	s.institutions[in.ID] = *in
	return nil
}

// ReadInstitution reads the institution.
func (s *Store) ReadInstitution(_ context.Context, id string) (identity.Institution, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	in, ok := s.institutions[id]
	if !ok {
		return identity.Institution{}, identity.ErrInstitutionNotFound
	}
	return in, nil
}

// WriteAuditor stores the institution auditor.
func (s *Store) WriteAuditor(_ context.Context, a *identity.Auditor) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	for _, other := range s.auditors {
		if other.ID == a.ID {
			return identity.ErrExists
		}
	}
	if _, ok := s.auditors[a.InstitutionID]; ok {
		return identity.ErrExists
	}
	s.auditors[a.InstitutionID] = *a
	return nil
}

// ReadAuditorByInstitution reads the auditor of the institution.
func (s *Store) ReadAuditorByInstitution(_ context.Context, institutionID string) (identity.Auditor, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	a, ok := s.auditors[institutionID]
	if !ok {
		return identity.Auditor{}, identity.ErrAuditorNotFound
	}
	return a, nil
}

// WriteAssociate stores the new associate.
func (s *Store) WriteAssociate(_ context.Context, a *identity.Associate) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, ok := s.associates[a.ID]; ok {
		return identity.ErrExists
	}
	s.associates[a.ID] = *a
	return nil
}

// ReadAssociate reads the associate.
func (s *Store) ReadAssociate(_ context.Context, id string) (identity.Associate, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	a, ok := s.associates[id]
	if !ok {
		return identity.Associate{}, identity.ErrAssociateNotFound
	}
	return a, nil
}

// ReadAssociatesByInstitution reads all associates of the institution.
func (s *Store) ReadAssociatesByInstitution(_ context.Context, institutionID string) ([]identity.Associate, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	as := make([]identity.Associate, 0)
	for _, a := range s.associates {
		if a.InstitutionID == institutionID {
			as = append(as, a)
		}
	}
	return as, nil
}

// DeleteAssociate removes the associate.
func (s *Store) DeleteAssociate(_ context.Context, id string) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, ok := s.associates[id]; !ok {
		return identity.ErrAssociateNotFound
	}
	delete(s.associates, id)
	return nil
}
