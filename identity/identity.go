package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInstitutionNotFound = errors.New("institution not found")
	ErrAuditorNotFound     = errors.New("auditor not found")
	ErrAssociateNotFound   = errors.New("associate not found")
	ErrExists              = errors.New("identity record already exists")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrAssociateLimit      = errors.New("maximum number of associates reached")
	ErrMissingFields       = errors.New("missing required fields")
	ErrIDGeneration        = errors.New("cannot generate unique identifier")
)

const (
	defaultMaxAssociates = 4
	idDigits             = 8
	idAttempts           = 5
)

const (
	institutionPrefix = "INS"
	auditorPrefix     = "AUD"
	associatePrefix   = "EMP"
)

// Role is the role of the authenticated principal.
type Role string

const (
	RoleAuditor   Role = "auditor"
	RoleAssociate Role = "associate"
)

// Institution holds the custodial wallet of the institution.
// LedgerID is the public identifier used by transaction requests,
// ID is the internal identity store key. Only the ciphertext of the signing key is kept.
type Institution struct {
	ID            string    `json:"id"             bson:"_id"            db:"id"`
	Name          string    `json:"name"           bson:"name"           db:"name"`
	Location      string    `json:"location"       bson:"location"       db:"location"`
	LedgerID      string    `json:"ledger_id"      bson:"ledger_id"      db:"ledger_id"`
	WalletAddress string    `json:"wallet_address" bson:"wallet_address" db:"wallet_address"`
	WalletKeyEnc  string    `json:"-"              bson:"wallet_key_enc" db:"wallet_key_enc"`
	CreatedAt     time.Time `json:"created_at"     bson:"created_at"     db:"created_at"`
}

// Auditor is the institution officer deciding on transaction requests.
type Auditor struct {
	ID            string    `json:"id"         bson:"_id"            db:"id"`
	InstitutionID string    `json:"-"          bson:"institution_id" db:"institution_id"`
	PasswordHash  []byte    `json:"-"          bson:"password_hash"  db:"password_hash"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"     db:"created_at"`
}

// Associate is the institution staff member raising transaction requests.
type Associate struct {
	ID            string    `json:"id"             bson:"_id"            db:"id"`
	InstitutionID string    `json:"-"              bson:"institution_id" db:"institution_id"`
	PasswordHash  []byte    `json:"-"              bson:"password_hash"  db:"password_hash"`
	WalletAddress string    `json:"wallet_address" bson:"wallet_address" db:"wallet_address"`
	CreatedBy     string    `json:"created_by"     bson:"created_by"     db:"created_by"`
	CreatedAt     time.Time `json:"created_at"     bson:"created_at"     db:"created_at"`
}

// Principal is the authenticated user acting in the name of the institution.
type Principal struct {
	UserID        string `json:"id"`
	InstitutionID string `json:"institution_id"`
	Role          Role   `json:"role"`
	Address       string `json:"address"`
}

// Repository persists identity records.
// Reads return ErrInstitutionNotFound, ErrAuditorNotFound or ErrAssociateNotFound
// and writes return ErrExists on unique key violation.
type Repository interface {
	WriteInstitution(ctx context.Context, in *Institution) error
	ReadInstitution(ctx context.Context, id string) (Institution, error)
	WriteAuditor(ctx context.Context, a *Auditor) error
	ReadAuditorByInstitution(ctx context.Context, institutionID string) (Auditor, error)
	WriteAssociate(ctx context.Context, a *Associate) error
	ReadAssociate(ctx context.Context, id string) (Associate, error)
	ReadAssociatesByInstitution(ctx context.Context, institutionID string) ([]Associate, error)
	DeleteAssociate(ctx context.Context, id string) error
}

// WalletProvisioner creates a custodial wallet sealed for the scope.
type WalletProvisioner interface {
	ProvisionWallet(scope string) (address, ciphertext string, err error)
}

// Config contains configuration of the identity Directory.
type Config struct {
	HashCost      int `yaml:"hash_cost"`      // bcrypt cost, defaults to bcrypt.DefaultCost.
	MaxAssociates int `yaml:"max_associates"` // Maximum associates per institution, defaults to 4.
}

// Directory resolves institutions and verifies credentials.
// Secrets are kept only as salted bcrypt hashes.
type Directory struct {
	repo          Repository
	wallets       WalletProvisioner
	cost          int
	maxAssociates int
}

// New creates a new Directory.
func New(cfg Config, repo Repository, wallets WalletProvisioner) *Directory {
	if cfg.HashCost < bcrypt.MinCost || cfg.HashCost > bcrypt.MaxCost {
		cfg.HashCost = bcrypt.DefaultCost
	}
	if cfg.MaxAssociates <= 0 {
		cfg.MaxAssociates = defaultMaxAssociates
	}
	return &Directory{repo: repo, wallets: wallets, cost: cfg.HashCost, maxAssociates: cfg.MaxAssociates}
}

// RegisterInstitution creates the institution with its custodial wallet and the auditor.
func (d *Directory) RegisterInstitution(ctx context.Context, name, location, auditorPassword string) (Institution, Auditor, error) {
	name, location = strings.TrimSpace(name), strings.TrimSpace(location)
	if name == "" || location == "" || auditorPassword == "" {
		return Institution{}, Auditor{}, ErrMissingFields
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(auditorPassword), d.cost)
	if err != nil {
		return Institution{}, Auditor{}, err
	}

	now := time.Now()
	in := Institution{
		Name:      name,
		Location:  location,
		LedgerID:  strconv.FormatInt(now.UnixNano(), 10),
		CreatedAt: now,
	}

	err = withFreshID(institutionPrefix, func(id string) error {
		in.ID = id
		address, ciphertext, err := d.wallets.ProvisionWallet(id)
		if err != nil {
			return err
		}
		in.WalletAddress, in.WalletKeyEnc = address, ciphertext
		return d.repo.WriteInstitution(ctx, &in)
	})
	if err != nil {
		return Institution{}, Auditor{}, err
	}

	a := Auditor{InstitutionID: in.ID, PasswordHash: hash, CreatedAt: now}
	err = withFreshID(auditorPrefix, func(id string) error {
		a.ID = id
		return d.repo.WriteAuditor(ctx, &a)
	})
	if err != nil {
		return Institution{}, Auditor{}, err
	}

	return in, a, nil
}

// Institution returns the institution with given internal id.
func (d *Directory) Institution(ctx context.Context, institutionID string) (Institution, error) {
	return d.repo.ReadInstitution(ctx, institutionID)
}

// LedgerID resolves internal institution id to its public ledger identifier.
func (d *Directory) LedgerID(ctx context.Context, institutionID string) (string, error) {
	in, err := d.repo.ReadInstitution(ctx, institutionID)
	if err != nil {
		return "", err
	}
	return in.LedgerID, nil
}

// VerifyWalletAddress returns true if the address is the recorded wallet address of the institution.
func (d *Directory) VerifyWalletAddress(ctx context.Context, institutionID, address string) (bool, error) {
	in, err := d.repo.ReadInstitution(ctx, institutionID)
	if err != nil {
		return false, err
	}
	return in.WalletAddress != "" && in.WalletAddress == address, nil
}

// VerifyAuditorCredential returns true if the secret matches the institution auditor credential.
func (d *Directory) VerifyAuditorCredential(ctx context.Context, institutionID, secret string) (bool, error) {
	if secret == "" {
		return false, nil
	}
	a, err := d.repo.ReadAuditorByInstitution(ctx, institutionID)
	if err != nil {
		if errors.Is(err, ErrAuditorNotFound) {
			return false, nil
		}
		return false, err
	}
	return bcrypt.CompareHashAndPassword(a.PasswordHash, []byte(secret)) == nil, nil
}

// AuthenticateAuditor authenticates the institution auditor.
func (d *Directory) AuthenticateAuditor(ctx context.Context, institutionID, password string) (Principal, error) {
	if institutionID == "" || password == "" {
		return Principal{}, ErrMissingFields
	}
	in, err := d.repo.ReadInstitution(ctx, institutionID)
	if err != nil {
		return Principal{}, err
	}
	a, err := d.repo.ReadAuditorByInstitution(ctx, institutionID)
	if err != nil {
		if errors.Is(err, ErrAuditorNotFound) {
			return Principal{}, ErrInvalidCredentials
		}
		return Principal{}, err
	}
	if bcrypt.CompareHashAndPassword(a.PasswordHash, []byte(password)) != nil {
		return Principal{}, ErrInvalidCredentials
	}
	return Principal{UserID: a.ID, InstitutionID: in.ID, Role: RoleAuditor, Address: in.WalletAddress}, nil
}

// AuthenticateAssociate authenticates the institution associate.
func (d *Directory) AuthenticateAssociate(ctx context.Context, institutionID, associateID, password string) (Principal, error) {
	if institutionID == "" || associateID == "" || password == "" {
		return Principal{}, ErrMissingFields
	}
	in, err := d.repo.ReadInstitution(ctx, institutionID)
	if err != nil {
		return Principal{}, err
	}
	a, err := d.repo.ReadAssociate(ctx, associateID)
	if err != nil {
		if errors.Is(err, ErrAssociateNotFound) {
			return Principal{}, ErrInvalidCredentials
		}
		return Principal{}, err
	}
	if a.InstitutionID != institutionID || bcrypt.CompareHashAndPassword(a.PasswordHash, []byte(password)) != nil {
		return Principal{}, ErrInvalidCredentials
	}
	return Principal{UserID: a.ID, InstitutionID: in.ID, Role: RoleAssociate, Address: in.WalletAddress}, nil
}

// CreateAssociate creates a new associate, requires the auditor password.
func (d *Directory) CreateAssociate(ctx context.Context, institutionID, associatePassword, auditorPassword string) (Associate, error) {
	if institutionID == "" || associatePassword == "" || auditorPassword == "" {
		return Associate{}, ErrMissingFields
	}
	in, err := d.repo.ReadInstitution(ctx, institutionID)
	if err != nil {
		return Associate{}, err
	}
	auditor, err := d.stepUp(ctx, institutionID, auditorPassword)
	if err != nil {
		return Associate{}, err
	}

	existing, err := d.repo.ReadAssociatesByInstitution(ctx, institutionID)
	if err != nil {
		return Associate{}, err
	}
	if len(existing) >= d.maxAssociates {
		return Associate{}, ErrAssociateLimit
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(associatePassword), d.cost)
	if err != nil {
		return Associate{}, err
	}

	a := Associate{
		InstitutionID: institutionID,
		PasswordHash:  hash,
		WalletAddress: in.WalletAddress,
		CreatedBy:     auditor.ID,
		CreatedAt:     time.Now(),
	}
	err = withFreshID(associatePrefix, func(id string) error {
		a.ID = id
		return d.repo.WriteAssociate(ctx, &a)
	})
	if err != nil {
		return Associate{}, err
	}
	return a, nil
}

// DeleteAssociate removes the associate of the institution, requires the auditor password.
func (d *Directory) DeleteAssociate(ctx context.Context, institutionID, associateID, auditorPassword string) error {
	if institutionID == "" || associateID == "" || auditorPassword == "" {
		return ErrMissingFields
	}
	if _, err := d.stepUp(ctx, institutionID, auditorPassword); err != nil {
		return err
	}
	a, err := d.repo.ReadAssociate(ctx, associateID)
	if err != nil {
		return err
	}
	if a.InstitutionID != institutionID {
		return ErrAssociateNotFound
	}
	return d.repo.DeleteAssociate(ctx, associateID)
}

// Associates lists associates of the institution.
func (d *Directory) Associates(ctx context.Context, institutionID string) ([]Associate, error) {
	return d.repo.ReadAssociatesByInstitution(ctx, institutionID)
}

func (d *Directory) stepUp(ctx context.Context, institutionID, auditorPassword string) (Auditor, error) {
	a, err := d.repo.ReadAuditorByInstitution(ctx, institutionID)
	if err != nil {
		if errors.Is(err, ErrAuditorNotFound) {
			return Auditor{}, ErrInvalidCredentials
		}
		return Auditor{}, err
	}
	if bcrypt.CompareHashAndPassword(a.PasswordHash, []byte(auditorPassword)) != nil {
		return Auditor{}, ErrInvalidCredentials
	}
	return a, nil
}

func withFreshID(prefix string, write func(id string) error) error {
	for i := 0; i < idAttempts; i++ {
		id, err := newID(prefix)
		if err != nil {
			return errors.Join(ErrIDGeneration, err)
		}
		err = write(id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrExists) {
			return err
		}
	}
	return ErrIDGeneration
}

func newID(prefix string) (string, error) {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(idDigits), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%0*d", prefix, idDigits, n), nil
}
