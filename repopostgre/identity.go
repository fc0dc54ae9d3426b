package repopostgre

import (
	"context"
	"database/sql"
	"errors"

	"github.com/bartossh/Fiduciary/identity"
)

// WriteInstitution writes the new institution.
func (db DataBase) WriteInstitution(ctx context.Context, in *identity.Institution) error {
	_, err := db.inner.ExecContext(
		ctx,
		`INSERT INTO institutions (id, name, location, ledger_id, wallet_address, wallet_key_enc, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		in.ID, in.Name, in.Location, in.LedgerID, in.WalletAddress, in.WalletKeyEnc, in.CreatedAt,
	)
	return insertErr(err)
}

// ReadInstitution reads the institution.
func (db DataBase) ReadInstitution(ctx context.Context, id string) (identity.Institution, error) {
	var in identity.Institution
	err := db.inner.QueryRowContext(
		ctx,
		`SELECT id, name, location, ledger_id, wallet_address, wallet_key_enc, created_at FROM institutions WHERE id = $1`,
		id,
	).Scan(&in.ID, &in.Name, &in.Location, &in.LedgerID, &in.WalletAddress, &in.WalletKeyEnc, &in.CreatedAt)
	if err != nil {
		return identity.Institution{}, selectErr(err, identity.ErrInstitutionNotFound)
	}
	return in, nil
}

// WriteAuditor writes the institution auditor.
func (db DataBase) WriteAuditor(ctx context.Context, a *identity.Auditor) error {
	_, err := db.inner.ExecContext(
		ctx,
		`INSERT INTO auditors (id, institution_id, password_hash, created_at) VALUES ($1, $2, $3, $4)`,
		a.ID, a.InstitutionID, a.PasswordHash, a.CreatedAt,
	)
	return insertErr(err)
}

// ReadAuditorByInstitution reads the auditor of the institution.
func (db DataBase) ReadAuditorByInstitution(ctx context.Context, institutionID string) (identity.Auditor, error) {
	var a identity.Auditor
	err := db.inner.QueryRowContext(
		ctx,
		`SELECT id, institution_id, password_hash, created_at FROM auditors WHERE institution_id = $1`,
		institutionID,
	).Scan(&a.ID, &a.InstitutionID, &a.PasswordHash, &a.CreatedAt)
	if err != nil {
		return identity.Auditor{}, selectErr(err, identity.ErrAuditorNotFound)
	}
	return a, nil
}

// WriteAssociate writes the new associate.
func (db DataBase) WriteAssociate(ctx context.Context, a *identity.Associate) error {
	_, err := db.inner.ExecContext(
		ctx,
		`INSERT INTO associates (id, institution_id, password_hash, wallet_address, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.InstitutionID, a.PasswordHash, a.WalletAddress, a.CreatedBy, a.CreatedAt,
	)
	return insertErr(err)
}

// ReadAssociate reads the associate.
func (db DataBase) ReadAssociate(ctx context.Context, id string) (identity.Associate, error) {
	var a identity.Associate
	err := db.inner.QueryRowContext(
		ctx,
		`SELECT id, institution_id, password_hash, wallet_address, created_by, created_at FROM associates WHERE id = $1`,
		id,
	).Scan(&a.ID, &a.InstitutionID, &a.PasswordHash, &a.WalletAddress, &a.CreatedBy, &a.CreatedAt)
	if err != nil {
		return identity.Associate{}, selectErr(err, identity.ErrAssociateNotFound)
	}
	return a, nil
}

// ReadAssociatesByInstitution reads all associates of the institution.
func (db DataBase) ReadAssociatesByInstitution(ctx context.Context, institutionID string) ([]identity.Associate, error) {
	rows, err := db.inner.QueryContext(
		ctx,
		`SELECT id, institution_id, password_hash, wallet_address, created_by, created_at
		FROM associates WHERE institution_id = $1 ORDER BY created_at`,
		institutionID,
	)
	if err != nil {
		return nil, errors.Join(ErrSelectFailed, err)
	}
	defer rows.Close()

	as := make([]identity.Associate, 0)
	for rows.Next() {
		var a identity.Associate
		if err := rows.Scan(&a.ID, &a.InstitutionID, &a.PasswordHash, &a.WalletAddress, &a.CreatedBy, &a.CreatedAt); err != nil {
			return nil, errors.Join(ErrScanFailed, err)
		}
		as = append(as, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrSelectFailed, err)
	}
	return as, nil
}

// DeleteAssociate removes the associate.
func (db DataBase) DeleteAssociate(ctx context.Context, id string) error {
	res, err := db.inner.ExecContext(ctx, `DELETE FROM associates WHERE id = $1`, id)
	if err != nil {
		return errors.Join(ErrRemoveFailed, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Join(ErrRemoveFailed, err)
	}
	if n == 0 {
		return identity.ErrAssociateNotFound
	}
	return nil
}

func insertErr(err error) error {
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return errors.Join(identity.ErrExists, err)
	default:
		return errors.Join(ErrInsertFailed, err)
	}
}

func selectErr(err, notFound error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	return errors.Join(ErrSelectFailed, err)
}
