package repopostgre

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/bartossh/Fiduciary/transaction"
)

const selectRequest = `SELECT
	id, institution_ref, creator_ref, receiver_address, amount, purpose, comment, priority,
	deadline, status, COALESCE(settlement_ref, ''), auditor_note, created_at, decided_at
FROM transaction_requests`

type scanner interface {
	Scan(dest ...any) error
}

// WriteRequest writes the new transaction request.
func (db DataBase) WriteRequest(ctx context.Context, r *transaction.Request) error {
	_, err := db.inner.ExecContext(
		ctx,
		`INSERT INTO transaction_requests (
			id, institution_ref, creator_ref, receiver_address, amount, purpose, comment, priority,
			deadline, status, settlement_ref, auditor_note, created_at, decided_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13, $14)`,
		r.ID, r.InstitutionRef, r.CreatorRef, r.ReceiverAddress, r.Amount, r.Purpose, r.Comment, string(r.Priority),
		r.Deadline, int16(r.Status), r.SettlementRef, r.AuditorNote, r.CreatedAt, r.DecidedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Join(transaction.ErrRequestExists, err)
		}
		return errors.Join(ErrInsertFailed, err)
	}
	return nil
}

// ReadRequest reads the transaction request.
func (db DataBase) ReadRequest(ctx context.Context, id string) (transaction.Request, error) {
	row := db.inner.QueryRowContext(ctx, selectRequest+` WHERE id = $1`, id)
	r, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return transaction.Request{}, transaction.ErrRequestNotFound
		}
		return transaction.Request{}, err
	}
	return r, nil
}

// ReadRequestsByInstitution reads all transaction requests of the institution.
func (db DataBase) ReadRequestsByInstitution(ctx context.Context, institutionRef string) ([]transaction.Request, error) {
	rows, err := db.inner.QueryContext(ctx, selectRequest+` WHERE institution_ref = $1`, institutionRef)
	if err != nil {
		return nil, errors.Join(ErrSelectFailed, err)
	}
	defer rows.Close()

	var rs []transaction.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		rs = append(rs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrSelectFailed, err)
	}
	return rs, nil
}

// ClaimRequest claims the pending transaction request if it carries no live claim.
func (db DataBase) ClaimRequest(ctx context.Context, id, claim string, until time.Time) (bool, error) {
	res, err := db.inner.ExecContext(
		ctx,
		`UPDATE transaction_requests SET claim = $2, claim_until = $3
		WHERE id = $1 AND status = 0 AND (claim IS NULL OR claim_until < $4)`,
		id, claim, until, time.Now(),
	)
	if err != nil {
		return false, errors.Join(ErrUpdateFailed, err)
	}
	ok, err := affected(res)
	if err != nil || ok {
		return ok, err
	}
	return false, db.exists(ctx, id)
}

// ReleaseRequest removes the claim if it is still held.
func (db DataBase) ReleaseRequest(ctx context.Context, id, claim string) error {
	_, err := db.inner.ExecContext(
		ctx,
		`UPDATE transaction_requests SET claim = NULL, claim_until = NULL WHERE id = $1 AND claim = $2`,
		id, claim,
	)
	if err != nil {
		return errors.Join(ErrUpdateFailed, err)
	}
	return nil
}

// WriteDecision writes the decision if the request is pending and claimed with given claim.
func (db DataBase) WriteDecision(ctx context.Context, id, claim string, d transaction.Decision) (bool, error) {
	if err := d.Validate(); err != nil {
		return false, err
	}
	res, err := db.inner.ExecContext(
		ctx,
		`UPDATE transaction_requests
		SET status = $3, settlement_ref = NULLIF($4, ''), auditor_note = $5, decided_at = $6, claim = NULL, claim_until = NULL
		WHERE id = $1 AND status = 0 AND claim = $2`,
		id, claim, int16(d.Status), d.SettlementRef, d.AuditorNote, d.DecidedAt,
	)
	if err != nil {
		return false, errors.Join(ErrUpdateFailed, err)
	}
	ok, err := affected(res)
	if err != nil || ok {
		return ok, err
	}
	return false, db.exists(ctx, id)
}

func (db DataBase) exists(ctx context.Context, id string) error {
	var found bool
	if err := db.inner.QueryRowContext(
		ctx, `SELECT EXISTS (SELECT 1 FROM transaction_requests WHERE id = $1)`, id,
	).Scan(&found); err != nil {
		return errors.Join(ErrSelectFailed, err)
	}
	if !found {
		return transaction.ErrRequestNotFound
	}
	return nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Join(ErrUpdateFailed, err)
	}
	return n == 1, nil
}

func scanRequest(s scanner) (transaction.Request, error) {
	var (
		r         transaction.Request
		priority  string
		status    int16
		deadline  sql.NullTime
		decidedAt sql.NullTime
	)
	err := s.Scan(
		&r.ID, &r.InstitutionRef, &r.CreatorRef, &r.ReceiverAddress, &r.Amount, &r.Purpose, &r.Comment, &priority,
		&deadline, &status, &r.SettlementRef, &r.AuditorNote, &r.CreatedAt, &decidedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return transaction.Request{}, err
		}
		return transaction.Request{}, errors.Join(ErrScanFailed, err)
	}
	r.Priority = transaction.Priority(priority)
	r.Status = transaction.Status(status)
	if deadline.Valid {
		t := deadline.Time
		r.Deadline = &t
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		r.DecidedAt = &t
	}
	return r, nil
}
