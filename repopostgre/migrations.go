package repopostgre

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type migration struct {
	name  string
	query string
}

var migrations = []migration{
	{
		name: "create_table_institutions",
		query: `CREATE TABLE IF NOT EXISTS institutions (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			location       TEXT NOT NULL,
			ledger_id      TEXT NOT NULL UNIQUE,
			wallet_address TEXT NOT NULL,
			wallet_key_enc TEXT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL
		)`,
	},
	{
		name: "create_table_auditors",
		query: `CREATE TABLE IF NOT EXISTS auditors (
			id             TEXT PRIMARY KEY,
			institution_id TEXT NOT NULL UNIQUE REFERENCES institutions(id),
			password_hash  BYTEA NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL
		)`,
	},
	{
		name: "create_table_associates",
		query: `CREATE TABLE IF NOT EXISTS associates (
			id             TEXT PRIMARY KEY,
			institution_id TEXT NOT NULL REFERENCES institutions(id),
			password_hash  BYTEA NOT NULL,
			wallet_address TEXT NOT NULL,
			created_by     TEXT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL
		)`,
	},
	{
		name: "create_table_transaction_requests",
		query: `CREATE TABLE IF NOT EXISTS transaction_requests (
			id               TEXT PRIMARY KEY,
			institution_ref  TEXT NOT NULL,
			creator_ref      TEXT NOT NULL,
			receiver_address TEXT NOT NULL,
			amount           NUMERIC NOT NULL CHECK (amount > 0),
			purpose          TEXT NOT NULL,
			comment          TEXT NOT NULL DEFAULT '',
			priority         TEXT NOT NULL,
			deadline         TIMESTAMPTZ,
			status           SMALLINT NOT NULL DEFAULT 0,
			settlement_ref   TEXT,
			auditor_note     TEXT NOT NULL DEFAULT '',
			created_at       TIMESTAMPTZ NOT NULL,
			decided_at       TIMESTAMPTZ,
			claim            TEXT,
			claim_until      TIMESTAMPTZ,
			CHECK ((settlement_ref IS NOT NULL) = (status = 1)),
			CHECK ((decided_at IS NOT NULL) = (status <> 0))
		)`,
	},
	{
		name:  "index_institution_ref_transaction_requests",
		query: `CREATE INDEX IF NOT EXISTS transaction_requests_institution_ref_idx ON transaction_requests (institution_ref)`,
	},
	{
		name: "create_table_logs",
		query: `CREATE TABLE IF NOT EXISTS logs (
			id         SERIAL PRIMARY KEY,
			level      TEXT NOT NULL,
			service    TEXT NOT NULL DEFAULT '',
			msg        TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
	},
	{
		name: "create_trigger_transaction_requests_notify",
		query: `CREATE OR REPLACE FUNCTION notify_transaction_requests() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify('` + ChannelTransactionRequests + `', json_build_object(
				'table', TG_TABLE_NAME,
				'action', TG_OP,
				'data', json_build_object(
					'id', NEW.id,
					'institution_ref', NEW.institution_ref,
					'status', NEW.status,
					'settlement_ref', COALESCE(NEW.settlement_ref, '')
				)
			)::text);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql;
		DROP TRIGGER IF EXISTS transaction_requests_notify ON transaction_requests;
		CREATE TRIGGER transaction_requests_notify
			AFTER INSERT OR UPDATE OF status ON transaction_requests
			FOR EACH ROW EXECUTE PROCEDURE notify_transaction_requests();`,
	},
}

// RunMigration runs all the migrations not applied yet.
func (db DataBase) RunMigration(ctx context.Context) error {
	if _, err := db.inner.ExecContext(
		ctx, `CREATE TABLE IF NOT EXISTS migrations (name TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`,
	); err != nil {
		return errors.Join(ErrMigrationFailed, err)
	}

	for _, m := range migrations {
		if err := db.migrate(ctx, m); err != nil {
			return errors.Join(ErrMigrationFailed, fmt.Errorf("migration [ %s ]", m.name), err)
		}
	}
	return nil
}

func (db DataBase) migrate(ctx context.Context, m migration) error {
	tx, err := db.inner.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var name string
	err = tx.QueryRowContext(ctx, `SELECT name FROM migrations WHERE name = $1`, m.name).Scan(&name)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
	default:
		return err
	}

	if _, err := tx.ExecContext(ctx, m.query); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO migrations (name) VALUES ($1)`, m.name); err != nil {
		return err
	}
	return tx.Commit()
}
