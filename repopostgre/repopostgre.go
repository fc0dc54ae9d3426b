package repopostgre

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

var (
	ErrInsertFailed    = errors.New("insert failed")
	ErrUpdateFailed    = errors.New("update failed")
	ErrRemoveFailed    = errors.New("remove failed")
	ErrSelectFailed    = errors.New("select failed")
	ErrScanFailed      = errors.New("scan failed")
	ErrUnmarshalFailed = errors.New("unmarshal failed")
	ErrMigrationFailed = errors.New("migration failed")
	ErrListenFailed    = errors.New("listen failed")
)

const uniqueViolation = pq.ErrorCode("23505")

// DataBase provides database access for read, write and delete of repository entities.
type DataBase struct {
	inner *sql.DB
}

// Connect creates new connection to the repository and returns pointer to the DataBase.
func Connect(ctx context.Context, conn, database string) (*DataBase, error) {
	db, err := sql.Open("postgres", fmt.Sprintf("%s/%s?sslmode=disable", conn, database))
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &DataBase{inner: db}, nil
}

// Disconnect disconnects user from database.
func (db DataBase) Disconnect(_ context.Context) error {
	return db.inner.Close()
}

// Ping checks if the connection to the database is still alive.
func (db DataBase) Ping(ctx context.Context) error {
	return db.inner.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
