package repomongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	migrationsCollection          = "migrations"
	institutionsCollection        = "institutions"
	auditorsCollection            = "auditors"
	associatesCollection          = "associates"
	transactionRequestsCollection = "transactionRequests"
	logsCollection                = "logs"
)

var (
	ErrInsertFailed    = errors.New("insert failed")
	ErrUpdateFailed    = errors.New("update failed")
	ErrRemoveFailed    = errors.New("remove failed")
	ErrSelectFailed    = errors.New("select failed")
	ErrDecodeFailed    = errors.New("decode failed")
	ErrMigrationFailed = errors.New("migration failed")
)

// DataBase provides database access for read, write and delete of repository entities.
type DataBase struct {
	inner mongo.Database
}

// Connect creates new connection to the repository and returns pointer to the DataBase.
func Connect(ctx context.Context, conn, database string) (*DataBase, error) {
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(conn))
	if err != nil {
		return nil, err
	}

	ctxx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()
	if err := cli.Ping(ctxx, readpref.Primary()); err != nil {
		return nil, err
	}

	return &DataBase{*cli.Database(database)}, nil
}

// Disconnect disconnects user from database.
func (db DataBase) Disconnect(ctx context.Context) error {
	return db.inner.Client().Disconnect(ctx)
}

// Ping checks if the connection to the database is still alive.
func (db DataBase) Ping(ctx context.Context) error {
	return db.inner.Client().Ping(ctx, readpref.Primary())
}
