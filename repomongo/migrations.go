package repomongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type migration struct {
	run  func(ctx context.Context, db *mongo.Database) error
	name string
}

// Migration describes migration that is made in the repository database.
type Migration struct {
	Name string `json:"name" bson:"name"`
}

func uniqueIndex(collection string, keys bson.D) func(ctx context.Context, db *mongo.Database) error {
	return func(ctx context.Context, db *mongo.Database) error {
		_, err := db.Collection(collection).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    keys,
			Options: options.Index().SetUnique(true),
		})
		return err
	}
}

func index(collection string, keys bson.D) func(ctx context.Context, db *mongo.Database) error {
	return func(ctx context.Context, db *mongo.Database) error {
		_, err := db.Collection(collection).Indexes().CreateOne(ctx, mongo.IndexModel{Keys: keys})
		return err
	}
}

var migrations = []migration{
	{name: "index_name_migrations", run: uniqueIndex(migrationsCollection, bson.D{{Key: "name", Value: 1}})},
	{name: "index_ledger_id_institutions", run: uniqueIndex(institutionsCollection, bson.D{{Key: "ledger_id", Value: 1}})},
	{name: "index_institution_id_auditors", run: uniqueIndex(auditorsCollection, bson.D{{Key: "institution_id", Value: 1}})},
	{name: "index_institution_id_associates", run: index(associatesCollection, bson.D{{Key: "institution_id", Value: 1}})},
	{
		name: "index_institution_ref_transaction_requests",
		run: index(transactionRequestsCollection, bson.D{
			{Key: "institution_ref", Value: 1}, {Key: "decided_at", Value: -1}, {Key: "created_at", Value: -1},
		}),
	},
}

// RunMigration runs all the migrations not applied yet.
func (db DataBase) RunMigration(ctx context.Context) error {
	coll := db.inner.Collection(migrationsCollection)
	for _, m := range migrations {
		n, err := coll.CountDocuments(ctx, bson.M{"name": m.name})
		if err != nil {
			return errors.Join(ErrMigrationFailed, err)
		}
		if n > 0 {
			continue
		}
		if err := m.run(ctx, &db.inner); err != nil {
			return errors.Join(ErrMigrationFailed, fmt.Errorf("migration [ %s ]", m.name), err)
		}
		if _, err := coll.InsertOne(ctx, Migration{Name: m.name}); err != nil {
			return errors.Join(ErrMigrationFailed, err)
		}
	}
	return nil
}
