package repomongo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bartossh/Fiduciary/identity"
)

// WriteInstitution writes the new institution.
func (db DataBase) WriteInstitution(ctx context.Context, in *identity.Institution) error {
	_, err := db.inner.Collection(institutionsCollection).InsertOne(ctx, in)
	return insertErr(err)
}

// ReadInstitution reads the institution.
func (db DataBase) ReadInstitution(ctx context.Context, id string) (identity.Institution, error) {
	var in identity.Institution
	err := db.inner.Collection(institutionsCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&in)
	if err != nil {
		return identity.Institution{}, findErr(err, identity.ErrInstitutionNotFound)
	}
	return in, nil
}

// WriteAuditor writes the institution auditor.
func (db DataBase) WriteAuditor(ctx context.Context, a *identity.Auditor) error {
	_, err := db.inner.Collection(auditorsCollection).InsertOne(ctx, a)
	return insertErr(err)
}

// ReadAuditorByInstitution reads the auditor of the institution.
func (db DataBase) ReadAuditorByInstitution(ctx context.Context, institutionID string) (identity.Auditor, error) {
	var a identity.Auditor
	err := db.inner.Collection(auditorsCollection).FindOne(ctx, bson.M{"institution_id": institutionID}).Decode(&a)
	if err != nil {
		return identity.Auditor{}, findErr(err, identity.ErrAuditorNotFound)
	}
	return a, nil
}

// WriteAssociate writes the new associate.
func (db DataBase) WriteAssociate(ctx context.Context, a *identity.Associate) error {
	_, err := db.inner.Collection(associatesCollection).InsertOne(ctx, a)
	return insertErr(err)
}

// ReadAssociate reads the associate.
func (db DataBase) ReadAssociate(ctx context.Context, id string) (identity.Associate, error) {
	var a identity.Associate
	err := db.inner.Collection(associatesCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&a)
	if err != nil {
		return identity.Associate{}, findErr(err, identity.ErrAssociateNotFound)
	}
	return a, nil
}

// ReadAssociatesByInstitution reads all associates of the institution.
func (db DataBase) ReadAssociatesByInstitution(ctx context.Context, institutionID string) ([]identity.Associate, error) {
	opts := options.Find().SetSort(bson.M{"created_at": 1})
	curs, err := db.inner.Collection(associatesCollection).Find(ctx, bson.M{"institution_id": institutionID}, opts)
	if err != nil {
		return nil, errors.Join(ErrSelectFailed, err)
	}
	as := make([]identity.Associate, 0)
	if err := curs.All(ctx, &as); err != nil {
		return nil, errors.Join(ErrDecodeFailed, err)
	}
	return as, nil
}

// DeleteAssociate removes the associate.
func (db DataBase) DeleteAssociate(ctx context.Context, id string) error {
	res, err := db.inner.Collection(associatesCollection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return errors.Join(ErrRemoveFailed, err)
	}
	if res.DeletedCount == 0 {
		return identity.ErrAssociateNotFound
	}
	return nil
}

func insertErr(err error) error {
	switch {
	case err == nil:
		return nil
	case mongo.IsDuplicateKeyError(err):
		return errors.Join(identity.ErrExists, err)
	default:
		return errors.Join(ErrInsertFailed, err)
	}
}

func findErr(err, notFound error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return notFound
	}
	return errors.Join(ErrSelectFailed, err)
}
