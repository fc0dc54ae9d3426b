package repomongo

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bartossh/Fiduciary/transaction"
)

type requestDocument struct {
	ID              string     `bson:"_id"`
	InstitutionRef  string     `bson:"institution_ref"`
	CreatorRef      string     `bson:"creator_ref"`
	ReceiverAddress string     `bson:"receiver_address"`
	Amount          string     `bson:"amount"`
	Purpose         string     `bson:"purpose"`
	Comment         string     `bson:"comment"`
	Priority        string     `bson:"priority"`
	Deadline        *time.Time `bson:"deadline,omitempty"`
	Status          uint8      `bson:"status"`
	SettlementRef   string     `bson:"settlement_ref,omitempty"`
	AuditorNote     string     `bson:"auditor_note"`
	CreatedAt       time.Time  `bson:"created_at"`
	DecidedAt       *time.Time `bson:"decided_at,omitempty"`
	Claim           string     `bson:"claim,omitempty"`
	ClaimUntil      *time.Time `bson:"claim_until,omitempty"`
}

func toDocument(r *transaction.Request) requestDocument {
	return requestDocument{
		ID:              r.ID,
		InstitutionRef:  r.InstitutionRef,
		CreatorRef:      r.CreatorRef,
		ReceiverAddress: r.ReceiverAddress,
		Amount:          r.Amount.String(),
		Purpose:         r.Purpose,
		Comment:         r.Comment,
		Priority:        string(r.Priority),
		Deadline:        r.Deadline,
		Status:          uint8(r.Status),
		SettlementRef:   r.SettlementRef,
		AuditorNote:     r.AuditorNote,
		CreatedAt:       r.CreatedAt,
		DecidedAt:       r.DecidedAt,
	}
}

func (d requestDocument) request() (transaction.Request, error) {
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return transaction.Request{}, errors.Join(ErrDecodeFailed, err)
	}
	return transaction.Request{
		ID:              d.ID,
		InstitutionRef:  d.InstitutionRef,
		CreatorRef:      d.CreatorRef,
		ReceiverAddress: d.ReceiverAddress,
		Amount:          amount,
		Purpose:         d.Purpose,
		Comment:         d.Comment,
		Priority:        transaction.Priority(d.Priority),
		Deadline:        d.Deadline,
		Status:          transaction.Status(d.Status),
		SettlementRef:   d.SettlementRef,
		AuditorNote:     d.AuditorNote,
		CreatedAt:       d.CreatedAt,
		DecidedAt:       d.DecidedAt,
	}, nil
}

// WriteRequest writes the new transaction request.
func (db DataBase) WriteRequest(ctx context.Context, r *transaction.Request) error {
	if _, err := db.inner.Collection(transactionRequestsCollection).InsertOne(ctx, toDocument(r)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errors.Join(transaction.ErrRequestExists, err)
		}
		return errors.Join(ErrInsertFailed, err)
	}
	return nil
}

// ReadRequest reads the transaction request.
func (db DataBase) ReadRequest(ctx context.Context, id string) (transaction.Request, error) {
	var d requestDocument
	if err := db.inner.Collection(transactionRequestsCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return transaction.Request{}, transaction.ErrRequestNotFound
		}
		return transaction.Request{}, errors.Join(ErrSelectFailed, err)
	}
	return d.request()
}

// ReadRequestsByInstitution reads all transaction requests of the institution.
func (db DataBase) ReadRequestsByInstitution(ctx context.Context, institutionRef string) ([]transaction.Request, error) {
	opts := options.Find().SetSort(bson.D{{Key: "decided_at", Value: -1}, {Key: "created_at", Value: -1}})
	curs, err := db.inner.Collection(transactionRequestsCollection).Find(ctx, bson.M{"institution_ref": institutionRef}, opts)
	if err != nil {
		return nil, errors.Join(ErrSelectFailed, err)
	}
	var docs []requestDocument
	if err := curs.All(ctx, &docs); err != nil {
		return nil, errors.Join(ErrDecodeFailed, err)
	}
	rs := make([]transaction.Request, 0, len(docs))
	for _, d := range docs {
		r, err := d.request()
		if err != nil {
			return nil, err
		}
		rs = append(rs, r)
	}
	return rs, nil
}

// ClaimRequest claims the pending transaction request if it carries no live claim.
func (db DataBase) ClaimRequest(ctx context.Context, id, claim string, until time.Time) (bool, error) {
	filter := bson.M{
		"_id":    id,
		"status": uint8(transaction.Pending),
		"$or": bson.A{
			bson.M{"claim": bson.M{"$exists": false}},
			bson.M{"claim_until": bson.M{"$lt": time.Now()}},
		},
	}
	update := bson.M{"$set": bson.M{"claim": claim, "claim_until": until}}
	return db.conditionalUpdate(ctx, id, filter, update)
}

// ReleaseRequest removes the claim if it is still held.
func (db DataBase) ReleaseRequest(ctx context.Context, id, claim string) error {
	_, err := db.inner.Collection(transactionRequestsCollection).UpdateOne(
		ctx,
		bson.M{"_id": id, "claim": claim},
		bson.M{"$unset": bson.M{"claim": "", "claim_until": ""}},
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
	set := bson.M{
		"status":       uint8(d.Status),
		"auditor_note": d.AuditorNote,
		"decided_at":   d.DecidedAt,
	}
	if d.SettlementRef != "" {
		set["settlement_ref"] = d.SettlementRef
	}
	filter := bson.M{"_id": id, "status": uint8(transaction.Pending), "claim": claim}
	update := bson.M{"$set": set, "$unset": bson.M{"claim": "", "claim_until": ""}}
	return db.conditionalUpdate(ctx, id, filter, update)
}

func (db DataBase) conditionalUpdate(ctx context.Context, id string, filter, update bson.M) (bool, error) {
	coll := db.inner.Collection(transactionRequestsCollection)
	res, err := coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, errors.Join(ErrUpdateFailed, err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}
	n, err := coll.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return false, errors.Join(ErrSelectFailed, err)
	}
	if n == 0 {
		return false, transaction.ErrRequestNotFound
	}
	return false, nil
}
