package localcache

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/bartossh/Fiduciary/identity"
	"github.com/bartossh/Fiduciary/transaction"
)

func pending(id, institutionRef string) transaction.Request {
	return transaction.Request{
		ID:              id,
		InstitutionRef:  institutionRef,
		CreatorRef:      "EMP00000001",
		ReceiverAddress: "receiver",
		Amount:          decimal.RequireFromString("1.25"),
		Purpose:         "rent",
		Priority:        transaction.PriorityMedium,
		CreatedAt:       time.Now(),
	}
}

func TestWriteReadRequest(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()

	r := pending("OFF1", "100")
	assert.Nil(t, s.WriteRequest(ctx, &r))
	assert.ErrorIs(t, s.WriteRequest(ctx, &r), transaction.ErrRequestExists)

	got, err := s.ReadRequest(ctx, "OFF1")
	assert.Nil(t, err)
	assert.True(t, got.Amount.Equal(r.Amount))

	_, err = s.ReadRequest(ctx, "OFF2")
	assert.ErrorIs(t, err, transaction.ErrRequestNotFound)

	r2 := pending("OFF2", "200")
	assert.Nil(t, s.WriteRequest(ctx, &r2))
	rs, err := s.ReadRequestsByInstitution(ctx, "100")
	assert.Nil(t, err)
	assert.Len(t, rs, 1)
	rs, err = s.ReadRequestsByInstitution(ctx, "300")
	assert.Nil(t, err)
	assert.Empty(t, rs)
}

func TestMaxLen(t *testing.T) {
	s := New(Config{MaxLen: 1})
	ctx := context.Background()
	r := pending("OFF1", "100")
	assert.Nil(t, s.WriteRequest(ctx, &r))
	r2 := pending("OFF2", "100")
	assert.ErrorIs(t, s.WriteRequest(ctx, &r2), ErrCacheFull)
}

func TestClaimAndDecide(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()
	r := pending("OFF1", "100")
	assert.Nil(t, s.WriteRequest(ctx, &r))

	ok, err := s.ClaimRequest(ctx, "OFF1", "a", time.Now().Add(time.Minute))
	assert.Nil(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimRequest(ctx, "OFF1", "b", time.Now().Add(time.Minute))
	assert.Nil(t, err)
	assert.False(t, ok)

	d := transaction.Decision{Status: transaction.Declined, DecidedAt: time.Now()}
	ok, err = s.WriteDecision(ctx, "OFF1", "b", d)
	assert.Nil(t, err)
	assert.False(t, ok)

	ok, err = s.WriteDecision(ctx, "OFF1", "a", d)
	assert.Nil(t, err)
	assert.True(t, ok)

	got, err := s.ReadRequest(ctx, "OFF1")
	assert.Nil(t, err)
	assert.Equal(t, transaction.Declined, got.Status)

	ok, err = s.ClaimRequest(ctx, "OFF1", "c", time.Now().Add(time.Minute))
	assert.Nil(t, err)
	assert.False(t, ok)
}

func TestClaimExpiresAndReleases(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()
	r := pending("OFF1", "100")
	assert.Nil(t, s.WriteRequest(ctx, &r))

	ok, err := s.ClaimRequest(ctx, "OFF1", "a", time.Now().Add(-time.Second))
	assert.Nil(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimRequest(ctx, "OFF1", "b", time.Now().Add(time.Minute))
	assert.Nil(t, err)
	assert.True(t, ok)

	assert.Nil(t, s.ReleaseRequest(ctx, "OFF1", "a"))
	ok, err = s.ClaimRequest(ctx, "OFF1", "c", time.Now().Add(time.Minute))
	assert.Nil(t, err)
	assert.False(t, ok)

	assert.Nil(t, s.ReleaseRequest(ctx, "OFF1", "b"))
	ok, err = s.ClaimRequest(ctx, "OFF1", "c", time.Now().Add(time.Minute))
	assert.Nil(t, err)
	assert.True(t, ok)
}

func TestIdentityRecords(t *testing.T) {
	s := New(Config{})
	ctx := context.Background()

	in := identity.Institution{ID: "INS1", LedgerID: "100"}
	assert.Nil(t, s.WriteInstitution(ctx, &in))
	assert.ErrorIs(t, s.WriteInstitution(ctx, &in), identity.ErrExists)
	dup := identity.Institution{ID: "INS2", LedgerID: "100"}
	assert.ErrorIs(t, s.WriteInstitution(ctx, &dup), identity.ErrExists)

	_, err := s.ReadInstitution(ctx, "INS3")
	assert.ErrorIs(t, err, identity.ErrInstitutionNotFound)

	a := identity.Auditor{ID: "AUD1", InstitutionID: "INS1"}
	assert.Nil(t, s.WriteAuditor(ctx, &a))
	got, err := s.ReadAuditorByInstitution(ctx, "INS1")
	assert.Nil(t, err)
	assert.Equal(t, "AUD1", got.ID)
	_, err = s.ReadAuditorByInstitution(ctx, "INS2")
	assert.ErrorIs(t, err, identity.ErrAuditorNotFound)

	e := identity.Associate{ID: "EMP1", InstitutionID: "INS1"}
	assert.Nil(t, s.WriteAssociate(ctx, &e))
	as, err := s.ReadAssociatesByInstitution(ctx, "INS1")
	assert.Nil(t, err)
	assert.Len(t, as, 1)

	assert.Nil(t, s.DeleteAssociate(ctx, "EMP1"))
	assert.ErrorIs(t, s.DeleteAssociate(ctx, "EMP1"), identity.ErrAssociateNotFound)
}
