package intake

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bartossh/Fiduciary/identity"
	"github.com/bartossh/Fiduciary/transaction"
)

type nopLogger struct{}

func (nopLogger) Debug(string) {}
func (nopLogger) Info(string)  {}
func (nopLogger) Warn(string)  {}
func (nopLogger) Error(string) {}
func (nopLogger) Fatal(string) {}

type directory map[string]string

func (d directory) LedgerID(_ context.Context, id string) (string, error) {
	l, ok := d[id]
	if !ok {
		return "", identity.ErrInstitutionNotFound
	}
	return l, nil
}

type creatorStub struct {
	collisions int
	err        error
	created    []transaction.Request
	ids        []string
}

func (c *creatorStub) Create(_ context.Context, r *transaction.Request) error {
	c.ids = append(c.ids, r.ID)
	if c.collisions > 0 {
		c.collisions--
		return transaction.ErrRequestExists
	}
	if c.err != nil {
		return c.err
	}
	if err := r.Validate(); err != nil {
		return err
	}
	c.created = append(c.created, *r)
	return nil
}

func newIntake(c *creatorStub) *Intake {
	return New(Config{}, directory{"INS00000001": "1700000000001"}, c, nopLogger{})
}

func TestSubmit(t *testing.T) {
	c := &creatorStub{}
	in := newIntake(c)

	r, err := in.Submit(context.Background(), "INS00000001", "EMP00000001", Payload{
		Receiver: " 0xABC ",
		Amount:   "1.5",
		Purpose:  "supplies",
		Deadline: "2030-01-02",
	})
	assert.Nil(t, err)
	assert.Len(t, c.created, 1)
	assert.Equal(t, "1700000000001", r.InstitutionRef)
	assert.Equal(t, "EMP00000001", r.CreatorRef)
	assert.Equal(t, "0xABC", r.ReceiverAddress)
	assert.Equal(t, "1.5", r.Amount.String())
	assert.Equal(t, transaction.PriorityMedium, r.Priority)
	assert.Equal(t, transaction.Pending, r.Status)
	assert.NotNil(t, r.Deadline)
	assert.Equal(t, 2030, r.Deadline.Year())
	assert.Len(t, r.ID, len(idPrefix)+24)
	assert.Nil(t, r.DecidedAt)
}

func TestSubmitValidation(t *testing.T) {
	cases := []Payload{
		{Amount: "1", Purpose: "p"},
		{Receiver: "r", Amount: "1"},
		{Receiver: "r", Amount: "", Purpose: "p"},
		{Receiver: "r", Amount: "abc", Purpose: "p"},
		{Receiver: "r", Amount: "0", Purpose: "p"},
		{Receiver: "r", Amount: "-3", Purpose: "p"},
		{Receiver: "r", Amount: "0.0000000000000000001", Purpose: "p"},
		{Receiver: "r", Amount: "1", Purpose: "p", Deadline: "tomorrow"},
	}
	for _, p := range cases {
		c := &creatorStub{}
		_, err := newIntake(c).Submit(context.Background(), "INS00000001", "EMP00000001", p)
		assert.ErrorIs(t, err, ErrValidation, p)
		assert.Empty(t, c.ids)
	}
}

func TestParseAmountBounds(t *testing.T) {
	for _, s := range []string{
		"1e2000000000",
		"1E3",
		"2e-1",
		"115792089237316195423570985008687907853269984665640564039457.584007913129639936",
		strings.Repeat("9", maxAmountLength+1),
	} {
		start := time.Now()
		_, err := ParseAmount(s, 18)
		assert.ErrorIs(t, err, ErrValidation, s)
		assert.Less(t, time.Since(start), time.Second, s)
	}

	largest := "115792089237316195423570985008687907853269984665640564039457.584007913129639935"
	amount, err := ParseAmount(largest, 18)
	assert.Nil(t, err)
	assert.Equal(t, largest, amount.String())

	amount, err = ParseAmount(" 0.000000000000000001 ", 18)
	assert.Nil(t, err)
	assert.Equal(t, "0.000000000000000001", amount.String())
}

func TestSubmitRetriesOnCollision(t *testing.T) {
	c := &creatorStub{collisions: 2}
	r, err := newIntake(c).Submit(context.Background(), "INS00000001", "EMP00000001", Payload{Receiver: "r", Amount: "1", Purpose: "p"})
	assert.Nil(t, err)
	assert.Len(t, c.ids, 3)
	assert.Equal(t, c.ids[2], r.ID)
	assert.NotEqual(t, c.ids[0], c.ids[1])
}

func TestSubmitGivesUpAfterCollisions(t *testing.T) {
	c := &creatorStub{collisions: createAttempts}
	_, err := newIntake(c).Submit(context.Background(), "INS00000001", "EMP00000001", Payload{Receiver: "r", Amount: "1", Purpose: "p"})
	assert.ErrorIs(t, err, ErrIDExhausted)
	assert.ErrorIs(t, err, transaction.ErrRequestExists)
}

func TestSubmitUnknownInstitution(t *testing.T) {
	c := &creatorStub{}
	_, err := newIntake(c).Submit(context.Background(), "INS00000009", "EMP00000001", Payload{Receiver: "r", Amount: "1", Purpose: "p"})
	assert.ErrorIs(t, err, identity.ErrInstitutionNotFound)
}

func TestSubmitStoreFailure(t *testing.T) {
	c := &creatorStub{err: errors.New("store down")}
	_, err := newIntake(c).Submit(context.Background(), "INS00000001", "EMP00000001", Payload{Receiver: "r", Amount: "1", Purpose: "p"})
	assert.NotNil(t, err)
	assert.Len(t, c.ids, 1)
}

func TestParsePriorityAndDeadline(t *testing.T) {
	c := &creatorStub{}
	r, err := newIntake(c).Submit(context.Background(), "INS00000001", "EMP00000001", Payload{
		Receiver: "r", Amount: "1", Purpose: "p", Priority: "HIGH", Deadline: "2030-01-02T15:04:05Z",
	})
	assert.Nil(t, err)
	assert.Equal(t, transaction.PriorityHigh, r.Priority)

	for _, s := range []string{"2030-01-02T15:04:05+02:00", "2030-01-02", "Wed, 02 Jan 2030 15:04:05 UTC", "01/02/2030"} {
		_, err := ParseDeadline(s)
		assert.Nil(t, err, s)
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]struct{}, 10_000)
	for i := 0; i < 10_000; i++ {
		id := NewID()
		_, ok := seen[id]
		assert.False(t, ok)
		seen[id] = struct{}{}
	}
}
