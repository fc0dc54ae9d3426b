//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gotest.tools/v3/assert"

	"github.com/bartossh/Fiduciary/logging"
	"github.com/bartossh/Fiduciary/settlement"
	"github.com/bartossh/Fiduciary/stdoutwriter"
	"github.com/bartossh/Fiduciary/transaction"
)

func natsPubSubTestHelper(tb testing.TB) (*Publisher, *Subscriber) {
	cfg := Config{
		Address: "nats://127.0.0.1:4222",
		Name:    "integration-test-1",
		Token:   "D9pHfuiEQPXtqPqPdyxozi8kU2FlHqC0FlSRIzpwDI0=",
	}

	p, err := PublisherConnect(cfg)
	assert.NilError(tb, err)

	s, err := SubscriberConnect(cfg)
	assert.NilError(tb, err)

	return p, s
}

func TestPubSubCycle(t *testing.T) {
	p, s := natsPubSubTestHelper(t)
	defer p.Disconnect()
	defer s.Disconnect()

	log := logging.New("nats-test", func(error) {}, func(error) {}, &stdoutwriter.Logger{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan settlement.Event, 1)
	err := s.SubscribeSettlement(ctx, "1700000000001", func(e settlement.Event) { received <- e }, log)
	assert.NilError(t, err)

	e := settlement.Event{
		ID:             uuid.New(),
		RequestID:      "OFF1",
		InstitutionRef: "1700000000001",
		Status:         transaction.Declined,
		OccurredAt:     time.Now(),
	}
	assert.NilError(t, p.Notify(ctx, e))

	select {
	case got := <-received:
		assert.Equal(t, e.ID, got.ID)
		assert.Equal(t, transaction.Declined, got.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("event not received")
	}
}
