package reactive

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type decision struct {
	requestID string
	status    string
}

func TestEverySubscriberReceivesInPublishOrder(t *testing.T) {
	obs := New[decision](4)
	subs := []*Subscriber[decision]{obs.Subscribe(), obs.Subscribe(), obs.Subscribe()}
	for _, s := range subs {
		defer s.Cancel()
	}

	obs.Publish(decision{"r1", "Pending"})
	assert.Nil(t, obs.Notify(context.Background(), decision{"r1", "Approved"}))

	for _, s := range subs {
		assert.Equal(t, decision{"r1", "Pending"}, <-s.Channel())
		assert.Equal(t, decision{"r1", "Approved"}, <-s.Channel())
	}
	assert.Zero(t, obs.Dropped())
}

func TestCanceledSubscriberIsClosedAndSkipped(t *testing.T) {
	obs := New[decision](1)
	gone := obs.Subscribe()
	stays := obs.Subscribe()
	defer stays.Cancel()

	gone.Cancel()
	gone.Cancel()
	obs.Publish(decision{"r2", "Declined"})

	_, ok := <-gone.Channel()
	assert.False(t, ok)
	assert.Equal(t, "Declined", (<-stays.Channel()).status)
	assert.Zero(t, obs.Dropped())
}

func TestFullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	obs := New[decision](0)
	slow := obs.Subscribe()
	defer slow.Cancel()

	for _, id := range []string{"a", "b", "c", "d"} {
		obs.Publish(decision{id, "Pending"})
	}

	assert.Equal(t, uint64(3), obs.Dropped())
	assert.Equal(t, "a", (<-slow.Channel()).requestID)
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	obs := New[decision](64)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := obs.Subscribe()
			obs.Publish(decision{"r3", "NeedsReview"})
			s.Cancel()
		}()
	}
	wg.Wait()
	obs.Publish(decision{"r4", "Pending"})
	assert.Empty(t, obs.subscribers)
}
