package natsclient

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/bartossh/Fiduciary/logger"
	"github.com/bartossh/Fiduciary/settlement"
)

// Subscriber provides functionality to pull messages from the pub/sub queue.
type Subscriber struct {
	*socket
}

// SubscriberConnect connects subscriber to the pub/sub queue using provided config.
func SubscriberConnect(cfg Config) (*Subscriber, error) {
	s, err := connect(cfg)
	if err != nil {
		return nil, err
	}
	return &Subscriber{socket: s}, nil
}

// SubscribeSettlement calls handle with every settlement event of the institution until context is done.
// Empty institutionRef subscribes to events of all institutions.
func (s *Subscriber) SubscribeSettlement(
	ctx context.Context, institutionRef string, handle func(settlement.Event), log logger.Logger,
) error {
	sub, err := s.conn.Subscribe(subject(institutionRef), func(m *nats.Msg) {
		e, err := Decode(m.Data)
		if err != nil {
			log.Warn(fmt.Sprintf("nats subscriber received malformed event on [ %s ], %s", m.Subject, err))
			return
		}
		handle(e)
	})
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return nil
}
