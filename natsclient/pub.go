package natsclient

import (
	"context"

	"github.com/bartossh/Fiduciary/settlement"
)

// Publisher provides functionality to push messages to the pub/sub queue.
type Publisher struct {
	*socket
}

// PublisherConnect connects publisher to the pub/sub queue using provided config.
func PublisherConnect(cfg Config) (*Publisher, error) {
	s, err := connect(cfg)
	if err != nil {
		return nil, err
	}
	return &Publisher{socket: s}, nil
}

// Notify publishes the settlement event on the institution subject.
func (p *Publisher) Notify(_ context.Context, e settlement.Event) error {
	msg, err := Encode(e)
	if err != nil {
		return err
	}
	return p.conn.Publish(subject(e.InstitutionRef), msg)
}
