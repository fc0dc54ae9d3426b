package natsclient

import (
	"errors"
	"net/url"

	"github.com/nats-io/nats.go"
)

// SubjectSettlement is the root subject of settlement events, followed by the institution ledger id.
const SubjectSettlement string = "fiduciary.settlement"

var ErrInvalidAddress = errors.New("invalid nats server address")

// Config contains all arguments required to connect to the nats service.
type Config struct {
	Address string `yaml:"server_address"`
	Name    string `yaml:"client_name"`
	Token   string `yaml:"token"`
}

type socket struct {
	conn *nats.Conn
}

func connect(cfg Config) (*socket, error) {
	u, err := url.Parse(cfg.Address)
	if err != nil || u.Host == "" {
		return nil, errors.Join(ErrInvalidAddress, err)
	}
	opts := []nats.Option{nats.Name(cfg.Name)}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	conn, err := nats.Connect(cfg.Address, opts...)
	if err != nil {
		return nil, err
	}
	return &socket{conn: conn}, nil
}

// Disconnect drains the message queue and disconnects from the pub/sub.
// Nats Drain will put a connection into a drain state.
// All subscriptions will immediately be put into a drain state.
// Upon completion, the publishers will be drained and can not publish any additional messages.
func (s *socket) Disconnect() error {
	return s.conn.Drain()
}

func subject(institutionRef string) string {
	if institutionRef == "" {
		return SubjectSettlement + ".>"
	}
	return SubjectSettlement + "." + institutionRef
}
