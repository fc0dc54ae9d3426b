package repopostgre

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/bartossh/Fiduciary/logger"
	"github.com/bartossh/Fiduciary/transaction"
)

// ChannelTransactionRequests is the postgres notification channel of transaction requests changes.
const ChannelTransactionRequests = "transaction_requests_changes"

const (
	ActionInsert = "INSERT"
	ActionUpdate = "UPDATE"
)

const (
	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
	pingInterval         = 90 * time.Second
)

// Notification represents notification from database.
type Notification struct {
	Table  string `json:"table"`
	Action string `json:"action"`
	Data   struct {
		ID             string             `json:"id"`
		InstitutionRef string             `json:"institution_ref"`
		Status         transaction.Status `json:"-"`
		RawStatus      uint8              `json:"status"`
		SettlementRef  string             `json:"settlement_ref"`
	} `json:"data"`
}

// Listener wraps listener for notifications from database.
type Listener struct {
	inner *pq.Listener
}

// Listen creates Listener of transaction requests changes.
func Listen(conn string, report func(ev pq.ListenerEventType, err error)) (Listener, error) {
	l := pq.NewListener(conn, minReconnectInterval, maxReconnectInterval, report)
	if err := l.Listen(ChannelTransactionRequests); err != nil {
		l.Close()
		return Listener{}, errors.Join(ErrListenFailed, err)
	}
	return Listener{inner: l}, nil
}

// Close closes the listener.
func (l Listener) Close() error {
	return l.inner.Close()
}

// SubscribeTransactionRequests calls handle with every transaction request change until context is done.
func (l Listener) SubscribeTransactionRequests(ctx context.Context, handle func(Notification), log logger.Logger) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-l.inner.Notify:
				if n == nil {
					log.Warn("postgres listener reconnected, notifications may have been lost")
					continue
				}
				notification, err := parseNotification(n.Extra)
				if err != nil {
					log.Warn(fmt.Sprintf("postgres listener received malformed notification, %s", err))
					continue
				}
				handle(notification)
			case <-time.After(pingInterval):
				if err := l.inner.Ping(); err != nil {
					log.Error(fmt.Sprintf("postgres listener ping failed, %s", err))
				}
			}
		}
	}()
}

func parseNotification(extra string) (Notification, error) {
	var n Notification
	if err := json.Unmarshal([]byte(extra), &n); err != nil {
		return Notification{}, errors.Join(ErrUnmarshalFailed, err)
	}
	n.Data.Status = transaction.Status(n.Data.RawStatus)
	if n.Data.Status.String() == "Unknown" {
		return Notification{}, transaction.ErrUnknownStatus
	}
	return n, nil
}
