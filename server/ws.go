package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/bartossh/Fiduciary/logger"
	"github.com/bartossh/Fiduciary/settlement"
	"github.com/bartossh/Fiduciary/token"
)

const (
	hubInnerChannelsBufferSize      = 100
	socketWriteWait                 = 10 * time.Second
	socketPongWait                  = 20 * time.Second
	socketPingPeriod                = (socketPongWait * 4) / 5
	socketMaxMessageSize            = 4096
	clientMessageChannelsBufferSize = 512
	socketsCountLimit               = 1000
)

const (
	CommandEcho       = "echo"
	CommandSettlement = "command_settlement"
)

// Message is the message that is used to exchange information between
// the server and the client.
type Message struct {
	Command string            `json:"command"`         // Command is the command that refers to the action handler in websocket protocol.
	Error   string            `json:"error,omitempty"` // Error is the error message that is sent to the client.
	Event   *settlement.Event `json:"event,omitempty"` // Event is the change of the transaction request of the client institution.
}

type socket struct {
	userID   string
	ledgerID string
	hub      *hub
	conn     *websocket.Conn
	send     chan []byte
	log      logger.Logger
}

func (s *server) wsWrapper(ctx context.Context, c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	claims, _ := c.Locals(claimsKey).(token.Claims)
	ledgerID, err := s.identity.LedgerID(c.Context(), claims.InstitutionID)
	if err != nil {
		return s.fail(c, "websocket", err)
	}

	client := &socket{
		userID:   claims.UserID,
		ledgerID: ledgerID,
		hub:      s.hub,
		send:     make(chan []byte, clientMessageChannelsBufferSize),
		log:      s.log,
	}

	serveWs := func(conn *websocket.Conn) {
		ctxx, cancel := context.WithCancel(ctx)
		defer cancel()
		client.conn = conn
		if !client.hub.add(ctxx, client) {
			return
		}
		go client.writePump(ctxx, cancel)
		client.readPump(ctxx, cancel)
	}
	s.log.Info(fmt.Sprintf("websocket server, new connection of user [ %s ] from address [ %s ] accepted", claims.UserID, c.IP()))

	return websocket.New(serveWs)(c)
}

func (c *socket) readPump(ctx context.Context, cancel context.CancelFunc) {
	c.conn.SetReadLimit(socketMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(socketPongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(socketPongWait)); return nil })

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			switch {
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				c.log.Info(fmt.Sprintf("socket closing connection to the user [ %s ] due to unexpected error %s", c.userID, err))
			default:
				c.log.Debug(fmt.Sprintf("socket closing connection to the user [ %s ], %s", c.userID, err))
			}
			cancel()
			return
		}
		if ctx.Err() != nil {
			return
		}
		c.process(&msg)
	}
}

func (c *socket) writePump(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(socketPingPeriod)
	defer func() {
		ticker.Stop()
		c.hub.remove(c)
		err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "custodian stopped"))
		if err != nil {
			c.log.Debug(fmt.Sprintf("socket write closing msg error, %s", err.Error()))
		}
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.log.Error(fmt.Sprintf("socket closing connection to the user [ %s ] due to %s", c.userID, err))
				cancel()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Error(fmt.Sprintf("socket closing connection to the user [ %s ] due to %s", c.userID, err))
				cancel()
				return
			}
		}
	}
}

func (c *socket) process(msg *Message) {
	switch msg.Command {
	case CommandEcho:
		c.sendCommand(msg)
	default:
		c.log.Info(fmt.Sprintf("socket received unknown command %s", msg.Command))
		msg.Error = fmt.Sprintf("unknown command %s", msg.Command)
		c.sendCommand(msg)
	}
}

func (c *socket) sendCommand(msg *Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		c.log.Error(fmt.Sprintf("socket failed to marshal message: %s", err.Error()))
		return
	}
	c.deliver(raw)
}

// deliver never blocks, the message is dropped for the client that does not keep up.
func (c *socket) deliver(raw []byte) {
	select {
	case c.send <- raw:
	default:
		c.log.Warn(fmt.Sprintf("socket of user [ %s ] is full, message dropped", c.userID))
	}
}

type registration struct {
	client *socket
	ok     chan bool
}

// hub fans out settlement events to the sockets of the institution the event belongs to.
type hub struct {
	clients    map[*socket]struct{}
	broadcast  chan settlement.Event
	register   chan registration
	unregister chan *socket
	done       chan struct{}
	log        logger.Logger
}

func newHub(log logger.Logger) *hub {
	return &hub{
		broadcast:  make(chan settlement.Event, hubInnerChannelsBufferSize),
		register:   make(chan registration, hubInnerChannelsBufferSize),
		unregister: make(chan *socket, hubInnerChannelsBufferSize),
		clients:    make(map[*socket]struct{}, hubInnerChannelsBufferSize),
		done:       make(chan struct{}),
		log:        log,
	}
}

func (h *hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case r := <-h.register:
			if len(h.clients) >= socketsCountLimit {
				r.client.conn.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "max number of sockets reached"),
				)
				r.ok <- false
				continue
			}
			h.clients[r.client] = struct{}{}
			r.ok <- true
		case client := <-h.unregister:
			delete(h.clients, client)
		case e := <-h.broadcast:
			raw, err := json.Marshal(Message{Command: CommandSettlement, Event: &e})
			if err != nil {
				h.log.Error(fmt.Sprintf("hub failed to marshal message: %s", err.Error()))
				continue
			}
			for client := range h.clients {
				if client.ledgerID == e.InstitutionRef {
					client.deliver(raw)
				}
			}
		case <-ctx.Done():
			for client := range h.clients {
				delete(h.clients, client)
			}
			return
		}
	}
}

func (h *hub) add(ctx context.Context, client *socket) bool {
	r := registration{client: client, ok: make(chan bool, 1)}
	select {
	case h.register <- r:
	case <-ctx.Done():
		return false
	case <-h.done:
		return false
	}
	select {
	case ok := <-r.ok:
		return ok
	case <-h.done:
		return false
	}
}

func (h *hub) remove(client *socket) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *hub) publish(ctx context.Context, e settlement.Event) {
	select {
	case h.broadcast <- e:
	case <-ctx.Done():
	case <-h.done:
	}
}
