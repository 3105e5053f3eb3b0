// Package agentlink maintains one reconnecting WebSocket connection
// per slot to the in-container agent, translating its wire events
// into typed values for the supervisor.
package agentlink

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"agent/logger"
)

const (
	maxReconnectAttempts = 15
	initialBackoff       = time.Second
	connectTimeout       = 5 * time.Second
)

// Kind discriminates an Event's payload.
type Kind string

const (
	SetState Kind = "node:setState"
	SetLabel Kind = "node:setLabel"
	SetParam Kind = "node:setParam"
	Deleted  Kind = "node:deleted"
)

// Event is one decoded message from the in-container agent.
type Event struct {
	Kind Kind

	// SetState
	ID string
	IP string

	// SetLabel
	LabelName  string
	LabelValue string

	// SetParam
	Param string
	Value string

	// Deleted
	IsError     bool
	Message     string
	SessionData string
}

type wireMessage struct {
	Type        string `json:"type"`
	ID          string `json:"id,omitempty"`
	IP          string `json:"ip,omitempty"`
	LabelName   string `json:"labelName,omitempty"`
	LabelValue  string `json:"labelValue,omitempty"`
	Param       string `json:"param,omitempty"`
	Value       string `json:"value,omitempty"`
	IsError     bool   `json:"isError,omitempty"`
	Message     string `json:"message,omitempty"`
	SessionData string `json:"sessionData,omitempty"`
}

// Link owns one reconnecting connection to a single slot's agent.
// Events arrive on Events() in the order the agent sent them; callers
// must drain it to avoid blocking the read loop.
type Link struct {
	slotName   string
	dialer     websocket.Dialer
	events     chan Event
	disconnect chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// New builds a Link that will dial addr (host:port of the slot's app
// port) once Run is called.
func New(slotName string) *Link {
	return &Link{
		slotName:   slotName,
		dialer:     websocket.Dialer{HandshakeTimeout: connectTimeout},
		events:     make(chan Event, 32),
		disconnect: make(chan struct{}, 1),
	}
}

// Events returns the channel events are published on.
func (l *Link) Events() <-chan Event {
	return l.events
}

// Disconnected signals once per dropped connection (not on an
// explicit Close). Buffered by one; a pending signal is not
// duplicated if the consumer hasn't drained it yet.
func (l *Link) Disconnected() <-chan struct{} {
	return l.disconnect
}

// Run dials addr and processes inbound messages until ctx is
// cancelled or the reconnect budget is exhausted. It blocks; call it
// in its own goroutine.
func (l *Link) Run(ctx context.Context, addr string) error {
	target := url.URL{Scheme: "ws", Host: addr, Path: "/agent"}

	backoff := initialBackoff
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		conn, _, err := l.dialer.DialContext(dialCtx, target.String(), nil)
		cancel()
		if err != nil {
			logger.Debug("agent link dial failed",
				zap.String("slot", l.slotName), zap.Int("attempt", attempt), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		attempt = 0 // reset the budget on a successful connect
		backoff = initialBackoff
		l.setConn(conn)

		readErr := l.readLoop(ctx, conn)
		l.setConn(nil)
		conn.Close()

		if l.isClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Debug("agent link disconnected", zap.String("slot", l.slotName), zap.Error(readErr))
		select {
		case l.disconnect <- struct{}{}:
		default:
		}
	}
	return fmt.Errorf("agent link %s: exhausted %d reconnect attempts", l.slotName, maxReconnectAttempts)
}

func (l *Link) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg wireMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			logger.Warn("agent link malformed message", zap.String("slot", l.slotName), zap.Error(err))
			continue
		}

		ev, ok := toEvent(msg)
		if !ok {
			continue
		}

		select {
		case l.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func toEvent(msg wireMessage) (Event, bool) {
	switch Kind(msg.Type) {
	case SetState:
		return Event{Kind: SetState, ID: msg.ID, IP: msg.IP}, true
	case SetLabel:
		return Event{Kind: SetLabel, LabelName: msg.LabelName, LabelValue: msg.LabelValue}, true
	case SetParam:
		return Event{Kind: SetParam, Param: msg.Param, Value: msg.Value}, true
	case Deleted:
		return Event{Kind: Deleted, IsError: msg.IsError, Message: msg.Message, SessionData: msg.SessionData}, true
	default:
		return Event{}, false
	}
}

// Close stops the read loop and suppresses further reconnect attempts.
func (l *Link) Close() {
	l.mu.Lock()
	l.closed = true
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (l *Link) setConn(c *websocket.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn = c
}

func (l *Link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
