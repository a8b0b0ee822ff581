package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/MrSnakeDoc/ally-relay/internal/domain"
	"github.com/MrSnakeDoc/ally-relay/internal/logger"
)

type role int

const (
	roleNone role = iota
	roleDesktop
	roleViewer
)

func (r role) String() string {
	switch r {
	case roleDesktop:
		return "desktop"
	case roleViewer:
		return "viewer"
	default:
		return "none"
	}
}

// client is one WebSocket peer. readPump is its only reader and
// writePump its only writer; everything else talks to it through send.
type client struct {
	id      string
	conn    *websocket.Conn
	broker  *Broker
	log     logger.Logger
	limiter *rate.Limiter

	send chan []byte
	done chan struct{}

	mu       sync.Mutex
	role     role
	token    string
	clientID string

	evicted   atomic.Bool
	closeOnce sync.Once
	leaveOnce sync.Once
}

func (c *client) identity() (role, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role, c.token
}

// enqueue hands a frame to writePump without blocking.
// It reports false when the queue is full or the client is closing.
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) sendEvent(event string, data any) {
	frame, err := encode(event, data)
	if err != nil {
		c.log.Error("failed to encode event", logger.String("event", event), logger.Error(err))
		return
	}
	if !c.enqueue(frame) {
		c.log.Debug("dropped frame for closing or saturated connection", logger.String("event", event))
	}
}

func (c *client) sendError(event string, err error) {
	c.sendEvent(EventError, errorPayload{Message: err.Error(), Event: event})
}

// shutdown asks writePump to flush what is queued, send a close frame
// and close the socket. Safe to call from any goroutine, any number of times.
func (c *client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// evict marks the client superseded, tells it why and closes it.
// Frames it still sends are ignored from this point.
func (c *client) evict(reason string) {
	c.evicted.Store(true)
	c.sendEvent(EventError, errorPayload{Message: reason})
	c.shutdown()
}

func (c *client) readPump() {
	defer func() {
		c.leaveOnce.Do(func() { c.broker.disconnect(c) })
		c.shutdown()
	}()

	opts := c.broker.opts
	c.conn.SetReadLimit(opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read error", logger.Error(err))
			}
			return
		}
		c.handle(data)
	}
}

func (c *client) writePump() {
	opts := c.broker.opts
	ticker := time.NewTicker(opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	write := func(frame []byte) bool {
		_ = c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.log.Debug("websocket write error", logger.Error(err))
			c.shutdown()
			return false
		}
		return true
	}

	for {
		select {
		case frame := <-c.send:
			if !write(frame) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			// Flush queued frames (an eviction notice, a final error) before closing.
			for {
				select {
				case frame := <-c.send:
					if !write(frame) {
						return
					}
				default:
					_ = c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(opts.WriteWait))
					return
				}
			}
		}
	}
}

// handle processes one inbound frame. A bad frame only ever produces an
// error event for this connection.
func (c *client) handle(data []byte) {
	var env Envelope

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic while handling frame",
				logger.String("event", env.Event),
				logger.Any("panic", r))
			c.sendError(env.Event, errors.New("internal error"))
		}
	}()

	if c.evicted.Load() {
		c.log.Debug("ignoring frame from evicted connection")
		return
	}

	if !c.limiter.Allow() {
		c.sendError("", fmt.Errorf("%w: rate limit exceeded", domain.ErrInvalidInput))
		return
	}

	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		c.log.Debug("malformed frame", logger.Int("bytes", len(data)))
		c.sendError("", fmt.Errorf("%w: malformed message", domain.ErrInvalidInput))
		return
	}

	var err error
	switch env.Event {
	case EventAllyConnect:
		err = c.onAllyConnect(env)
	case EventWebConnect:
		err = c.onWebConnect(env)
	case EventCommandSend:
		err = c.onCommandSend(env)
	case EventResponseSend:
		err = c.onResponseSend(env)
	case EventAllyStatus:
		err = c.onStatusPush(env)
	default:
		err = fmt.Errorf("%w: unknown event %q", domain.ErrInvalidInput, env.Event)
	}

	if err != nil {
		c.log.Debug("rejected frame", logger.String("event", env.Event), logger.Error(err))
		c.sendError(env.Event, err)
	}
}

func (c *client) onAllyConnect(env Envelope) error {
	var p allyConnectPayload
	if err := decode(env, &p); err != nil {
		return err
	}
	if p.Token == "" {
		return fmt.Errorf("%w: token is required", domain.ErrInvalidInput)
	}
	return c.broker.connectDesktop(c, p.Token)
}

func (c *client) onWebConnect(env Envelope) error {
	var p webConnectPayload
	if len(env.Data) > 0 {
		if err := decode(env, &p); err != nil {
			return err
		}
	}
	return c.broker.joinViewer(c, p.ClientID)
}

func (c *client) onCommandSend(env Envelope) error {
	if r, _ := c.identity(); r != roleViewer {
		return fmt.Errorf("%w: send web:connect before issuing commands", domain.ErrInvalidInput)
	}
	var p commandSendPayload
	if err := decode(env, &p); err != nil {
		return err
	}
	return c.broker.SendCommand(p.Token, p.Command, p.Payload)
}

func (c *client) onResponseSend(env Envelope) error {
	var p responseSendPayload
	if err := decode(env, &p); err != nil {
		return err
	}
	return c.broker.SendResponse(c, p.Response, p.Type)
}

func (c *client) onStatusPush(env Envelope) error {
	var p statusPushPayload
	if err := decode(env, &p); err != nil {
		return err
	}
	return c.broker.pushStatus(c, p.Token, p.Patch)
}
