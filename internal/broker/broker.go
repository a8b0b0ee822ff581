// Package broker holds the persistent connections: desktop bindings,
// the viewer group, command routing and status fan-out.
package broker

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/MrSnakeDoc/ally-relay/internal/config"
	"github.com/MrSnakeDoc/ally-relay/internal/domain"
	"github.com/MrSnakeDoc/ally-relay/internal/logger"
	"github.com/MrSnakeDoc/ally-relay/internal/registry"
	"github.com/MrSnakeDoc/ally-relay/internal/utils"
)

const supersededReason = "superseded by a newer connection"

// Options tunes the WebSocket side of the broker.
type Options struct {
	ReadBuffer     int
	WriteBuffer    int
	MaxMessageSize int64
	SendQueue      int
	PongWait       time.Duration
	PingPeriod     time.Duration
	WriteWait      time.Duration
	RatePerSecond  float64
	RateBurst      int
	AllowedOrigins []string // empty => any origin
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return Options{
		ReadBuffer:     4096,
		WriteBuffer:    4096,
		MaxMessageSize: 1 << 20,
		SendQueue:      256,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		WriteWait:      10 * time.Second,
		RatePerSecond:  50,
		RateBurst:      100,
	}
}

// OptionsFromConfig maps the process config onto broker options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ReadBuffer:     cfg.WSReadBuffer,
		WriteBuffer:    cfg.WSWriteBuffer,
		MaxMessageSize: cfg.WSMaxMessageSize,
		SendQueue:      cfg.WSSendQueue,
		PongWait:       cfg.WSPongWait,
		PingPeriod:     cfg.PingPeriod(),
		WriteWait:      cfg.WSWriteWait,
		RatePerSecond:  cfg.WSRatePerSecond,
		RateBurst:      cfg.WSRateBurst,
		AllowedOrigins: cfg.AllowedOrigins,
	}
}

// Broker owns every live connection and is the only caller of the
// registry mutations that produce deltas.
type Broker struct {
	reg      *registry.Registry
	log      logger.Logger
	opts     Options
	upgrader websocket.Upgrader
	mirror   *mirrorQueue

	// seq serializes "mutate registry, then broadcast" so viewers see
	// deltas in commit order.
	seq sync.Mutex

	mu    sync.RWMutex
	conns map[string]*client

	fan    *fanout
	closed atomic.Bool
}

// Option customizes a Broker.
type Option func(*Broker)

// WithMirror forwards every delta to m after viewers received it.
func WithMirror(m Mirror) Option {
	return func(b *Broker) {
		if m != nil {
			b.mirror = newMirrorQueue(m, b.log)
		}
	}
}

func New(reg *registry.Registry, log logger.Logger, opts Options, extra ...Option) *Broker {
	b := &Broker{
		reg:   reg,
		log:   log,
		opts:  opts,
		conns: make(map[string]*client),
		fan:   newFanout(),
	}
	b.upgrader = makeUpgrader(opts)
	for _, o := range extra {
		o(b)
	}
	return b
}

func makeUpgrader(opts Options) websocket.Upgrader {
	match := utils.OriginMatcher(opts.AllowedOrigins)

	return websocket.Upgrader{
		ReadBufferSize:  opts.ReadBuffer,
		WriteBufferSize: opts.WriteBuffer,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Native desktop clients send no Origin.
			if origin == "" {
				return true
			}
			return match(origin)
		},
	}
}

// ServeHTTP upgrades the request and starts the connection pumps.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if b.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		b.log.Warn("websocket upgrade failed", logger.Error(err))
		return
	}

	id := uuid.NewString()
	c := &client{
		id:      id,
		conn:    conn,
		broker:  b,
		log:     b.log.With(logger.String("conn_id", id)),
		limiter: rate.NewLimiter(rate.Limit(b.opts.RatePerSecond), b.opts.RateBurst),
		send:    make(chan []byte, b.opts.SendQueue),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.conns[id] = c
	b.mu.Unlock()

	c.log.Debug("connection opened", logger.String("remote", r.RemoteAddr))

	go c.writePump()
	go c.readPump()

	if b.closed.Load() {
		c.shutdown()
	}
}

func (b *Broker) lookup(connID string) (*client, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.conns[connID]
	return c, ok
}

func (b *Broker) connectDesktop(c *client, token string) error {
	c.mu.Lock()
	r, old := c.role, c.token
	c.mu.Unlock()
	if r == roleViewer {
		return fmt.Errorf("%w: a viewer connection cannot announce a desktop", domain.ErrInvalidInput)
	}

	b.seq.Lock()
	defer b.seq.Unlock()

	instanceID, ok := b.reg.InstanceID(token)
	if !ok {
		return domain.ErrNotFound
	}

	if old != "" && old != token {
		if d, ok := b.reg.Unbind(old, c.id); ok {
			b.broadcastLocked(d)
		}
	}

	delta, previous, err := b.reg.Bind(token, c.id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.role = roleDesktop
	c.token = token
	c.mu.Unlock()

	if previous != "" {
		if prev, ok := b.lookup(previous); ok {
			prev.log.Info("connection superseded", logger.String("instance_id", instanceID))
			prev.evict(supersededReason)
		}
	}

	c.log.Info("desktop bound", logger.String("instance_id", instanceID))
	b.broadcastLocked(delta)
	return nil
}

func (b *Broker) joinViewer(c *client, clientID string) error {
	c.mu.Lock()
	if c.role == roleDesktop {
		c.mu.Unlock()
		return fmt.Errorf("%w: a desktop connection cannot join as a viewer", domain.ErrInvalidInput)
	}
	c.role = roleViewer
	c.clientID = clientID
	c.mu.Unlock()

	if err := b.fan.join(c, b.reg.List); err != nil {
		return err
	}
	c.log.Info("viewer joined", logger.String("client_id", clientID))
	return nil
}

// disconnect runs once per connection, from its read pump.
func (b *Broker) disconnect(c *client) {
	b.mu.Lock()
	delete(b.conns, c.id)
	b.mu.Unlock()

	r, token := c.identity()
	switch r {
	case roleViewer:
		b.fan.leave(c.id)
	case roleDesktop:
		b.seq.Lock()
		if d, ok := b.reg.Unbind(token, c.id); ok {
			b.broadcastLocked(d)
			c.log.Info("desktop disconnected", logger.String("instance_id", d.ID))
		}
		b.seq.Unlock()
	}
	c.log.Debug("connection closed", logger.String("role", r.String()))
}

// pushStatus applies an ally:status patch sent over a connection.
// A bound desktop may only patch its own instance.
func (b *Broker) pushStatus(c *client, token string, patch domain.Patch) error {
	r, bound := c.identity()
	if r == roleDesktop {
		if token == "" {
			token = bound
		} else if token != bound {
			return domain.ErrUnauthorized
		}
	}
	if token == "" {
		return fmt.Errorf("%w: token is required", domain.ErrInvalidInput)
	}

	b.seq.Lock()
	defer b.seq.Unlock()

	delta, err := b.reg.PatchByToken(token, patch)
	if err != nil {
		return err
	}
	b.broadcastLocked(delta)
	return nil
}

// broadcastLocked sends a delta to every viewer and then to the mirror.
// Callers hold b.seq.
func (b *Broker) broadcastLocked(d domain.Delta) {
	dropped := b.fan.broadcast(EventAllyStatus, d)
	for _, c := range dropped {
		c.log.Warn("dropping slow viewer")
		c.shutdown()
	}
	if b.mirror != nil {
		b.mirror.push(d)
	}
}

// Stats reports open connections and joined viewers.
func (b *Broker) Stats() (connections, viewers int) {
	b.mu.RLock()
	connections = len(b.conns)
	b.mu.RUnlock()
	return connections, b.fan.count()
}

// MirrorEnabled reports whether deltas are forwarded to a mirror.
func (b *Broker) MirrorEnabled() bool { return b.mirror != nil }

// Shutdown closes every connection and stops the mirror queue.
// New upgrades are refused afterwards.
func (b *Broker) Shutdown() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}

	b.mu.RLock()
	all := make([]*client, 0, len(b.conns))
	for _, c := range b.conns {
		all = append(all, c)
	}
	b.mu.RUnlock()

	for _, c := range all {
		c.shutdown()
	}
	b.log.Info("broker closed connections", logger.Int("count", len(all)))

	if b.mirror != nil {
		b.seq.Lock()
		b.mirror.close()
		b.seq.Unlock()
		b.mirror.wait()
	}
}
