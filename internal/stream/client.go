// Package stream maintains one persistent websocket connection with automatic
// reconnection, heartbeat liveness checks and a bounded outbound queue.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kfishgm/btcbot-sub001/internal/logger"
	"github.com/kfishgm/btcbot-sub001/internal/notify"
	"github.com/kfishgm/btcbot-sub001/internal/types"
	"github.com/kfishgm/btcbot-sub001/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// OnOpenCallback is called after every successful (re)open, once the queue is flushed.
type OnOpenCallback func(connectionID string)

// OnMessageCallback is called with every inbound data frame, uninterpreted.
type OnMessageCallback func(data []byte)

// OnStateChangeCallback is called on every state transition.
type OnStateChangeCallback func(change types.StateChange)

// OnErrorCallback is called for non-fatal transport errors.
type OnErrorCallback func(err error)

// OnMaxRetriesCallback is called once when the retry budget is exhausted.
type OnMaxRetriesCallback func(attempts int)

// OnQueueDropCallback is called with each outbound message evicted from a full queue.
type OnQueueDropCallback func(payload []byte)

// Callbacks holds the client notifications. Nil fields are not called.
// All callbacks run in order on the client's dispatcher goroutine.
type Callbacks struct {
	OnOpen        *OnOpenCallback
	OnMessage     *OnMessageCallback
	OnStateChange *OnStateChangeCallback
	OnError       *OnErrorCallback
	OnMaxRetries  *OnMaxRetriesCallback
	OnQueueDrop   *OnQueueDropCallback
}

// Client is a reconnecting websocket client. All methods are safe for concurrent use.
type Client struct {
	cfg       Config
	dialer    Dialer
	policy    *ReconnectPolicy
	callbacks Callbacks
	dispatch  *notify.Dispatcher
	ownsQueue bool
	log       *logger.Logger
	tracer    trace.Tracer

	// writeMu orders data frame writes. Never acquire c.mu while holding it.
	writeMu sync.Mutex

	mu          sync.Mutex
	state       types.ConnectionState
	generation  uint64
	intentional bool
	conn        *websocket.Conn
	connID      string
	cancelDial  context.CancelFunc
	reconnect   *time.Timer
	pongTimer   *time.Timer
	stopBeat    chan struct{}
	attempts    int
	queue       *outboundQueue

	sent            uint64
	received        uint64
	dropped         uint64
	totalReconnects uint64
	connectedAt     time.Time
	disconnectedAt  time.Time
}

// NewClient creates a client in the Disconnected state.
// A nil dialer uses a gorilla dialer honoring cfg.HandshakeTimeout; a nil
// dispatcher gives the client its own, released by Close.
func NewClient(cfg Config, dialer Dialer, dispatcher *notify.Dispatcher, log *logger.Logger, callbacks Callbacks) *Client {
	cfg.applyDefaults()

	if dialer == nil {
		dialer = &websocket.Dialer{ //nolint:exhaustruct // library defaults
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}

	owns := false
	if dispatcher == nil {
		dispatcher = notify.NewDispatcher()
		owns = true
	}

	return &Client{ //nolint:exhaustruct // counters start at zero
		cfg:       cfg,
		dialer:    dialer,
		policy:    NewReconnectPolicy(cfg.Reconnect),
		callbacks: callbacks,
		dispatch:  dispatcher,
		ownsQueue: owns,
		log:       log.Named("stream").With(zap.String("url", cfg.URL)),
		tracer:    otel.Tracer("github.com/kfishgm/btcbot-sub001/internal/stream"),
		state:     types.ConnectionStateDisconnected,
		queue:     newOutboundQueue(cfg.MaxQueueSize),
	}
}

// Connect starts connecting. It is a no-op while Connecting or Connected;
// while Reconnecting it cancels the pending retry and dials immediately.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == types.ConnectionStateConnecting || c.state == types.ConnectionStateConnected {
		return
	}

	c.intentional = false
	c.stopReconnectLocked()
	// Resuming after the retry budget ran out starts a fresh budget.
	if c.state == types.ConnectionStateDisconnected {
		c.attempts = 0
	}
	c.startDialLocked()
}

// Disconnect closes the connection on purpose, cancelling any pending retry or
// in-flight dial. It never triggers reconnection and is idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.intentional = true

	if c.state == types.ConnectionStateDisconnected || c.state == types.ConnectionStateDisconnecting {
		c.mu.Unlock()

		return
	}

	c.generation++
	c.stopReconnectLocked()

	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}

	c.stopHeartbeatLocked()

	conn := c.conn
	c.conn = nil
	c.setStateLocked(types.ConnectionStateDisconnecting)
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			c.log.Debug("Failed to send close frame", zap.Error(err))
		}

		_ = conn.Close()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == types.ConnectionStateDisconnecting {
		c.disconnectedAt = time.Now()
		c.setStateLocked(types.ConnectionStateDisconnected)
	}
}

// Close disconnects and releases the dispatcher if the client created it,
// delivering every outstanding callback first.
func (c *Client) Close() {
	c.Disconnect()

	if c.ownsQueue {
		c.dispatch.Close()
	}
}

// Send writes msg as JSON when connected, otherwise queues it for the next open.
// A []byte or json.RawMessage is sent as is. Only encoding errors are returned.
// The socket write runs outside the client lock, bounded by WriteTimeout.
func (c *Client) Send(msg any) error {
	var payload []byte

	switch v := msg.(type) {
	case json.RawMessage:
		payload = append([]byte(nil), v...)
	case []byte:
		payload = append([]byte(nil), v...)
	default:
		encoded, err := json.Marshal(msg)
		if err != nil {
			return errors.Wrap(errors.ErrCodeEncodeFailed, "failed to encode outbound message", err)
		}

		payload = encoded
	}

	c.mu.Lock()
	if c.state != types.ConnectionStateConnected || c.conn == nil {
		c.enqueueLocked(payload)
		c.mu.Unlock()

		return nil
	}

	conn, gen := c.conn, c.generation
	c.mu.Unlock()

	err := c.write(conn, payload)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		// Keep the message for the next connection.
		c.enqueueLocked(payload)

		if gen == c.generation {
			c.connectionLostLocked(errors.Wrap(errors.ErrCodeWriteFailed, "failed to write message", err))
		}

		return nil
	}

	c.sent++

	return nil
}

// State returns the current connection state.
func (c *Client) State() types.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Stats returns a snapshot of the connection counters.
func (c *Client) Stats() types.ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := types.ConnectionStats{
		ConnectionID:      c.connID,
		State:             c.state,
		Sent:              c.sent,
		Received:          c.received,
		Dropped:           c.dropped,
		QueueLength:       c.queue.len(),
		ReconnectAttempts: c.attempts,
		TotalReconnects:   c.totalReconnects,
		ConnectedAt:       c.connectedAt,
		DisconnectedAt:    c.disconnectedAt,
		Uptime:            0,
	}

	if c.state == types.ConnectionStateConnected {
		stats.Uptime = time.Since(c.connectedAt)
	}

	return stats
}

func (c *Client) startDialLocked() {
	c.generation++
	gen := c.generation

	c.setStateLocked(types.ConnectionStateConnecting)

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)

	if c.cfg.HandshakeTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	c.cancelDial = cancel

	go c.dial(ctx, cancel, gen)
}

func (c *Client) dial(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	ctx, span := c.tracer.Start(ctx, "stream.dial",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("url", c.cfg.URL)))

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
	}

	span.End()
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation || c.intentional {
		if conn != nil {
			_ = conn.Close()
		}

		return
	}

	c.cancelDial = nil

	if err != nil {
		c.log.Warn("Failed to connect", zap.Error(err), zap.Int("attempt", c.attempts))
		c.emitErrorLocked(errors.Wrap(errors.ErrCodeConnectionFailed, "failed to dial stream", err))
		c.scheduleReconnectLocked()

		return
	}

	c.openLocked(gen, conn)
}

// openLocked runs the successful-open sequence: flush, reset attempts,
// heartbeat, OnOpen, then start reading.
func (c *Client) openLocked(gen uint64, conn *websocket.Conn) {
	c.conn = conn
	c.connID = uuid.NewString()
	c.connectedAt = time.Now()
	c.log.Info("Stream connected", zap.String("connection_id", c.connID))

	conn.SetPongHandler(func(string) error {
		c.handlePong(gen)

		return nil
	})

	c.setStateLocked(types.ConnectionStateConnected)

	if err := c.flushLocked(); err != nil {
		c.connectionLostLocked(errors.Wrap(errors.ErrCodeWriteFailed, "failed to flush queued messages", err))

		return
	}

	c.attempts = 0

	stop := make(chan struct{})
	c.stopBeat = stop

	go c.heartbeat(gen, conn, stop)

	connID := c.connID
	if c.callbacks.OnOpen != nil {
		fn := *c.callbacks.OnOpen
		c.dispatch.Submit(func() { fn(connID) })
	}

	go c.readLoop(gen, conn)
}

// flushLocked writes queued messages oldest first. An entry is removed
// only after its write succeeds.
func (c *Client) flushLocked() error {
	for {
		payload, ok := c.queue.peek()
		if !ok {
			return nil
		}

		if err := c.write(c.conn, payload); err != nil {
			return err
		}

		c.sent++
		c.queue.pop()
	}
}

// write serializes data frames on conn. It does not take c.mu, so a slow
// peer stalls only other writers.
func (c *Client) write(conn *websocket.Conn, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}

	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) enqueueLocked(payload []byte) {
	for _, old := range c.queue.push(payload) {
		c.dropped++
		c.log.Debug("Outbound queue full, dropping oldest message", zap.Int("max_queue_size", c.cfg.MaxQueueSize))

		if c.callbacks.OnQueueDrop != nil {
			fn := *c.callbacks.OnQueueDrop
			c.dispatch.Submit(func() { fn(old) })
		}
	}
}

func (c *Client) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleConnectionLoss(gen, errors.Wrap(errors.ErrCodeConnectionLost, "stream read failed", err))

			return
		}

		c.mu.Lock()
		if gen != c.generation {
			c.mu.Unlock()

			return
		}

		c.received++
		if c.callbacks.OnMessage != nil {
			fn := *c.callbacks.OnMessage
			c.dispatch.Submit(func() { fn(data) })
		}
		c.mu.Unlock()
	}
}

func (c *Client) heartbeat(gen uint64, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.handleConnectionLoss(gen, errors.Wrap(errors.ErrCodeWriteFailed, "failed to send ping", err))

				return
			}

			c.armPongDeadline(gen)
		}
	}
}

// armPongDeadline starts the pong timer unless one is already running.
func (c *Client) armPongDeadline(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation || c.pongTimer != nil {
		return
	}

	c.pongTimer = time.AfterFunc(c.cfg.PongTimeout, func() {
		c.handlePongTimeout(gen)
	})
}

func (c *Client) handlePong(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation || c.pongTimer == nil {
		return
	}

	c.pongTimer.Stop()
	c.pongTimer = nil
}

func (c *Client) handlePongTimeout(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation || c.state != types.ConnectionStateConnected {
		return
	}

	c.pongTimer = nil
	c.log.Warn("Pong not received in time", zap.Duration("pong_timeout", c.cfg.PongTimeout))
	c.connectionLostLocked(errors.Newf(errors.ErrCodePingTimeout, "no pong within %s", c.cfg.PongTimeout))
}

func (c *Client) handleConnectionLoss(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		return
	}

	c.connectionLostLocked(err)
}

// connectionLostLocked tears down the current socket after an unintentional
// close and schedules the next attempt.
func (c *Client) connectionLostLocked(err error) {
	if c.intentional || c.state != types.ConnectionStateConnected {
		return
	}

	c.generation++
	c.stopHeartbeatLocked()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	c.disconnectedAt = time.Now()
	c.log.Warn("Stream connection lost", zap.Error(err), zap.String("connection_id", c.connID))
	c.emitErrorLocked(err)
	c.scheduleReconnectLocked()
}

func (c *Client) scheduleReconnectLocked() {
	if c.policy.Exhausted(c.attempts) {
		attempts := c.attempts
		c.log.Error("Reconnect attempts exhausted", zap.Int("attempts", attempts))
		c.setStateLocked(types.ConnectionStateDisconnected)
		c.emitErrorLocked(errors.Newf(errors.ErrCodeMaxRetries, "gave up after %d reconnect attempts", attempts))

		if c.callbacks.OnMaxRetries != nil {
			fn := *c.callbacks.OnMaxRetries
			c.dispatch.Submit(func() { fn(attempts) })
		}

		return
	}

	delay := c.policy.Delay(c.attempts)
	c.attempts++
	c.totalReconnects++
	c.setStateLocked(types.ConnectionStateReconnecting)
	c.log.Info("Scheduling reconnect", zap.Duration("delay", delay), zap.Int("attempt", c.attempts))

	gen := c.generation
	c.reconnect = time.AfterFunc(delay, func() {
		c.fireReconnect(gen)
	})
}

func (c *Client) fireReconnect(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation || c.intentional || c.state != types.ConnectionStateReconnecting {
		return
	}

	c.reconnect = nil
	c.startDialLocked()
}

func (c *Client) stopReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

func (c *Client) stopHeartbeatLocked() {
	if c.stopBeat != nil {
		close(c.stopBeat)
		c.stopBeat = nil
	}

	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
}

func (c *Client) setStateLocked(to types.ConnectionState) {
	if c.state == to {
		return
	}

	change := types.StateChange{From: c.state, To: to, At: time.Now()}
	c.state = to

	if c.callbacks.OnStateChange != nil {
		fn := *c.callbacks.OnStateChange
		c.dispatch.Submit(func() { fn(change) })
	}
}

func (c *Client) emitErrorLocked(err error) {
	if c.callbacks.OnError != nil {
		fn := *c.callbacks.OnError
		c.dispatch.Submit(func() { fn(err) })
	}
}
