package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/backend/internal/inquiries"
	"github.com/MarcoPoloResearchLab/storefront/backend/internal/realtime"
	"github.com/juju/clock"
	"go.uber.org/zap"
)

// State is the lifecycle of the channel subscription.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateConnecting    State = "connecting"
	StateListening     State = "listening"
	StateReconnecting  State = "reconnecting"
	StateGivenUp       State = "given-up"
	StateDisabled      State = "disabled"
	StateClosed        State = "closed"

	publishDelivered = "delivered"
	publishDegraded  = "degraded"
	publishLocal     = "local"

	defaultBaseDelay      = time.Second
	defaultMaxAttempts    = 5
	defaultPublishTimeout = 2 * time.Second
	listenerCloseTimeout  = 5 * time.Second
)

var (
	// ErrClientClosed is returned by operations attempted after Close.
	ErrClientClosed = errors.New("notify: client closed")

	errNotInitialized = errors.New("notify: listener connection not initialized")
)

// ChannelInitError reports that the dedicated subscription connection is unavailable.
// The client keeps retrying with backoff; the rest of the process is unaffected.
type ChannelInitError struct {
	Err error
}

func (e *ChannelInitError) Error() string {
	return "notify: channel init failed: " + e.Err.Error()
}

func (e *ChannelInitError) Unwrap() error {
	return e.Err
}

// LocalEmitter delivers events inside this process.
type LocalEmitter interface {
	Publish(event realtime.Event) int
}

// ClientConfig configures the notification channel client. A nil Connector yields a
// disabled client whose publishes are delivered locally only.
type ClientConfig struct {
	Connector      Connector
	Bus            LocalEmitter
	Channel        string
	InstanceID     string
	BaseDelay      time.Duration
	MaxAttempts    int
	PublishTimeout time.Duration
	Clock          clock.Clock
	Logger         *zap.Logger
	Metrics        *realtime.Metrics
}

// Client bridges the shared channel to the local bus and publishes new-message facts.
type Client struct {
	connector      Connector
	bus            LocalEmitter
	channel        string
	instanceID     string
	baseDelay      time.Duration
	maxAttempts    int
	publishTimeout time.Duration
	clock          clock.Clock
	logger         *zap.Logger
	metrics        *realtime.Metrics

	// connectMu serializes connection attempts; mu guards the fields below it.
	connectMu    sync.Mutex
	mu           sync.Mutex
	state        State
	attempts     int
	closed       bool
	listener     Listener
	listenCancel context.CancelFunc
	timer        clock.Timer

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewClient constructs an uninitialized client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Bus == nil {
		return nil, errors.New("notify: local bus is required")
	}
	if cfg.Connector != nil && cfg.Channel == "" {
		return nil, errors.New("notify: channel name is required")
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	publishTimeout := cfg.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	state := StateUninitialized
	if cfg.Connector == nil {
		state = StateDisabled
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Client{
		connector:      cfg.Connector,
		bus:            cfg.Bus,
		channel:        cfg.Channel,
		instanceID:     cfg.InstanceID,
		baseDelay:      baseDelay,
		maxAttempts:    maxAttempts,
		publishTimeout: publishTimeout,
		clock:          clk,
		logger:         logger.With(zap.String("channel", cfg.Channel)),
		metrics:        cfg.Metrics,
		state:          state,
		baseCtx:        baseCtx,
		baseCancel:     baseCancel,
	}, nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start initializes the client and begins listening. When the channel is unavailable
// it returns a ChannelInitError and keeps retrying in the background.
func (c *Client) Start(ctx context.Context) error {
	err := c.connectAndListen(ctx)
	if err == nil || errors.Is(err, ErrClientClosed) {
		return err
	}
	c.mu.Lock()
	if !c.closed && c.timer == nil && c.state != StateListening {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()
	return err
}

// Initialize acquires the dedicated listener connection. It is a no-op while a
// connection is already held.
func (c *Client) Initialize(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	return c.initialize(ctx)
}

// StartListening subscribes the held connection to the channel and starts dispatching.
func (c *Client) StartListening(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	return c.startListening(ctx)
}

func (c *Client) connectAndListen(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	if err := c.initialize(ctx); err != nil {
		return err
	}
	return c.startListening(ctx)
}

func (c *Client) initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.connector == nil || c.listener != nil {
		c.mu.Unlock()
		return nil
	}
	previous := c.state
	c.state = StateConnecting
	c.mu.Unlock()

	listener, err := c.connector.Connect(ctx)

	c.mu.Lock()
	if err != nil {
		if !c.closed {
			c.state = previous
		}
		c.mu.Unlock()
		c.logger.Warn("channel connection unavailable", zap.Error(err))
		return &ChannelInitError{Err: err}
	}
	if c.closed {
		c.mu.Unlock()
		c.closeListener(listener)
		return ErrClientClosed
	}
	c.listener = listener
	c.mu.Unlock()
	return nil
}

func (c *Client) startListening(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.connector == nil || c.state == StateListening {
		c.mu.Unlock()
		return nil
	}
	listener := c.listener
	previous := c.state
	c.mu.Unlock()
	if listener == nil {
		return &ChannelInitError{Err: errNotInitialized}
	}

	if err := listener.Listen(ctx, c.channel); err != nil {
		c.mu.Lock()
		owned := c.listener == listener
		if owned {
			c.listener = nil
		}
		if !c.closed {
			c.state = previous
			if previous == StateConnecting {
				c.state = StateUninitialized
			}
		}
		c.mu.Unlock()
		if owned {
			c.closeListener(listener)
		}
		c.logger.Warn("channel subscribe failed", zap.Error(err))
		return &ChannelInitError{Err: err}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	loopCtx, cancel := context.WithCancel(c.baseCtx)
	c.listenCancel = cancel
	c.state = StateListening
	c.attempts = 0
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("channel listening")
	go c.listen(loopCtx, listener)
	return nil
}

func (c *Client) listen(ctx context.Context, listener Listener) {
	defer c.wg.Done()
	for {
		payload, err := listener.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.handleConnectionLoss(listener, err)
			return
		}
		c.dispatch(payload)
	}
}

func (c *Client) dispatch(payload []byte) {
	event, err := DecodePayload(payload)
	if err != nil {
		c.metrics.ObserveMalformed()
		c.logger.Warn("dropping malformed channel payload",
			zap.Int("payload_bytes", len(payload)),
			zap.Error(err))
		return
	}
	c.bus.Publish(event)
}

func (c *Client) handleConnectionLoss(listener Listener, cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	owned := c.listener == listener
	if owned {
		c.listener = nil
	}
	if c.listenCancel != nil {
		c.listenCancel()
		c.listenCancel = nil
	}
	c.logger.Warn("channel connection lost", zap.Error(cause))
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	if owned {
		c.closeListener(listener)
	}
}

// scheduleReconnectLocked arms the next reconnect after base * 2^(attempt-1), or gives
// up once the attempt budget is spent.
func (c *Client) scheduleReconnectLocked() {
	c.attempts++
	if c.attempts > c.maxAttempts {
		c.state = StateGivenUp
		c.timer = nil
		c.logger.Error("channel reconnect attempts exhausted; delivery is local only",
			zap.Int("max_attempts", c.maxAttempts))
		return
	}
	c.state = StateReconnecting
	delay := c.baseDelay << (c.attempts - 1)
	c.metrics.ObserveReconnect()
	c.logger.Info("channel reconnect scheduled",
		zap.Int("attempt", c.attempts),
		zap.Duration("delay", delay))
	c.wg.Add(1)
	// The callback may run on the clock's own goroutine, so the attempt runs separately.
	c.timer = c.clock.AfterFunc(delay, func() { go c.reconnect() })
}

func (c *Client) reconnect() {
	defer c.wg.Done()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	if err := c.connectAndListen(c.baseCtx); err != nil {
		c.mu.Lock()
		if !c.closed {
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
	}
}

// Close stops reconnecting and listening and releases the dedicated connection. The
// shared pool is left untouched.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateClosed
	if c.timer != nil {
		if c.timer.Stop() {
			c.wg.Done()
		}
		c.timer = nil
	}
	if c.listenCancel != nil {
		c.listenCancel()
		c.listenCancel = nil
	}
	c.baseCancel()
	listener := c.listener
	c.listener = nil
	c.mu.Unlock()

	c.wg.Wait()
	// Wait out an in-flight connection attempt before closing its listener.
	c.connectMu.Lock()
	c.connectMu.Unlock() //nolint:staticcheck
	if listener == nil {
		return nil
	}
	return listener.Close(ctx)
}

func (c *Client) closeListener(listener Listener) {
	ctx, cancel := context.WithTimeout(context.Background(), listenerCloseTimeout)
	defer cancel()
	if err := listener.Close(ctx); err != nil {
		c.logger.Debug("channel listener close failed", zap.Error(err))
	}
}

// Publish announces a committed message to every instance. It never fails the caller:
// when the channel is disabled, closed or failing, the event is delivered on the local
// bus only. While the listener is not subscribed, a successful shared publish is also
// delivered locally so this instance does not miss its own messages.
func (c *Client) Publish(ctx context.Context, inquiryID int64, message inquiries.MessagePayload) {
	event := realtime.Event{
		InquiryID:  inquiryID,
		Message:    message,
		Timestamp:  c.clock.Now().UTC(),
		InstanceID: c.instanceID,
	}

	c.mu.Lock()
	closed := c.closed
	state := c.state
	c.mu.Unlock()

	if c.connector == nil || closed {
		c.metrics.ObservePublish(publishLocal)
		c.bus.Publish(event)
		return
	}

	payload, err := EncodePayload(event)
	if err == nil {
		publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.publishTimeout)
		err = c.connector.Publish(publishCtx, c.channel, payload)
		cancel()
	}
	if err != nil {
		c.metrics.ObservePublish(publishDegraded)
		c.logger.Warn("channel publish degraded to local delivery",
			zap.Int64("inquiry_id", inquiryID),
			zap.Int64("message_id", message.ID),
			zap.Error(err))
		c.bus.Publish(event)
		return
	}

	c.metrics.ObservePublish(publishDelivered)
	if state != StateListening {
		c.bus.Publish(event)
	}
}
