package longpoll

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/backend/internal/inquiries"
	"github.com/MarcoPoloResearchLab/storefront/backend/internal/realtime"
	"github.com/juju/clock"
	"go.uber.org/zap"
)

const (
	OutcomeImmediate  = "resolved-immediate"
	OutcomeEvent      = "resolved-by-event"
	OutcomeTimeout    = "resolved-by-timeout"
	OutcomeDisconnect = "resolved-by-disconnect"

	defaultTimeout    = 30 * time.Second
	defaultMaxTimeout = 60 * time.Second
	defaultPageLimit  = 50
	maxPageLimit      = 100
)

var errMissingDependency = errors.New("longpoll: message source and bus are required")

// MessageSource reads committed messages newer than a cursor.
type MessageSource interface {
	MessagesAfter(ctx context.Context, inquiryID, afterID int64, limit int) ([]inquiries.MessagePayload, error)
}

// Request is one long-poll wait.
type Request struct {
	InquiryID  int64
	LastSeenID int64
	Limit      int
	Timeout    time.Duration
}

// Result is the resolution of a wait. LastMessageID is the cursor for the next poll.
type Result struct {
	Messages      []inquiries.MessagePayload
	LastMessageID int64
	Outcome       string
}

// HasNewMessages reports whether the wait produced rows.
func (r Result) HasNewMessages() bool {
	return len(r.Messages) > 0
}

// CoordinatorConfig configures the long-poll coordinator.
type CoordinatorConfig struct {
	Source         MessageSource
	Bus            *realtime.Bus
	Clock          clock.Clock
	Logger         *zap.Logger
	Metrics        *realtime.Metrics
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	PageLimit      int
}

// Coordinator resolves long-poll requests from the database, woken by bus events.
type Coordinator struct {
	source         MessageSource
	bus            *realtime.Bus
	clock          clock.Clock
	logger         *zap.Logger
	metrics        *realtime.Metrics
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	pageLimit      int

	onCleanup func()
}

// NewCoordinator validates the configuration and applies defaults.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Source == nil || cfg.Bus == nil {
		return nil, errMissingDependency
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	defaultWait := cfg.DefaultTimeout
	if defaultWait <= 0 {
		defaultWait = defaultTimeout
	}
	maxWait := cfg.MaxTimeout
	if maxWait < defaultWait {
		maxWait = defaultMaxTimeout
		if maxWait < defaultWait {
			maxWait = defaultWait
		}
	}
	pageLimit := cfg.PageLimit
	if pageLimit <= 0 || pageLimit > maxPageLimit {
		pageLimit = defaultPageLimit
	}
	return &Coordinator{
		source:         cfg.Source,
		bus:            cfg.Bus,
		clock:          clk,
		logger:         logger,
		metrics:        cfg.Metrics,
		defaultTimeout: defaultWait,
		maxTimeout:     maxWait,
		pageLimit:      pageLimit,
	}, nil
}

// MaxTimeout is the longest wait a single request may ask for.
func (c *Coordinator) MaxTimeout() time.Duration {
	return c.maxTimeout
}

// Handle checks for rows newer than the cursor and, when there are none, waits until a
// matching bus event yields rows, the timeout elapses, or ctx is cancelled. A cancelled
// ctx resolves with OutcomeDisconnect and a nil error; callers must not write a response.
func (c *Coordinator) Handle(ctx context.Context, request Request) (Result, error) {
	request = c.normalize(request)

	messages, err := c.source.MessagesAfter(ctx, request.InquiryID, request.LastSeenID, request.Limit)
	if err != nil {
		return Result{}, err
	}
	if len(messages) > 0 {
		c.metrics.ObserveLongPollImmediate(OutcomeImmediate)
		return newResult(request, messages, OutcomeImmediate), nil
	}

	handle := c.arm(request)
	defer handle.release()

	// Recheck after subscribing so a row committed before the subscription is not missed.
	messages, err = c.source.MessagesAfter(ctx, request.InquiryID, request.LastSeenID, request.Limit)
	if err != nil {
		return Result{}, err
	}
	if len(messages) > 0 && handle.tryResolve() {
		c.metrics.ObserveLongPollImmediate(OutcomeImmediate)
		return newResult(request, messages, OutcomeImmediate), nil
	}

	startedAt := c.clock.Now()
	c.metrics.LongPollStarted()
	outcome := OutcomeTimeout
	defer func() {
		c.metrics.LongPollFinished(outcome, c.clock.Now().Sub(startedAt).Seconds())
	}()

	for {
		select {
		case <-ctx.Done():
			if handle.tryResolve() {
				outcome = OutcomeDisconnect
				c.logger.Debug("long poll abandoned by client", zap.Int64("inquiry_id", request.InquiryID))
				return Result{LastMessageID: request.LastSeenID, Outcome: OutcomeDisconnect}, nil
			}
		case <-handle.timer.Chan():
			if handle.tryResolve() {
				outcome = OutcomeTimeout
				return newResult(request, nil, OutcomeTimeout), nil
			}
		case <-handle.wake:
			messages, err := c.source.MessagesAfter(ctx, request.InquiryID, request.LastSeenID, request.Limit)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				handle.tryResolve()
				outcome = "error"
				return Result{}, err
			}
			if len(messages) == 0 {
				continue
			}
			if handle.tryResolve() {
				outcome = OutcomeEvent
				return newResult(request, messages, OutcomeEvent), nil
			}
		}
	}
}

func (c *Coordinator) normalize(request Request) Request {
	if request.Limit <= 0 {
		request.Limit = c.pageLimit
	}
	if request.Limit > maxPageLimit {
		request.Limit = maxPageLimit
	}
	if request.Timeout <= 0 {
		request.Timeout = c.defaultTimeout
	}
	if request.Timeout > c.maxTimeout {
		request.Timeout = c.maxTimeout
	}
	if request.LastSeenID < 0 {
		request.LastSeenID = 0
	}
	return request
}

func (c *Coordinator) arm(request Request) *waitHandle {
	handle := &waitHandle{
		wake:      make(chan struct{}, 1),
		onCleanup: c.onCleanup,
	}
	handle.subscription = c.bus.Subscribe(realtime.ForInquiry(request.InquiryID), func(realtime.Event) {
		select {
		case handle.wake <- struct{}{}:
		default:
		}
	})
	handle.timer = c.clock.NewTimer(request.Timeout)
	return handle
}

func newResult(request Request, messages []inquiries.MessagePayload, outcome string) Result {
	if messages == nil {
		messages = []inquiries.MessagePayload{}
	}
	lastID := request.LastSeenID
	for _, message := range messages {
		if message.ID > lastID {
			lastID = message.ID
		}
	}
	return Result{Messages: messages, LastMessageID: lastID, Outcome: outcome}
}

// waitHandle tracks one in-flight wait. The first successful tryResolve wins; release
// cancels the timer and the bus subscription exactly once.
type waitHandle struct {
	wake         chan struct{}
	timer        clock.Timer
	subscription *realtime.Subscription
	onCleanup    func()

	resolved    atomic.Bool
	cleanupOnce sync.Once
}

func (h *waitHandle) tryResolve() bool {
	return h.resolved.CompareAndSwap(false, true)
}

func (h *waitHandle) release() {
	h.cleanupOnce.Do(func() {
		h.resolved.Store(true)
		if h.timer != nil {
			h.timer.Stop()
		}
		h.subscription.Cancel()
		if h.onCleanup != nil {
			h.onCleanup()
		}
	})
}
