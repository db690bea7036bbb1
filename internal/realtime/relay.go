package realtime

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/storefront/backend/internal/inquiries"
	"go.uber.org/zap"
)

const defaultRelayQueueSize = 256

var errMissingRelayDependency = errors.New("realtime: relay requires bus, registry and message lookup")

// MessageLookup re-reads committed messages and resolves who may see them.
type MessageLookup interface {
	GetMessage(ctx context.Context, inquiryID, messageID int64) (inquiries.MessagePayload, error)
	Recipients(ctx context.Context, inquiryID int64) ([]int64, error)
}

// RelayConfig configures the bus-to-registry relay.
type RelayConfig struct {
	Bus       *Bus
	Registry  *Registry
	Messages  MessageLookup
	Logger    *zap.Logger
	QueueSize int
}

// Relay turns bus events into inquiry_message stream frames for every recipient.
type Relay struct {
	bus      *Bus
	registry *Registry
	messages MessageLookup
	logger   *zap.Logger
	queue    chan Event
}

// InquiryMessageFrame is the data of an inquiry_message stream frame.
type InquiryMessageFrame struct {
	ConversationID int64                    `json:"conversationId"`
	Message        inquiries.MessagePayload `json:"message"`
}

// NewRelay constructs a relay. Call Run to start it.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Bus == nil || cfg.Registry == nil || cfg.Messages == nil {
		return nil, errMissingRelayDependency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultRelayQueueSize
	}
	return &Relay{
		bus:      cfg.Bus,
		registry: cfg.Registry,
		messages: cfg.Messages,
		logger:   logger,
		queue:    make(chan Event, queueSize),
	}, nil
}

// Run subscribes to every bus event and relays until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	subscription := r.bus.Subscribe(nil, func(event Event) {
		select {
		case r.queue <- event:
		default:
			r.logger.Warn("relay queue full, dropping event",
				zap.Int64("inquiry_id", event.InquiryID),
				zap.Int64("message_id", event.Message.ID))
		}
	})
	defer subscription.Cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-r.queue:
			r.relay(ctx, event)
		}
	}
}

func (r *Relay) relay(ctx context.Context, event Event) {
	message, err := r.messages.GetMessage(ctx, event.InquiryID, event.Message.ID)
	if err != nil {
		r.logger.Warn("relay could not load message",
			zap.Int64("inquiry_id", event.InquiryID),
			zap.Int64("message_id", event.Message.ID),
			zap.Error(err))
		return
	}
	recipients, err := r.messages.Recipients(ctx, event.InquiryID)
	if err != nil {
		r.logger.Warn("relay could not resolve recipients",
			zap.Int64("inquiry_id", event.InquiryID),
			zap.Error(err))
		return
	}
	r.registry.Broadcast(event.InquiryID, EventInquiryMessage, InquiryMessageFrame{
		ConversationID: event.InquiryID,
		Message:        message,
	}, recipients)
}
