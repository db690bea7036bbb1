package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/backend/internal/inquiries"
	"github.com/juju/clock/testclock"
)

type stubLookup struct {
	messages   map[int64]inquiries.MessagePayload
	recipients []int64
}

func (s stubLookup) GetMessage(_ context.Context, _ int64, messageID int64) (inquiries.MessagePayload, error) {
	message, ok := s.messages[messageID]
	if !ok {
		return inquiries.MessagePayload{}, inquiries.ErrMessageNotFound
	}
	return message, nil
}

func (s stubLookup) Recipients(context.Context, int64) ([]int64, error) {
	if s.recipients == nil {
		return nil, errors.New("no recipients")
	}
	return s.recipients, nil
}

func TestRelayBroadcastsCommittedMessages(t *testing.T) {
	bus := NewBus()
	registry := newTestRegistry(t, testclock.NewClock(time.Now()), nil)
	owner := &recordingHandle{}
	if _, err := registry.Add(10, owner, ""); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	stored := inquiries.MessagePayload{ID: 4, ConversationID: 42, SenderID: 2, Content: "from the database"}
	relay, err := NewRelay(RelayConfig{
		Bus:      bus,
		Registry: registry,
		Messages: stubLookup{messages: map[int64]inquiries.MessagePayload{4: stored}, recipients: []int64{2, 10}},
	})
	if err != nil {
		t.Fatalf("failed to construct relay: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(2 * time.Second)
	for bus.ListenerCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("relay never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(Event{InquiryID: 42, Message: inquiries.MessagePayload{ID: 4, Content: "stale payload"}})
	bus.Publish(Event{InquiryID: 42, Message: inquiries.MessagePayload{ID: 99}})

	for {
		owner.mu.Lock()
		count := len(owner.events)
		owner.mu.Unlock()
		if count >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected inquiry_message frame")
		}
		time.Sleep(5 * time.Millisecond)
	}

	owner.mu.Lock()
	defer owner.mu.Unlock()
	frame, ok := owner.events[1].Data.(InquiryMessageFrame)
	if !ok {
		t.Fatalf("unexpected frame data %T", owner.events[1].Data)
	}
	if owner.events[1].Type != EventInquiryMessage || frame.Message.Content != "from the database" {
		t.Fatalf("expected relayed frame built from the stored row, got %+v", frame)
	}
}

func TestNewRelayRequiresDependencies(t *testing.T) {
	if _, err := NewRelay(RelayConfig{Bus: NewBus()}); err == nil {
		t.Fatalf("expected missing dependency error")
	}
}
