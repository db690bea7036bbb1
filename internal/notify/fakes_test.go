package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/backend/internal/realtime"
	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"go.uber.org/zap"
)

type fakeListener struct {
	notifications chan []byte
	failures      chan error
	listenErr     error

	mu       sync.Mutex
	channels []string
	closed   bool
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		notifications: make(chan []byte, 8),
		failures:      make(chan error, 1),
	}
}

func (l *fakeListener) Listen(_ context.Context, channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.channels = append(l.channels, channel)
	return l.listenErr
}

func (l *fakeListener) WaitForNotification(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case payload := <-l.notifications:
		return payload, nil
	case err := <-l.failures:
		return nil, err
	}
}

func (l *fakeListener) Close(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeListener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakeConnector struct {
	mu         sync.Mutex
	connectErr error
	publishErr error
	connects   int
	listeners  []*fakeListener
	published  [][]byte
}

func (c *fakeConnector) Connect(context.Context) (Listener, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	listener := newFakeListener()
	c.listeners = append(c.listeners, listener)
	return listener, nil
}

func (c *fakeConnector) Publish(_ context.Context, _ string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, payload)
	return c.publishErr
}

func (c *fakeConnector) setConnectErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

func (c *fakeConnector) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *fakeConnector) listener(index int) *fakeListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listeners[index]
}

func (c *fakeConnector) publishedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

// recordingClock reports every AfterFunc delay so backoff can be asserted.
type recordingClock struct {
	*testclock.Clock
	scheduled chan time.Duration
}

func newRecordingClock() *recordingClock {
	return &recordingClock{
		Clock:     testclock.NewClock(time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)),
		scheduled: make(chan time.Duration, 16),
	}
}

func (c *recordingClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	timer := c.Clock.AfterFunc(d, f)
	c.scheduled <- d
	return timer
}

func (c *recordingClock) waitScheduled(t *testing.T) time.Duration {
	t.Helper()
	select {
	case delay := <-c.scheduled:
		return delay
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a reconnect to be scheduled")
	}
	return 0
}

type countingBus struct {
	mu     sync.Mutex
	events []realtime.Event
	signal chan struct{}
}

func newCountingBus() *countingBus {
	return &countingBus{signal: make(chan struct{}, 16)}
}

func (b *countingBus) Publish(event realtime.Event) int {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
	b.signal <- struct{}{}
	return 1
}

func (b *countingBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func (b *countingBus) waitEvent(t *testing.T) realtime.Event {
	t.Helper()
	select {
	case <-b.signal:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a bus event")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events[len(b.events)-1]
}

func newTestClient(t *testing.T, connector Connector, clk clock.Clock, bus LocalEmitter, logger *zap.Logger) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		Connector:   connector,
		Bus:         bus,
		Channel:     "inquiry_new_message",
		InstanceID:  "instance-a",
		BaseDelay:   time.Second,
		MaxAttempts: 5,
		Clock:       clk,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return client
}

func waitForState(t *testing.T, client *Client, expected State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for client.State() != expected {
		if time.Now().After(deadline) {
			t.Fatalf("expected state %s, got %s", expected, client.State())
		}
		time.Sleep(2 * time.Millisecond)
	}
}
