package realtime

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"
)

const (
	EventConnected      = "connected"
	EventHeartbeat      = "heartbeat"
	EventInquiryMessage = "inquiry_message"

	defaultHeartbeatInterval = 30 * time.Second
	defaultStaleAfter        = 90 * time.Second
	defaultReplayLimit       = 50
	defaultHistorySize       = 500
)

var (
	errMissingOutputHandle = errors.New("realtime: output handle is required")
	errInvalidUserID       = errors.New("realtime: user id must be positive")
)

// StreamEvent is one server-push frame. ID is empty for frames that are never replayed.
type StreamEvent struct {
	ID   string
	Type string
	Data any
}

// OutputHandle is the transport side of one streaming connection. Send must not block.
type OutputHandle interface {
	Send(StreamEvent) error
	Close() error
}

// IDProvider returns identifiers for new connections.
type IDProvider func() (string, error)

// RegistryConfig configures the streaming connection registry.
type RegistryConfig struct {
	Clock             clock.Clock
	Logger            *zap.Logger
	Metrics           *Metrics
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	ReplayLimit       int
	HistorySize       int
	IDProvider        IDProvider
}

type connectionRecord struct {
	id          string
	userID      int64
	handle      OutputHandle
	connectedAt time.Time

	// replayFloor is the registry sequence at registration. Sequenced frames at or
	// below it were either replayed by Add or predate the connection.
	replayFloor uint64

	// sendMu orders replay ahead of live frames for a freshly added record.
	sendMu          sync.Mutex
	heartbeatMu     sync.Mutex
	lastHeartbeatAt time.Time
}

func (r *connectionRecord) send(event StreamEvent) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if sequence, err := strconv.ParseUint(event.ID, 10, 64); err == nil && sequence <= r.replayFloor {
		return nil
	}
	return r.handle.Send(event)
}

func (r *connectionRecord) lastSeen() time.Time {
	r.heartbeatMu.Lock()
	defer r.heartbeatMu.Unlock()
	return r.lastHeartbeatAt
}

type historyEntry struct {
	sequence uint64
	userID   int64
	event    StreamEvent
}

// Registry holds the open streaming connections of every user on this instance.
type Registry struct {
	clock             clock.Clock
	logger            *zap.Logger
	metrics           *Metrics
	heartbeatInterval time.Duration
	staleAfter        time.Duration
	replayLimit       int
	historySize       int
	newID             IDProvider

	mu          sync.RWMutex
	connections map[int64]map[string]*connectionRecord
	history     []historyEntry
	sequence    uint64
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	replayLimit := cfg.ReplayLimit
	if replayLimit <= 0 {
		replayLimit = defaultReplayLimit
	}
	historySize := cfg.HistorySize
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	newID := cfg.IDProvider
	if newID == nil {
		newID = func() (string, error) {
			id, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		}
	}
	return &Registry{
		clock:             clk,
		logger:            logger,
		metrics:           cfg.Metrics,
		heartbeatInterval: heartbeat,
		staleAfter:        staleAfter,
		replayLimit:       replayLimit,
		historySize:       historySize,
		newID:             newID,
		connections:       make(map[int64]map[string]*connectionRecord),
	}
}

// Add registers a connection for userID, writes the connected frame and replays frames
// the user missed after lastEventID. It returns the new connection id.
func (r *Registry) Add(userID int64, handle OutputHandle, lastEventID string) (string, error) {
	if handle == nil {
		return "", errMissingOutputHandle
	}
	if userID <= 0 {
		return "", errInvalidUserID
	}
	connectionID, err := r.newID()
	if err != nil {
		return "", err
	}

	now := r.clock.Now()
	record := &connectionRecord{
		id:              connectionID,
		userID:          userID,
		handle:          handle,
		connectedAt:     now,
		lastHeartbeatAt: now,
	}
	record.sendMu.Lock()

	r.mu.Lock()
	userConnections, ok := r.connections[userID]
	if !ok {
		userConnections = make(map[string]*connectionRecord)
		r.connections[userID] = userConnections
	}
	userConnections[connectionID] = record
	record.replayFloor = r.sequence
	missed := r.missedLocked(userID, lastEventID)
	count := r.countLocked()
	r.mu.Unlock()
	r.metrics.SetActiveConnections(count)

	err = handle.Send(StreamEvent{
		Type: EventConnected,
		Data: map[string]any{
			"connectionId": connectionID,
			"userId":       userID,
			"timestamp":    now.UTC(),
		},
	})
	if err == nil {
		r.metrics.ObserveStreamEvent(EventConnected)
		for _, event := range missed {
			if err = handle.Send(event); err != nil {
				break
			}
			r.metrics.ObserveStreamEvent(event.Type)
		}
	}
	record.sendMu.Unlock()

	if err != nil {
		r.metrics.ObserveWriteFailure()
		r.evict(userID, connectionID)
		return "", err
	}

	r.logger.Debug("stream connection added",
		zap.Int64("user_id", userID),
		zap.String("connection_id", connectionID),
		zap.Int("replayed", len(missed)))
	return connectionID, nil
}

// Remove deletes the connection record. The user's entry is dropped with its last
// connection. Returns false when the record was already gone.
func (r *Registry) Remove(userID int64, connectionID string) bool {
	r.mu.Lock()
	userConnections, ok := r.connections[userID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, ok := userConnections[connectionID]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(userConnections, connectionID)
	if len(userConnections) == 0 {
		delete(r.connections, userID)
	}
	count := r.countLocked()
	r.mu.Unlock()

	r.metrics.SetActiveConnections(count)
	return true
}

// Touch records that a frame was flushed to the client on the connection.
func (r *Registry) Touch(userID int64, connectionID string) {
	r.mu.RLock()
	record := r.connections[userID][connectionID]
	r.mu.RUnlock()
	if record == nil {
		return
	}
	now := r.clock.Now()
	record.heartbeatMu.Lock()
	record.lastHeartbeatAt = now
	record.heartbeatMu.Unlock()
}

// SendToUser writes a frame to every connection of userID. Connections whose write
// fails are evicted without affecting the others. An empty eventID is assigned from
// the registry sequence. Reports whether at least one connection accepted the frame.
func (r *Registry) SendToUser(userID int64, eventType string, data any, eventID string) bool {
	event := StreamEvent{ID: eventID, Type: eventType, Data: data}
	if event.ID == "" {
		event.ID = r.record([]int64{userID}, event)
	} else {
		r.recordWithID([]int64{userID}, event)
	}
	return r.deliver(userID, event)
}

// Broadcast sends one inquiry frame to each recipient and returns how many users
// received it on at least one connection.
func (r *Registry) Broadcast(inquiryID int64, eventType string, data any, recipients []int64) int {
	event := StreamEvent{Type: eventType, Data: data}
	event.ID = r.record(recipients, event)

	delivered := 0
	for _, userID := range recipients {
		if r.deliver(userID, event) {
			delivered++
		}
	}
	r.logger.Debug("stream broadcast",
		zap.Int64("inquiry_id", inquiryID),
		zap.String("event_type", eventType),
		zap.Int("recipients", len(recipients)),
		zap.Int("delivered", delivered))
	return delivered
}

// Heartbeat writes a heartbeat frame to every connection and then evicts connections
// whose last confirmed flush is older than the stale threshold.
func (r *Registry) Heartbeat() {
	now := r.clock.Now()
	event := StreamEvent{
		Type: EventHeartbeat,
		Data: map[string]any{"timestamp": now.UTC()},
	}

	var failed []*connectionRecord
	for _, record := range r.snapshot() {
		if err := record.send(event); err != nil {
			r.metrics.ObserveWriteFailure()
			failed = append(failed, record)
			continue
		}
		r.metrics.ObserveStreamEvent(EventHeartbeat)
	}
	for _, record := range failed {
		r.evict(record.userID, record.id)
	}

	for _, record := range r.snapshot() {
		if now.Sub(record.lastSeen()) <= r.staleAfter {
			continue
		}
		if r.evict(record.userID, record.id) {
			r.metrics.ObserveStaleEviction()
			r.logger.Info("evicted stale stream connection",
				zap.Int64("user_id", record.userID),
				zap.String("connection_id", record.id),
				zap.Duration("connected_for", now.Sub(record.connectedAt)))
		}
	}
}

// Run drives Heartbeat at the configured interval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(r.heartbeatInterval):
			r.Heartbeat()
		}
	}
}

// CloseAll closes and forgets every connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	var records []*connectionRecord
	for _, userConnections := range r.connections {
		for _, record := range userConnections {
			records = append(records, record)
		}
	}
	r.connections = make(map[int64]map[string]*connectionRecord)
	r.mu.Unlock()

	r.metrics.SetActiveConnections(0)
	for _, record := range records {
		_ = record.handle.Close()
	}
}

// ConnectionCount returns the number of open connections, or those of a single user
// when userID is positive.
func (r *Registry) ConnectionCount(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if userID > 0 {
		return len(r.connections[userID])
	}
	return r.countLocked()
}

func (r *Registry) deliver(userID int64, event StreamEvent) bool {
	r.mu.RLock()
	userConnections := r.connections[userID]
	records := make([]*connectionRecord, 0, len(userConnections))
	for _, record := range userConnections {
		records = append(records, record)
	}
	r.mu.RUnlock()

	delivered := false
	var failed []*connectionRecord
	for _, record := range records {
		if err := record.send(event); err != nil {
			r.metrics.ObserveWriteFailure()
			r.logger.Debug("stream write failed",
				zap.Int64("user_id", userID),
				zap.String("connection_id", record.id),
				zap.Error(err))
			failed = append(failed, record)
			continue
		}
		r.metrics.ObserveStreamEvent(event.Type)
		delivered = true
	}
	for _, record := range failed {
		r.evict(userID, record.id)
	}
	return delivered
}

func (r *Registry) evict(userID int64, connectionID string) bool {
	r.mu.RLock()
	record := r.connections[userID][connectionID]
	r.mu.RUnlock()
	if record == nil || !r.Remove(userID, connectionID) {
		return false
	}
	_ = record.handle.Close()
	return true
}

func (r *Registry) snapshot() []*connectionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := make([]*connectionRecord, 0, r.countLocked())
	for _, userConnections := range r.connections {
		for _, record := range userConnections {
			records = append(records, record)
		}
	}
	return records
}

func (r *Registry) countLocked() int {
	total := 0
	for _, userConnections := range r.connections {
		total += len(userConnections)
	}
	return total
}

// record appends event to the replay history for recipients and returns its id.
func (r *Registry) record(recipients []int64, event StreamEvent) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sequence++
	event.ID = strconv.FormatUint(r.sequence, 10)
	r.appendHistoryLocked(r.sequence, recipients, event)
	return event.ID
}

// recordWithID keeps caller-assigned ids replayable when they are registry sequence numbers.
func (r *Registry) recordWithID(recipients []int64, event StreamEvent) {
	sequence, err := strconv.ParseUint(event.ID, 10, 64)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sequence > r.sequence {
		r.sequence = sequence
	}
	r.appendHistoryLocked(sequence, recipients, event)
}

func (r *Registry) appendHistoryLocked(sequence uint64, recipients []int64, event StreamEvent) {
	for _, userID := range recipients {
		r.history = append(r.history, historyEntry{sequence: sequence, userID: userID, event: event})
	}
	if overflow := len(r.history) - r.historySize; overflow > 0 {
		r.history = append(r.history[:0:0], r.history[overflow:]...)
	}
}

func (r *Registry) missedLocked(userID int64, lastEventID string) []StreamEvent {
	if lastEventID == "" {
		return nil
	}
	last, err := strconv.ParseUint(lastEventID, 10, 64)
	if err != nil {
		return nil
	}
	var missed []StreamEvent
	for _, entry := range r.history {
		if entry.userID == userID && entry.sequence > last {
			missed = append(missed, entry.event)
		}
	}
	if len(missed) > r.replayLimit {
		missed = missed[len(missed)-r.replayLimit:]
	}
	return missed
}
