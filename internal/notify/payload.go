package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/backend/internal/inquiries"
	"github.com/MarcoPoloResearchLab/storefront/backend/internal/realtime"
)

// maxPayloadBytes stays under the 8000 byte NOTIFY payload limit.
const maxPayloadBytes = 7900

// ErrMalformedPayload marks channel payloads that cannot be decoded.
var ErrMalformedPayload = errors.New("notify: malformed payload")

type wirePayload struct {
	InquiryID   int64           `json:"inquiryId"`
	MessageData json.RawMessage `json:"messageData"`
	Timestamp   time.Time       `json:"timestamp"`
	InstanceID  string          `json:"instanceId"`
}

// EncodePayload serializes an event for the shared channel. Oversized message content
// is dropped; subscribers re-read the row anyway.
func EncodePayload(event realtime.Event) ([]byte, error) {
	encoded, err := encode(event)
	if err != nil {
		return nil, err
	}
	if len(encoded) <= maxPayloadBytes {
		return encoded, nil
	}
	event.Message.Content = ""
	return encode(event)
}

func encode(event realtime.Event) ([]byte, error) {
	messageData, err := json.Marshal(event.Message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wirePayload{
		InquiryID:   event.InquiryID,
		MessageData: messageData,
		Timestamp:   event.Timestamp.UTC(),
		InstanceID:  event.InstanceID,
	})
}

// DecodePayload parses a channel payload. Unknown fields are ignored.
func DecodePayload(raw []byte) (realtime.Event, error) {
	var wire wirePayload
	if err := json.Unmarshal(raw, &wire); err != nil {
		return realtime.Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if wire.InquiryID <= 0 {
		return realtime.Event{}, fmt.Errorf("%w: inquiryId must be positive", ErrMalformedPayload)
	}
	var message inquiries.MessagePayload
	if len(wire.MessageData) > 0 {
		if err := json.Unmarshal(wire.MessageData, &message); err != nil {
			return realtime.Event{}, fmt.Errorf("%w: messageData: %v", ErrMalformedPayload, err)
		}
	}
	if message.ID <= 0 {
		return realtime.Event{}, fmt.Errorf("%w: messageData.id must be positive", ErrMalformedPayload)
	}
	if message.ConversationID == 0 {
		message.ConversationID = wire.InquiryID
	}
	return realtime.Event{
		InquiryID:  wire.InquiryID,
		Message:    message,
		Timestamp:  wire.Timestamp,
		InstanceID: wire.InstanceID,
	}, nil
}
