package inquiries

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/backend/internal/users"
	"gorm.io/gorm"
)

const (
	// MaxContentLength bounds message content in characters.
	MaxContentLength = 5000

	minPageLimit = 1
	maxPageLimit = 100

	StatusOpen = "open"
)

var (
	// ErrInquiryNotFound indicates the inquiry is absent or soft-deleted.
	ErrInquiryNotFound = errors.New("inquiries: inquiry not found")
	// ErrMessageNotFound indicates the message is absent from the inquiry.
	ErrMessageNotFound = errors.New("inquiries: message not found")
	// ErrAccessDenied indicates the caller neither owns the inquiry nor is staff.
	ErrAccessDenied = errors.New("inquiries: access denied")
	// ErrInvalidContent indicates empty or oversized message content.
	ErrInvalidContent = errors.New("inquiries: invalid message content")
)

// Inquiry is a customer conversation with support staff.
type Inquiry struct {
	ID        int64          `gorm:"column:id;primaryKey;autoIncrement"`
	UserID    int64          `gorm:"column:user_id;not null;index"`
	Subject   string         `gorm:"column:subject;size:255"`
	Status    string         `gorm:"column:status;size:32;not null;default:open"`
	CreatedAt time.Time      `gorm:"column:created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

// TableName exposes the table backing inquiries.
func (Inquiry) TableName() string {
	return "inquiries"
}

// Message is a persisted chat message. IDs grow in insertion order.
type Message struct {
	ID         int64      `gorm:"column:id;primaryKey;autoIncrement"`
	InquiryID  int64      `gorm:"column:inquiry_id;not null;index:idx_inquiry_messages_cursor,priority:1"`
	SenderID   int64      `gorm:"column:sender_id;not null"`
	SenderRole users.Role `gorm:"column:sender_role;size:16;not null"`
	Content    string     `gorm:"column:content;type:text;not null"`
	IsRead     bool       `gorm:"column:is_read;not null;default:false"`
	CreatedAt  time.Time  `gorm:"column:created_at;index:idx_inquiry_messages_cursor,priority:2"`
}

// TableName exposes the table backing inquiry messages.
func (Message) TableName() string {
	return "inquiry_messages"
}

// MessagePayload is the wire projection of a Message.
type MessagePayload struct {
	ID             int64      `json:"id"`
	ConversationID int64      `json:"conversationId"`
	SenderID       int64      `json:"senderId"`
	SenderRole     users.Role `json:"senderRole"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"createdAt"`
	IsRead         bool       `json:"isRead"`
}

// Payload projects the message for clients and notification payloads.
func (m Message) Payload() MessagePayload {
	return MessagePayload{
		ID:             m.ID,
		ConversationID: m.InquiryID,
		SenderID:       m.SenderID,
		SenderRole:     m.SenderRole,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt.UTC(),
		IsRead:         m.IsRead,
	}
}

func payloads(messages []Message) []MessagePayload {
	out := make([]MessagePayload, 0, len(messages))
	for _, message := range messages {
		out = append(out, message.Payload())
	}
	return out
}

func clampLimit(limit int) int {
	if limit < minPageLimit {
		return minPageLimit
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}
