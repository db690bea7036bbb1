package inquiries

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/storefront/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// Notifier announces a committed message to every instance sharing the database.
// Implementations must not fail the caller; delivery is best-effort.
type Notifier interface {
	Publish(ctx context.Context, inquiryID int64, message MessagePayload)
}

// AdminDirectory lists staff users that receive every inquiry's messages.
type AdminDirectory interface {
	AdminIDs(ctx context.Context) ([]int64, error)
}

// ServiceConfig describes the dependencies of the inquiry store.
type ServiceConfig struct {
	Database *gorm.DB
	Notifier Notifier
	Admins   AdminDirectory
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service reads and writes inquiries and their messages.
type Service struct {
	db       *gorm.DB
	notifier Notifier
	admins   AdminDirectory
	clock    func() time.Time
	logger   *zap.Logger
}

// HistoryQuery selects a page of past messages. BeforeMessageID, when positive, takes
// precedence over Page and returns the Limit messages immediately older than it.
type HistoryQuery struct {
	InquiryID       int64
	Page            int
	Limit           int
	BeforeMessageID int64
}

// HistoryPage is a window of messages ordered oldest to newest.
type HistoryPage struct {
	Messages   []MessagePayload
	Total      int64
	Page       int
	Limit      int
	HasMore    bool
	TotalPages int
}

// NewService constructs the inquiry store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:       cfg.Database,
		notifier: cfg.Notifier,
		admins:   cfg.Admins,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Authorize loads the inquiry and checks that the principal owns it or is staff.
func (s *Service) Authorize(ctx context.Context, inquiryID int64, principal users.Principal) (Inquiry, error) {
	inquiry, err := s.loadInquiry(ctx, opAuthorize, inquiryID)
	if err != nil {
		return Inquiry{}, err
	}
	if inquiry.UserID != principal.UserID && !principal.IsAdmin() {
		return Inquiry{}, newServiceError(opAuthorize, "access_denied", ErrAccessDenied)
	}
	return inquiry, nil
}

// MessagesAfter returns up to limit messages with id greater than afterID, ascending.
func (s *Service) MessagesAfter(ctx context.Context, inquiryID, afterID int64, limit int) ([]MessagePayload, error) {
	var messages []Message
	err := s.db.WithContext(ctx).
		Where("inquiry_id = ? AND id > ?", inquiryID, afterID).
		Order("id ASC").
		Limit(clampLimit(limit)).
		Find(&messages).
		Error
	if err != nil {
		s.logError(opMessagesAfter, "query_failed", err, zap.Int64("inquiry_id", inquiryID))
		return nil, newServiceError(opMessagesAfter, "query_failed", err)
	}
	return payloads(messages), nil
}

// CountMessages returns the total number of messages in the inquiry.
func (s *Service) CountMessages(ctx context.Context, inquiryID int64) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&Message{}).
		Where("inquiry_id = ?", inquiryID).
		Count(&total).
		Error
	if err != nil {
		s.logError(opCount, "count_failed", err, zap.Int64("inquiry_id", inquiryID))
		return 0, newServiceError(opCount, "count_failed", err)
	}
	return total, nil
}

// CountUnread returns unread messages in the inquiry not authored by the viewer.
func (s *Service) CountUnread(ctx context.Context, inquiryID, viewerID int64) (int64, error) {
	var unread int64
	err := s.db.WithContext(ctx).
		Model(&Message{}).
		Where("inquiry_id = ? AND is_read = ? AND sender_id <> ?", inquiryID, false, viewerID).
		Count(&unread).
		Error
	if err != nil {
		s.logError(opCount, "unread_count_failed", err, zap.Int64("inquiry_id", inquiryID))
		return 0, newServiceError(opCount, "unread_count_failed", err)
	}
	return unread, nil
}

// History returns a page of past messages, newest page first, each page oldest to newest.
func (s *Service) History(ctx context.Context, query HistoryQuery) (HistoryPage, error) {
	limit := clampLimit(query.Limit)
	page := query.Page
	if page < 1 {
		page = 1
	}

	base := s.db.WithContext(ctx).Model(&Message{}).Where("inquiry_id = ?", query.InquiryID)
	if query.BeforeMessageID > 0 {
		base = base.Where("id < ?", query.BeforeMessageID)
		page = 1
	}

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		s.logError(opHistory, "count_failed", err, zap.Int64("inquiry_id", query.InquiryID))
		return HistoryPage{}, newServiceError(opHistory, "count_failed", err)
	}

	var messages []Message
	err := base.Session(&gorm.Session{}).
		Order("id DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&messages).
		Error
	if err != nil {
		s.logError(opHistory, "query_failed", err, zap.Int64("inquiry_id", query.InquiryID))
		return HistoryPage{}, newServiceError(opHistory, "query_failed", err)
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].ID < messages[j].ID })

	totalPages := int((total + int64(limit) - 1) / int64(limit))
	return HistoryPage{
		Messages:   payloads(messages),
		Total:      total,
		Page:       page,
		Limit:      limit,
		HasMore:    int64(page*limit) < total,
		TotalPages: totalPages,
	}, nil
}

// MarkRead flags messages as read for the viewer. Empty ids marks every unread message
// the viewer did not author. Returns the number of rows changed.
func (s *Service) MarkRead(ctx context.Context, inquiryID, viewerID int64, ids []int64) (int64, error) {
	query := s.db.WithContext(ctx).
		Model(&Message{}).
		Where("inquiry_id = ? AND is_read = ? AND sender_id <> ?", inquiryID, false, viewerID)
	if len(ids) > 0 {
		query = query.Where("id IN ?", ids)
	}
	result := query.Update("is_read", true)
	if result.Error != nil {
		s.logError(opMarkRead, "update_failed", result.Error, zap.Int64("inquiry_id", inquiryID))
		return 0, newServiceError(opMarkRead, "update_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// CreateInquiry opens a new inquiry owned by the principal.
func (s *Service) CreateInquiry(ctx context.Context, principal users.Principal, subject string) (Inquiry, error) {
	now := s.clock().UTC()
	inquiry := Inquiry{
		UserID:    principal.UserID,
		Subject:   strings.TrimSpace(subject),
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&inquiry).Error; err != nil {
		s.logError(opCreateInquiry, "insert_failed", err, zap.Int64("user_id", principal.UserID))
		return Inquiry{}, newServiceError(opCreateInquiry, "insert_failed", err)
	}
	return inquiry, nil
}

// CreateMessage persists a message and then announces it. A notification failure never
// fails the call; the row is committed before Publish runs.
func (s *Service) CreateMessage(ctx context.Context, inquiryID int64, principal users.Principal, content string) (MessagePayload, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" || utf8.RuneCountInString(trimmed) > MaxContentLength {
		return MessagePayload{}, newServiceError(opCreateMessage, "invalid_content", ErrInvalidContent)
	}

	now := s.clock().UTC()
	message := Message{
		InquiryID:  inquiryID,
		SenderID:   principal.UserID,
		SenderRole: principal.Role,
		Content:    trimmed,
		CreatedAt:  now,
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&message).Error; err != nil {
			return err
		}
		return tx.Model(&Inquiry{}).Where("id = ?", inquiryID).Update("updated_at", now).Error
	})
	if txErr != nil {
		s.logError(opCreateMessage, "insert_failed", txErr, zap.Int64("inquiry_id", inquiryID))
		return MessagePayload{}, newServiceError(opCreateMessage, "insert_failed", txErr)
	}

	payload := message.Payload()
	if s.notifier != nil {
		s.notifier.Publish(ctx, inquiryID, payload)
	}
	return payload, nil
}

// GetMessage loads a single message belonging to the inquiry.
func (s *Service) GetMessage(ctx context.Context, inquiryID, messageID int64) (MessagePayload, error) {
	var message Message
	err := s.db.WithContext(ctx).
		Where("inquiry_id = ? AND id = ?", inquiryID, messageID).
		Take(&message).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return MessagePayload{}, newServiceError(opGetMessage, "not_found", ErrMessageNotFound)
	}
	if err != nil {
		s.logError(opGetMessage, "query_failed", err, zap.Int64("inquiry_id", inquiryID), zap.Int64("message_id", messageID))
		return MessagePayload{}, newServiceError(opGetMessage, "query_failed", err)
	}
	return message.Payload(), nil
}

// Recipients lists the users entitled to live updates for the inquiry: its owner and all
// staff, ascending and without duplicates.
func (s *Service) Recipients(ctx context.Context, inquiryID int64) ([]int64, error) {
	inquiry, err := s.loadInquiry(ctx, opRecipients, inquiryID)
	if err != nil {
		return nil, err
	}
	recipients := []int64{inquiry.UserID}
	if s.admins != nil {
		adminIDs, err := s.admins.AdminIDs(ctx)
		if err != nil {
			s.logError(opRecipients, "admin_lookup_failed", err, zap.Int64("inquiry_id", inquiryID))
			return nil, newServiceError(opRecipients, "admin_lookup_failed", err)
		}
		recipients = append(recipients, adminIDs...)
	}
	sort.Slice(recipients, func(i, j int) bool { return recipients[i] < recipients[j] })
	unique := make([]int64, 0, len(recipients))
	for index, id := range recipients {
		if index > 0 && id == recipients[index-1] {
			continue
		}
		unique = append(unique, id)
	}
	return unique, nil
}

func (s *Service) loadInquiry(ctx context.Context, operation string, inquiryID int64) (Inquiry, error) {
	var inquiry Inquiry
	err := s.db.WithContext(ctx).Where("id = ?", inquiryID).Take(&inquiry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Inquiry{}, newServiceError(operation, "not_found", ErrInquiryNotFound)
	}
	if err != nil {
		s.logError(operation, "query_failed", err, zap.Int64("inquiry_id", inquiryID))
		return Inquiry{}, newServiceError(operation, "query_failed", err)
	}
	return inquiry, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("inquiries service error", attrs...)
}
