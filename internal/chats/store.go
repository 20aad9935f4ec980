package chats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/contacts"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxGroupIDLength = 190
	queryChatMember  = "chat_id = ? AND contact_id = ?"
	queryChat        = "chat_id = ?"
)

var (
	errMissingDatabase   = errors.New("chats: database handle is required")
	errMissingIDProvider = errors.New("chats: id provider is required")
	noOpLogger           = zap.NewNop()
)

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store owns chats, the membership projection and system messages.
type Store struct {
	db         *gorm.DB
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, idProvider: cfg.IDProvider, logger: logger}, nil
}

// WithTx returns a Store bound to the provided transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, idProvider: s.idProvider, logger: s.logger}
}

// NormalizeGroupID validates a wire group identifier.
func NormalizeGroupID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidGroupID)
	}
	if len(trimmed) > maxGroupIDLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidGroupID, maxGroupIDLength)
	}
	return trimmed, nil
}

// ChatByGroupID looks up a chat by wire identifier.
func (s *Store) ChatByGroupID(ctx context.Context, groupID string) (Chat, bool, error) {
	var chat Chat
	err := s.db.WithContext(ctx).Where("group_id = ?", groupID).Take(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Chat{}, false, nil
	}
	if err != nil {
		return Chat{}, false, err
	}
	return chat, true, nil
}

// ChatByID returns the chat for a handle.
func (s *Store) ChatByID(ctx context.Context, id ID) (Chat, error) {
	var chat Chat
	err := s.db.WithContext(ctx).Where(queryChat, id).Take(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Chat{}, fmt.Errorf("%w: #%d", ErrChatNotFound, id)
	}
	return chat, err
}

// CreateChat inserts a chat with its founding members, each stamped with the creating event.
func (s *Store) CreateChat(ctx context.Context, request NewChat) (Chat, error) {
	groupID, err := NormalizeGroupID(request.GroupID)
	if err != nil {
		return Chat{}, err
	}
	chat := Chat{
		GroupID:          groupID,
		Name:             strings.TrimSpace(request.Name),
		Protected:        request.Protected,
		CreatedAtSeconds: request.At.UTC().Unix(),
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "group_id"}}, DoNothing: true}).
		Create(&chat)
	if result.Error != nil {
		return Chat{}, result.Error
	}
	if result.RowsAffected == 0 {
		return Chat{}, fmt.Errorf("%w: %s", ErrChatExists, groupID)
	}

	seen := map[contacts.ID]struct{}{}
	for _, contactID := range request.Members {
		if _, duplicate := seen[contactID]; duplicate {
			continue
		}
		seen[contactID] = struct{}{}
		member := Member{
			ChatID:           chat.ChatID,
			ContactID:        contactID,
			IsMember:         true,
			ChangedAtSeconds: chat.CreatedAtSeconds,
			ChangedBy:        request.MessageID,
		}
		if err := s.db.WithContext(ctx).Create(&member).Error; err != nil {
			return Chat{}, err
		}
	}
	s.logger.Debug("chat created",
		zap.String("group_id", groupID),
		zap.Int64("chat_id", int64(chat.ChatID)),
		zap.Int("members", len(seen)))
	return chat, nil
}

// MemberIDs lists the current members of a chat in handle order.
func (s *Store) MemberIDs(ctx context.Context, chatID ID) ([]contacts.ID, error) {
	var ids []contacts.ID
	err := s.db.WithContext(ctx).
		Model(&Member{}).
		Where("chat_id = ? AND is_member = ?", chatID, true).
		Order("contact_id ASC").
		Pluck("contact_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// States lists every register of a chat, tombstones included, in handle order.
func (s *Store) States(ctx context.Context, chatID ID) ([]Member, error) {
	var members []Member
	err := s.db.WithContext(ctx).
		Where(queryChat, chatID).
		Order("contact_id ASC").
		Find(&members).Error
	if err != nil {
		return nil, err
	}
	return members, nil
}

// MemberState returns the register for a contact in a chat.
func (s *Store) MemberState(ctx context.Context, chatID ID, contactID contacts.ID) (Member, bool, error) {
	var member Member
	err := s.db.WithContext(ctx).Where(queryChatMember, chatID, contactID).Take(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Member{}, false, nil
	}
	if err != nil {
		return Member{}, false, err
	}
	return member, true, nil
}

// IsMember reports whether the contact is currently a member of the chat.
func (s *Store) IsMember(ctx context.Context, chatID ID, contactID contacts.ID) (bool, error) {
	member, found, err := s.MemberState(ctx, chatID, contactID)
	if err != nil || !found {
		return false, err
	}
	return member.IsMember, nil
}

// ApplyDelta folds one membership change into the projection. The newest (At, MessageID)
// wins; replaying a delta is a no-op.
func (s *Store) ApplyDelta(ctx context.Context, chatID ID, delta Delta) (DeltaOutcome, error) {
	existing, found, err := s.MemberState(ctx, chatID, delta.ContactID)
	if err != nil {
		return DeltaOutcome{}, err
	}
	var existingPtr *Member
	if found {
		existingPtr = &existing
	}
	updated, outcome := resolveDelta(chatID, existingPtr, delta)
	if !outcome.Applied {
		return outcome, nil
	}
	if err := s.db.WithContext(ctx).Save(&updated).Error; err != nil {
		return DeltaOutcome{}, err
	}
	return outcome, nil
}

// ChatsWithMember lists the chats in which the contact is a current member.
func (s *Store) ChatsWithMember(ctx context.Context, contactID contacts.ID) ([]ID, error) {
	var ids []ID
	err := s.db.WithContext(ctx).
		Model(&Member{}).
		Where("contact_id = ? AND is_member = ?", contactID, true).
		Order("chat_id ASC").
		Pluck("chat_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ReplaceOutcome reports how ReplaceMember rewrote a chat.
type ReplaceOutcome struct {
	Replaced     bool
	Deduplicated bool
}

// ReplaceMember moves the membership of oldID to newID. When newID is already a member the
// old entry is dropped rather than duplicated.
func (s *Store) ReplaceMember(ctx context.Context, chatID ID, oldID, newID contacts.ID, at time.Time, messageID string) (ReplaceOutcome, error) {
	if oldID == newID {
		return ReplaceOutcome{}, nil
	}
	old, found, err := s.MemberState(ctx, chatID, oldID)
	if err != nil {
		return ReplaceOutcome{}, err
	}
	if !found || !old.IsMember {
		return ReplaceOutcome{}, nil
	}

	current, present, err := s.MemberState(ctx, chatID, newID)
	if err != nil {
		return ReplaceOutcome{}, err
	}
	outcome := ReplaceOutcome{Replaced: true}
	if present && current.IsMember {
		outcome.Deduplicated = true
	} else {
		replacement := Member{
			ChatID:           chatID,
			ContactID:        newID,
			IsMember:         true,
			ChangedAtSeconds: at.UTC().Unix(),
			ChangedBy:        messageID,
		}
		if err := s.db.WithContext(ctx).Save(&replacement).Error; err != nil {
			return ReplaceOutcome{}, err
		}
	}
	if err := s.db.WithContext(ctx).Where(queryChatMember, chatID, oldID).Delete(&Member{}).Error; err != nil {
		return ReplaceOutcome{}, err
	}
	return outcome, nil
}

// AppendSystemMessage adds an informational entry to a chat.
func (s *Store) AppendSystemMessage(ctx context.Context, chatID ID, kind, text string, at time.Time) (SystemMessage, error) {
	messageID, err := s.idProvider.NewID()
	if err != nil {
		return SystemMessage{}, err
	}
	message := SystemMessage{
		MessageID:        messageID,
		ChatID:           chatID,
		Kind:             kind,
		Text:             text,
		CreatedAtSeconds: at.UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		return SystemMessage{}, err
	}
	return message, nil
}

// SystemMessages lists the informational entries of a chat, oldest first.
func (s *Store) SystemMessages(ctx context.Context, chatID ID) ([]SystemMessage, error) {
	var messages []SystemMessage
	err := s.db.WithContext(ctx).
		Where(queryChat, chatID).
		Order("created_at_s ASC, message_id ASC").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}
