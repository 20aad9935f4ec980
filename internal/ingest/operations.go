package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/chats"
	"github.com/MarcoPoloResearchLab/courier/internal/keys"
	"github.com/MarcoPoloResearchLab/courier/internal/membership"
	"github.com/MarcoPoloResearchLab/courier/internal/wire"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TargetRequest names the chat an outgoing message is for: a group or a 1:1 peer.
type TargetRequest struct {
	GroupID string
	Peer    wire.Address
}

// SelectTargets resolves the chat's protection mode and members and picks encryption keys.
// Selector errors (ErrNoEncryptionKey, *keys.ProtectionError) remain reachable through
// errors.Is and errors.As; the partial selection is returned alongside them.
func (s *Service) SelectTargets(ctx context.Context, request TargetRequest) (keys.Selection, error) {
	hasGroup := request.GroupID != ""
	hasPeer := request.Peer != ""
	if hasGroup == hasPeer {
		return keys.Selection{}, newServiceError(opSelectTargets, "invalid_request", ErrInvalidTarget)
	}

	selection := keys.SelectionRequest{Mode: keys.ModeOneToOne, Self: s.self, Members: []wire.Address{request.Peer}}
	if hasGroup {
		chat, found, err := s.chats.ChatByGroupID(ctx, request.GroupID)
		if err != nil {
			s.logError(opSelectTargets, "chat_lookup_failed", err, zap.String("group_id", request.GroupID))
			return keys.Selection{}, newRetryableError(opSelectTargets, "chat_lookup_failed", err)
		}
		if !found {
			return keys.Selection{}, newServiceError(opSelectTargets, "chat_not_found", fmt.Errorf("%w: %s", chats.ErrChatNotFound, request.GroupID))
		}
		members, err := s.chatMembers(ctx, chat.ChatID)
		if err != nil {
			s.logError(opSelectTargets, "members_failed", err, zap.String("group_id", request.GroupID))
			return keys.Selection{}, newRetryableError(opSelectTargets, "members_failed", err)
		}
		selection.Members = members
		selection.Mode = keys.ModeUnprotectedGroup
		if chat.Protected {
			selection.Mode = keys.ModeProtectedGroup
		}
	}

	targets, err := keys.NewSelector(s.keys).Select(ctx, selection)
	switch {
	case err == nil:
		return targets, nil
	case errors.Is(err, keys.ErrProtectionUnsatisfied):
		return targets, newServiceError(opSelectTargets, "protection_unsatisfied", err)
	case errors.Is(err, keys.ErrNoEncryptionKey):
		return targets, newServiceError(opSelectTargets, "no_encryption_key", err)
	case errors.Is(err, keys.ErrInvalidSelection):
		return targets, newServiceError(opSelectTargets, "invalid_request", err)
	default:
		s.logError(opSelectTargets, "select_failed", err)
		return targets, newRetryableError(opSelectTargets, "select_failed", err)
	}
}

// GroupRequest describes a group created on this device. An empty GroupID is generated.
type GroupRequest struct {
	GroupID   string
	Name      string
	Protected bool
	Members   []wire.Address
}

// CreateGroup creates a group with self and the requested members.
func (s *Service) CreateGroup(ctx context.Context, request GroupRequest) (chats.Chat, error) {
	groupID := request.GroupID
	if groupID == "" {
		generated, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreateGroup, "id_generation_failed", err)
			return chats.Chat{}, newServiceError(opCreateGroup, "id_generation_failed", err)
		}
		groupID = generated
	}
	normalized, err := chats.NormalizeGroupID(groupID)
	if err != nil {
		return chats.Chat{}, newServiceError(opCreateGroup, "invalid_group_id", err)
	}
	messageID, err := chats.NewMessageID(s.idProvider, s.self.Domain())
	if err != nil {
		s.logError(opCreateGroup, "id_generation_failed", err)
		return chats.Chat{}, newServiceError(opCreateGroup, "id_generation_failed", err)
	}

	var chat chats.Chat
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bound := s.withTx(tx)
		created, err := bound.membership.CreateGroup(ctx, membership.NewGroup{
			GroupID:   normalized,
			Name:      request.Name,
			Protected: request.Protected,
			Members:   request.Members,
			At:        s.clock(),
			MessageID: messageID,
		})
		if err != nil {
			return err
		}
		text := fmt.Sprintf("%s created the group", s.self)
		if _, err := bound.chats.AppendSystemMessage(ctx, created.ChatID, chats.SystemKindGroupCreated, text, s.clock()); err != nil {
			return err
		}
		chat = created
		return nil
	})
	if errors.Is(txErr, chats.ErrChatExists) {
		return chats.Chat{}, newServiceError(opCreateGroup, "group_exists", txErr)
	}
	if txErr != nil {
		s.logError(opCreateGroup, "create_failed", txErr, zap.String("group_id", normalized))
		return chats.Chat{}, newRetryableError(opCreateGroup, "create_failed", txErr)
	}
	return chat, nil
}

// ChangeRequest is an add/remove this device is about to send. An empty MessageID is
// generated and a zero Timestamp means now.
type ChangeRequest struct {
	GroupID   string
	Target    wire.Address
	Direction wire.Direction
	MessageID string
	Timestamp time.Time
}

// RecordChange persists an outgoing change and returns the record to transmit with it.
func (s *Service) RecordChange(ctx context.Context, request ChangeRequest) (wire.Record, membership.Outcome, error) {
	messageID := request.MessageID
	if messageID == "" {
		generated, err := chats.NewMessageID(s.idProvider, s.self.Domain())
		if err != nil {
			s.logError(opRecordChange, "id_generation_failed", err)
			return wire.Record{}, membership.Outcome{}, newServiceError(opRecordChange, "id_generation_failed", err)
		}
		messageID = generated
	}

	var (
		record  wire.Record
		outcome membership.Outcome
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		record, outcome, err = s.withTx(tx).membership.RecordOutgoing(ctx, membership.OutgoingChange{
			GroupID:   request.GroupID,
			Target:    request.Target,
			Direction: request.Direction,
			MessageID: messageID,
			Timestamp: request.Timestamp,
		})
		return err
	})
	switch {
	case txErr == nil:
		return record, outcome, nil
	case errors.Is(txErr, chats.ErrChatNotFound):
		return wire.Record{}, outcome, newServiceError(opRecordChange, "chat_not_found", txErr)
	case errors.Is(txErr, membership.ErrNotMember):
		return wire.Record{}, outcome, newServiceError(opRecordChange, "not_member", txErr)
	case errors.Is(txErr, membership.ErrInvalidChange):
		return wire.Record{}, outcome, newServiceError(opRecordChange, "invalid_change", txErr)
	default:
		s.logError(opRecordChange, "record_failed", txErr, zap.String("group_id", request.GroupID))
		return wire.Record{}, outcome, newRetryableError(opRecordChange, "record_failed", txErr)
	}
}

// Members lists the current members of a group.
func (s *Service) Members(ctx context.Context, groupID string) ([]wire.Address, error) {
	members, err := s.membership.Members(ctx, groupID)
	if errors.Is(err, chats.ErrChatNotFound) {
		return nil, newServiceError(opListMembers, "chat_not_found", err)
	}
	if err != nil {
		s.logError(opListMembers, "members_failed", err, zap.String("group_id", groupID))
		return nil, newRetryableError(opListMembers, "members_failed", err)
	}
	return members, nil
}

// MarkVerified records a completed setup-contact handshake for address and fingerprint.
func (s *Service) MarkVerified(ctx context.Context, address wire.Address, fingerprint string) error {
	err := s.keys.MarkVerified(ctx, address, fingerprint)
	if errors.Is(err, keys.ErrKeyNotFound) {
		return newServiceError(opMarkVerified, "key_not_found", err)
	}
	if err != nil {
		s.logError(opMarkVerified, "update_failed", err, zap.String("address", address.String()))
		return newRetryableError(opMarkVerified, "update_failed", err)
	}
	return nil
}

// Keys lists every stored key row for address, direct and gossiped, in insertion order.
func (s *Service) Keys(ctx context.Context, address wire.Address) ([]keys.KeyRef, error) {
	refs, err := s.keys.KeysFor(ctx, address)
	if err != nil {
		s.logError(opListKeys, "lookup_failed", err, zap.String("address", address.String()))
		return nil, newRetryableError(opListKeys, "lookup_failed", err)
	}
	return refs, nil
}

// History lists the system messages of a group, oldest first.
func (s *Service) History(ctx context.Context, groupID string) ([]chats.SystemMessage, error) {
	chat, found, err := s.chats.ChatByGroupID(ctx, groupID)
	if err != nil {
		s.logError(opListHistory, "chat_lookup_failed", err, zap.String("group_id", groupID))
		return nil, newRetryableError(opListHistory, "chat_lookup_failed", err)
	}
	if !found {
		return nil, newServiceError(opListHistory, "chat_not_found", fmt.Errorf("%w: %s", chats.ErrChatNotFound, groupID))
	}
	messages, err := s.chats.SystemMessages(ctx, chat.ChatID)
	if err != nil {
		s.logError(opListHistory, "history_failed", err, zap.String("group_id", groupID))
		return nil, newRetryableError(opListHistory, "history_failed", err)
	}
	return messages, nil
}

// chatMembers resolves the current member handles of a chat to addresses.
func (s *Service) chatMembers(ctx context.Context, chatID chats.ID) ([]wire.Address, error) {
	ids, err := s.chats.MemberIDs(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return s.contacts.Addresses(ctx, ids)
}
