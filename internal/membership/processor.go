package membership

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/chats"
	"github.com/MarcoPoloResearchLab/courier/internal/contacts"
	"github.com/MarcoPoloResearchLab/courier/internal/wire"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	fieldGroupID   = "group_id"
	fieldMessageID = "message_id"
	orderNewest    = "timestamp_s DESC, message_id DESC"
)

var (
	errMissingDatabase = errors.New("membership: database handle is required")
	errMissingStores   = errors.New("membership: contact and chat stores are required")
	errMissingSelf     = errors.New("membership: self address is required")
	noOpLogger         = zap.NewNop()
)

// ProcessorConfig describes the dependencies of a Processor.
type ProcessorConfig struct {
	Database *gorm.DB
	Contacts *contacts.Store
	Chats    *chats.Store
	Self     wire.Address
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Processor keeps the membership event log and its projection consistent across peers.
type Processor struct {
	db       *gorm.DB
	contacts *contacts.Store
	chats    *chats.Store
	self     wire.Address
	now      func() time.Time
	logger   *zap.Logger
}

// NewProcessor constructs a Processor.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Contacts == nil || cfg.Chats == nil {
		return nil, errMissingStores
	}
	if cfg.Self == "" {
		return nil, errMissingSelf
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Processor{
		db:       cfg.Database,
		contacts: cfg.Contacts,
		chats:    cfg.Chats,
		self:     cfg.Self,
		now:      clock,
		logger:   logger,
	}, nil
}

// WithTx returns a Processor whose stores are bound to the provided transaction.
func (p *Processor) WithTx(tx *gorm.DB) *Processor {
	return &Processor{
		db:       tx,
		contacts: p.contacts.WithTx(tx),
		chats:    p.chats.WithTx(tx),
		self:     p.self,
		now:      p.now,
		logger:   p.logger,
	}
}

// ApplyPrimary handles a genuine add/remove message. When the sender's declared member list
// disagrees with the local view, the returned bundle replays the GMMs the sender is missing.
func (p *Processor) ApplyPrimary(ctx context.Context, change PrimaryChange) (Outcome, *OutgoingBundle, error) {
	record := change.Record
	outcome := Outcome{GroupID: record.GroupID}

	chat, found, err := p.chats.ChatByGroupID(ctx, record.GroupID)
	if err != nil {
		return outcome, nil, err
	}
	if !change.Signed && (change.Protected || (found && chat.Protected)) {
		p.logger.Warn("unsigned change to protected group ignored",
			zap.String(fieldGroupID, record.GroupID),
			zap.String(fieldMessageID, record.MessageID),
			zap.String("actor", record.Actor.String()))
		outcome.Ignored = ReasonUnsignedProtected
		return outcome, nil, nil
	}
	if !found {
		chat, founders, err := p.createFromRecord(ctx, record, change.GroupName, change.Protected)
		if err != nil {
			return outcome, nil, err
		}
		outcome.ChatID = chat.ChatID
		outcome.Created = true
		outcome.Deltas = founders
		delta, _, err := p.persistAndApply(ctx, chat, record, OriginReceived)
		if err != nil {
			return outcome, nil, err
		}
		outcome.Deltas = appendDelta(outcome.Deltas, delta)
		return outcome, nil, nil
	}
	outcome.ChatID = chat.ChatID

	view, err := p.view(ctx, chat.ChatID)
	if err != nil {
		return outcome, nil, err
	}
	if !view.members.Has(record.Actor) {
		p.logger.Debug("membership change from non-member ignored",
			zap.String(fieldGroupID, record.GroupID),
			zap.String(fieldMessageID, record.MessageID),
			zap.String("actor", record.Actor.String()))
		outcome.Ignored = ReasonSenderNotMember
		return outcome, nil, nil
	}

	known, err := p.hasEvent(ctx, record.MessageID)
	if err != nil {
		return outcome, nil, err
	}
	if known {
		outcome.Duplicate = true
		return outcome, nil, nil
	}

	bundle, err := p.divergence(ctx, chat, view, record)
	if err != nil {
		return outcome, nil, err
	}
	delta, _, err := p.persistAndApply(ctx, chat, record, OriginReceived)
	if err != nil {
		return outcome, nil, err
	}
	outcome.Deltas = appendDelta(outcome.Deltas, delta)
	return outcome, bundle, nil
}

// ApplyCorrection persists and applies every valid record of a correction bundle. Divergence
// is never evaluated here.
func (p *Processor) ApplyCorrection(ctx context.Context, bundle CorrectionBundle) (Outcome, error) {
	outcome := Outcome{GroupID: bundle.GroupID}
	records := make([]wire.Record, 0, len(bundle.Records))
	for index, raw := range bundle.Records {
		record, err := wire.ParseRecord(raw)
		if err != nil {
			p.logger.Warn("skipped malformed correction record",
				zap.String(fieldGroupID, bundle.GroupID),
				zap.String(fieldMessageID, bundle.MessageID),
				zap.Int("index", index),
				zap.Error(err))
			outcome.Skipped++
			continue
		}
		if record.GroupID != bundle.GroupID {
			p.logger.Warn("skipped correction record for another group",
				zap.String(fieldGroupID, bundle.GroupID),
				zap.String("record_group_id", record.GroupID))
			outcome.Skipped++
			continue
		}
		if index < len(bundle.Originals) && len(bundle.Originals[index]) > 0 {
			record.Original = append([]byte(nil), bundle.Originals[index]...)
		}
		records = append(records, record)
	}
	if len(records) == 0 {
		outcome.Ignored = ReasonNoValidRecords
		return outcome, nil
	}

	chat, found, err := p.chats.ChatByGroupID(ctx, bundle.GroupID)
	if err != nil {
		return outcome, err
	}
	if !found {
		first := records[0]
		if !wire.NewAddressSet(first.Change.Declared...).Has(bundle.Carrier) {
			outcome.Ignored = ReasonCarrierNotMember
			return outcome, nil
		}
		created, founders, err := p.createFromRecord(ctx, first, bundle.GroupName, bundle.Protected)
		if err != nil {
			return outcome, err
		}
		chat = created
		outcome.Created = true
		outcome.Deltas = founders
	} else {
		member, err := p.isMember(ctx, chat.ChatID, bundle.Carrier)
		if err != nil {
			return outcome, err
		}
		if !member {
			p.logger.Debug("correction from non-member ignored",
				zap.String(fieldGroupID, bundle.GroupID),
				zap.String("carrier", bundle.Carrier.String()))
			outcome.Ignored = ReasonCarrierNotMember
			return outcome, nil
		}
	}
	outcome.ChatID = chat.ChatID

	for _, record := range records {
		delta, duplicate, err := p.persistAndApply(ctx, chat, record, OriginCorrection)
		if err != nil {
			return outcome, err
		}
		if duplicate {
			continue
		}
		outcome.Deltas = appendDelta(outcome.Deltas, delta)
	}
	return outcome, nil
}

// RecordOutgoing persists and applies a change this device is sending, and returns the
// record to embed in the outgoing message.
func (p *Processor) RecordOutgoing(ctx context.Context, change OutgoingChange) (wire.Record, Outcome, error) {
	outcome := Outcome{GroupID: change.GroupID}
	if change.Target == "" || change.MessageID == "" {
		return wire.Record{}, outcome, fmt.Errorf("%w: target and message id are required", ErrInvalidChange)
	}
	if change.Direction != wire.DirectionAdded && change.Direction != wire.DirectionRemoved {
		return wire.Record{}, outcome, fmt.Errorf("%w: unknown direction %q", ErrInvalidChange, change.Direction)
	}
	chat, found, err := p.chats.ChatByGroupID(ctx, change.GroupID)
	if err != nil {
		return wire.Record{}, outcome, err
	}
	if !found {
		return wire.Record{}, outcome, fmt.Errorf("%w: %s", chats.ErrChatNotFound, change.GroupID)
	}
	outcome.ChatID = chat.ChatID

	view, err := p.view(ctx, chat.ChatID)
	if err != nil {
		return wire.Record{}, outcome, err
	}
	if !view.members.Has(p.self) {
		return wire.Record{}, outcome, fmt.Errorf("%w: %s", ErrNotMember, change.GroupID)
	}
	if change.Direction == wire.DirectionRemoved && !view.members.Has(change.Target) {
		return wire.Record{}, outcome, fmt.Errorf("%w: %s is not a member", ErrInvalidChange, change.Target)
	}

	declared := []wire.Address{p.self}
	for _, address := range view.members.Sorted() {
		if address != p.self {
			declared = append(declared, address)
		}
	}
	if change.Direction == wire.DirectionAdded && !view.members.Has(change.Target) {
		declared = append(declared, change.Target)
	}
	timestamp := change.Timestamp
	if timestamp.IsZero() {
		timestamp = p.now()
	}
	record := wire.Record{
		MessageID: change.MessageID,
		Actor:     p.self,
		GroupID:   chat.GroupID,
		Timestamp: timestamp.UTC().Truncate(time.Second),
		Change: wire.MemberChange{
			Direction: change.Direction,
			Target:    change.Target,
			Declared:  declared,
		},
	}
	raw, err := wire.ComposeRecord(record)
	if err != nil {
		return wire.Record{}, outcome, fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	record.Raw = raw

	delta, duplicate, err := p.persistAndApply(ctx, chat, record, OriginSent)
	if err != nil {
		return wire.Record{}, outcome, err
	}
	outcome.Duplicate = duplicate
	outcome.Deltas = appendDelta(outcome.Deltas, delta)
	return record, outcome, nil
}

// CreateGroup creates a group on this device with self and the given members.
func (p *Processor) CreateGroup(ctx context.Context, group NewGroup) (chats.Chat, error) {
	addresses := append([]wire.Address{p.self}, group.Members...)
	resolved, err := p.contacts.EnsureAll(ctx, wire.NewAddressSet(addresses...).Sorted())
	if err != nil {
		return chats.Chat{}, err
	}
	ids := make([]contacts.ID, 0, len(resolved))
	for _, contact := range resolved {
		ids = append(ids, contact.ContactID)
	}
	at := group.At
	if at.IsZero() {
		at = p.now()
	}
	return p.chats.CreateChat(ctx, chats.NewChat{
		GroupID:   group.GroupID,
		Name:      group.Name,
		Protected: group.Protected,
		Members:   ids,
		At:        at,
		MessageID: group.MessageID,
	})
}

// Members lists the current members of a group, ordered by address.
func (p *Processor) Members(ctx context.Context, groupID string) ([]wire.Address, error) {
	chat, found, err := p.chats.ChatByGroupID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", chats.ErrChatNotFound, groupID)
	}
	view, err := p.view(ctx, chat.ChatID)
	if err != nil {
		return nil, err
	}
	return view.members.Sorted(), nil
}

// Events lists the persisted GMMs of a chat, oldest first.
func (p *Processor) Events(ctx context.Context, chatID chats.ID) ([]Event, error) {
	var events []Event
	err := p.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("timestamp_s ASC, message_id ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (p *Processor) createFromRecord(ctx context.Context, record wire.Record, name string, protected bool) (chats.Chat, []MemberDelta, error) {
	founders := wire.NewAddressSet()
	for _, address := range record.Change.Declared {
		if record.Change.Direction == wire.DirectionRemoved && address == record.Change.Target {
			continue
		}
		founders.Add(address)
	}
	if record.Change.Direction == wire.DirectionAdded {
		founders.Add(record.Change.Target)
	}
	addresses := founders.Sorted()
	resolved, err := p.contacts.EnsureAll(ctx, addresses)
	if err != nil {
		return chats.Chat{}, nil, err
	}
	ids := make([]contacts.ID, 0, len(resolved))
	for _, contact := range resolved {
		ids = append(ids, contact.ContactID)
	}
	chat, err := p.chats.CreateChat(ctx, chats.NewChat{
		GroupID:   record.GroupID,
		Name:      name,
		Protected: protected,
		Members:   ids,
		At:        record.Timestamp,
		MessageID: record.MessageID,
	})
	if err != nil {
		return chats.Chat{}, nil, err
	}
	p.logger.Info("group learned from membership message",
		zap.String(fieldGroupID, record.GroupID),
		zap.String(fieldMessageID, record.MessageID),
		zap.Int("members", len(addresses)))

	deltas := make([]MemberDelta, 0, len(addresses))
	for _, address := range addresses {
		deltas = append(deltas, MemberDelta{
			GroupID:   record.GroupID,
			Address:   address,
			Direction: wire.DirectionAdded,
			MessageID: record.MessageID,
		})
	}
	return chat, deltas, nil
}

func (p *Processor) persistAndApply(ctx context.Context, chat chats.Chat, record wire.Record, origin Origin) (*MemberDelta, bool, error) {
	actor, err := p.contacts.Ensure(ctx, record.Actor)
	if err != nil {
		return nil, false, err
	}
	target, err := p.contacts.Ensure(ctx, record.Change.Target)
	if err != nil {
		return nil, false, err
	}
	event := Event{
		MessageID:         record.MessageID,
		ChatID:            chat.ChatID,
		ActorContactID:    actor.ContactID,
		TargetContactID:   target.ContactID,
		Direction:         record.Change.Direction,
		TimestampSeconds:  record.Timestamp.UTC().Unix(),
		Record:            record.Raw,
		RawMessage:        record.Original,
		Origin:            origin,
		RecordedAtSeconds: p.now().UTC().Unix(),
	}
	result := p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&event)
	if result.Error != nil {
		return nil, false, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, true, nil
	}

	applied, err := p.chats.ApplyDelta(ctx, chat.ChatID, chats.Delta{
		ContactID: target.ContactID,
		IsMember:  record.Change.Direction == wire.DirectionAdded,
		At:        record.Timestamp,
		MessageID: record.MessageID,
	})
	if err != nil {
		return nil, false, err
	}
	if !applied.Changed {
		return nil, false, nil
	}
	return &MemberDelta{
		GroupID:   chat.GroupID,
		Address:   record.Change.Target,
		Direction: record.Change.Direction,
		MessageID: record.MessageID,
	}, false, nil
}

func (p *Processor) hasEvent(ctx context.Context, messageID string) (bool, error) {
	var count int64
	err := p.db.WithContext(ctx).Model(&Event{}).Where("message_id = ?", messageID).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (p *Processor) latestEvent(ctx context.Context, chatID chats.ID, target contacts.ID, direction wire.Direction) (Event, bool, error) {
	var event Event
	err := p.db.WithContext(ctx).
		Where("chat_id = ? AND target_contact_id = ? AND direction = ?", chatID, target, direction).
		Order(orderNewest).
		Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, err
	}
	return event, true, nil
}

func (p *Processor) isMember(ctx context.Context, chatID chats.ID, address wire.Address) (bool, error) {
	contact, found, err := p.contacts.Lookup(ctx, address)
	if err != nil || !found {
		return false, err
	}
	return p.chats.IsMember(ctx, chatID, contact.ContactID)
}

func appendDelta(deltas []MemberDelta, delta *MemberDelta) []MemberDelta {
	if delta == nil {
		return deltas
	}
	return append(deltas, *delta)
}
