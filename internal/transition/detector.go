package transition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/chats"
	"github.com/MarcoPoloResearchLab/courier/internal/contacts"
	"github.com/MarcoPoloResearchLab/courier/internal/keys"
	"github.com/MarcoPoloResearchLab/courier/internal/wire"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Decision explains the outcome of Detect.
type Decision string

const (
	DecisionTransitioned          Decision = "transitioned"
	DecisionSignatureNotPassed    Decision = "signature_not_passed"
	DecisionMissingVersionMarker  Decision = "missing_version_marker"
	DecisionProtectedFromMismatch Decision = "protected_from_mismatch"
	DecisionNoPriorIdentity       Decision = "no_prior_identity"
	DecisionStaleMessage          Decision = "stale_message"
	DecisionNoAffectedChats       Decision = "no_affected_chats"
)

var (
	errMissingDependencies = errors.New("transition: keys, contacts, chats and id provider are required")
	noOpLogger             = zap.NewNop()
)

// Input is the per-message evidence for an address change.
type Input struct {
	MessageID        string
	Sender           wire.Address
	SenderVerbatim   string
	ProtectedFrom    string
	Signature        wire.Signature
	HasVersionMarker bool
	Timestamp        time.Time
}

// InputFromEnvelope extracts the transition evidence from a parsed message.
func InputFromEnvelope(envelope wire.Envelope) Input {
	return Input{
		MessageID:        envelope.MessageID,
		Sender:           envelope.Sender,
		SenderVerbatim:   envelope.SenderVerbatim,
		ProtectedFrom:    envelope.ProtectedFrom,
		Signature:        envelope.Signature,
		HasVersionMarker: envelope.Version != nil,
		Timestamp:        envelope.Timestamp,
	}
}

// Record describes an applied address change.
type Record struct {
	ID             string                `json:"id"`
	OldAddress     wire.Address          `json:"old_address"`
	NewAddress     wire.Address          `json:"new_address"`
	Fingerprint    string                `json:"fingerprint"`
	GroupIDs       []string              `json:"group_ids"`
	Deduplicated   []string              `json:"deduplicated_group_ids,omitempty"`
	SystemMessages []chats.SystemMessage `json:"system_messages"`
	At             time.Time             `json:"at"`
}

// DetectorConfig describes the dependencies of a Detector.
type DetectorConfig struct {
	Keys       *keys.Store
	Contacts   *contacts.Store
	Chats      *chats.Store
	IDProvider chats.IDProvider
	Logger     *zap.Logger
}

// Detector decides whether a signed message reveals that a contact moved to a new address
// and rewrites that contact's chat memberships when it does.
type Detector struct {
	keys       *keys.Store
	contacts   *contacts.Store
	chats      *chats.Store
	idProvider chats.IDProvider
	logger     *zap.Logger
}

// NewDetector constructs a Detector.
func NewDetector(cfg DetectorConfig) (*Detector, error) {
	if cfg.Keys == nil || cfg.Contacts == nil || cfg.Chats == nil || cfg.IDProvider == nil {
		return nil, errMissingDependencies
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Detector{
		keys:       cfg.Keys,
		contacts:   cfg.Contacts,
		chats:      cfg.Chats,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// WithTx returns a Detector whose stores are bound to the provided transaction.
func (d *Detector) WithTx(tx *gorm.DB) *Detector {
	return &Detector{
		keys:       d.keys.WithTx(tx),
		contacts:   d.contacts.WithTx(tx),
		chats:      d.chats.WithTx(tx),
		idProvider: d.idProvider,
		logger:     d.logger,
	}
}

// Detect applies a transition iff the message is signed by a key on file as the direct key
// of a different address, carries the version marker, repeats the outer From verbatim in
// its protected headers, and is newer than anything seen from the old address. Key rows are
// never modified.
func (d *Detector) Detect(ctx context.Context, input Input) (*Record, Decision, error) {
	if !input.Signature.Passed() {
		return nil, DecisionSignatureNotPassed, nil
	}
	if !input.HasVersionMarker {
		return nil, DecisionMissingVersionMarker, nil
	}
	if input.ProtectedFrom == "" || input.ProtectedFrom != input.SenderVerbatim {
		d.logger.Debug("transition refused: protected From does not match envelope",
			zap.String("message_id", input.MessageID),
			zap.String("sender", input.Sender.String()))
		return nil, DecisionProtectedFromMismatch, nil
	}

	candidates, err := d.keys.FindDirectByFingerprint(ctx, input.Signature.Fingerprint, input.Sender)
	if err != nil {
		return nil, "", err
	}
	var old contacts.Contact
	found := false
	for _, candidate := range candidates {
		contact, ok, err := d.contacts.Lookup(ctx, candidate.Address)
		if err != nil {
			return nil, "", err
		}
		if ok {
			old, found = contact, true
			break
		}
	}
	if !found {
		return nil, DecisionNoPriorIdentity, nil
	}
	if !input.Timestamp.After(old.LastSeen()) {
		d.logger.Debug("transition refused: message older than last seen",
			zap.String("message_id", input.MessageID),
			zap.String("old_address", old.Address),
			zap.Int64("last_seen_s", old.LastSeenSeconds))
		return nil, DecisionStaleMessage, nil
	}

	chatIDs, err := d.chats.ChatsWithMember(ctx, old.ContactID)
	if err != nil {
		return nil, "", err
	}
	if len(chatIDs) == 0 {
		return nil, DecisionNoAffectedChats, nil
	}
	replacement, err := d.contacts.Ensure(ctx, input.Sender)
	if err != nil {
		return nil, "", err
	}
	recordID, err := d.idProvider.NewID()
	if err != nil {
		return nil, "", err
	}

	record := &Record{
		ID:          recordID,
		OldAddress:  old.Addr(),
		NewAddress:  input.Sender,
		Fingerprint: input.Signature.Fingerprint,
		At:          input.Timestamp.UTC(),
	}
	text := fmt.Sprintf("%s changed their address to %s", old.Address, input.Sender)
	for _, chatID := range chatIDs {
		chat, err := d.chats.ChatByID(ctx, chatID)
		if err != nil {
			return nil, "", err
		}
		outcome, err := d.chats.ReplaceMember(ctx, chatID, old.ContactID, replacement.ContactID, input.Timestamp, input.MessageID)
		if err != nil {
			return nil, "", err
		}
		if !outcome.Replaced {
			continue
		}
		record.GroupIDs = append(record.GroupIDs, chat.GroupID)
		if outcome.Deduplicated {
			record.Deduplicated = append(record.Deduplicated, chat.GroupID)
		}
		message, err := d.chats.AppendSystemMessage(ctx, chatID, chats.SystemKindIdentityChanged, text, input.Timestamp)
		if err != nil {
			return nil, "", err
		}
		record.SystemMessages = append(record.SystemMessages, message)
	}

	d.logger.Info("contact address transitioned",
		zap.String("old_address", old.Address),
		zap.String("new_address", input.Sender.String()),
		zap.Strings("group_ids", record.GroupIDs))
	return record, DecisionTransitioned, nil
}
