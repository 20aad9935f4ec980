package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/chats"
	"github.com/MarcoPoloResearchLab/courier/internal/contacts"
	"github.com/MarcoPoloResearchLab/courier/internal/keys"
	"github.com/MarcoPoloResearchLab/courier/internal/membership"
	"github.com/MarcoPoloResearchLab/courier/internal/outbox"
	"github.com/MarcoPoloResearchLab/courier/internal/transition"
	"github.com/MarcoPoloResearchLab/courier/internal/wire"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var noOpLogger = zap.NewNop()

// ServiceConfig describes the dependencies of a Service for one account.
type ServiceConfig struct {
	Database   *gorm.DB
	Self       wire.Address
	Clock      func() time.Time
	IDProvider chats.IDProvider
	Outbox     outbox.Queue
	Logger     *zap.Logger
}

// Service runs the per-message pipeline of one account: key updates, identity transition
// and group membership, committed together.
type Service struct {
	db         *gorm.DB
	self       wire.Address
	clock      func() time.Time
	idProvider chats.IDProvider
	outbox     outbox.Queue
	logger     *zap.Logger

	keys       *keys.Store
	contacts   *contacts.Store
	chats      *chats.Store
	membership *membership.Processor
	detector   *transition.Detector
}

// NewService constructs a Service and its stores over one account database.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Self == "" {
		return nil, newServiceError(opServiceNew, "missing_self", errMissingSelf)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	queue := cfg.Outbox
	if queue == nil {
		queue = outbox.Discard{}
	}

	keyStore, err := keys.NewStore(keys.StoreConfig{Database: cfg.Database, Logger: logger})
	if err != nil {
		return nil, newServiceError(opServiceNew, "keys_store_failed", err)
	}
	contactStore, err := contacts.NewStore(contacts.StoreConfig{Database: cfg.Database, Clock: clock})
	if err != nil {
		return nil, newServiceError(opServiceNew, "contacts_store_failed", err)
	}
	chatStore, err := chats.NewStore(chats.StoreConfig{Database: cfg.Database, IDProvider: cfg.IDProvider, Logger: logger})
	if err != nil {
		return nil, newServiceError(opServiceNew, "chats_store_failed", err)
	}
	processor, err := membership.NewProcessor(membership.ProcessorConfig{
		Database: cfg.Database,
		Contacts: contactStore,
		Chats:    chatStore,
		Self:     cfg.Self,
		Clock:    clock,
		Logger:   logger,
	})
	if err != nil {
		return nil, newServiceError(opServiceNew, "membership_failed", err)
	}
	detector, err := transition.NewDetector(transition.DetectorConfig{
		Keys:       keyStore,
		Contacts:   contactStore,
		Chats:      chatStore,
		IDProvider: cfg.IDProvider,
		Logger:     logger,
	})
	if err != nil {
		return nil, newServiceError(opServiceNew, "detector_failed", err)
	}

	return &Service{
		db:         cfg.Database,
		self:       cfg.Self,
		clock:      clock,
		idProvider: cfg.IDProvider,
		outbox:     queue,
		logger:     logger,
		keys:       keyStore,
		contacts:   contactStore,
		chats:      chatStore,
		membership: processor,
		detector:   detector,
	}, nil
}

// Self returns the account address the service acts for.
func (s *Service) Self() wire.Address {
	return s.self
}

func (s *Service) withTx(tx *gorm.DB) *Service {
	bound := *s
	bound.db = tx
	bound.keys = s.keys.WithTx(tx)
	bound.contacts = s.contacts.WithTx(tx)
	bound.chats = s.chats.WithTx(tx)
	bound.membership = s.membership.WithTx(tx)
	bound.detector = s.detector.WithTx(tx)
	return &bound
}

// KeyChange reports a created or rotated key row.
type KeyChange struct {
	Address    wire.Address `json:"address"`
	Introducer wire.Address `json:"introducer"`
	Kind       string       `json:"kind"`
}

// Result is the batch of mutations produced by one message.
type Result struct {
	MessageID          string                   `json:"message_id"`
	Sender             wire.Address             `json:"sender"`
	Headers            []string                 `json:"headers"`
	KeyChanges         []KeyChange              `json:"key_changes"`
	MemberDeltas       []membership.MemberDelta `json:"member_deltas"`
	SystemMessages     []chats.SystemMessage    `json:"system_messages"`
	Transition         *transition.Record       `json:"transition,omitempty"`
	TransitionDecision transition.Decision      `json:"transition_decision"`
	Duplicate          bool                     `json:"duplicate"`
	MembershipIgnored  string                   `json:"membership_ignored,omitempty"`
	Bundles            []outbox.Bundle          `json:"bundles"`
	Issues             []string                 `json:"issues"`
}

// Process applies one incoming message in a single transaction. Malformed headers and
// failed verification are reported as issues, never as errors. Correction bundles are
// handed to the outbox after commit.
func (s *Service) Process(ctx context.Context, message wire.RawMessage) (Result, error) {
	envelope, issues, err := wire.Parse(message)
	if err != nil {
		s.logger.Warn("message dropped: sender not identifiable",
			zap.String("account", s.self.String()),
			zap.String("message_id", message.MessageID),
			zap.Error(err))
		return Result{}, newServiceError(opProcess, "invalid_message", fmt.Errorf("%w: %v", ErrInvalidMessage, err))
	}

	result := Result{MessageID: envelope.MessageID, Sender: envelope.Sender}
	for _, header := range envelope.Headers() {
		result.Headers = append(result.Headers, wire.HeaderName(header))
	}
	for _, issue := range issues {
		s.logger.Warn("malformed header ignored",
			zap.String("account", s.self.String()),
			zap.String("message_id", envelope.MessageID),
			zap.String("header", issue.Header),
			zap.Error(issue.Err))
		result.addIssue(issue.Header, issue.Err)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.withTx(tx).apply(ctx, envelope, &result)
	})
	if txErr != nil {
		var serviceErr *ServiceError
		if errors.As(txErr, &serviceErr) {
			return Result{}, txErr
		}
		s.logError(opProcess, "transaction_failed", txErr, zap.String("message_id", envelope.MessageID))
		return Result{}, newRetryableError(opProcess, "transaction_failed", txErr)
	}

	for _, bundle := range result.Bundles {
		s.outbox.Enqueue(ctx, bundle)
	}
	return result, nil
}

func (s *Service) apply(ctx context.Context, envelope wire.Envelope, result *Result) error {
	seenAt := envelope.Timestamp
	messageField := zap.String("message_id", envelope.MessageID)

	sender, err := s.contacts.Ensure(ctx, envelope.Sender)
	if err != nil {
		s.logError(opProcess, "contact_failed", err, messageField)
		return newRetryableError(opProcess, "contact_failed", err)
	}

	signed := envelope.Signature.Passed()
	signer := ""
	if signed {
		signer = envelope.Signature.Fingerprint
	}
	verifiedBySignature := false
	if signed {
		// Evaluated before the direct upsert so a key cannot vouch for its own rotation.
		verifiedBySignature, err = s.keys.IsVerifiedIntroducer(ctx, envelope.Sender, envelope.Signature.Fingerprint)
		if err != nil {
			s.logError(opProcess, "key_lookup_failed", err, messageField)
			return newRetryableError(opProcess, "key_lookup_failed", err)
		}
	}

	if envelope.DirectKey != nil {
		if err := s.contacts.SetPreferEncrypt(ctx, sender.ContactID, envelope.DirectKey.PreferEncrypt); err != nil {
			s.logError(opProcess, "contact_failed", err, messageField)
			return newRetryableError(opProcess, "contact_failed", err)
		}
		kind, err := s.keys.UpsertDirectKey(ctx, envelope.Sender, envelope.DirectKey.KeyData, signer, seenAt)
		if err := result.noteKeyChange(wire.HeaderAutocrypt, envelope.Sender, envelope.Sender, kind, err); err != nil {
			s.logError(opProcess, "key_update_failed", err, messageField)
			return newRetryableError(opProcess, "key_update_failed", err)
		}
	}

	if signed {
		for _, gossip := range envelope.Gossip {
			if gossip.Address == s.self || gossip.Address == envelope.Sender {
				continue
			}
			kind, err := s.keys.UpsertGossipKey(ctx, gossip.Address, envelope.Sender, gossip.KeyData, verifiedBySignature, seenAt)
			if err := result.noteKeyChange(wire.HeaderAutocryptGossip, gossip.Address, envelope.Sender, kind, err); err != nil {
				s.logError(opProcess, "key_update_failed", err, messageField)
				return newRetryableError(opProcess, "key_update_failed", err)
			}
		}
	} else if len(envelope.Gossip) > 0 {
		s.logger.Debug("gossip ignored on message without valid signature", messageField,
			zap.String("signature", string(envelope.Signature.Status)))
	}

	record, decision, err := s.detector.Detect(ctx, transition.InputFromEnvelope(envelope))
	if err != nil {
		s.logError(opProcess, "transition_failed", err, messageField)
		return newRetryableError(opProcess, "transition_failed", err)
	}
	result.TransitionDecision = decision
	if record != nil {
		result.Transition = record
		result.SystemMessages = append(result.SystemMessages, record.SystemMessages...)
	}

	if err := s.contacts.TouchLastSeen(ctx, sender.ContactID, seenAt); err != nil {
		s.logError(opProcess, "contact_failed", err, messageField)
		return newRetryableError(opProcess, "contact_failed", err)
	}

	if err := s.applyMembership(ctx, envelope, result); err != nil {
		s.logError(opProcess, "membership_failed", err, messageField)
		return newRetryableError(opProcess, "membership_failed", err)
	}
	return nil
}

func (s *Service) applyMembership(ctx context.Context, envelope wire.Envelope, result *Result) error {
	switch {
	case envelope.Correction != nil:
		if !envelope.Signature.Passed() {
			result.addIssue(wire.HeaderMemberCorrection, errors.New("correction ignored without valid signature"))
			return nil
		}
		outcome, err := s.membership.ApplyCorrection(ctx, membership.CorrectionBundle{
			MessageID: envelope.MessageID,
			Carrier:   envelope.Sender,
			GroupID:   envelope.GroupID,
			GroupName: envelope.GroupName,
			Protected: envelope.Verified,
			Records:   envelope.Records,
			Originals: envelope.Originals,
		})
		if err != nil {
			return err
		}
		if outcome.Skipped > 0 {
			result.addIssue(wire.HeaderMemberCorrection, fmt.Errorf("%d records skipped", outcome.Skipped))
		}
		return s.noteOutcome(ctx, envelope, outcome, result)
	case envelope.Change != nil:
		if envelope.Signature.Status == wire.SignatureFail {
			result.addIssue(wire.HeaderMemberAdded, errors.New("member change ignored with failed signature"))
			return nil
		}
		record, err := envelope.PrimaryRecord()
		if err != nil {
			result.addIssue(wire.HeaderMemberAdded, err)
			return nil
		}
		outcome, bundle, err := s.membership.ApplyPrimary(ctx, membership.PrimaryChange{
			Record:    record,
			GroupName: envelope.GroupName,
			Protected: envelope.Verified,
			Signed:    envelope.Signature.Passed(),
		})
		if err != nil {
			return err
		}
		if outcome.Ignored == membership.ReasonUnsignedProtected {
			result.addIssue(wire.HeaderMemberAdded, errors.New("member change to protected group ignored without valid signature"))
		}
		if err := s.noteOutcome(ctx, envelope, outcome, result); err != nil {
			return err
		}
		if bundle == nil {
			return nil
		}
		bundleID, err := s.idProvider.NewID()
		if err != nil {
			return err
		}
		result.Bundles = append(result.Bundles, outbox.NewBundle(bundleID, s.self, *bundle, s.clock()))
	}
	return nil
}

// noteOutcome copies membership results and appends the matching system messages.
func (s *Service) noteOutcome(ctx context.Context, envelope wire.Envelope, outcome membership.Outcome, result *Result) error {
	result.Duplicate = outcome.Duplicate
	result.MembershipIgnored = outcome.Ignored
	if outcome.Created {
		text := fmt.Sprintf("%s created the group", envelope.Sender)
		message, err := s.chats.AppendSystemMessage(ctx, outcome.ChatID, chats.SystemKindGroupCreated, text, envelope.Timestamp)
		if err != nil {
			return err
		}
		result.SystemMessages = append(result.SystemMessages, message)
	}
	for _, delta := range outcome.Deltas {
		result.MemberDeltas = append(result.MemberDeltas, delta)
		kind, text := chats.SystemKindMemberAdded, fmt.Sprintf("%s was added", delta.Address)
		if delta.Direction == wire.DirectionRemoved {
			kind, text = chats.SystemKindMemberRemoved, fmt.Sprintf("%s was removed", delta.Address)
		}
		message, err := s.chats.AppendSystemMessage(ctx, outcome.ChatID, kind, text, envelope.Timestamp)
		if err != nil {
			return err
		}
		result.SystemMessages = append(result.SystemMessages, message)
	}
	return nil
}

func (r *Result) addIssue(header string, err error) {
	r.Issues = append(r.Issues, fmt.Sprintf("%s: %v", header, err))
}

// noteKeyChange records the upsert outcome; only persistence failures are returned.
func (r *Result) noteKeyChange(header string, address, introducer wire.Address, kind keys.ChangeKind, err error) error {
	if errors.Is(err, keys.ErrMalformedKey) {
		r.addIssue(header, err)
		return nil
	}
	if err != nil {
		return err
	}
	if kind != keys.ChangeUnchanged {
		r.KeyChanges = append(r.KeyChanges, KeyChange{Address: address, Introducer: introducer, Kind: kind.String()})
	}
	return nil
}
