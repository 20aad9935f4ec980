package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/wire"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	columnAddress          = "address"
	columnIntroducer       = "introducer"
	queryAddressIntroducer = "address = ? AND introducer = ?"
	queryGossipForAddress  = "address = ? AND introducer <> address"
	orderMostRecent        = "last_update_s DESC, record_id ASC"
)

var (
	errMissingDatabase = errors.New("keys: database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store is the key-trust ledger. Every read and write goes through the bound handle,
// which may be a transaction.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// WithTx returns a Store bound to the provided transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, logger: s.logger}
}

// UpsertDirectKey records the key from a message's own Autocrypt header. signer is the
// fingerprint of a passed signature, empty for unsigned messages. A different fingerprint
// rotates the row and clears verification, unless the message was unsigned or is older
// than the stored observation. last_update is refreshed either way.
func (s *Store) UpsertDirectKey(ctx context.Context, address wire.Address, keyData []byte, signer string, seenAt time.Time) (ChangeKind, error) {
	parsed, err := s.parse(address, address, keyData)
	if err != nil {
		return ChangeUnchanged, err
	}
	signer = NormalizeFingerprint(signer)
	proven := signer != "" && signer == parsed.Fingerprint

	existing, found, err := s.take(ctx, address, address)
	if err != nil {
		return ChangeUnchanged, err
	}
	seenSeconds := seenAt.UTC().Unix()
	if !found {
		return ChangeNew, s.create(ctx, PublicKeyRecord{
			Address:           address.String(),
			Introducer:        address.String(),
			KeyMaterial:       parsed.Material,
			Fingerprint:       parsed.Fingerprint,
			IsVerified:        false,
			ProvenBySignature: proven,
			LastUpdateSeconds: seenSeconds,
		})
	}

	refreshed := seenSeconds > existing.LastUpdateSeconds
	if refreshed {
		existing.LastUpdateSeconds = seenSeconds
	}
	if existing.Fingerprint == parsed.Fingerprint {
		existing.KeyMaterial = parsed.Material
		existing.ProvenBySignature = existing.ProvenBySignature || proven
		return ChangeUnchanged, s.save(ctx, &existing)
	}

	if signer == "" {
		s.logger.Debug("unsigned message cannot rotate direct key",
			zap.String("address", address.String()),
			zap.String("stored_fingerprint", existing.Fingerprint),
			zap.String("offered_fingerprint", parsed.Fingerprint))
		return ChangeUnchanged, s.save(ctx, &existing)
	}
	if seenSeconds < existing.LastUpdateSeconds {
		s.logger.Debug("stale direct key ignored",
			zap.String("address", address.String()),
			zap.Int64("seen_at_s", seenSeconds),
			zap.Int64("last_update_s", existing.LastUpdateSeconds))
		return ChangeUnchanged, nil
	}

	existing.KeyMaterial = parsed.Material
	existing.Fingerprint = parsed.Fingerprint
	existing.IsVerified = false
	existing.ProvenBySignature = proven
	if err := s.save(ctx, &existing); err != nil {
		return ChangeUnchanged, err
	}
	s.logger.Info("direct key rotated",
		zap.String("address", address.String()),
		zap.String("fingerprint", parsed.Fingerprint))
	return ChangeRotated, nil
}

// UpsertGossipKey records a key for address forwarded by introducer. Verification follows
// verifiedBySignature: it is set for a new or rotated key and never cleared for the same key.
func (s *Store) UpsertGossipKey(ctx context.Context, address, introducer wire.Address, keyData []byte, verifiedBySignature bool, seenAt time.Time) (ChangeKind, error) {
	if address == introducer {
		return ChangeUnchanged, fmt.Errorf("%w: gossip introducer equals address", ErrMalformedKey)
	}
	parsed, err := s.parse(address, introducer, keyData)
	if err != nil {
		return ChangeUnchanged, err
	}

	existing, found, err := s.take(ctx, address, introducer)
	if err != nil {
		return ChangeUnchanged, err
	}
	seenSeconds := seenAt.UTC().Unix()
	if !found {
		return ChangeNew, s.create(ctx, PublicKeyRecord{
			Address:           address.String(),
			Introducer:        introducer.String(),
			KeyMaterial:       parsed.Material,
			Fingerprint:       parsed.Fingerprint,
			IsVerified:        verifiedBySignature,
			LastUpdateSeconds: seenSeconds,
		})
	}

	if existing.Fingerprint == parsed.Fingerprint {
		existing.KeyMaterial = parsed.Material
		existing.IsVerified = existing.IsVerified || verifiedBySignature
		if seenSeconds > existing.LastUpdateSeconds {
			existing.LastUpdateSeconds = seenSeconds
		}
		return ChangeUnchanged, s.save(ctx, &existing)
	}
	if seenSeconds < existing.LastUpdateSeconds {
		return ChangeUnchanged, nil
	}

	existing.KeyMaterial = parsed.Material
	existing.Fingerprint = parsed.Fingerprint
	existing.IsVerified = verifiedBySignature
	existing.LastUpdateSeconds = seenSeconds
	return ChangeRotated, s.save(ctx, &existing)
}

// DirectKeyFor returns the (address, address) row.
func (s *Store) DirectKeyFor(ctx context.Context, address wire.Address) (KeyRef, bool, error) {
	record, found, err := s.take(ctx, address, address)
	if err != nil || !found {
		return KeyRef{}, false, err
	}
	return refFromRecord(record), true, nil
}

// BestGossipedKeyFor returns the most recently updated gossiped row for address; equal
// timestamps keep the first inserted row.
func (s *Store) BestGossipedKeyFor(ctx context.Context, address wire.Address) (KeyRef, bool, error) {
	var record PublicKeyRecord
	err := s.db.WithContext(ctx).
		Where(queryGossipForAddress, address.String()).
		Order(orderMostRecent).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return KeyRef{}, false, nil
	}
	if err != nil {
		return KeyRef{}, false, err
	}
	return refFromRecord(record), true, nil
}

// BestGossipedKeyAmong is BestGossipedKeyFor restricted to the given introducers.
func (s *Store) BestGossipedKeyAmong(ctx context.Context, address wire.Address, introducers []wire.Address) (KeyRef, bool, error) {
	return s.bestGossipAmong(ctx, address, introducers, false)
}

// BestVerifiedGossipedKeyAmong is BestGossipedKeyAmong over verified rows only.
func (s *Store) BestVerifiedGossipedKeyAmong(ctx context.Context, address wire.Address, introducers []wire.Address) (KeyRef, bool, error) {
	return s.bestGossipAmong(ctx, address, introducers, true)
}

func (s *Store) bestGossipAmong(ctx context.Context, address wire.Address, introducers []wire.Address, verified bool) (KeyRef, bool, error) {
	names := make([]string, 0, len(introducers))
	for _, introducer := range introducers {
		if introducer == address {
			continue
		}
		names = append(names, introducer.String())
	}
	if len(names) == 0 {
		return KeyRef{}, false, nil
	}
	query := s.db.WithContext(ctx).Where("address = ? AND introducer IN ?", address.String(), names)
	if verified {
		query = query.Where("is_verified = ?", true)
	}
	var record PublicKeyRecord
	err := query.Order(orderMostRecent).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return KeyRef{}, false, nil
	}
	if err != nil {
		return KeyRef{}, false, err
	}
	return refFromRecord(record), true, nil
}

// IsVerified reports whether a verified key for address is usable in a chat with the
// given members: either the direct key, or gossip introduced by another member. It agrees
// with protected-group selection.
func (s *Store) IsVerified(ctx context.Context, address wire.Address, chatMembers []wire.Address) (bool, error) {
	introducers := []string{address.String()}
	for _, member := range chatMembers {
		if member != address {
			introducers = append(introducers, member.String())
		}
	}
	var count int64
	err := s.db.WithContext(ctx).
		Model(&PublicKeyRecord{}).
		Where("address = ? AND is_verified = ? AND introducer IN ?", address.String(), true, introducers).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// IsVerifiedIntroducer reports whether fingerprint is the verified direct key of introducer.
func (s *Store) IsVerifiedIntroducer(ctx context.Context, introducer wire.Address, fingerprint string) (bool, error) {
	if fingerprint == "" {
		return false, nil
	}
	record, found, err := s.take(ctx, introducer, introducer)
	if err != nil || !found {
		return false, err
	}
	return record.IsVerified && record.Fingerprint == fingerprint, nil
}

// MarkVerified flags every row for address carrying fingerprint as verified, as after a
// completed setup-contact handshake.
func (s *Store) MarkVerified(ctx context.Context, address wire.Address, fingerprint string) error {
	result := s.db.WithContext(ctx).
		Model(&PublicKeyRecord{}).
		Where("address = ? AND fingerprint = ?", address.String(), fingerprint).
		Update("is_verified", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s %s", ErrKeyNotFound, address, fingerprint)
	}
	return nil
}

// FindDirectByFingerprint returns direct keys carrying fingerprint for addresses other than
// exclude, most recent first. Only keys their owner has signed with are returned.
func (s *Store) FindDirectByFingerprint(ctx context.Context, fingerprint string, exclude wire.Address) ([]KeyRef, error) {
	var records []PublicKeyRecord
	err := s.db.WithContext(ctx).
		Where("fingerprint = ? AND introducer = address AND address <> ? AND proven_by_signature = ?", fingerprint, exclude.String(), true).
		Order(orderMostRecent).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	refs := make([]KeyRef, 0, len(records))
	for _, record := range records {
		refs = append(refs, refFromRecord(record))
	}
	return refs, nil
}

// KeysFor lists every row stored for address in insertion order.
func (s *Store) KeysFor(ctx context.Context, address wire.Address) ([]KeyRef, error) {
	var records []PublicKeyRecord
	if err := s.db.WithContext(ctx).
		Where(columnAddress+" = ?", address.String()).
		Order("record_id ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	refs := make([]KeyRef, 0, len(records))
	for _, record := range records {
		refs = append(refs, refFromRecord(record))
	}
	return refs, nil
}

func (s *Store) parse(address, introducer wire.Address, keyData []byte) (ParsedKey, error) {
	parsed, err := ParseKey(keyData)
	if err != nil {
		s.logger.Warn("rejected key material",
			zap.String(columnAddress, address.String()),
			zap.String(columnIntroducer, introducer.String()),
			zap.Error(err))
		return ParsedKey{}, err
	}
	return parsed, nil
}

func (s *Store) take(ctx context.Context, address, introducer wire.Address) (PublicKeyRecord, bool, error) {
	var record PublicKeyRecord
	err := s.db.WithContext(ctx).
		Where(queryAddressIntroducer, address.String(), introducer.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PublicKeyRecord{}, false, nil
	}
	if err != nil {
		return PublicKeyRecord{}, false, err
	}
	return record, true, nil
}

func (s *Store) create(ctx context.Context, record PublicKeyRecord) error {
	return s.db.WithContext(ctx).Create(&record).Error
}

func (s *Store) save(ctx context.Context, record *PublicKeyRecord) error {
	return s.db.WithContext(ctx).Save(record).Error
}
