package contacts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/wire"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Store resolves addresses to contact handles.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("contacts: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, now: clock}, nil
}

// WithTx returns a Store bound to the provided transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, now: s.now}
}

// Ensure returns the contact for address, creating it when it has not been seen before.
func (s *Store) Ensure(ctx context.Context, address wire.Address) (Contact, error) {
	if address == "" {
		return Contact{}, fmt.Errorf("%w: empty", wire.ErrInvalidAddress)
	}
	candidate := Contact{
		Address:          address.String(),
		CreatedAtSeconds: s.now().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "address"}}, DoNothing: true}).
		Create(&candidate).Error
	if err != nil {
		return Contact{}, err
	}
	return s.ByAddress(ctx, address)
}

// EnsureAll resolves every address, preserving input order.
func (s *Store) EnsureAll(ctx context.Context, addresses []wire.Address) ([]Contact, error) {
	resolved := make([]Contact, 0, len(addresses))
	for _, address := range addresses {
		contact, err := s.Ensure(ctx, address)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, contact)
	}
	return resolved, nil
}

// ByAddress returns the contact for address.
func (s *Store) ByAddress(ctx context.Context, address wire.Address) (Contact, error) {
	var contact Contact
	err := s.db.WithContext(ctx).Where("address = ?", address.String()).Take(&contact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Contact{}, fmt.Errorf("%w: %s", ErrContactNotFound, address)
	}
	return contact, err
}

// Lookup is ByAddress reporting absence without an error.
func (s *Store) Lookup(ctx context.Context, address wire.Address) (Contact, bool, error) {
	contact, err := s.ByAddress(ctx, address)
	if errors.Is(err, ErrContactNotFound) {
		return Contact{}, false, nil
	}
	if err != nil {
		return Contact{}, false, err
	}
	return contact, true, nil
}

// ByID returns the contact for a handle.
func (s *Store) ByID(ctx context.Context, id ID) (Contact, error) {
	var contact Contact
	err := s.db.WithContext(ctx).Where("contact_id = ?", id).Take(&contact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Contact{}, fmt.Errorf("%w: #%d", ErrContactNotFound, id)
	}
	return contact, err
}

// ByIDs returns the contacts for the handles, ordered by address.
func (s *Store) ByIDs(ctx context.Context, ids []ID) ([]Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var found []Contact
	if err := s.db.WithContext(ctx).Where("contact_id IN ?", ids).Find(&found).Error; err != nil {
		return nil, err
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Address < found[j].Address })
	return found, nil
}

// Addresses maps the handles to their addresses, ordered lexically.
func (s *Store) Addresses(ctx context.Context, ids []ID) ([]wire.Address, error) {
	found, err := s.ByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	addresses := make([]wire.Address, 0, len(found))
	for _, contact := range found {
		addresses = append(addresses, contact.Addr())
	}
	return addresses, nil
}

// SetPreferEncrypt records the contact's advertised encryption preference.
func (s *Store) SetPreferEncrypt(ctx context.Context, id ID, preferEncrypt bool) error {
	return s.db.WithContext(ctx).
		Model(&Contact{}).
		Where("contact_id = ?", id).
		Update("prefer_encrypt", preferEncrypt).Error
}

// TouchLastSeen advances last_seen_s to seenAt; it never moves backwards.
func (s *Store) TouchLastSeen(ctx context.Context, id ID, seenAt time.Time) error {
	return s.db.WithContext(ctx).
		Model(&Contact{}).
		Where("contact_id = ? AND last_seen_s < ?", id, seenAt.UTC().Unix()).
		Update("last_seen_s", seenAt.UTC().Unix()).Error
}
