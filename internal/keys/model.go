package keys

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/wire"
)

// ChangeKind reports what an upsert did to the stored key for an (address, introducer) pair.
type ChangeKind int

const (
	// ChangeUnchanged means the stored fingerprint is the same (or the update was refused).
	ChangeUnchanged ChangeKind = iota
	// ChangeRotated means a different fingerprint replaced the stored one.
	ChangeRotated
	// ChangeNew means no row existed for the pair.
	ChangeNew
)

// String returns a stable name for logs and API payloads.
func (kind ChangeKind) String() string {
	switch kind {
	case ChangeRotated:
		return "rotated"
	case ChangeNew:
		return "new"
	default:
		return "unchanged"
	}
}

var (
	// ErrMalformedKey indicates key material that is not a parseable OpenPGP public key.
	ErrMalformedKey = errors.New("keys: malformed key material")
	// ErrKeyNotFound indicates that no stored key matches the request.
	ErrKeyNotFound = errors.New("keys: key not found")
)

// PublicKeyRecord is one key observation per (address, introducer). A row whose
// introducer equals its address is a direct key. ProvenBySignature marks a direct key
// whose owner signed a message with it.
type PublicKeyRecord struct {
	RecordID          int64  `gorm:"column:record_id;primaryKey;autoIncrement"`
	Address           string `gorm:"column:address;size:320;not null;uniqueIndex:idx_public_keys_address_introducer,priority:1;index:idx_public_keys_address_update,priority:1"`
	Introducer        string `gorm:"column:introducer;size:320;not null;uniqueIndex:idx_public_keys_address_introducer,priority:2"`
	KeyMaterial       []byte `gorm:"column:key_material;not null"`
	Fingerprint       string `gorm:"column:fingerprint;size:64;not null;index:idx_public_keys_fingerprint"`
	IsVerified        bool   `gorm:"column:is_verified;not null;default:false"`
	ProvenBySignature bool   `gorm:"column:proven_by_signature;not null;default:false"`
	LastUpdateSeconds int64  `gorm:"column:last_update_s;not null;index:idx_public_keys_address_update,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (PublicKeyRecord) TableName() string {
	return "public_keys"
}

// KeyRef is a read-only view of a stored key.
type KeyRef struct {
	RecordID    int64
	Address     wire.Address
	Introducer  wire.Address
	Fingerprint string
	KeyMaterial []byte
	IsVerified  bool
	Proven      bool
	LastUpdate  time.Time
}

// Direct reports whether the key was delivered by its owner.
func (ref KeyRef) Direct() bool {
	return ref.Address == ref.Introducer
}

func refFromRecord(record PublicKeyRecord) KeyRef {
	return KeyRef{
		RecordID:    record.RecordID,
		Address:     wire.Address(record.Address),
		Introducer:  wire.Address(record.Introducer),
		Fingerprint: record.Fingerprint,
		KeyMaterial: append([]byte(nil), record.KeyMaterial...),
		IsVerified:  record.IsVerified,
		Proven:      record.ProvenBySignature,
		LastUpdate:  time.Unix(record.LastUpdateSeconds, 0).UTC(),
	}
}
