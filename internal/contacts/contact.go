package contacts

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/wire"
)

// ErrContactNotFound indicates that no contact exists for the handle or address.
var ErrContactNotFound = errors.New("contacts: contact not found")

// ID is the integer handle of a contact. Contacts reference each other and chats by ID only.
type ID int64

// Contact is a known correspondent, keyed by normalized address.
type Contact struct {
	ContactID        ID     `gorm:"column:contact_id;primaryKey;autoIncrement"`
	Address          string `gorm:"column:address;size:320;not null;uniqueIndex"`
	PreferEncrypt    bool   `gorm:"column:prefer_encrypt;not null;default:false"`
	LastSeenSeconds  int64  `gorm:"column:last_seen_s;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName exposes the table backing contacts.
func (Contact) TableName() string {
	return "contacts"
}

// Addr returns the contact address as a wire.Address.
func (c Contact) Addr() wire.Address {
	return wire.Address(c.Address)
}

// LastSeen returns the timestamp of the newest message seen from the contact.
func (c Contact) LastSeen() time.Time {
	return time.Unix(c.LastSeenSeconds, 0).UTC()
}
