package chats

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/contacts"
)

// System message kinds appended to chats.
const (
	SystemKindGroupCreated    = "group_created"
	SystemKindMemberAdded     = "member_added"
	SystemKindMemberRemoved   = "member_removed"
	SystemKindIdentityChanged = "identity_changed"
)

var (
	// ErrChatNotFound indicates that no chat exists for the handle or group id.
	ErrChatNotFound = errors.New("chats: chat not found")
	// ErrChatExists indicates an attempt to create a group id that is already known.
	ErrChatExists = errors.New("chats: chat already exists")
	// ErrInvalidGroupID indicates an empty or oversized group identifier.
	ErrInvalidGroupID = errors.New("chats: invalid group id")
)

// ID is the integer handle of a chat.
type ID int64

// Chat is a group chat identified on the wire by its group id.
type Chat struct {
	ChatID           ID     `gorm:"column:chat_id;primaryKey;autoIncrement"`
	GroupID          string `gorm:"column:group_id;size:190;not null;uniqueIndex"`
	Name             string `gorm:"column:name;size:320;not null;default:''"`
	Protected        bool   `gorm:"column:protected;not null;default:false"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Chat) TableName() string {
	return "chats"
}

// Member is the last-write-wins membership register of one contact in one chat. A row with
// IsMember false is a tombstone.
type Member struct {
	ChatID           ID          `gorm:"column:chat_id;primaryKey"`
	ContactID        contacts.ID `gorm:"column:contact_id;primaryKey;index"`
	IsMember         bool        `gorm:"column:is_member;not null"`
	ChangedAtSeconds int64       `gorm:"column:changed_at_s;not null"`
	ChangedBy        string      `gorm:"column:changed_by;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Member) TableName() string {
	return "chat_members"
}

// SystemMessage is an informational entry shown in a chat.
type SystemMessage struct {
	MessageID        string `gorm:"column:message_id;primaryKey;size:64" json:"message_id"`
	ChatID           ID     `gorm:"column:chat_id;not null;index" json:"chat_id"`
	Kind             string `gorm:"column:kind;size:64;not null" json:"kind"`
	Text             string `gorm:"column:text;type:text;not null" json:"text"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null" json:"created_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (SystemMessage) TableName() string {
	return "system_messages"
}

// Delta is one membership change for a contact, ordered by (At, MessageID).
type Delta struct {
	ContactID contacts.ID
	IsMember  bool
	At        time.Time
	MessageID string
}

// DeltaOutcome reports how a Delta affected the projection.
type DeltaOutcome struct {
	// Applied is true when the delta won the register.
	Applied bool
	// Changed is true when the contact's membership flipped.
	Changed bool
}

// NewChat describes a chat to create with its founding members.
type NewChat struct {
	GroupID   string
	Name      string
	Protected bool
	Members   []contacts.ID
	At        time.Time
	MessageID string
}
