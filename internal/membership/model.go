package membership

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/chats"
	"github.com/MarcoPoloResearchLab/courier/internal/contacts"
	"github.com/MarcoPoloResearchLab/courier/internal/wire"
)

// Origin records how a membership event entered the log.
type Origin string

const (
	// OriginReceived marks a primary change received from a peer.
	OriginReceived Origin = "received"
	// OriginSent marks a change this device sent.
	OriginSent Origin = "sent"
	// OriginCorrection marks an event replayed from a correction bundle.
	OriginCorrection Origin = "correction"
)

// Reasons a message was ignored by the processor.
const (
	ReasonSenderNotMember   = "sender_not_member"
	ReasonCarrierNotMember  = "carrier_not_member"
	ReasonNoValidRecords    = "no_valid_records"
	ReasonUnsignedProtected = "unsigned_protected_change"
)

var (
	// ErrNotMember indicates an outgoing change for a group this device is not part of.
	ErrNotMember = errors.New("membership: self is not a member")
	// ErrInvalidChange indicates an outgoing change that cannot be recorded.
	ErrInvalidChange = errors.New("membership: invalid change")
)

// Event is one immutable GMM. MessageID is the dedup key. Record is the replayable header
// block; RawMessage is the message exactly as the actor transmitted it, empty for changes
// composed on this device.
type Event struct {
	MessageID         string         `gorm:"column:message_id;primaryKey;size:190"`
	ChatID            chats.ID       `gorm:"column:chat_id;not null;index:idx_membership_events_lookup,priority:1"`
	ActorContactID    contacts.ID    `gorm:"column:actor_contact_id;not null"`
	TargetContactID   contacts.ID    `gorm:"column:target_contact_id;not null;index:idx_membership_events_lookup,priority:2"`
	Direction         wire.Direction `gorm:"column:direction;size:16;not null;index:idx_membership_events_lookup,priority:3"`
	TimestampSeconds  int64          `gorm:"column:timestamp_s;not null"`
	Record            []byte         `gorm:"column:record;not null"`
	RawMessage        []byte         `gorm:"column:raw_message"`
	Origin            Origin         `gorm:"column:origin;size:16;not null"`
	RecordedAtSeconds int64          `gorm:"column:recorded_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "membership_events"
}

// PrimaryChange is a genuine add/remove message received from a peer. Signed reports a
// passed signature; protected groups accept nothing else.
type PrimaryChange struct {
	Record    wire.Record
	GroupName string
	Protected bool
	Signed    bool
}

// CorrectionBundle is a received message replaying earlier GMMs. It can never produce a
// further bundle.
type CorrectionBundle struct {
	MessageID string
	Carrier   wire.Address
	GroupID   string
	GroupName string
	Protected bool
	Records   [][]byte
	Originals [][]byte
}

// MemberDelta is one membership flip applied to the projection.
type MemberDelta struct {
	GroupID   string         `json:"group_id"`
	Address   wire.Address   `json:"address"`
	Direction wire.Direction `json:"direction"`
	MessageID string         `json:"message_id"`
}

// Outcome summarizes how a membership message was handled.
type Outcome struct {
	ChatID    chats.ID
	GroupID   string
	Created   bool
	Duplicate bool
	Ignored   string
	Deltas    []MemberDelta
	Skipped   int
}

// OutgoingBundle is a correction to broadcast to Recipients.
type OutgoingBundle struct {
	GroupID     string
	ChatID      chats.ID
	Recipients  []wire.Address
	Records     []wire.Record
	TriggeredBy string
}

// OutgoingChange is an add/remove this device is about to send.
type OutgoingChange struct {
	GroupID   string
	Target    wire.Address
	Direction wire.Direction
	MessageID string
	Timestamp time.Time
}

// NewGroup describes a group created on this device.
type NewGroup struct {
	GroupID   string
	Name      string
	Protected bool
	Members   []wire.Address
	At        time.Time
	MessageID string
}
