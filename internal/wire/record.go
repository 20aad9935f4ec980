package wire

import (
	"bytes"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

const maxRecordSize = 64 * 1024

// ErrMalformedRecord indicates a membership record that cannot be replayed.
var ErrMalformedRecord = errors.New("wire: malformed membership record")

// Record is one membership change: an RFC 5322 header block carrying the group id, the
// change header, and the declared member list. Original holds the signed message bytes as
// the actor transmitted them; it is opaque here and empty for changes composed on this
// device.
type Record struct {
	MessageID string
	Actor     Address
	GroupID   string
	Timestamp time.Time
	Change    MemberChange
	Raw       []byte
	Original  []byte
}

// ParseRecord reads a verbatim membership record.
func ParseRecord(raw []byte) (Record, error) {
	if len(raw) == 0 {
		return Record{}, fmt.Errorf("%w: empty", ErrMalformedRecord)
	}
	if len(raw) > maxRecordSize {
		return Record{}, fmt.Errorf("%w: exceeds %d bytes", ErrMalformedRecord, maxRecordSize)
	}
	message, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	headers := HeaderSet(message.Header)

	messageID := normalizeMessageID(headers.Get(HeaderMessageID))
	if messageID == "" {
		return Record{}, fmt.Errorf("%w: missing message id", ErrMalformedRecord)
	}
	actor, err := ParseAddress(headers.Get(HeaderFrom))
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	groupID, ok := parseGroupID(headers.Get(HeaderGroupID))
	if !ok {
		return Record{}, fmt.Errorf("%w: missing group id", ErrMalformedRecord)
	}
	timestamp, err := message.Header.Date()
	if err != nil {
		return Record{}, fmt.Errorf("%w: invalid date", ErrMalformedRecord)
	}
	change, err := parseMemberChange(headers, HeaderSet{}, actor)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if change == nil {
		return Record{}, fmt.Errorf("%w: no member change", ErrMalformedRecord)
	}

	return Record{
		MessageID: messageID,
		Actor:     actor,
		GroupID:   groupID,
		Timestamp: timestamp.UTC(),
		Change:    *change,
		Raw:       append([]byte(nil), raw...),
	}, nil
}

// ComposeRecord renders a Record into its verbatim header-block form.
func ComposeRecord(record Record) ([]byte, error) {
	if normalizeMessageID(record.MessageID) == "" {
		return nil, fmt.Errorf("%w: missing message id", ErrMalformedRecord)
	}
	if _, ok := parseGroupID(record.GroupID); !ok {
		return nil, fmt.Errorf("%w: missing group id", ErrMalformedRecord)
	}
	if record.Actor == "" || record.Change.Target == "" {
		return nil, fmt.Errorf("%w: missing actor or target", ErrMalformedRecord)
	}

	changeHeader := HeaderMemberAdded
	if record.Change.Direction == DirectionRemoved {
		changeHeader = HeaderMemberRemoved
	}
	recipients := make([]string, 0, len(record.Change.Declared))
	for _, address := range record.Change.Declared {
		if address == record.Actor {
			continue
		}
		recipients = append(recipients, address.String())
	}

	var buffer bytes.Buffer
	writeHeader(&buffer, HeaderMessageID, "<"+normalizeMessageID(record.MessageID)+">")
	writeHeader(&buffer, HeaderFrom, record.Actor.String())
	if len(recipients) > 0 {
		writeHeader(&buffer, HeaderTo, strings.Join(recipients, ", "))
	}
	writeHeader(&buffer, HeaderDate, record.Timestamp.UTC().Format(time.RFC1123Z))
	writeHeader(&buffer, HeaderVersion, protocolVersion)
	writeHeader(&buffer, HeaderGroupID, record.GroupID)
	writeHeader(&buffer, changeHeader, record.Change.Target.String())
	buffer.WriteString("\r\n")
	return buffer.Bytes(), nil
}

func writeHeader(buffer *bytes.Buffer, name, value string) {
	buffer.WriteString(name)
	buffer.WriteString(": ")
	buffer.WriteString(value)
	buffer.WriteString("\r\n")
}

// PrimaryRecord builds the membership record for an envelope's own change header. The
// transmitted message is kept verbatim as Original. Raw is the transmitted header block when
// it replays to the same change, otherwise a canonical block composed from the envelope.
func (e Envelope) PrimaryRecord() (Record, error) {
	if e.Change == nil || e.GroupID == "" {
		return Record{}, fmt.Errorf("%w: envelope carries no member change", ErrMalformedRecord)
	}
	if e.MessageID == "" {
		return Record{}, fmt.Errorf("%w: missing message id", ErrMalformedRecord)
	}
	record := Record{
		MessageID: e.MessageID,
		Actor:     e.Sender,
		GroupID:   e.GroupID,
		Timestamp: e.Timestamp,
		Change:    *e.Change,
	}
	if len(e.Raw) > 0 {
		record.Original = append([]byte(nil), e.Raw...)
		if transmitted, err := ParseRecord(e.Raw); err == nil &&
			transmitted.MessageID == record.MessageID &&
			transmitted.GroupID == record.GroupID &&
			transmitted.Change.Target == record.Change.Target &&
			transmitted.Change.Direction == record.Change.Direction {
			record.Raw = transmitted.Raw
			return record, nil
		}
	}
	raw, err := ComposeRecord(record)
	if err != nil {
		return Record{}, err
	}
	record.Raw = raw
	return record, nil
}
