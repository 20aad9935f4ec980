package wire

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureStatus is the verification outcome reported by the receiving pipeline.
type SignatureStatus string

const (
	SignaturePass   SignatureStatus = "pass"
	SignatureFail   SignatureStatus = "fail"
	SignatureAbsent SignatureStatus = "absent"
)

// Signature describes the outer signature check of a message.
type Signature struct {
	Status      SignatureStatus `json:"status"`
	Fingerprint string          `json:"fingerprint,omitempty"`
}

// Passed reports whether the signature verified against a known signer key.
func (s Signature) Passed() bool {
	return s.Status == SignaturePass && s.Fingerprint != ""
}

// RawMessage is the decrypted, signature-checked message handed over by the receiving pipeline.
// Raw is the message as transmitted. CorrectionOriginals, when present, is index-aligned with
// CorrectionRecords and holds the transmitted bytes of each replayed change.
type RawMessage struct {
	MessageID           string              `json:"message_id"`
	From                string              `json:"from"`
	TimestampSeconds    int64               `json:"timestamp_s"`
	Signature           Signature           `json:"signature"`
	Headers             map[string][]string `json:"headers"`
	ProtectedHeaders    map[string][]string `json:"protected_headers"`
	CorrectionRecords   [][]byte            `json:"correction_records,omitempty"`
	CorrectionOriginals [][]byte            `json:"correction_originals,omitempty"`
	Raw                 []byte              `json:"raw,omitempty"`
}

// MemberChange is a parsed add/remove event with the sender's declared member list.
type MemberChange struct {
	Direction Direction
	Target    Address
	Declared  []Address
}

// Envelope is the typed view of a RawMessage. Nothing downstream reads raw header strings.
type Envelope struct {
	MessageID      string
	Sender         Address
	SenderVerbatim string
	ProtectedFrom  string
	Timestamp      time.Time
	Signature      Signature
	GroupID        string
	GroupName      string
	Verified       bool
	DirectKey      *DirectKey
	Gossip         []GossipKey
	Change         *MemberChange
	Correction     *Correction
	Records        [][]byte
	Originals      [][]byte
	Version        *VersionMarker
	Raw            []byte
}

// Headers returns every typed variant present on the envelope.
func (e Envelope) Headers() []Header {
	var headers []Header
	if e.DirectKey != nil {
		headers = append(headers, *e.DirectKey)
	}
	for _, gossip := range e.Gossip {
		headers = append(headers, gossip)
	}
	if e.Change != nil {
		if e.Change.Direction == DirectionAdded {
			headers = append(headers, MemberAdded{Target: e.Change.Target})
		} else {
			headers = append(headers, MemberRemoved{Target: e.Change.Target})
		}
	}
	if e.Correction != nil {
		headers = append(headers, *e.Correction)
	}
	if e.Version != nil {
		headers = append(headers, *e.Version)
	}
	return headers
}

// Parse converts a RawMessage into an Envelope. Malformed headers are dropped and
// reported as issues; Parse itself only fails when the sender cannot be identified.
func Parse(message RawMessage) (Envelope, []Issue, error) {
	var issues []Issue
	outer := NewHeaderSet(message.Headers)
	protected := NewHeaderSet(message.ProtectedHeaders)

	senderVerbatim, err := ParseAddressVerbatim(message.From)
	if err != nil {
		return Envelope{}, nil, err
	}
	envelope := Envelope{
		MessageID:      normalizeMessageID(message.MessageID),
		Sender:         Address(strings.ToLower(senderVerbatim)),
		SenderVerbatim: senderVerbatim,
		Timestamp:      time.Unix(message.TimestampSeconds, 0).UTC(),
		Signature:      message.Signature,
		Raw:            message.Raw,
	}
	if envelope.Signature.Status == "" {
		envelope.Signature.Status = SignatureAbsent
	}
	envelope.Signature.Fingerprint = strings.ToUpper(strings.TrimSpace(envelope.Signature.Fingerprint))
	if envelope.MessageID == "" {
		envelope.MessageID = normalizeMessageID(firstValue(protected, outer, HeaderMessageID))
	}

	if from := protected.Get(HeaderFrom); from != "" {
		if verbatim, err := ParseAddressVerbatim(from); err == nil {
			envelope.ProtectedFrom = verbatim
		} else {
			issues = append(issues, Issue{Header: HeaderFrom, Err: err})
		}
	}

	for _, value := range outer.Values(HeaderAutocrypt) {
		key, err := parseAutocrypt(value)
		if err != nil {
			issues = append(issues, Issue{Header: HeaderAutocrypt, Err: err})
			continue
		}
		if key.Address != envelope.Sender {
			issues = append(issues, Issue{Header: HeaderAutocrypt, Err: fmt.Errorf("%w: addr does not match sender", ErrMalformedHeader)})
			continue
		}
		if envelope.DirectKey != nil {
			issues = append(issues, Issue{Header: HeaderAutocrypt, Err: fmt.Errorf("%w: duplicate header", ErrMalformedHeader)})
			envelope.DirectKey = nil
			break
		}
		keyCopy := key
		envelope.DirectKey = &keyCopy
	}

	for _, value := range protected.Values(HeaderAutocryptGossip) {
		key, err := parseGossip(value)
		if err != nil {
			issues = append(issues, Issue{Header: HeaderAutocryptGossip, Err: err})
			continue
		}
		envelope.Gossip = append(envelope.Gossip, key)
	}

	if value := firstValue(protected, outer, HeaderVersion); value != "" {
		envelope.Version = &VersionMarker{Value: strings.TrimSpace(value)}
	}

	if groupID, ok := parseGroupID(firstValue(protected, outer, HeaderGroupID)); ok {
		envelope.GroupID = groupID
		envelope.GroupName = strings.TrimSpace(firstValue(protected, outer, HeaderGroupName))
		envelope.Verified = strings.TrimSpace(protected.Get(HeaderVerified)) == "1"
	}

	if value := protected.Get(HeaderMemberCorrection); value != "" {
		if envelope.GroupID == "" {
			issues = append(issues, Issue{Header: HeaderMemberCorrection, Err: fmt.Errorf("%w: missing group id", ErrMalformedHeader)})
		} else {
			declared, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || declared < 0 {
				declared = len(message.CorrectionRecords)
			}
			envelope.Correction = &Correction{Declared: declared}
			envelope.Records = message.CorrectionRecords
			envelope.Originals = message.CorrectionOriginals
		}
	}

	change, err := parseMemberChange(protected, outer, envelope.Sender)
	if err != nil {
		issues = append(issues, Issue{Header: HeaderMemberAdded, Err: err})
	} else if change != nil {
		if envelope.GroupID == "" {
			issues = append(issues, Issue{Header: HeaderMemberAdded, Err: fmt.Errorf("%w: missing group id", ErrMalformedHeader)})
		} else {
			envelope.Change = change
		}
	}

	return envelope, issues, nil
}

func parseMemberChange(protected, outer HeaderSet, sender Address) (*MemberChange, error) {
	added := protected.Get(HeaderMemberAdded)
	removed := protected.Get(HeaderMemberRemoved)
	if added == "" && removed == "" {
		return nil, nil
	}
	if added != "" && removed != "" {
		return nil, fmt.Errorf("%w: both added and removed present", ErrMalformedHeader)
	}
	change := &MemberChange{Direction: DirectionAdded}
	value := added
	if removed != "" {
		change.Direction = DirectionRemoved
		value = removed
	}
	target, err := ParseAddress(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	change.Target = target

	recipients := protected.Values(HeaderTo)
	if len(recipients) == 0 {
		recipients = outer.Values(HeaderTo)
	}
	declared := NewAddressSet(sender)
	change.Declared = append(change.Declared, sender)
	for _, address := range parseAddressList(recipients) {
		if declared.Has(address) {
			continue
		}
		declared.Add(address)
		change.Declared = append(change.Declared, address)
	}
	return change, nil
}

func firstValue(primary, fallback HeaderSet, key string) string {
	if value := primary.Get(key); value != "" {
		return value
	}
	return fallback.Get(key)
}
