package wire

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/textproto"
	"strings"
)

// Header names understood at the boundary.
const (
	HeaderAutocrypt         = "Autocrypt"
	HeaderAutocryptGossip   = "Autocrypt-Gossip"
	HeaderMemberAdded       = "Chat-Group-Member-Added"
	HeaderMemberRemoved     = "Chat-Group-Member-Removed"
	HeaderMemberCorrection  = "Chat-Group-Member-Correction"
	HeaderVersion           = "Chat-Version"
	HeaderGroupID           = "Chat-Group-ID"
	HeaderGroupName         = "Chat-Group-Name"
	HeaderVerified          = "Chat-Verified"
	HeaderFrom              = "From"
	HeaderTo                = "To"
	HeaderMessageID         = "Message-ID"
	HeaderDate              = "Date"
	protocolVersion         = "1.0"
	preferEncryptMutual     = "mutual"
	autocryptAttrAddr       = "addr"
	autocryptAttrKeyData    = "keydata"
	autocryptAttrPreference = "prefer-encrypt"
	maxGroupIDLength        = 190
)

var (
	// ErrMalformedHeader indicates a header that could not be parsed into a typed variant.
	ErrMalformedHeader = errors.New("wire: malformed header")
)

// Direction distinguishes member additions from removals.
type Direction string

const (
	// DirectionAdded marks a member being added.
	DirectionAdded Direction = "added"
	// DirectionRemoved marks a member being removed.
	DirectionRemoved Direction = "removed"
)

// Header is the closed set of header variants the core consumes.
type Header interface {
	headerName() string
}

// HeaderName returns the wire name of a typed header.
func HeaderName(header Header) string {
	return header.headerName()
}

// DirectKey is the sender's own key from an Autocrypt header.
type DirectKey struct {
	Address       Address
	KeyData       []byte
	PreferEncrypt bool
}

// GossipKey is a third party's key forwarded in an Autocrypt-Gossip header.
type GossipKey struct {
	Address Address
	KeyData []byte
}

// MemberAdded names the contact added to a group.
type MemberAdded struct {
	Target Address
}

// MemberRemoved names the contact removed from a group.
type MemberRemoved struct {
	Target Address
}

// Correction marks a message carrying replayed membership records.
type Correction struct {
	Declared int
}

// VersionMarker signals a peer that understands continuity semantics.
type VersionMarker struct {
	Value string
}

func (DirectKey) headerName() string     { return HeaderAutocrypt }
func (GossipKey) headerName() string     { return HeaderAutocryptGossip }
func (MemberAdded) headerName() string   { return HeaderMemberAdded }
func (MemberRemoved) headerName() string { return HeaderMemberRemoved }
func (Correction) headerName() string    { return HeaderMemberCorrection }
func (VersionMarker) headerName() string { return HeaderVersion }

// Issue records a header that was skipped at the boundary.
type Issue struct {
	Header string
	Err    error
}

// HeaderSet is a case-insensitive multi-valued header map.
type HeaderSet = textproto.MIMEHeader

// NewHeaderSet canonicalizes raw header keys.
func NewHeaderSet(raw map[string][]string) HeaderSet {
	set := make(HeaderSet, len(raw))
	for key, values := range raw {
		canonical := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(key))
		for _, value := range values {
			set.Add(canonical, value)
		}
	}
	return set
}

func parseAutocrypt(value string) (DirectKey, error) {
	attributes, err := parseAttributes(value)
	if err != nil {
		return DirectKey{}, err
	}
	address, keyData, err := addressAndKey(attributes)
	if err != nil {
		return DirectKey{}, err
	}
	preference := strings.ToLower(attributes[autocryptAttrPreference])
	return DirectKey{
		Address:       address,
		KeyData:       keyData,
		PreferEncrypt: preference == preferEncryptMutual,
	}, nil
}

func parseGossip(value string) (GossipKey, error) {
	attributes, err := parseAttributes(value)
	if err != nil {
		return GossipKey{}, err
	}
	address, keyData, err := addressAndKey(attributes)
	if err != nil {
		return GossipKey{}, err
	}
	return GossipKey{Address: address, KeyData: keyData}, nil
}

// parseAttributes splits "k=v; k=v" pairs. Unknown attributes not prefixed with an
// underscore are critical and invalidate the header.
func parseAttributes(value string) (map[string]string, error) {
	attributes := map[string]string{}
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, attrValue, found := strings.Cut(part, "=")
		if !found {
			return nil, fmt.Errorf("%w: attribute %q without value", ErrMalformedHeader, part)
		}
		name = strings.ToLower(strings.TrimSpace(name))
		switch name {
		case autocryptAttrAddr, autocryptAttrKeyData, autocryptAttrPreference:
		default:
			if !strings.HasPrefix(name, "_") {
				return nil, fmt.Errorf("%w: unknown critical attribute %q", ErrMalformedHeader, name)
			}
			continue
		}
		if _, duplicate := attributes[name]; duplicate {
			return nil, fmt.Errorf("%w: duplicate attribute %q", ErrMalformedHeader, name)
		}
		attributes[name] = strings.TrimSpace(attrValue)
	}
	return attributes, nil
}

func addressAndKey(attributes map[string]string) (Address, []byte, error) {
	address, err := ParseAddress(attributes[autocryptAttrAddr])
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	encoded := strings.Join(strings.Fields(attributes[autocryptAttrKeyData]), "")
	if encoded == "" {
		return "", nil, fmt.Errorf("%w: empty keydata", ErrMalformedHeader)
	}
	keyData, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("%w: invalid keydata base64", ErrMalformedHeader)
	}
	return address, keyData, nil
}

// FormatAutocrypt renders an Autocrypt header value.
func FormatAutocrypt(key DirectKey) string {
	parts := []string{autocryptAttrAddr + "=" + key.Address.String()}
	if key.PreferEncrypt {
		parts = append(parts, autocryptAttrPreference+"="+preferEncryptMutual)
	}
	parts = append(parts, autocryptAttrKeyData+"="+base64.StdEncoding.EncodeToString(key.KeyData))
	return strings.Join(parts, "; ")
}

// FormatGossip renders an Autocrypt-Gossip header value.
func FormatGossip(key GossipKey) string {
	return autocryptAttrAddr + "=" + key.Address.String() + "; " +
		autocryptAttrKeyData + "=" + base64.StdEncoding.EncodeToString(key.KeyData)
}

func parseGroupID(value string) (string, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || len(trimmed) > maxGroupIDLength {
		return "", false
	}
	return trimmed, true
}

func normalizeMessageID(value string) string {
	trimmed := strings.TrimSpace(value)
	trimmed = strings.TrimPrefix(trimmed, "<")
	trimmed = strings.TrimSuffix(trimmed, ">")
	return strings.TrimSpace(trimmed)
}

// ProtocolVersion is the version marker value this core emits.
func ProtocolVersion() string {
	return protocolVersion
}
