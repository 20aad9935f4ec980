package keys

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
)

const maxKeyMaterialSize = 256 * 1024

// ParsedKey is normalized key material with its content-derived fingerprint.
type ParsedKey struct {
	Fingerprint string
	Material    []byte
}

// ParseKey reads a transferable OpenPGP public key (binary or ASCII armored). Only the
// first entity is kept; the fingerprint is always derived from the key itself.
func ParseKey(keyData []byte) (parsed ParsedKey, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			parsed = ParsedKey{}
			err = fmt.Errorf("%w: parser panic: %v", ErrMalformedKey, recovered)
		}
	}()

	if len(keyData) == 0 {
		return ParsedKey{}, fmt.Errorf("%w: empty", ErrMalformedKey)
	}
	if len(keyData) > maxKeyMaterialSize {
		return ParsedKey{}, fmt.Errorf("%w: exceeds %d bytes", ErrMalformedKey, maxKeyMaterialSize)
	}

	data := keyData
	if bytes.HasPrefix(bytes.TrimSpace(keyData), []byte("-----BEGIN")) {
		block, armorErr := armor.Decode(bytes.NewReader(keyData))
		if armorErr != nil {
			return ParsedKey{}, fmt.Errorf("%w: %v", ErrMalformedKey, armorErr)
		}
		if block.Type != openpgp.PublicKeyType {
			return ParsedKey{}, fmt.Errorf("%w: unexpected armor type %q", ErrMalformedKey, block.Type)
		}
		var buffer bytes.Buffer
		if _, copyErr := buffer.ReadFrom(block.Body); copyErr != nil {
			return ParsedKey{}, fmt.Errorf("%w: %v", ErrMalformedKey, copyErr)
		}
		data = buffer.Bytes()
	}

	entities, readErr := openpgp.ReadKeyRing(bytes.NewReader(data))
	if readErr != nil {
		return ParsedKey{}, fmt.Errorf("%w: %v", ErrMalformedKey, readErr)
	}
	if len(entities) == 0 || entities[0].PrimaryKey == nil {
		return ParsedKey{}, fmt.Errorf("%w: no public key", ErrMalformedKey)
	}

	var normalized bytes.Buffer
	if serializeErr := entities[0].Serialize(&normalized); serializeErr != nil {
		return ParsedKey{}, fmt.Errorf("%w: %v", ErrMalformedKey, serializeErr)
	}
	return ParsedKey{
		Fingerprint: FormatFingerprint(entities[0].PrimaryKey.Fingerprint[:]),
		Material:    normalized.Bytes(),
	}, nil
}

// FormatFingerprint renders a fingerprint as upper-case hex.
func FormatFingerprint(raw []byte) string {
	return strings.ToUpper(hex.EncodeToString(raw))
}

// NormalizeFingerprint accepts a fingerprint typed by a person, with spaces or colons
// between groups, and returns the stored form.
func NormalizeFingerprint(value string) string {
	replacer := strings.NewReplacer(" ", "", ":", "", "\t", "")
	return strings.ToUpper(replacer.Replace(strings.TrimSpace(value)))
}
