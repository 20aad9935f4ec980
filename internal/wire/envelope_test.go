package wire

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

var sampleKeyData = []byte{0x99, 0x01, 0x0d, 0x04}

func TestParseExtractsTypedHeaders(t *testing.T) {
	message := RawMessage{
		MessageID:        "<msg-1@example.org>",
		From:             "Alice <Alice@Example.org>",
		TimestampSeconds: 1700000000,
		Signature:        Signature{Status: SignaturePass, Fingerprint: "abcd"},
		Headers: map[string][]string{
			"autocrypt": {FormatAutocrypt(DirectKey{Address: "alice@example.org", KeyData: sampleKeyData, PreferEncrypt: true})},
		},
		ProtectedHeaders: map[string][]string{
			"From":                    {"Alice <Alice@Example.org>"},
			"To":                      {"bob@example.org, Carol <carol@example.org>"},
			"Chat-Version":            {"1.0"},
			"Chat-Group-ID":           {"grp-1"},
			"Chat-Group-Member-Added": {"carol@example.org"},
			"Autocrypt-Gossip": {
				FormatGossip(GossipKey{Address: "bob@example.org", KeyData: sampleKeyData}),
				FormatGossip(GossipKey{Address: "carol@example.org", KeyData: sampleKeyData}),
			},
		},
	}

	envelope, issues, err := Parse(message)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if len(issues) != 0 {
		t.Fatalf("expected no issues, got %v", issues)
	}
	if envelope.MessageID != "msg-1@example.org" {
		t.Fatalf("unexpected message id %q", envelope.MessageID)
	}
	if envelope.Sender != "alice@example.org" {
		t.Fatalf("expected normalized sender, got %q", envelope.Sender)
	}
	if envelope.SenderVerbatim != "Alice@Example.org" || envelope.ProtectedFrom != "Alice@Example.org" {
		t.Fatalf("expected verbatim addresses to be kept, got %q and %q", envelope.SenderVerbatim, envelope.ProtectedFrom)
	}
	if envelope.Signature.Fingerprint != "ABCD" {
		t.Fatalf("expected upper-case fingerprint, got %q", envelope.Signature.Fingerprint)
	}
	if envelope.DirectKey == nil || !envelope.DirectKey.PreferEncrypt {
		t.Fatalf("expected direct key with mutual preference")
	}
	if len(envelope.Gossip) != 2 {
		t.Fatalf("expected two gossip keys, got %d", len(envelope.Gossip))
	}
	if envelope.Version == nil || envelope.Version.Value != "1.0" {
		t.Fatalf("expected version marker")
	}
	if envelope.Change == nil || envelope.Change.Direction != DirectionAdded || envelope.Change.Target != "carol@example.org" {
		t.Fatalf("unexpected member change %#v", envelope.Change)
	}
	expectedDeclared := []Address{"alice@example.org", "bob@example.org", "carol@example.org"}
	if len(envelope.Change.Declared) != len(expectedDeclared) {
		t.Fatalf("unexpected declared list %v", envelope.Change.Declared)
	}
	for index, address := range expectedDeclared {
		if envelope.Change.Declared[index] != address {
			t.Fatalf("expected %s at %d, got %s", address, index, envelope.Change.Declared[index])
		}
	}
	if len(envelope.Headers()) != 5 {
		t.Fatalf("expected five typed headers, got %d", len(envelope.Headers()))
	}
}

func TestParseDropsMalformedHeaders(t *testing.T) {
	message := RawMessage{
		MessageID:        "msg-2",
		From:             "alice@example.org",
		TimestampSeconds: 1700000000,
		Headers: map[string][]string{
			"Autocrypt": {"addr=alice@example.org; keydata=!!!not-base64"},
		},
		ProtectedHeaders: map[string][]string{
			"Autocrypt-Gossip":        {"addr=bob@example.org; critical=1; keydata=" + base64.StdEncoding.EncodeToString(sampleKeyData)},
			"Chat-Group-ID":           {"grp-1"},
			"Chat-Group-Member-Added": {"not an address"},
		},
	}

	envelope, issues, err := Parse(message)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if envelope.DirectKey != nil || len(envelope.Gossip) != 0 || envelope.Change != nil {
		t.Fatalf("expected malformed headers to be treated as absent")
	}
	if len(issues) != 3 {
		t.Fatalf("expected three issues, got %d: %v", len(issues), issues)
	}
	for _, issue := range issues {
		if !errors.Is(issue.Err, ErrMalformedHeader) {
			t.Fatalf("expected malformed header error, got %v", issue.Err)
		}
	}
	if envelope.Signature.Status != SignatureAbsent {
		t.Fatalf("expected absent signature default, got %q", envelope.Signature.Status)
	}
}

func TestParseIgnoresAutocryptForOtherAddress(t *testing.T) {
	message := RawMessage{
		MessageID: "msg-3",
		From:      "mallory@example.org",
		Headers: map[string][]string{
			"Autocrypt": {FormatAutocrypt(DirectKey{Address: "alice@example.org", KeyData: sampleKeyData})},
		},
	}
	envelope, issues, err := Parse(message)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if envelope.DirectKey != nil {
		t.Fatalf("expected autocrypt header for a different address to be ignored")
	}
	if len(issues) != 1 {
		t.Fatalf("expected one issue, got %d", len(issues))
	}
}

func TestParseRejectsUnparseableSender(t *testing.T) {
	_, _, err := Parse(RawMessage{From: "not-an-address"})
	if !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected invalid address error, got %v", err)
	}
}

func TestParseCorrectionRequiresGroup(t *testing.T) {
	records := [][]byte{[]byte("record")}
	message := RawMessage{
		MessageID:         "msg-4",
		From:              "bob@example.org",
		ProtectedHeaders:  map[string][]string{"Chat-Group-Member-Correction": {"1"}},
		CorrectionRecords: records,
	}
	envelope, issues, err := Parse(message)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if envelope.Correction != nil {
		t.Fatalf("expected correction without group id to be dropped")
	}
	if len(issues) != 1 {
		t.Fatalf("expected one issue, got %d", len(issues))
	}

	message.ProtectedHeaders["Chat-Group-ID"] = []string{"grp-1"}
	envelope, _, err = Parse(message)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if envelope.Correction == nil || envelope.Correction.Declared != 1 || len(envelope.Records) != 1 {
		t.Fatalf("expected correction with one record, got %#v", envelope.Correction)
	}
}

func TestParseTimestamp(t *testing.T) {
	envelope, _, err := Parse(RawMessage{From: "bob@example.org", TimestampSeconds: 1700000123})
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if !envelope.Timestamp.Equal(time.Unix(1700000123, 0)) {
		t.Fatalf("unexpected timestamp %v", envelope.Timestamp)
	}
}

func TestAddressDomain(t *testing.T) {
	address, err := ParseAddress("Bob <Bob@Mail.Example.org>")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if address.Domain() != "mail.example.org" {
		t.Fatalf("unexpected domain %q", address.Domain())
	}
	if Address("").Domain() != "" {
		t.Fatalf("expected empty domain for empty address")
	}
}
