package ingest

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/database"
	"github.com/MarcoPoloResearchLab/courier/internal/keys"
	"github.com/MarcoPoloResearchLab/courier/internal/outbox"
	"github.com/MarcoPoloResearchLab/courier/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/packet"
)

const (
	alice  wire.Address = "alice@example.org"
	bob    wire.Address = "bob@example.org"
	bobNew wire.Address = "bob@new.example.org"
	carol  wire.Address = "carol@example.org"
	doris  wire.Address = "doris@example.org"
	erin   wire.Address = "erin@example.org"
	frank  wire.Address = "frank@example.org"

	groupID = "grp-book-club"
)

var (
	databaseCounter atomic.Int64
	keyCache        sync.Map
)

func at(seconds int64) time.Time {
	return time.Unix(seconds, 0).UTC()
}

type sequenceIDProvider struct {
	next atomic.Int64
}

func (p *sequenceIDProvider) NewID() (string, error) {
	return fmt.Sprintf("id-%03d", p.next.Add(1)), nil
}

type recordingQueue struct {
	mu      sync.Mutex
	bundles []outbox.Bundle
}

func (q *recordingQueue) Enqueue(_ context.Context, bundle outbox.Bundle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bundles = append(q.bundles, bundle)
}

func (q *recordingQueue) snapshot() []outbox.Bundle {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]outbox.Bundle(nil), q.bundles...)
}

type testKey struct {
	material    []byte
	fingerprint string
}

func mustKey(t *testing.T, label string) testKey {
	t.Helper()
	if cached, ok := keyCache.Load(label); ok {
		return cached.(testKey)
	}
	entity, err := openpgp.NewEntity(label, "", label+"@example.org", &packet.Config{RSABits: 1024})
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	var buffer bytes.Buffer
	if err := entity.Serialize(&buffer); err != nil {
		t.Fatalf("failed to serialize key: %v", err)
	}
	key := testKey{
		material:    buffer.Bytes(),
		fingerprint: keys.FormatFingerprint(entity.PrimaryKey.Fingerprint[:]),
	}
	actual, _ := keyCache.LoadOrStore(label, key)
	return actual.(testKey)
}

// mustService opens a fresh migrated in-memory account database for self.
func mustService(t *testing.T, self wire.Address, queue outbox.Queue) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:ingest_%d?mode=memory&cache=shared", databaseCounter.Add(1))
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	service, err := NewService(ServiceConfig{
		Database:   db,
		Self:       self,
		Clock:      func() time.Time { return at(1700000000) },
		IDProvider: &sequenceIDProvider{},
		Outbox:     queue,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

type messageBuilder struct {
	message wire.RawMessage
}

func newMessage(messageID string, from wire.Address, seconds int64) *messageBuilder {
	return &messageBuilder{message: wire.RawMessage{
		MessageID:        "<" + messageID + ">",
		From:             from.String(),
		TimestampSeconds: seconds,
		Signature:        wire.Signature{Status: wire.SignatureAbsent},
		Headers:          map[string][]string{},
		ProtectedHeaders: map[string][]string{wire.HeaderFrom: {from.String()}},
	}}
}

func (b *messageBuilder) signedBy(fingerprint string) *messageBuilder {
	b.message.Signature = wire.Signature{Status: wire.SignaturePass, Fingerprint: fingerprint}
	return b
}

func (b *messageBuilder) signatureFailed() *messageBuilder {
	b.message.Signature = wire.Signature{Status: wire.SignatureFail}
	return b
}

func (b *messageBuilder) autocrypt(address wire.Address, material []byte) *messageBuilder {
	b.message.Headers[wire.HeaderAutocrypt] = append(b.message.Headers[wire.HeaderAutocrypt],
		wire.FormatAutocrypt(wire.DirectKey{Address: address, KeyData: material, PreferEncrypt: true}))
	return b
}

func (b *messageBuilder) gossip(address wire.Address, material []byte) *messageBuilder {
	return b.protected(wire.HeaderAutocryptGossip, wire.FormatGossip(wire.GossipKey{Address: address, KeyData: material}))
}

func (b *messageBuilder) protected(name string, values ...string) *messageBuilder {
	b.message.ProtectedHeaders[name] = append(b.message.ProtectedHeaders[name], values...)
	return b
}

func (b *messageBuilder) memberChange(group string, direction wire.Direction, target wire.Address, to ...wire.Address) *messageBuilder {
	header := wire.HeaderMemberAdded
	if direction == wire.DirectionRemoved {
		header = wire.HeaderMemberRemoved
	}
	b.protected(wire.HeaderGroupID, group)
	b.protected(header, target.String())
	b.protected(wire.HeaderVersion, wire.ProtocolVersion())
	return b.to(to...)
}

func (b *messageBuilder) to(recipients ...wire.Address) *messageBuilder {
	names := make([]string, 0, len(recipients))
	for _, recipient := range recipients {
		names = append(names, recipient.String())
	}
	if len(names) > 0 {
		b.protected(wire.HeaderTo, strings.Join(names, ", "))
	}
	return b
}

func (b *messageBuilder) correction(group string, records ...[]byte) *messageBuilder {
	b.protected(wire.HeaderGroupID, group)
	b.protected(wire.HeaderMemberCorrection, fmt.Sprintf("%d", len(records)))
	b.protected(wire.HeaderVersion, wire.ProtocolVersion())
	b.message.CorrectionRecords = records
	return b
}

func (b *messageBuilder) transmitted(raw string) *messageBuilder {
	b.message.Raw = []byte(raw)
	return b
}

func (b *messageBuilder) build() wire.RawMessage {
	return b.message
}

func mustRecord(t *testing.T, record wire.Record) []byte {
	t.Helper()
	raw, err := wire.ComposeRecord(record)
	if err != nil {
		t.Fatalf("failed to compose record: %v", err)
	}
	return raw
}
