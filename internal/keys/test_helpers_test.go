package keys

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"
	"gorm.io/gorm"
)

var (
	databaseCounter atomic.Int64
	keyCache        sync.Map
)

type testKey struct {
	material    []byte
	fingerprint string
}

// mustKey returns a cached OpenPGP public key for label.
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
		fingerprint: FormatFingerprint(entity.PrimaryKey.Fingerprint[:]),
	}
	actual, _ := keyCache.LoadOrStore(label, key)
	return actual.(testKey)
}

func armorKey(t *testing.T, material []byte) []byte {
	t.Helper()
	var buffer bytes.Buffer
	writer, err := armor.Encode(&buffer, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatalf("failed to open armor writer: %v", err)
	}
	if _, err := writer.Write(material); err != nil {
		t.Fatalf("failed to armor key: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close armor writer: %v", err)
	}
	return buffer.Bytes()
}

func mustStore(t *testing.T) *Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:keys_%s_%d?mode=memory&cache=shared", name, databaseCounter.Add(1))
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(&PublicKeyRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewStore(StoreConfig{Database: database, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}
