package contacts

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/wire"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var databaseCounter atomic.Int64

func mustStore(t *testing.T, now time.Time) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:contacts_%d?mode=memory&cache=shared", databaseCounter.Add(1))
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
	if err := database.AutoMigrate(&Contact{}); err != nil {
		t.Fatalf("failed to migrate contacts: %v", err)
	}
	store, err := NewStore(StoreConfig{Database: database, Clock: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func TestEnsureReturnsStableHandle(t *testing.T) {
	store := mustStore(t, time.Unix(1700000000, 0))
	ctx := context.Background()

	first, err := store.Ensure(ctx, "bob@example.org")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	second, err := store.Ensure(ctx, "bob@example.org")
	if err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
	if first.ContactID != second.ContactID {
		t.Fatalf("expected stable handle, got %d and %d", first.ContactID, second.ContactID)
	}
	if first.CreatedAtSeconds != 1700000000 {
		t.Fatalf("expected creation time from clock, got %d", first.CreatedAtSeconds)
	}

	other, err := store.Ensure(ctx, "carol@example.org")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if other.ContactID == first.ContactID {
		t.Fatalf("expected distinct handles")
	}

	addresses, err := store.Addresses(ctx, []ID{other.ContactID, first.ContactID})
	if err != nil {
		t.Fatalf("addresses failed: %v", err)
	}
	if len(addresses) != 2 || addresses[0] != "bob@example.org" || addresses[1] != "carol@example.org" {
		t.Fatalf("expected sorted addresses, got %v", addresses)
	}
}

func TestEnsureRejectsEmptyAddress(t *testing.T) {
	store := mustStore(t, time.Unix(1, 0))
	if _, err := store.Ensure(context.Background(), ""); !errors.Is(err, wire.ErrInvalidAddress) {
		t.Fatalf("expected invalid address, got %v", err)
	}
}

func TestLookupReportsAbsence(t *testing.T) {
	store := mustStore(t, time.Unix(1, 0))
	ctx := context.Background()

	_, found, err := store.Lookup(ctx, "nobody@example.org")
	if err != nil || found {
		t.Fatalf("expected absent contact, found=%v err=%v", found, err)
	}
	if _, err := store.ByID(ctx, 99); !errors.Is(err, ErrContactNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTouchLastSeenNeverMovesBackwards(t *testing.T) {
	store := mustStore(t, time.Unix(1, 0))
	ctx := context.Background()
	contact, err := store.Ensure(ctx, "doris@example.org")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	if err := store.TouchLastSeen(ctx, contact.ContactID, time.Unix(1700000500, 0)); err != nil {
		t.Fatalf("touch failed: %v", err)
	}
	if err := store.TouchLastSeen(ctx, contact.ContactID, time.Unix(1700000100, 0)); err != nil {
		t.Fatalf("touch failed: %v", err)
	}
	if err := store.SetPreferEncrypt(ctx, contact.ContactID, true); err != nil {
		t.Fatalf("set prefer encrypt failed: %v", err)
	}

	reloaded, err := store.ByID(ctx, contact.ContactID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.LastSeen().Unix() != 1700000500 {
		t.Fatalf("expected last seen to stay at the newest timestamp, got %d", reloaded.LastSeenSeconds)
	}
	if !reloaded.PreferEncrypt {
		t.Fatalf("expected prefer encrypt to be recorded")
	}
}
