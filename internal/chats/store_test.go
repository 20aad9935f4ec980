package chats

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/contacts"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var databaseCounter atomic.Int64

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("system-%03d", p.next), nil
}

type failingIDProvider struct{}

func (failingIDProvider) NewID() (string, error) {
	return "", errors.New("id exhausted")
}

func mustStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:chats_%d?mode=memory&cache=shared", databaseCounter.Add(1))
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
	if err := database.AutoMigrate(&Chat{}, &Member{}, &SystemMessage{}); err != nil {
		t.Fatalf("failed to migrate chats: %v", err)
	}
	store, err := NewStore(StoreConfig{Database: database, IDProvider: &sequenceIDProvider{}})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func mustChat(t *testing.T, store *Store, groupID string, members ...contacts.ID) Chat {
	t.Helper()
	chat, err := store.CreateChat(context.Background(), NewChat{
		GroupID:   groupID,
		Name:      "Weekend",
		Members:   members,
		At:        time.Unix(1700000000, 0),
		MessageID: "create-" + groupID,
	})
	if err != nil {
		t.Fatalf("failed to create chat: %v", err)
	}
	return chat
}

func TestCreateChatRejectsDuplicateGroupID(t *testing.T) {
	store := mustStore(t)
	ctx := context.Background()
	chat := mustChat(t, store, "grp-1", 1, 2, 2)

	members, err := store.MemberIDs(ctx, chat.ChatID)
	if err != nil {
		t.Fatalf("member ids failed: %v", err)
	}
	if !reflect.DeepEqual(members, []contacts.ID{1, 2}) {
		t.Fatalf("expected deduplicated founding members, got %v", members)
	}

	_, err = store.CreateChat(ctx, NewChat{GroupID: "grp-1", At: time.Unix(1700000100, 0)})
	if !errors.Is(err, ErrChatExists) {
		t.Fatalf("expected chat exists, got %v", err)
	}
	if _, err := store.CreateChat(ctx, NewChat{GroupID: "  "}); !errors.Is(err, ErrInvalidGroupID) {
		t.Fatalf("expected invalid group id, got %v", err)
	}

	found, ok, err := store.ChatByGroupID(ctx, "grp-1")
	if err != nil || !ok {
		t.Fatalf("expected chat lookup to succeed, ok=%v err=%v", ok, err)
	}
	if found.ChatID != chat.ChatID || found.Name != "Weekend" {
		t.Fatalf("unexpected chat %#v", found)
	}
	if _, err := store.ChatByID(ctx, 404); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("expected chat not found, got %v", err)
	}
}

func TestApplyDeltaIsIdempotent(t *testing.T) {
	store := mustStore(t)
	ctx := context.Background()
	chat := mustChat(t, store, "grp-2", 1, 2)
	removal := Delta{ContactID: 2, IsMember: false, At: time.Unix(1700000500, 0), MessageID: "remove-2"}

	outcome, err := store.ApplyDelta(ctx, chat.ChatID, removal)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !outcome.Changed {
		t.Fatalf("expected membership change")
	}
	for attempt := 0; attempt < 3; attempt++ {
		outcome, err = store.ApplyDelta(ctx, chat.ChatID, removal)
		if err != nil {
			t.Fatalf("reapply failed: %v", err)
		}
		if outcome.Applied || outcome.Changed {
			t.Fatalf("expected replay to be a no-op, got %#v", outcome)
		}
	}

	stale := Delta{ContactID: 2, IsMember: true, At: time.Unix(1700000400, 0), MessageID: "add-2"}
	if outcome, err := store.ApplyDelta(ctx, chat.ChatID, stale); err != nil || outcome.Applied {
		t.Fatalf("expected stale add to lose, outcome=%#v err=%v", outcome, err)
	}

	members, err := store.MemberIDs(ctx, chat.ChatID)
	if err != nil {
		t.Fatalf("member ids failed: %v", err)
	}
	if !reflect.DeepEqual(members, []contacts.ID{1}) {
		t.Fatalf("expected only contact 1, got %v", members)
	}
	states, err := store.States(ctx, chat.ChatID)
	if err != nil {
		t.Fatalf("states failed: %v", err)
	}
	if len(states) != 2 || states[1].IsMember || states[1].ChangedBy != "remove-2" {
		t.Fatalf("expected tombstone for contact 2, got %#v", states)
	}
}

func TestReplaceMemberDeduplicates(t *testing.T) {
	store := mustStore(t)
	ctx := context.Background()
	first := mustChat(t, store, "grp-a", 1, 2)
	second := mustChat(t, store, "grp-b", 1, 2, 3)
	at := time.Unix(1700000900, 0)

	chatIDs, err := store.ChatsWithMember(ctx, 2)
	if err != nil {
		t.Fatalf("chats with member failed: %v", err)
	}
	if !reflect.DeepEqual(chatIDs, []ID{first.ChatID, second.ChatID}) {
		t.Fatalf("unexpected chats %v", chatIDs)
	}

	outcome, err := store.ReplaceMember(ctx, first.ChatID, 2, 3, at, "transition-1")
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	if !outcome.Replaced || outcome.Deduplicated {
		t.Fatalf("unexpected outcome %#v", outcome)
	}
	outcome, err = store.ReplaceMember(ctx, second.ChatID, 2, 3, at, "transition-1")
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	if !outcome.Replaced || !outcome.Deduplicated {
		t.Fatalf("expected deduplicated replacement, got %#v", outcome)
	}

	for _, chat := range []Chat{first, second} {
		members, err := store.MemberIDs(ctx, chat.ChatID)
		if err != nil {
			t.Fatalf("member ids failed: %v", err)
		}
		if !reflect.DeepEqual(members, []contacts.ID{1, 3}) {
			t.Fatalf("expected {1,3} in %s, got %v", chat.GroupID, members)
		}
	}

	outcome, err = store.ReplaceMember(ctx, first.ChatID, 2, 3, at, "transition-1")
	if err != nil || outcome.Replaced {
		t.Fatalf("expected second replacement to be a no-op, outcome=%#v err=%v", outcome, err)
	}
}

func TestAppendSystemMessage(t *testing.T) {
	store := mustStore(t)
	ctx := context.Background()
	chat := mustChat(t, store, "grp-s", 1)

	if _, err := store.AppendSystemMessage(ctx, chat.ChatID, SystemKindMemberAdded, "bob@example.org added", time.Unix(1700000100, 0)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := store.AppendSystemMessage(ctx, chat.ChatID, SystemKindIdentityChanged, "changed address", time.Unix(1700000050, 0)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	messages, err := store.SystemMessages(ctx, chat.ChatID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(messages) != 2 || messages[0].Kind != SystemKindIdentityChanged || messages[1].MessageID != "system-001" {
		t.Fatalf("unexpected messages %#v", messages)
	}

	failing := store.WithTx(store.db)
	failing.idProvider = failingIDProvider{}
	if _, err := failing.AppendSystemMessage(ctx, chat.ChatID, SystemKindMemberAdded, "x", time.Unix(1, 0)); err == nil {
		t.Fatalf("expected id provider failure to surface")
	}
}
