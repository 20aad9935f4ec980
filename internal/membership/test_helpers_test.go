package membership

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/chats"
	"github.com/MarcoPoloResearchLab/courier/internal/contacts"
	"github.com/MarcoPoloResearchLab/courier/internal/wire"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	alice wire.Address = "alice@example.org"
	bob   wire.Address = "bob@example.org"
	carol wire.Address = "carol@example.org"
	doris wire.Address = "doris@example.org"
	eve   wire.Address = "eve@example.org"

	groupID = "grp-weekend"
)

var databaseCounter atomic.Int64

type sequenceIDProvider struct {
	next atomic.Int64
}

func (p *sequenceIDProvider) NewID() (string, error) {
	return fmt.Sprintf("id-%d", p.next.Add(1)), nil
}

type device struct {
	address   wire.Address
	db        *gorm.DB
	processor *Processor
}

func mustDevice(t *testing.T, address wire.Address) *device {
	return mustDeviceWithLogger(t, address, zap.NewNop())
}

func mustDeviceWithLogger(t *testing.T, address wire.Address, logger *zap.Logger) *device {
	t.Helper()
	dsn := fmt.Sprintf("file:membership_%d?mode=memory&cache=shared", databaseCounter.Add(1))
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
	if err := database.AutoMigrate(&contacts.Contact{}, &chats.Chat{}, &chats.Member{}, &chats.SystemMessage{}, &Event{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700009999, 0).UTC() }
	contactStore, err := contacts.NewStore(contacts.StoreConfig{Database: database, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct contacts: %v", err)
	}
	chatStore, err := chats.NewStore(chats.StoreConfig{Database: database, IDProvider: &sequenceIDProvider{}, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct chats: %v", err)
	}
	processor, err := NewProcessor(ProcessorConfig{
		Database: database,
		Contacts: contactStore,
		Chats:    chatStore,
		Self:     address,
		Clock:    clock,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("failed to construct processor: %v", err)
	}
	return &device{address: address, db: database, processor: processor}
}

func at(offset int64) time.Time {
	return time.Unix(1700000000+offset, 0).UTC()
}

func (d *device) mustCreateGroup(t *testing.T, members ...wire.Address) {
	t.Helper()
	_, err := d.processor.CreateGroup(context.Background(), NewGroup{
		GroupID:   groupID,
		Name:      "Weekend",
		Members:   members,
		At:        at(0),
		MessageID: "create-" + groupID,
	})
	if err != nil {
		t.Fatalf("%s failed to create group: %v", d.address, err)
	}
}

func (d *device) mustSend(t *testing.T, direction wire.Direction, target wire.Address, messageID string, offset int64) wire.Record {
	t.Helper()
	record, _, err := d.processor.RecordOutgoing(context.Background(), OutgoingChange{
		GroupID:   groupID,
		Target:    target,
		Direction: direction,
		MessageID: messageID,
		Timestamp: at(offset),
	})
	if err != nil {
		t.Fatalf("%s failed to record %s of %s: %v", d.address, direction, target, err)
	}
	return record
}

// mustReceive delivers a primary change as it would arrive over the wire.
func (d *device) mustReceive(t *testing.T, sent wire.Record) (Outcome, *OutgoingBundle) {
	t.Helper()
	transmitted, err := wire.ParseRecord(sent.Raw)
	if err != nil {
		t.Fatalf("failed to parse transmitted record: %v", err)
	}
	outcome, bundle, err := d.processor.ApplyPrimary(context.Background(), PrimaryChange{Record: transmitted, GroupName: "Weekend"})
	if err != nil {
		t.Fatalf("%s failed to apply primary %s: %v", d.address, sent.MessageID, err)
	}
	return outcome, bundle
}

func (d *device) mustCorrect(t *testing.T, carrier wire.Address, bundle *OutgoingBundle, messageID string) Outcome {
	t.Helper()
	if bundle == nil {
		t.Fatalf("expected a bundle to deliver")
	}
	raws := make([][]byte, 0, len(bundle.Records))
	for _, record := range bundle.Records {
		raws = append(raws, record.Raw)
	}
	outcome, err := d.processor.ApplyCorrection(context.Background(), CorrectionBundle{
		MessageID: messageID,
		Carrier:   carrier,
		GroupID:   bundle.GroupID,
		Records:   raws,
	})
	if err != nil {
		t.Fatalf("%s failed to apply correction: %v", d.address, err)
	}
	return outcome
}

func (d *device) members(t *testing.T) []wire.Address {
	t.Helper()
	members, err := d.processor.Members(context.Background(), groupID)
	if err != nil {
		t.Fatalf("%s failed to list members: %v", d.address, err)
	}
	return members
}

func assertMembers(t *testing.T, d *device, want ...wire.Address) {
	t.Helper()
	got := d.members(t)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("%s sees members %v, want %v", d.address, got, want)
	}
}
