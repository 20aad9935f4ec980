package outbox

import (
	"context"
	"reflect"
	"runtime"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/membership"
	"github.com/MarcoPoloResearchLab/courier/internal/wire"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const account wire.Address = "bob@example.org"

func sampleBundle(t *testing.T) Bundle {
	t.Helper()
	correction := membership.OutgoingBundle{
		GroupID:     "grp-1",
		Recipients:  []wire.Address{"alice@example.org", "carol@example.org"},
		TriggeredBy: "alice-adds-carol",
		Records: []wire.Record{
			{
				MessageID: "bob-adds-doris",
				Raw:       []byte("Message-ID: <bob-adds-doris>\r\n\r\n"),
				Original:  []byte("signed bob-adds-doris"),
			},
			{MessageID: "alice-removes-erin", Raw: []byte("Message-ID: <alice-removes-erin>\r\n\r\n")},
		},
	}
	return NewBundle("bundle-1", account, correction, time.Unix(1700000000, 0))
}

func TestBundleHeadersDescribeCorrection(t *testing.T) {
	bundle := sampleBundle(t)
	if !reflect.DeepEqual(bundle.MessageIDs, []string{"bob-adds-doris", "alice-removes-erin"}) {
		t.Fatalf("unexpected message ids %v", bundle.MessageIDs)
	}
	if len(bundle.Originals) != 2 || string(bundle.Originals[0]) != "signed bob-adds-doris" || bundle.Originals[1] != nil {
		t.Fatalf("expected originals aligned with records, got %q", bundle.Originals)
	}
	headers := bundle.Headers
	if headers[wire.HeaderFrom][0] != account.String() {
		t.Fatalf("unexpected from header %v", headers[wire.HeaderFrom])
	}
	if headers[wire.HeaderMemberCorrection][0] != "2" {
		t.Fatalf("expected correction count header, got %v", headers[wire.HeaderMemberCorrection])
	}
	if headers[wire.HeaderTo][0] != "alice@example.org, carol@example.org" {
		t.Fatalf("unexpected recipients header %q", headers[wire.HeaderTo][0])
	}
	if headers[wire.HeaderGroupID][0] != "grp-1" || headers[wire.HeaderVersion][0] != wire.ProtocolVersion() {
		t.Fatalf("unexpected headers %#v", headers)
	}
}

func TestDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, account)
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "carol@example.org")
	defer otherCleanup()

	dispatcher.Enqueue(ctx, sampleBundle(t))

	select {
	case received := <-stream:
		if received.BundleID != "bundle-1" {
			t.Fatalf("unexpected bundle %s", received.BundleID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected bundle within deadline")
	}
	select {
	case <-otherStream:
		t.Fatal("did not expect bundle for unrelated account")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatcherCleanupReleasesSubscription(t *testing.T) {
	dispatcher := NewDispatcher()
	baseline := runtime.NumGoroutine()

	cleanups := make([]func(), 0, 32)
	for index := 0; index < 32; index++ {
		_, cleanup := dispatcher.Subscribe(context.Background(), account)
		cleanups = append(cleanups, cleanup)
	}
	for _, cleanup := range cleanups {
		cleanup()
		cleanup()
	}

	dispatcher.mu.RLock()
	remaining := len(dispatcher.subscribers)
	dispatcher.mu.RUnlock()
	if remaining != 0 {
		t.Fatalf("expected no subscribers after cleanup, got %d", remaining)
	}
	deadline := time.Now().Add(time.Second)
	for runtime.NumGoroutine() > baseline {
		if time.Now().After(deadline) {
			t.Fatalf("expected watcher goroutines to exit, have %d want <= %d", runtime.NumGoroutine(), baseline)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDispatcherDropsWhenSubscriberIsFull(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := dispatcher.Subscribe(ctx, account)
	defer cleanup()

	bundle := sampleBundle(t)
	done := make(chan struct{})
	go func() {
		for index := 0; index < defaultBufferSize*2; index++ {
			dispatcher.Enqueue(ctx, bundle)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
	if len(stream) != defaultBufferSize {
		t.Fatalf("expected buffer to be full, got %d", len(stream))
	}
}

func TestDispatcherEmptyAccountYieldsClosedStream(t *testing.T) {
	stream, cleanup := NewDispatcher().Subscribe(context.Background(), "")
	defer cleanup()
	if _, open := <-stream; open {
		t.Fatal("expected closed stream")
	}
}

func TestRedisQueueAppendsJSONPayload(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	queue, err := NewRedisQueue(RedisQueueConfig{Client: client, Retention: time.Hour})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	ctx := context.Background()

	queue.Enqueue(ctx, sampleBundle(t))
	queue.Enqueue(ctx, sampleBundle(t))

	key := queue.Key(account)
	if key != "courier:outbox:bob@example.org" {
		t.Fatalf("unexpected key %s", key)
	}
	values, err := server.List(key)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(values) != 2 {
		t.Fatalf("expected two entries, got %d", len(values))
	}
	if ttl := server.TTL(key); ttl != time.Hour {
		t.Fatalf("expected retention to be applied, got %s", ttl)
	}

	pending, err := queue.Pending(ctx, account, 10)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if len(pending) != 2 || string(pending[0].Records[0]) != string(sampleBundle(t).Records[0]) {
		t.Fatalf("unexpected pending bundles %#v", pending)
	}
	if !reflect.DeepEqual(pending[0].Headers, sampleBundle(t).Headers) {
		t.Fatalf("expected protected headers in the queued payload, got %v", pending[0].Headers)
	}
	if string(pending[0].Originals[0]) != "signed bob-adds-doris" {
		t.Fatalf("expected original message bytes in the queued payload, got %q", pending[0].Originals[0])
	}
}

func TestRedisQueueLogsFailures(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	queue, err := NewRedisQueue(RedisQueueConfig{Client: client, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	server.Close()

	queue.Enqueue(context.Background(), sampleBundle(t))
	if logs.FilterMessage("outbox enqueue failed").Len() != 1 {
		t.Fatalf("expected enqueue failure to be logged, got %d entries", logs.Len())
	}
}

type recordingQueue struct {
	bundles []Bundle
}

func (q *recordingQueue) Enqueue(_ context.Context, bundle Bundle) {
	q.bundles = append(q.bundles, bundle)
}

func TestFanoutDeliversToEveryQueue(t *testing.T) {
	first, second := &recordingQueue{}, &recordingQueue{}
	fanout := Fanout{first, nil, Discard{}, second}
	fanout.Enqueue(context.Background(), sampleBundle(t))
	if len(first.bundles) != 1 || len(second.bundles) != 1 {
		t.Fatalf("expected both queues to receive the bundle")
	}
}

func TestNewRedisQueueRequiresClient(t *testing.T) {
	if _, err := NewRedisQueue(RedisQueueConfig{}); err == nil {
		t.Fatal("expected missing client error")
	}
}
