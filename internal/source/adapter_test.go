package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-push-server/internal/database"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// flakyStore fails the next `failures` calls of any kind.
type flakyStore struct {
	*database.MemoryStore
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (f *flakyStore) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	return nil
}

func (f *flakyStore) FetchMessages(ctx context.Context, uaid string, channelIDs []string, since uint64, limit int) ([]database.Notification, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.MemoryStore.FetchMessages(ctx, uaid, channelIDs, since, limit)
}

func (f *flakyStore) DeleteMessage(ctx context.Context, uaid string, channelID string, version uint64) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.MemoryStore.DeleteMessage(ctx, uaid, channelID, version)
}

func newFlaky(failures int, err error) *flakyStore {
	return &flakyStore{MemoryStore: database.NewMemoryStore(), failures: failures, err: err}
}

func fastBackoff(attempts int) BackoffConfig {
	return BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond, Attempts: attempts}
}

var transient = fmt.Errorf("%w: connection reset", database.ErrUnavailable)

func TestFetchPendingRetriesTransientErrors(t *testing.T) {
	store := newFlaky(2, transient)
	now := time.Now().Unix()
	_ = store.StoreMessage(context.Background(), database.Notification{UAID: "u", ChannelID: "c", Version: 1, TTL: 60, Timestamp: now})
	adapter := NewAdapter(store, fastBackoff(5))

	got, err := adapter.FetchPending(context.Background(), "u", []string{"c"}, 0, 10)
	if err != nil {
		t.Fatalf("FetchPending: %v", err)
	}
	if len(got) != 1 || got[0].Version != 1 {
		t.Errorf("FetchPending = %+v", got)
	}
	if store.calls != 3 {
		t.Errorf("store called %d times, want 3", store.calls)
	}
}

func TestFetchPendingGivesUp(t *testing.T) {
	store := newFlaky(10, transient)
	adapter := NewAdapter(store, fastBackoff(3))

	_, err := adapter.FetchPending(context.Background(), "u", []string{"c"}, 0, 10)
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("err = %v, want ErrStorageUnavailable", err)
	}
	if !errors.Is(err, database.ErrUnavailable) {
		t.Errorf("cause lost: %v", err)
	}
	if store.calls != 3 {
		t.Errorf("store called %d times, want 3", store.calls)
	}
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	store := newFlaky(1, errors.New("bad query"))
	adapter := NewAdapter(store, fastBackoff(5))

	err := adapter.MarkAcknowledged(context.Background(), "u", "c", 1)
	if err == nil || errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("err = %v, want the permanent error", err)
	}
	if store.calls != 1 {
		t.Errorf("store called %d times, want 1", store.calls)
	}
}

func TestRetryHonoursCancellation(t *testing.T) {
	store := newFlaky(100, transient)
	adapter := NewAdapter(store, BackoffConfig{InitialDelay: time.Hour, Multiplier: 1, Attempts: 5})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := adapter.FetchPending(ctx, "u", []string{"c"}, 0, 10)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("FetchPending ignored cancellation")
	}
}

func TestFetchPendingFilters(t *testing.T) {
	store := database.NewMemoryStore()
	ctx := context.Background()
	clock := time.Unix(10_000, 0)
	adapter := NewAdapter(store, fastBackoff(1))
	adapter.SetClock(func() time.Time { return clock })
	store.SetClock(func() time.Time { return time.Unix(0, 0) })

	for _, n := range []database.Notification{
		{UAID: "u", ChannelID: "c", Version: 1, TTL: 60, Timestamp: 10_000},
		{UAID: "u", ChannelID: "c", Version: 2, TTL: 10, Timestamp: 9_000},
		{UAID: "u", ChannelID: "other", Version: 3, TTL: 60, Timestamp: 10_000},
	} {
		_ = store.StoreMessage(ctx, n)
	}

	got, err := adapter.FetchPending(ctx, "u", []string{"c"}, 0, 10)
	if err != nil {
		t.Fatalf("FetchPending: %v", err)
	}
	if len(got) != 1 || got[0].Version != 1 {
		t.Errorf("FetchPending = %+v, want only c/1", got)
	}
	if got, _ := adapter.FetchPending(ctx, "u", nil, 0, 10); len(got) != 0 {
		t.Errorf("no channels returned %+v", got)
	}
}

func TestAckThenRefetchIsEmpty(t *testing.T) {
	store := database.NewMemoryStore()
	ctx := context.Background()
	adapter := NewAdapter(store, fastBackoff(1))

	if err := adapter.AddChannel(ctx, "u", "C", ""); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	if err := adapter.Store(ctx, database.Notification{UAID: "u", ChannelID: "C", Version: 1, Data: "hello", TTL: 60}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	channels, _ := adapter.Channels(ctx, "u")
	got, err := adapter.FetchPending(ctx, "u", channels, 0, 10)
	if err != nil || len(got) != 1 || got[0].Data != "hello" {
		t.Fatalf("FetchPending = %+v, %v", got, err)
	}
	if err := adapter.MarkAcknowledged(ctx, "u", "C", 1); err != nil {
		t.Fatalf("MarkAcknowledged: %v", err)
	}
	if err := adapter.MarkAcknowledged(ctx, "u", "C", 1); err != nil {
		t.Fatalf("second MarkAcknowledged: %v", err)
	}
	if got, _ := adapter.FetchPending(ctx, "u", channels, 0, 10); len(got) != 0 {
		t.Errorf("acked notification fetched again: %+v", got)
	}
}

func TestRequeue(t *testing.T) {
	store := database.NewMemoryStore()
	ctx := context.Background()
	adapter := NewAdapter(store, fastBackoff(1))
	now := time.Now().Unix()

	entries := []database.Notification{
		{UAID: "u", ChannelID: "c", Version: 1, TTL: 60, Timestamp: now, Direct: true},
		{UAID: "u", ChannelID: "c", Version: 2, TTL: 0, Timestamp: now, Direct: true},
		{UAID: "u", ChannelID: "c", Version: 3, TTL: 60, Timestamp: now},
	}
	if err := adapter.Requeue(ctx, entries); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	got, _ := adapter.FetchPending(ctx, "u", []string{"c"}, 0, 10)
	if len(got) != 1 || got[0].Version != 1 {
		t.Errorf("after requeue = %+v, want only the live direct entry", got)
	}
}

func TestAttach(t *testing.T) {
	store := database.NewMemoryStore()
	ctx := context.Background()
	adapter := NewAdapter(store, fastBackoff(1))

	first, err := adapter.Attach(ctx, "", "node-1")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if first.Reused || len(first.UAID) != 32 {
		t.Fatalf("fresh attach = %+v", first)
	}
	_ = adapter.AddChannel(ctx, first.UAID, "c1", "")

	again, err := adapter.Attach(ctx, first.UAID, "node-2")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !again.Reused || again.UAID != first.UAID || len(again.Channels) != 1 {
		t.Errorf("reattach = %+v", again)
	}
	user, _ := adapter.Device(ctx, first.UAID)
	if user.NodeID != "node-2" || user.ConnectedAt != again.ConnectedAt {
		t.Errorf("device record = %+v", user)
	}

	unknown, err := adapter.Attach(ctx, "ffffffffffffffffffffffffffffffff", "node-1")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if unknown.Reused || unknown.UAID == "ffffffffffffffffffffffffffffffff" {
		t.Errorf("unknown uaid reused: %+v", unknown)
	}

	// releasing with a stale connectedAt keeps the newer owner
	if err := adapter.ReleaseDevice(ctx, first.UAID, "node-2", again.ConnectedAt-1); err != nil {
		t.Fatalf("ReleaseDevice: %v", err)
	}
	if user, _ := adapter.Device(ctx, first.UAID); user.NodeID != "node-2" {
		t.Errorf("stale release cleared node id")
	}
	_ = adapter.ReleaseDevice(ctx, first.UAID, "node-2", again.ConnectedAt)
	if user, _ := adapter.Device(ctx, first.UAID); user.NodeID != "" {
		t.Errorf("release kept node id %q", user.NodeID)
	}
}

func TestRemoveChannelDropsMessages(t *testing.T) {
	store := database.NewMemoryStore()
	ctx := context.Background()
	adapter := NewAdapter(store, fastBackoff(1))
	_ = adapter.AddChannel(ctx, "u", "c", "")
	_ = adapter.Store(ctx, database.Notification{UAID: "u", ChannelID: "c", Version: 1, TTL: 60})

	existed, err := adapter.RemoveChannel(ctx, "u", "c")
	if err != nil || !existed {
		t.Fatalf("RemoveChannel = %v, %v", existed, err)
	}
	if got, _ := adapter.FetchPending(ctx, "u", []string{"c"}, 0, 10); len(got) != 0 {
		t.Errorf("messages survived channel removal: %+v", got)
	}
}
