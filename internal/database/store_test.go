package database

import (
	"context"
	"errors"
	"testing"
	"time"
)

// runStoreContract exercises behaviour every Store implementation shares.
func runStoreContract(t *testing.T, store Store, uaid string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().Unix()

	if _, err := store.GetUser(ctx, uaid); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetUser on empty store: got %v, want ErrNotFound", err)
	}

	user := &UserRecord{UAID: uaid, ConnectedAt: 1000, NodeID: "node-a"}
	if err := store.SaveUser(ctx, user); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}

	// stale connection must not clear the node id
	if err := store.ClearNodeID(ctx, uaid, "node-a", 999); err != nil {
		t.Fatalf("ClearNodeID: %v", err)
	}
	got, err := store.GetUser(ctx, uaid)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.NodeID != "node-a" {
		t.Errorf("node id cleared by stale connection: %+v", got)
	}
	if err := store.ClearNodeID(ctx, uaid, "node-a", 1000); err != nil {
		t.Fatalf("ClearNodeID: %v", err)
	}
	got, _ = store.GetUser(ctx, uaid)
	if got.NodeID != "" {
		t.Errorf("node id not cleared: %+v", got)
	}

	for _, chid := range []string{"chan-b", "chan-a"} {
		if err := store.AddChannel(ctx, ChannelRecord{UAID: uaid, ChannelID: chid, CreatedAt: now}); err != nil {
			t.Fatalf("AddChannel(%s): %v", chid, err)
		}
	}
	channels, err := store.ListChannels(ctx, uaid)
	if err != nil {
		t.Fatalf("ListChannels: %v", err)
	}
	if len(channels) != 2 || channels[0].ChannelID != "chan-a" || channels[1].ChannelID != "chan-b" {
		t.Fatalf("ListChannels = %+v", channels)
	}

	messages := []Notification{
		{UAID: uaid, ChannelID: "chan-b", Version: 2, TTL: 60, Timestamp: now},
		{UAID: uaid, ChannelID: "chan-a", Version: 3, TTL: 60, Timestamp: now},
		{UAID: uaid, ChannelID: "chan-a", Version: 1, TTL: 60, Timestamp: now},
		{UAID: uaid, ChannelID: "chan-a", Version: 4, TTL: 0, Timestamp: now},
		{UAID: uaid, ChannelID: "chan-a", Version: 5, TTL: 60, Timestamp: now, Topic: "weather", Data: "old"},
		{UAID: uaid, ChannelID: "chan-a", Version: 6, TTL: 60, Timestamp: now, Topic: "weather", Data: "new"},
	}
	for _, m := range messages {
		if err := store.StoreMessage(ctx, m); err != nil {
			t.Fatalf("StoreMessage(%+v): %v", m, err)
		}
	}

	fetched, err := store.FetchMessages(ctx, uaid, []string{"chan-a", "chan-b"}, 0, 0)
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	want := []struct {
		chid    string
		version uint64
	}{{"chan-a", 1}, {"chan-a", 3}, {"chan-a", 6}, {"chan-b", 2}}
	if len(fetched) != len(want) {
		t.Fatalf("FetchMessages returned %d messages, want %d: %+v", len(fetched), len(want), fetched)
	}
	for i, w := range want {
		if fetched[i].ChannelID != w.chid || fetched[i].Version != w.version {
			t.Errorf("fetched[%d] = %s/%d, want %s/%d", i, fetched[i].ChannelID, fetched[i].Version, w.chid, w.version)
		}
	}
	if fetched[2].Data != "new" {
		t.Errorf("topic message not replaced: %+v", fetched[2])
	}

	limited, _ := store.FetchMessages(ctx, uaid, []string{"chan-a", "chan-b"}, 0, 2)
	if len(limited) != 2 {
		t.Errorf("limit 2 returned %d", len(limited))
	}
	since, _ := store.FetchMessages(ctx, uaid, []string{"chan-a"}, 3, 0)
	if len(since) != 1 || since[0].Version != 6 {
		t.Errorf("since 3 = %+v", since)
	}
	only, _ := store.FetchMessages(ctx, uaid, []string{"chan-b"}, 0, 0)
	if len(only) != 1 || only[0].ChannelID != "chan-b" {
		t.Errorf("channel filter = %+v", only)
	}

	if err := store.DeleteMessage(ctx, uaid, "chan-a", 1); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if err := store.DeleteMessage(ctx, uaid, "chan-a", 1); err != nil {
		t.Fatalf("second DeleteMessage: %v", err)
	}
	fetched, _ = store.FetchMessages(ctx, uaid, []string{"chan-a"}, 0, 0)
	if len(fetched) != 2 || fetched[0].Version != 3 {
		t.Errorf("after delete = %+v", fetched)
	}

	existed, err := store.RemoveChannel(ctx, uaid, "chan-a")
	if err != nil || !existed {
		t.Fatalf("RemoveChannel = %v, %v", existed, err)
	}
	existed, _ = store.RemoveChannel(ctx, uaid, "chan-a")
	if existed {
		t.Errorf("second RemoveChannel reported existing channel")
	}
	fetched, _ = store.FetchMessages(ctx, uaid, []string{"chan-a", "chan-b"}, 0, 0)
	if len(fetched) != 1 || fetched[0].ChannelID != "chan-b" {
		t.Errorf("messages of removed channel survived: %+v", fetched)
	}

	if err := store.DeleteUser(ctx, uaid); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, err := store.GetUser(ctx, uaid); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetUser after delete: %v", err)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewMemoryStore(), "0123456789abcdef0123456789abcdef")
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	clock := time.Unix(1_000, 0)
	store.SetClock(func() time.Time { return clock })
	ctx := context.Background()

	_ = store.StoreMessage(ctx, Notification{UAID: "u", ChannelID: "c", Version: 1, TTL: 10, Timestamp: 1_000})
	if got, _ := store.FetchMessages(ctx, "u", []string{"c"}, 0, 0); len(got) != 1 {
		t.Fatalf("fresh message not returned")
	}
	clock = time.Unix(1_010, 0)
	if got, _ := store.FetchMessages(ctx, "u", []string{"c"}, 0, 0); len(got) != 0 {
		t.Errorf("expired message returned: %+v", got)
	}
}

func TestMemoryStoreRejectsEmptyUAID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.SaveUser(ctx, &UserRecord{}); !errors.Is(err, ErrUAIDEmpty) {
		t.Errorf("SaveUser: %v", err)
	}
	if err := store.StoreMessage(ctx, Notification{ChannelID: "c"}); !errors.Is(err, ErrUAIDEmpty) {
		t.Errorf("StoreMessage: %v", err)
	}
	if _, err := store.GetUser(ctx, ""); !errors.Is(err, ErrUAIDEmpty) {
		t.Errorf("GetUser: %v", err)
	}
}

func TestNotificationExpired(t *testing.T) {
	tests := []struct {
		name string
		n    Notification
		now  int64
		want bool
	}{
		{"zero ttl", Notification{TTL: 0, Timestamp: 100}, 100, true},
		{"inside ttl", Notification{TTL: 5, Timestamp: 100}, 104, false},
		{"at boundary", Notification{TTL: 5, Timestamp: 100}, 105, true},
		{"past ttl", Notification{TTL: 5, Timestamp: 100}, 200, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.n.Expired(tt.now); got != tt.want {
				t.Errorf("Expired(%d) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestClampTTL(t *testing.T) {
	tests := map[int64]int64{-5: 0, 0: 0, 30: 30, MaxTTL + 1: MaxTTL}
	for in, want := range tests {
		if got := ClampTTL(in); got != want {
			t.Errorf("ClampTTL(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestNotificationKey(t *testing.T) {
	a := Notification{ChannelID: "c", Version: 1, Topic: "t"}
	b := Notification{ChannelID: "c", Version: 2, Topic: "t"}
	if a.Key() != b.Key() {
		t.Errorf("topic messages must share a key: %s vs %s", a.Key(), b.Key())
	}
	a.Topic, b.Topic = "", ""
	if a.Key() == b.Key() {
		t.Errorf("versioned messages must not share a key: %s", a.Key())
	}
}
