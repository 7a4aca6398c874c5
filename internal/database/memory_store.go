package database

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory. It backs the "memory"
// driver and the tests.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[string]UserRecord
	channels map[string]map[string]ChannelRecord
	messages map[string]map[string]Notification
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]UserRecord),
		channels: make(map[string]map[string]ChannelRecord),
		messages: make(map[string]map[string]Notification),
		now:      time.Now,
	}
}

// SetClock replaces the clock used for expiry checks.
func (ms *MemoryStore) SetClock(now func() time.Time) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.now = now
}

func (ms *MemoryStore) GetUser(_ context.Context, uaid string) (*UserRecord, error) {
	if uaid == "" {
		return nil, ErrUAIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	user, ok := ms.users[uaid]
	if !ok {
		return nil, ErrNotFound
	}
	return &user, nil
}

func (ms *MemoryStore) SaveUser(_ context.Context, user *UserRecord) error {
	if user.UAID == "" {
		return ErrUAIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.users[user.UAID] = *user
	return nil
}

func (ms *MemoryStore) ClearNodeID(_ context.Context, uaid string, nodeID string, connectedAt int64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	user, ok := ms.users[uaid]
	if !ok || user.NodeID != nodeID || user.ConnectedAt != connectedAt {
		return nil
	}
	user.NodeID = ""
	ms.users[uaid] = user
	return nil
}

func (ms *MemoryStore) DeleteUser(_ context.Context, uaid string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.users, uaid)
	delete(ms.channels, uaid)
	delete(ms.messages, uaid)
	return nil
}

func (ms *MemoryStore) AddChannel(_ context.Context, channel ChannelRecord) error {
	if channel.UAID == "" {
		return ErrUAIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	chans, ok := ms.channels[channel.UAID]
	if !ok {
		chans = make(map[string]ChannelRecord)
		ms.channels[channel.UAID] = chans
	}
	chans[channel.ChannelID] = channel
	return nil
}

func (ms *MemoryStore) RemoveChannel(_ context.Context, uaid string, channelID string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	_, existed := ms.channels[uaid][channelID]
	delete(ms.channels[uaid], channelID)
	for key, n := range ms.messages[uaid] {
		if n.ChannelID == channelID {
			delete(ms.messages[uaid], key)
		}
	}
	return existed, nil
}

func (ms *MemoryStore) ListChannels(_ context.Context, uaid string) ([]ChannelRecord, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	result := make([]ChannelRecord, 0, len(ms.channels[uaid]))
	for _, channel := range ms.channels[uaid] {
		result = append(result, channel)
	}
	slices.SortFunc(result, func(a, b ChannelRecord) int {
		return strings.Compare(a.ChannelID, b.ChannelID)
	})
	return result, nil
}

func (ms *MemoryStore) StoreMessage(_ context.Context, notification Notification) error {
	if notification.UAID == "" {
		return ErrUAIDEmpty
	}
	notification.Direct = false
	ms.mu.Lock()
	defer ms.mu.Unlock()
	msgs, ok := ms.messages[notification.UAID]
	if !ok {
		msgs = make(map[string]Notification)
		ms.messages[notification.UAID] = msgs
	}
	msgs[notification.Key()] = notification
	return nil
}

func (ms *MemoryStore) FetchMessages(_ context.Context, uaid string, channelIDs []string, since uint64, limit int) ([]Notification, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	now := ms.now().Unix()
	result := make([]Notification, 0)
	for _, n := range ms.messages[uaid] {
		if n.Version <= since || n.Expired(now) || !slices.Contains(channelIDs, n.ChannelID) {
			continue
		}
		result = append(result, n)
	}
	SortNotifications(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (ms *MemoryStore) DeleteMessage(_ context.Context, uaid string, channelID string, version uint64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for key, n := range ms.messages[uaid] {
		if n.ChannelID == channelID && n.Version == version {
			delete(ms.messages[uaid], key)
		}
	}
	return nil
}

// SortNotifications orders by channel id, then version ascending.
func SortNotifications(notifications []Notification) {
	slices.SortFunc(notifications, func(a, b Notification) int {
		if c := strings.Compare(a.ChannelID, b.ChannelID); c != 0 {
			return c
		}
		switch {
		case a.Version < b.Version:
			return -1
		case a.Version > b.Version:
			return 1
		}
		return 0
	})
}
