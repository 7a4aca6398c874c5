package database

import (
	"context"
	"errors"
	"strconv"
)

const (
	UserCollectionName    = "users"
	ChannelCollectionName = "channels"
	MessageCollectionName = "messages"

	// MaxTTL caps notification lifetime at 60 days.
	MaxTTL int64 = 60 * 60 * 24 * 60
)

var (
	// ErrNotFound is returned when a user record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrUnavailable marks transient storage failures that are worth retrying.
	ErrUnavailable = errors.New("storage unavailable")
	ErrUAIDEmpty   = errors.New("uaid is empty")
)

// UserRecord is the router record of a device.
type UserRecord struct {
	UAID        string `bson:"_id"`
	ConnectedAt int64  `bson:"connected_at"` // unix ms of the connection that wrote it
	NodeID      string `bson:"node_id,omitempty"`
}

type ChannelRecord struct {
	UAID      string `bson:"uaid"`
	ChannelID string `bson:"chid"`
	Key       string `bson:"key,omitempty"`
	CreatedAt int64  `bson:"created_at"`
}

// Notification is one message for one channel of one device.
type Notification struct {
	UAID      string            `bson:"uaid" json:"uaid,omitempty"`
	ChannelID string            `bson:"chid" json:"channelID"`
	Version   uint64            `bson:"version" json:"version"`
	Data      string            `bson:"data,omitempty" json:"data,omitempty"`
	Headers   map[string]string `bson:"headers,omitempty" json:"headers,omitempty"`
	TTL       int64             `bson:"ttl" json:"ttl"`
	Timestamp int64             `bson:"timestamp" json:"timestamp"`
	Topic     string            `bson:"topic,omitempty" json:"topic,omitempty"`
	// Direct notifications were handed to a live connection without being
	// persisted.
	Direct bool `bson:"-" json:"-"`
}

// ExpiresAt is the unix second at which the notification stops being
// deliverable.
func (n Notification) ExpiresAt() int64 {
	return n.Timestamp + n.TTL
}

// Expired reports whether the notification is past its TTL at unix second now.
// A TTL of zero is expired as soon as it is stored.
func (n Notification) Expired(now int64) bool {
	return now >= n.ExpiresAt()
}

// Key identifies a stored message within one device. Topic messages share a
// key per (channel, topic) so a newer one replaces the older.
func (n Notification) Key() string {
	if n.Topic != "" {
		return "t:" + n.ChannelID + ":" + n.Topic
	}
	return "v:" + n.ChannelID + ":" + strconv.FormatUint(n.Version, 10)
}

// ClampTTL bounds ttl to [0, MaxTTL].
func ClampTTL(ttl int64) int64 {
	return max(0, min(ttl, MaxTTL))
}

// Store is the durable storage contract consumed by the notification source.
// Every call may be slow or fail transiently; transient failures wrap
// ErrUnavailable.
type Store interface {
	GetUser(ctx context.Context, uaid string) (*UserRecord, error)
	SaveUser(ctx context.Context, user *UserRecord) error
	// ClearNodeID removes the node id only if the record still belongs to
	// the connection identified by connectedAt.
	ClearNodeID(ctx context.Context, uaid string, nodeID string, connectedAt int64) error
	DeleteUser(ctx context.Context, uaid string) error

	AddChannel(ctx context.Context, channel ChannelRecord) error
	// RemoveChannel deletes the channel and its stored messages and reports
	// whether the channel existed.
	RemoveChannel(ctx context.Context, uaid string, channelID string) (bool, error)
	ListChannels(ctx context.Context, uaid string) ([]ChannelRecord, error)

	StoreMessage(ctx context.Context, notification Notification) error
	// FetchMessages returns unexpired messages of the given channels with a
	// version above since, ordered by channel then version, at most limit
	// (0 means no limit).
	FetchMessages(ctx context.Context, uaid string, channelIDs []string, since uint64, limit int) ([]Notification, error)
	// DeleteMessage is idempotent: deleting a missing message succeeds.
	DeleteMessage(ctx context.Context, uaid string, channelID string, version uint64) error
}
