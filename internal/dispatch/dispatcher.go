// Package dispatch decides what a connection should be sent next and routes
// notifications arriving for connected devices.
package dispatch

import (
	"context"

	"github.com/life-stream-dev/life-stream-go-push-server/internal/broadcast"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/database"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/logger"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/registry"
)

// Source is the part of the notification source the dispatcher reads.
type Source interface {
	FetchPending(ctx context.Context, uaid string, channelIDs []string, since uint64, limit int) ([]database.Notification, error)
}

// Batch is one unit of work for a connection. Broadcast updates always come
// first.
type Batch struct {
	Broadcasts    broadcast.Delta
	Notifications []database.Notification
	// More is set when storage may hold further notifications.
	More bool
}

func (b Batch) Empty() bool {
	return b.Broadcasts.Empty() && len(b.Notifications) == 0
}

type Dispatcher struct {
	source     Source
	broadcasts *broadcast.Coordinator
	registry   *registry.Registry
	maxBatch   int
}

func New(source Source, broadcasts *broadcast.Coordinator, sessions *registry.Registry, maxBatch int) *Dispatcher {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	return &Dispatcher{source: source, broadcasts: broadcasts, registry: sessions, maxBatch: maxBatch}
}

// Next collects the pending work of a connection: the broadcast delta
// against known, then at most one batch of stored notifications.
func (d *Dispatcher) Next(ctx context.Context, uaid string, channelIDs []string, known map[string]uint64) (Batch, error) {
	batch := Batch{Broadcasts: d.broadcasts.Delta(known)}
	notifications, err := d.source.FetchPending(ctx, uaid, channelIDs, 0, d.maxBatch)
	if err != nil {
		return batch, err
	}
	batch.Notifications = notifications
	batch.More = len(notifications) >= d.maxBatch
	return batch, nil
}

func (d *Dispatcher) Broadcasts(known map[string]uint64) broadcast.Delta {
	return d.broadcasts.Delta(known)
}

// Notify wakes the live connection of uaid so it checks storage. It reports
// whether the device is connected here.
func (d *Dispatcher) Notify(uaid string) bool {
	handle, ok := d.registry.Lookup(uaid)
	if !ok {
		return false
	}
	handle.Kick()
	return true
}

// Push hands a notification to the live connection of uaid without storing
// it. False means the caller must store it instead.
func (d *Dispatcher) Push(uaid string, notification database.Notification) bool {
	handle, ok := d.registry.Lookup(uaid)
	if !ok {
		return false
	}
	notification.UAID = uaid
	notification.Direct = true
	if !handle.Deliver(notification) {
		logger.DebugF("Session %s refused direct notification %s/%d", uaid, notification.ChannelID, notification.Version)
		return false
	}
	return true
}
