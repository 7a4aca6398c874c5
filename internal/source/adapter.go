package source

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-push-server/internal/database"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/logger"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/utils"
)

// ErrStorageUnavailable is returned once every retry of a storage call
// failed with a transient error.
var ErrStorageUnavailable = errors.New("storage unavailable after retries")

// Adapter is the notification source: it wraps a database.Store with retry,
// TTL filtering and the device/channel bookkeeping of a connection.
type Adapter struct {
	store   database.Store
	backoff BackoffConfig

	rngMu sync.Mutex
	rng   *rand.Rand
	now   func() time.Time
}

func NewAdapter(store database.Store, backoff BackoffConfig) *Adapter {
	if backoff.Attempts <= 0 {
		backoff.Attempts = 1
	}
	return &Adapter{
		store:   store,
		backoff: backoff,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

// SetClock replaces the clock used for TTL checks.
func (a *Adapter) SetClock(now func() time.Time) {
	a.now = now
}

func (a *Adapter) delay(attempt int) time.Duration {
	a.rngMu.Lock()
	defer a.rngMu.Unlock()
	return Delay(a.backoff, attempt, a.rng)
}

func retryable(ctx context.Context, err error) bool {
	if errors.Is(err, database.ErrUnavailable) {
		return true
	}
	// a per-call timeout, not the caller giving up
	return errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil
}

// retry runs fn until it succeeds, fails permanently, the attempts run out
// or ctx is done.
func (a *Adapter) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := a.call(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(ctx, err) {
			return err
		}
		if attempt >= a.backoff.Attempts {
			return fmt.Errorf("%w: %s failed %d times: %w", ErrStorageUnavailable, op, attempt, err)
		}
		delay := a.delay(attempt)
		logger.DebugF("Storage %s failed (attempt %d/%d), retrying in %s: %v", op, attempt, a.backoff.Attempts, delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (a *Adapter) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if a.backoff.CallTimeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, a.backoff.CallTimeout)
	defer cancel()
	return fn(callCtx)
}

// FetchPending returns the deliverable notifications of the given channels
// with a version above since, ordered per channel by version, at most limit.
// Expired notifications are dropped silently.
func (a *Adapter) FetchPending(ctx context.Context, uaid string, channelIDs []string, since uint64, limit int) ([]database.Notification, error) {
	if len(channelIDs) == 0 {
		return nil, nil
	}
	var fetched []database.Notification
	err := a.retry(ctx, "fetch", func(ctx context.Context) error {
		var err error
		fetched, err = a.store.FetchMessages(ctx, uaid, channelIDs, since, limit)
		return err
	})
	if err != nil {
		return nil, err
	}

	registered := make(map[string]struct{}, len(channelIDs))
	for _, chid := range channelIDs {
		registered[chid] = struct{}{}
	}
	now := a.now().Unix()
	result := make([]database.Notification, 0, len(fetched))
	for _, n := range fetched {
		if _, ok := registered[n.ChannelID]; !ok || n.Version <= since || n.Expired(now) {
			continue
		}
		result = append(result, n)
	}
	database.SortNotifications(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// MarkAcknowledged records a delivery. Acknowledging twice is harmless.
func (a *Adapter) MarkAcknowledged(ctx context.Context, uaid string, channelID string, version uint64) error {
	return a.retry(ctx, "ack", func(ctx context.Context) error {
		return a.store.DeleteMessage(ctx, uaid, channelID, version)
	})
}

// Requeue makes undelivered notifications available to the next fetch.
// Stored ones already are; direct ones that have not expired are persisted.
func (a *Adapter) Requeue(ctx context.Context, entries []database.Notification) error {
	now := a.now().Unix()
	var errs []error
	for _, n := range entries {
		if !n.Direct || n.Expired(now) {
			continue
		}
		err := a.retry(ctx, "requeue", func(ctx context.Context) error {
			return a.store.StoreMessage(ctx, n)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("requeue %s/%d: %w", n.ChannelID, n.Version, err))
		}
	}
	return errors.Join(errs...)
}

// Store persists a notification that could not be handed to a connection.
func (a *Adapter) Store(ctx context.Context, n database.Notification) error {
	n.TTL = database.ClampTTL(n.TTL)
	if n.Timestamp == 0 {
		n.Timestamp = a.now().Unix()
	}
	return a.retry(ctx, "store", func(ctx context.Context) error {
		return a.store.StoreMessage(ctx, n)
	})
}

func (a *Adapter) Device(ctx context.Context, uaid string) (*database.UserRecord, error) {
	var user *database.UserRecord
	err := a.retry(ctx, "get device", func(ctx context.Context) error {
		var err error
		user, err = a.store.GetUser(ctx, uaid)
		return err
	})
	return user, err
}

func (a *Adapter) SaveDevice(ctx context.Context, user *database.UserRecord) error {
	return a.retry(ctx, "save device", func(ctx context.Context) error {
		return a.store.SaveUser(ctx, user)
	})
}

// ReleaseDevice clears the node id written by the connection that attached
// at connectedAt. A newer connection's record is left alone.
func (a *Adapter) ReleaseDevice(ctx context.Context, uaid string, nodeID string, connectedAt int64) error {
	return a.retry(ctx, "release device", func(ctx context.Context) error {
		return a.store.ClearNodeID(ctx, uaid, nodeID, connectedAt)
	})
}

func (a *Adapter) AddChannel(ctx context.Context, uaid string, channelID string, key string) error {
	record := database.ChannelRecord{UAID: uaid, ChannelID: channelID, Key: key, CreatedAt: a.now().Unix()}
	return a.retry(ctx, "add channel", func(ctx context.Context) error {
		return a.store.AddChannel(ctx, record)
	})
}

func (a *Adapter) RemoveChannel(ctx context.Context, uaid string, channelID string) (bool, error) {
	var existed bool
	err := a.retry(ctx, "remove channel", func(ctx context.Context) error {
		var err error
		existed, err = a.store.RemoveChannel(ctx, uaid, channelID)
		return err
	})
	return existed, err
}

// Channels lists the channel ids registered for uaid.
func (a *Adapter) Channels(ctx context.Context, uaid string) ([]string, error) {
	var records []database.ChannelRecord
	err := a.retry(ctx, "list channels", func(ctx context.Context) error {
		var err error
		records, err = a.store.ListChannels(ctx, uaid)
		return err
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ChannelID)
	}
	return ids, nil
}

type Attachment struct {
	UAID        string
	Channels    []string
	ConnectedAt int64
	// Reused is false when a fresh identity was minted.
	Reused bool
}

// Attach resolves the identity a hello asked for and records this node as
// its owner. Unknown or malformed identities get a fresh one.
func (a *Adapter) Attach(ctx context.Context, requested string, nodeID string) (Attachment, error) {
	attachment := Attachment{ConnectedAt: utils.NowMillis()}
	if utils.ValidUAID(requested) {
		_, err := a.Device(ctx, requested)
		switch {
		case err == nil:
			channels, err := a.Channels(ctx, requested)
			if err != nil {
				return Attachment{}, err
			}
			attachment.UAID = requested
			attachment.Channels = channels
			attachment.Reused = true
		case errors.Is(err, database.ErrNotFound):
		default:
			return Attachment{}, err
		}
	}
	if attachment.UAID == "" {
		attachment.UAID = utils.NewUAID()
	}
	user := &database.UserRecord{UAID: attachment.UAID, ConnectedAt: attachment.ConnectedAt, NodeID: nodeID}
	if err := a.SaveDevice(ctx, user); err != nil {
		return Attachment{}, err
	}
	return attachment, nil
}
