// Package session implements the per-connection protocol state machine.
// Handle is a pure transition: it never performs I/O or reads the clock,
// it only returns the effects the connection task must carry out.
package session

import (
	"cmp"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-push-server/internal/broadcast"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/database"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/utils"
)

type Machine struct {
	state  State
	limits Limits
	uaid   string

	channels map[string]struct{}
	known    map[string]uint64
	pending  map[AckKey]database.Notification
	queue    []database.Notification
	// acked holds acknowledgments storage has not confirmed yet.
	acked    map[AckKey]struct{}

	helloSeen    bool
	fetching     bool
	checkStorage bool
	acksInFlight int
	retryAcks    bool

	storageFailures int
	lastPing        time.Time
}

func NewMachine(limits Limits) *Machine {
	if limits.MaxBatch <= 0 {
		limits.MaxBatch = 1
	}
	if limits.MaxStorageFailures <= 0 {
		limits.MaxStorageFailures = 1
	}
	return &Machine{
		state:    AwaitingHello,
		limits:   limits,
		channels: make(map[string]struct{}),
		known:    make(map[string]uint64),
		pending:  make(map[AckKey]database.Notification),
		acked:    make(map[AckKey]struct{}),
	}
}

func (m *Machine) State() State { return m.state }
func (m *Machine) UAID() string { return m.uaid }

// Known returns a copy of the broadcast versions the client has seen.
func (m *Machine) Known() map[string]uint64 {
	return maps.Clone(m.known)
}

// Channels returns the registered channel ids, sorted.
func (m *Machine) Channels() []string {
	return slices.Sorted(maps.Keys(m.channels))
}

// Outstanding is the number of delivered but unacknowledged notifications
// plus those waiting to be delivered.
func (m *Machine) Outstanding() int {
	return len(m.pending) + len(m.queue)
}

func (m *Machine) Handle(ev Event) []Effect {
	if m.state.Terminal() {
		return nil
	}
	if m.state == Closing {
		if _, ok := ev.(Finished); ok {
			m.state = Closed
		}
		return nil
	}

	switch e := ev.(type) {
	case FrameReceived:
		return m.handleFrame(e)
	case Authorized:
		return m.handleAuthorized(e)
	case AuthorizeFailed:
		return m.fail(protocol.CloseTryAgainLater, "authorization failed")
	case WorkReady:
		return m.handleWorkReady(e)
	case WorkFailed:
		return m.handleWorkFailed()
	case BatchSent:
		return m.handleBatchSent(e)
	case AcksPersisted:
		return m.handleAcksPersisted(e)
	case DirectNotification:
		return m.handleDirect(e.Notification)
	case StorageChanged:
		if !m.state.Authorized() {
			return nil
		}
		m.checkStorage = true
		return m.settle()
	case BroadcastChanged:
		if !m.state.Authorized() {
			return nil
		}
		payload := m.applyBroadcasts(e.Delta)
		if payload.Empty() {
			return nil
		}
		return []Effect{Send{Msg: protocol.BroadcastMessage{Broadcasts: payload}}}
	case ChannelRegistered:
		if !m.state.Authorized() {
			return nil
		}
		m.channels[e.ChannelID] = struct{}{}
		return []Effect{Send{Msg: protocol.RegisterResponse{ChannelID: e.ChannelID, Status: protocol.StatusOK, PushEndpoint: e.Endpoint}}}
	case RegisterFailed:
		if !m.state.Authorized() {
			return nil
		}
		return []Effect{Send{Msg: protocol.RegisterResponse{ChannelID: e.ChannelID, Status: e.Status}}}
	case ChannelUnregistered:
		if !m.state.Authorized() {
			return nil
		}
		return []Effect{Send{Msg: protocol.UnregisterResponse{ChannelID: e.ChannelID, Status: e.Status}}}
	case ProtocolError:
		return m.fail(protocol.CloseProtocolError, "protocol violation")
	case IdleTimeout:
		return m.closeWith(protocol.CloseGoingAway, "idle timeout")
	case Evicted:
		return m.closeWith(protocol.CloseReplaced, "identity reused by a newer connection")
	case TransportClosed:
		return m.closeWith(protocol.CloseNormal, "transport closed")
	case Shutdown:
		return m.closeWith(protocol.CloseGoingAway, "server shutting down")
	case Finished:
		m.state = Closed
		return nil
	}
	return nil
}

func (m *Machine) handleFrame(e FrameReceived) []Effect {
	msg := e.Msg
	if msg.Type == protocol.Close {
		return m.closeWith(protocol.CloseNormal, "client closed")
	}

	if m.state == AwaitingHello {
		if msg.Type != protocol.Hello || m.helloSeen {
			return m.fail(protocol.CloseProtocolError, "expected a single hello")
		}
		m.helloSeen = true
		for topic, version := range msg.Broadcasts {
			m.known[topic] = version
		}
		return []Effect{Authorize{UAID: msg.UAID, Channels: msg.ChannelIDs, Broadcasts: m.Known()}}
	}

	switch msg.Type {
	case protocol.Hello:
		return m.fail(protocol.CloseProtocolError, "duplicate hello")
	case protocol.Ping:
		if !m.lastPing.IsZero() && e.At.Sub(m.lastPing) < m.limits.MinPingInterval {
			return m.fail(protocol.CloseProtocolError, "ping too frequent")
		}
		m.lastPing = e.At
		return []Effect{Send{Msg: protocol.PongResponse{}}}
	case protocol.Register:
		chid, ok := utils.NormalizeChannelID(msg.ChannelID)
		if !ok || !protocol.ValidKey(msg.Key) {
			return []Effect{Send{Msg: protocol.RegisterResponse{ChannelID: msg.ChannelID, Status: protocol.StatusBadRequest}}}
		}
		return []Effect{RegisterChannel{ChannelID: chid, Key: msg.Key}}
	case protocol.Unregister:
		chid, ok := utils.NormalizeChannelID(msg.ChannelID)
		if !ok {
			return []Effect{Send{Msg: protocol.UnregisterResponse{ChannelID: msg.ChannelID, Status: protocol.StatusBadRequest}}}
		}
		return m.handleUnregister(chid, msg.Code)
	case protocol.Ack:
		return m.handleAcks(msg.Updates)
	case protocol.BroadcastSubscribe:
		topics := make(map[string]uint64, len(msg.Broadcasts))
		for topic, version := range msg.Broadcasts {
			m.known[topic] = version
			topics[topic] = version
		}
		if len(topics) == 0 {
			return nil
		}
		return []Effect{SubscribeBroadcasts{Topics: topics}}
	}
	return m.fail(protocol.CloseProtocolError, "unexpected frame")
}

func (m *Machine) handleAuthorized(e Authorized) []Effect {
	if m.state != AwaitingHello || !m.helloSeen {
		return nil
	}
	m.uaid = e.UAID
	for _, chid := range e.Channels {
		m.channels[chid] = struct{}{}
	}
	m.state = Idle
	payload := m.applyBroadcasts(e.Broadcasts)
	effects := []Effect{Send{Msg: protocol.HelloResponse{UAID: m.uaid, Status: protocol.StatusOK, Broadcasts: payload}}}
	m.checkStorage = true
	return append(effects, m.settle()...)
}

func (m *Machine) handleWorkReady(e WorkReady) []Effect {
	if !m.fetching {
		return nil
	}
	m.fetching = false
	m.storageFailures = 0
	if e.More {
		m.checkStorage = true
	}
	effects := m.deliver(e.Notifications, e.Broadcasts)
	if len(effects) == 0 {
		return m.settle()
	}
	return effects
}

func (m *Machine) handleWorkFailed() []Effect {
	if !m.fetching {
		return nil
	}
	m.fetching = false
	m.storageFailures++
	if m.storageFailures >= m.limits.MaxStorageFailures {
		return m.closeWith(protocol.CloseTryAgainLater, "storage unavailable")
	}
	// retried on the next kick or poll
	m.checkStorage = false
	if m.state == Idle && len(m.queue) > 0 {
		return m.deliver(nil, broadcast.Delta{})
	}
	return nil
}

func (m *Machine) handleBatchSent(e BatchSent) []Effect {
	if m.state != Delivering {
		return nil
	}
	if e.Err != nil {
		return m.closeWith(protocol.CloseGoingAway, "write failed")
	}
	if len(m.pending) > 0 {
		m.state = WaitingAck
		return nil
	}
	m.state = Idle
	return m.settle()
}

func (m *Machine) handleAcks(updates []protocol.AckUpdate) []Effect {
	var persist []AckKey
	for _, update := range updates {
		key := AckKey{ChannelID: update.ChannelID, Version: update.Version}
		n, ok := m.pending[key]
		if !ok {
			continue
		}
		delete(m.pending, key)
		if !n.Direct {
			m.acked[key] = struct{}{}
			persist = append(persist, key)
		}
	}
	var effects []Effect
	if len(persist) > 0 {
		m.acksInFlight++
		effects = append(effects, PersistAcks{Acks: persist})
	}
	return append(effects, m.settle()...)
}

// handleAcksPersisted keeps failed acknowledgments filtered and retries them.
// Repeated failures count against the storage failure budget.
func (m *Machine) handleAcksPersisted(e AcksPersisted) []Effect {
	if m.acksInFlight > 0 {
		m.acksInFlight--
	}
	if e.Err != nil {
		m.storageFailures++
		if m.storageFailures >= m.limits.MaxStorageFailures {
			return m.closeWith(protocol.CloseTryAgainLater, "storage unavailable")
		}
		m.retryAcks = true
		return m.settle()
	}
	m.storageFailures = 0
	for _, key := range e.Acks {
		delete(m.acked, key)
	}
	return m.settle()
}

// handleDirect queues the notification behind a storage check, so stored
// lower versions of the same channel go out first.
func (m *Machine) handleDirect(n database.Notification) []Effect {
	if !m.state.Authorized() {
		return nil
	}
	if _, ok := m.channels[n.ChannelID]; !ok {
		return nil
	}
	key := keyOf(n)
	if _, ok := m.pending[key]; ok {
		return nil
	}
	if _, ok := m.acked[key]; ok {
		return nil
	}
	for _, queued := range m.queue {
		if keyOf(queued) == key {
			return nil
		}
	}
	m.queue = append(m.queue, n)
	m.checkStorage = true
	return m.settle()
}

func (m *Machine) handleUnregister(chid string, code int) []Effect {
	delete(m.channels, chid)
	m.queue = slices.DeleteFunc(m.queue, func(n database.Notification) bool {
		return n.ChannelID == chid
	})
	for key := range m.pending {
		if key.ChannelID == chid {
			delete(m.pending, key)
		}
	}
	effects := []Effect{UnregisterChannel{ChannelID: chid, Code: code}}
	return append(effects, m.settle()...)
}

// settle moves the machine forward once nothing blocks it. A finished batch
// returns to Idle, failed acknowledgments are retried, storage is checked
// when it may hold more and queued work goes out after that check.
func (m *Machine) settle() []Effect {
	if m.state == WaitingAck {
		if len(m.pending) > 0 {
			return nil
		}
		m.state = Idle
	}
	if m.state != Idle || m.fetching {
		return nil
	}
	if m.retryAcks && m.acksInFlight == 0 {
		m.retryAcks = false
		if len(m.acked) > 0 {
			m.acksInFlight++
			return []Effect{PersistAcks{Acks: m.unconfirmed()}}
		}
	}
	if m.checkStorage {
		if m.acksInFlight > 0 {
			return nil
		}
		m.checkStorage = false
		m.fetching = true
		return []Effect{Fetch{Channels: m.Channels(), Known: m.Known()}}
	}
	if len(m.queue) > 0 {
		return m.deliver(nil, broadcast.Delta{})
	}
	return nil
}

func (m *Machine) unconfirmed() []AckKey {
	keys := slices.Collect(maps.Keys(m.acked))
	slices.SortFunc(keys, func(a, b AckKey) int {
		if c := strings.Compare(a.ChannelID, b.ChannelID); c != 0 {
			return c
		}
		return cmp.Compare(a.Version, b.Version)
	})
	return keys
}

// deliver sends the given notifications plus queued ones, at most MaxBatch,
// together with the broadcast delta.
func (m *Machine) deliver(notifications []database.Notification, delta broadcast.Delta) []Effect {
	items := make([]database.Notification, 0, len(notifications)+len(m.queue))
	seen := make(map[AckKey]struct{}, cap(items))
	for _, n := range slices.Concat(notifications, m.queue) {
		key := keyOf(n)
		if _, dup := seen[key]; dup {
			continue
		}
		if _, dup := m.pending[key]; dup {
			continue
		}
		if _, done := m.acked[key]; done {
			continue
		}
		if _, ok := m.channels[n.ChannelID]; !ok {
			continue
		}
		seen[key] = struct{}{}
		items = append(items, n)
	}
	m.queue = nil
	database.SortNotifications(items)
	if len(items) > m.limits.MaxBatch {
		m.queue = append(m.queue, items[m.limits.MaxBatch:]...)
		items = items[:m.limits.MaxBatch]
	}

	payload := m.applyBroadcasts(delta)
	if len(items) == 0 && payload.Empty() {
		return nil
	}
	for _, n := range items {
		m.pending[keyOf(n)] = n
	}
	m.state = Delivering
	return []Effect{SendBatch{Broadcasts: payload, Notifications: items}}
}

// applyBroadcasts records a delta as seen and renders what must still be
// sent. Unknown topics are reported once and forgotten.
func (m *Machine) applyBroadcasts(delta broadcast.Delta) protocol.BroadcastPayload {
	var payload protocol.BroadcastPayload
	for _, update := range delta.Updates {
		if seen, ok := m.known[update.Topic]; ok && seen >= update.Version {
			continue
		}
		m.known[update.Topic] = update.Version
		if payload.Versions == nil {
			payload.Versions = make(map[string]uint64)
		}
		payload.Versions[update.Topic] = update.Version
	}
	for _, topic := range delta.Unknown {
		if _, ok := m.known[topic]; !ok {
			continue
		}
		delete(m.known, topic)
		if payload.Errors == nil {
			payload.Errors = make(map[string]string)
		}
		payload.Errors[topic] = protocol.BroadcastNotFound
	}
	return payload
}

func (m *Machine) outstanding() []database.Notification {
	entries := make([]database.Notification, 0, len(m.pending)+len(m.queue))
	for _, n := range m.pending {
		entries = append(entries, n)
	}
	entries = append(entries, m.queue...)
	database.SortNotifications(entries)
	m.pending = make(map[AckKey]database.Notification)
	m.queue = nil
	return entries
}

func (m *Machine) closeWith(code int, reason string) []Effect {
	return m.terminate(Closing, code, reason)
}

func (m *Machine) fail(code int, reason string) []Effect {
	return m.terminate(Failed, code, reason)
}

func (m *Machine) terminate(next State, code int, reason string) []Effect {
	m.state = next
	var effects []Effect
	if len(m.acked) > 0 {
		effects = append(effects, FlushAcks{Acks: m.unconfirmed()})
		m.acked = make(map[AckKey]struct{})
	}
	if entries := m.outstanding(); len(entries) > 0 {
		effects = append(effects, Requeue{Entries: entries})
	}
	return append(effects, Close{Code: code, Reason: reason})
}
