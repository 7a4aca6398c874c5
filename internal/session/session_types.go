package session

import (
	"time"

	"github.com/life-stream-dev/life-stream-go-push-server/internal/broadcast"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/database"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/protocol"
)

type State int

const (
	AwaitingHello State = iota
	Idle
	Delivering
	WaitingAck
	Closing
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitingHello:
		return "awaiting-hello"
	case Idle:
		return "idle"
	case Delivering:
		return "delivering"
	case WaitingAck:
		return "waiting-ack"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Authorized reports whether the connection completed its hello.
func (s State) Authorized() bool {
	return s == Idle || s == Delivering || s == WaitingAck
}

// Terminal states never leave.
func (s State) Terminal() bool {
	return s == Closed || s == Failed
}

// AckKey identifies one delivered notification awaiting acknowledgment.
type AckKey struct {
	ChannelID string
	Version   uint64
}

func keyOf(n database.Notification) AckKey {
	return AckKey{ChannelID: n.ChannelID, Version: n.Version}
}

type Limits struct {
	MaxBatch           int
	MinPingInterval    time.Duration
	MaxStorageFailures int
}

func DefaultLimits() Limits {
	return Limits{MaxBatch: 10, MinPingInterval: time.Second, MaxStorageFailures: 3}
}

// Event is an input to Machine.Handle.
type Event interface {
	event()
}

type (
	// FrameReceived carries a decoded client frame and its arrival time.
	FrameReceived struct {
		Msg protocol.ClientMessage
		At  time.Time
	}
	// Authorized completes a hello: the resolved identity, its registered
	// channels and the broadcast delta against the hello's subscriptions.
	Authorized struct {
		UAID       string
		Channels   []string
		Broadcasts broadcast.Delta
	}
	AuthorizeFailed struct{ Err error }
	// WorkReady is the result of a Fetch.
	WorkReady struct {
		Broadcasts    broadcast.Delta
		Notifications []database.Notification
		More          bool
	}
	WorkFailed struct{ Err error }
	// BatchSent reports the outcome of writing a SendBatch.
	BatchSent struct{ Err error }
	// AcksPersisted reports the outcome of one PersistAcks. On error every
	// key in Acks is treated as unconfirmed.
	AcksPersisted struct {
		Acks []AckKey
		Err  error
	}
	// DirectNotification arrived through the registry without storage.
	DirectNotification struct{ Notification database.Notification }
	// StorageChanged means storage may hold new notifications.
	StorageChanged struct{}
	// BroadcastChanged carries a broadcast delta computed for this connection.
	BroadcastChanged struct{ Delta broadcast.Delta }
	ChannelRegistered struct {
		ChannelID string
		Endpoint  string
	}
	RegisterFailed struct {
		ChannelID string
		Status    int
	}
	ChannelUnregistered struct {
		ChannelID string
		Status    int
	}
	// ProtocolError reports a frame that could not be decoded.
	ProtocolError   struct{ Err error }
	IdleTimeout     struct{}
	Evicted         struct{}
	TransportClosed struct{}
	Shutdown        struct{}
	// Finished is posted once the transport is closed and teardown ran.
	Finished struct{}
)

func (FrameReceived) event()       {}
func (Authorized) event()          {}
func (AuthorizeFailed) event()     {}
func (WorkReady) event()           {}
func (WorkFailed) event()          {}
func (BatchSent) event()           {}
func (AcksPersisted) event()       {}
func (DirectNotification) event()  {}
func (StorageChanged) event()      {}
func (BroadcastChanged) event()    {}
func (ChannelRegistered) event()   {}
func (RegisterFailed) event()      {}
func (ChannelUnregistered) event() {}
func (ProtocolError) event()       {}
func (IdleTimeout) event()         {}
func (Evicted) event()             {}
func (TransportClosed) event()     {}
func (Shutdown) event()            {}
func (Finished) event()            {}

// Effect is an action the connection task must carry out.
type Effect interface {
	effect()
}

type (
	Send struct{ Msg protocol.ServerMessage }
	// Authorize resolves the hello identity and reports Authorized or
	// AuthorizeFailed.
	Authorize struct {
		UAID       string
		// Channels are the ids the hello claimed. Storage stays authoritative.
		Channels   []string
		Broadcasts map[string]uint64
	}
	// Fetch asks for the next batch and reports WorkReady or WorkFailed.
	Fetch struct {
		Channels []string
		Known    map[string]uint64
	}
	// SendBatch writes broadcasts first, then the notifications, and
	// reports BatchSent.
	SendBatch struct {
		Broadcasts    protocol.BroadcastPayload
		Notifications []database.Notification
	}
	// PersistAcks records acknowledgments and reports AcksPersisted.
	PersistAcks struct{ Acks []AckKey }
	RegisterChannel struct {
		ChannelID string
		Key       string
	}
	UnregisterChannel struct {
		ChannelID string
		Code      int
	}
	// SubscribeBroadcasts asks for the delta of newly subscribed topics and
	// reports BroadcastChanged.
	SubscribeBroadcasts struct{ Topics map[string]uint64 }
	// FlushAcks records unconfirmed acknowledgments after the connection is
	// gone. Nothing reports back.
	FlushAcks struct{ Acks []AckKey }
	// Requeue hands undelivered entries back to storage.
	Requeue struct{ Entries []database.Notification }
	Close   struct {
		Code   int
		Reason string
	}
)

func (Send) effect()                {}
func (Authorize) effect()           {}
func (Fetch) effect()               {}
func (SendBatch) effect()           {}
func (PersistAcks) effect()         {}
func (RegisterChannel) effect()     {}
func (UnregisterChannel) effect()   {}
func (SubscribeBroadcasts) effect() {}
func (FlushAcks) effect()           {}
func (Requeue) effect()             {}
func (Close) effect()               {}
