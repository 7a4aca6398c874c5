package protocol

import "errors"

type MessageType string

const (
	Hello              MessageType = "hello"
	Register           MessageType = "register"
	Unregister         MessageType = "unregister"
	Ack                MessageType = "ack"
	Ping               MessageType = "ping"
	BroadcastSubscribe MessageType = "broadcast_subscribe"
	Close              MessageType = "close"
	Notification       MessageType = "notification"
	Broadcast          MessageType = "broadcast"
	Pong               MessageType = "pong"
)

// WebSocket close codes used by the server.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseProtocolError = 1002
	CloseTryAgainLater = 1013
	CloseReplaced      = 4001
)

const (
	StatusOK          = 200
	StatusBadRequest  = 400
	StatusServerError = 500
)

// BroadcastNotFound is reported for subscribed topics the server does not know.
const BroadcastNotFound = "Broadcast not found"

// ErrProtocolViolation is wrapped by every decode failure. A connection that
// produces one is closed with CloseProtocolError.
var ErrProtocolViolation = errors.New("protocol violation")
