package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

type AckUpdate struct {
	ChannelID string `json:"channelID"`
	Version   uint64 `json:"version"`
}

// ClientMessage is a decoded client frame. Only the fields belonging to Type
// are populated.
type ClientMessage struct {
	Type MessageType

	// hello
	UAID       string
	ChannelIDs []string
	UseWebpush bool

	// hello, broadcast_subscribe
	Broadcasts map[string]uint64

	// register, unregister
	ChannelID string
	Key       string
	Code      int

	// ack
	Updates []AckUpdate
}

type rawClientMessage struct {
	MessageType MessageType       `json:"messageType"`
	UAID        string            `json:"uaid"`
	ChannelIDs  []string          `json:"channelIDs"`
	UseWebpush  bool              `json:"use_webpush"`
	Broadcasts  map[string]uint64 `json:"broadcasts"`
	ChannelID   string            `json:"channelID"`
	Key         string            `json:"key"`
	Code        int               `json:"code"`
	Updates     []AckUpdate       `json:"updates"`
}

func violation(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, v...))
}

// Decode parses one client frame. The bare object {} is a ping.
func Decode(data []byte) (ClientMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return ClientMessage{}, violation("malformed frame: %v", err)
	}
	if fields == nil {
		return ClientMessage{}, violation("frame is not an object")
	}
	if len(fields) == 0 {
		return ClientMessage{Type: Ping}, nil
	}

	var raw rawClientMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return ClientMessage{}, violation("malformed %q frame: %v", raw.MessageType, err)
	}

	msg := ClientMessage{Type: raw.MessageType}
	switch raw.MessageType {
	case Hello:
		msg.UAID = raw.UAID
		msg.ChannelIDs = raw.ChannelIDs
		msg.UseWebpush = raw.UseWebpush
		msg.Broadcasts = raw.Broadcasts
	case Register:
		if raw.ChannelID == "" {
			return ClientMessage{}, violation("register without channelID")
		}
		msg.ChannelID = raw.ChannelID
		msg.Key = raw.Key
	case Unregister:
		if raw.ChannelID == "" {
			return ClientMessage{}, violation("unregister without channelID")
		}
		msg.ChannelID = raw.ChannelID
		msg.Code = raw.Code
	case Ack:
		if _, ok := fields["updates"]; !ok {
			return ClientMessage{}, violation("ack without updates")
		}
		for _, update := range raw.Updates {
			if update.ChannelID == "" {
				return ClientMessage{}, violation("ack update without channelID")
			}
		}
		msg.Updates = raw.Updates
	case BroadcastSubscribe:
		if raw.Broadcasts == nil {
			return ClientMessage{}, violation("broadcast_subscribe without broadcasts")
		}
		msg.Broadcasts = raw.Broadcasts
	case Ping, Close:
	case "":
		return ClientMessage{}, violation("missing messageType")
	default:
		return ClientMessage{}, violation("unknown messageType %q", raw.MessageType)
	}
	return msg, nil
}

// ValidKey reports whether a register key is base64url, padded or not.
// An empty key is valid and means the channel is unrestricted.
func ValidKey(key string) bool {
	if key == "" {
		return true
	}
	_, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(key, "="))
	return err == nil
}
