package protocol

import (
	"encoding/json"
	"fmt"
	"maps"
)

type ServerMessage interface {
	Type() MessageType
}

// BroadcastPayload encodes as {topic: version, ..., "errors": {topic: reason}}.
type BroadcastPayload struct {
	Versions map[string]uint64
	Errors   map[string]string
}

func (b BroadcastPayload) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(b.Versions)+1)
	for topic, version := range b.Versions {
		out[topic] = version
	}
	if len(b.Errors) > 0 {
		out["errors"] = maps.Clone(b.Errors)
	}
	return json.Marshal(out)
}

func (b BroadcastPayload) Empty() bool {
	return len(b.Versions) == 0 && len(b.Errors) == 0
}

type HelloResponse struct {
	UAID       string           `json:"uaid"`
	Status     int              `json:"status"`
	UseWebpush bool             `json:"use_webpush"`
	Broadcasts BroadcastPayload `json:"broadcasts"`
}

type RegisterResponse struct {
	ChannelID    string `json:"channelID"`
	Status       int    `json:"status"`
	PushEndpoint string `json:"pushEndpoint,omitempty"`
}

type UnregisterResponse struct {
	ChannelID string `json:"channelID"`
	Status    int    `json:"status"`
}

type NotificationMessage struct {
	ChannelID string            `json:"channelID"`
	Version   uint64            `json:"version"`
	TTL       int64             `json:"ttl"`
	Data      string            `json:"data,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

type BroadcastMessage struct {
	Broadcasts BroadcastPayload `json:"broadcasts"`
}

type PongResponse struct{}

func (HelloResponse) Type() MessageType       { return Hello }
func (RegisterResponse) Type() MessageType    { return Register }
func (UnregisterResponse) Type() MessageType  { return Unregister }
func (NotificationMessage) Type() MessageType { return Notification }
func (BroadcastMessage) Type() MessageType    { return Broadcast }
func (PongResponse) Type() MessageType        { return Pong }

type envelope struct {
	MessageType MessageType `json:"messageType"`
}

// Encode renders a server frame with its messageType. Pong is the bare {}.
func Encode(msg ServerMessage) ([]byte, error) {
	head := envelope{MessageType: msg.Type()}
	switch m := msg.(type) {
	case PongResponse:
		return []byte("{}"), nil
	case HelloResponse:
		m.UseWebpush = true
		return json.Marshal(struct {
			envelope
			HelloResponse
		}{head, m})
	case RegisterResponse:
		return json.Marshal(struct {
			envelope
			RegisterResponse
		}{head, m})
	case UnregisterResponse:
		return json.Marshal(struct {
			envelope
			UnregisterResponse
		}{head, m})
	case NotificationMessage:
		return json.Marshal(struct {
			envelope
			NotificationMessage
		}{head, m})
	case BroadcastMessage:
		return json.Marshal(struct {
			envelope
			BroadcastMessage
		}{head, m})
	default:
		return nil, fmt.Errorf("unsupported server message %T", msg)
	}
}
