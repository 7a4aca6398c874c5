package protocol

import (
	"encoding/json"
	"testing"
)

func decodeMap(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("invalid JSON %s: %v", data, err)
	}
	return out
}

func TestEncodeHello(t *testing.T) {
	data, err := Encode(HelloResponse{
		UAID:   "abc",
		Status: StatusOK,
		Broadcasts: BroadcastPayload{
			Versions: map[string]uint64{"kinto:123": 2},
			Errors:   map[string]string{"nope": BroadcastNotFound},
		},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out := decodeMap(t, data)
	if out["messageType"] != "hello" || out["uaid"] != "abc" || out["status"] != float64(200) || out["use_webpush"] != true {
		t.Errorf("hello = %s", data)
	}
	broadcasts := out["broadcasts"].(map[string]interface{})
	if broadcasts["kinto:123"] != float64(2) {
		t.Errorf("broadcasts = %v", broadcasts)
	}
	errs := broadcasts["errors"].(map[string]interface{})
	if errs["nope"] != BroadcastNotFound {
		t.Errorf("errors = %v", errs)
	}
}

func TestEncodeEmptyBroadcasts(t *testing.T) {
	data, err := Encode(HelloResponse{UAID: "abc", Status: StatusOK})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out := decodeMap(t, data)
	if b, ok := out["broadcasts"].(map[string]interface{}); !ok || len(b) != 0 {
		t.Errorf("broadcasts = %v, want {}", out["broadcasts"])
	}
}

func TestEncodeNotificationOmitsEmptyPayload(t *testing.T) {
	data, err := Encode(NotificationMessage{ChannelID: "c1", Version: 4, TTL: 60})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out := decodeMap(t, data)
	if out["messageType"] != "notification" || out["channelID"] != "c1" || out["version"] != float64(4) {
		t.Errorf("notification = %s", data)
	}
	if _, ok := out["data"]; ok {
		t.Errorf("empty data encoded: %s", data)
	}
	if _, ok := out["headers"]; ok {
		t.Errorf("empty headers encoded: %s", data)
	}
}

func TestEncodeMessageTypes(t *testing.T) {
	tests := []struct {
		msg  ServerMessage
		want string
	}{
		{RegisterResponse{ChannelID: "c", Status: StatusOK, PushEndpoint: "http://x"}, "register"},
		{UnregisterResponse{ChannelID: "c", Status: StatusOK}, "unregister"},
		{BroadcastMessage{Broadcasts: BroadcastPayload{Versions: map[string]uint64{"t": 1}}}, "broadcast"},
	}
	for _, tt := range tests {
		data, err := Encode(tt.msg)
		if err != nil {
			t.Fatalf("Encode(%T): %v", tt.msg, err)
		}
		if got := decodeMap(t, data)["messageType"]; got != tt.want {
			t.Errorf("Encode(%T) messageType = %v, want %s", tt.msg, got, tt.want)
		}
	}
}

func TestEncodePong(t *testing.T) {
	data, err := Encode(PongResponse{})
	if err != nil || string(data) != "{}" {
		t.Errorf("Encode(pong) = %s, %v", data, err)
	}
}
