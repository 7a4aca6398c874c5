package server

import (
	"errors"
	"io"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/session"
)

func TestReadErrorEvent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want session.Event
	}{
		{"client close", &websocket.CloseError{Code: websocket.CloseNormalClosure}, session.FrameReceived{Msg: protocol.ClientMessage{Type: protocol.Close}}},
		{"eof", io.ErrUnexpectedEOF, session.TransportClosed{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := readErrorEvent("conn", tt.err)
			frame, isFrame := got.(session.FrameReceived)
			wantFrame, wantIsFrame := tt.want.(session.FrameReceived)
			if isFrame != wantIsFrame {
				t.Fatalf("readErrorEvent(%v) = %T, want %T", tt.err, got, tt.want)
			}
			if isFrame && frame.Msg.Type != wantFrame.Msg.Type {
				t.Fatalf("readErrorEvent(%v) type = %s, want %s", tt.err, frame.Msg.Type, wantFrame.Msg.Type)
			}
			if !isFrame && got != tt.want {
				t.Fatalf("readErrorEvent(%v) = %#v, want %#v", tt.err, got, tt.want)
			}
		})
	}

	got, ok := readErrorEvent("conn", websocket.ErrReadLimit).(session.ProtocolError)
	if !ok || !errors.Is(got.Err, protocol.ErrProtocolViolation) {
		t.Fatalf("read limit should be a protocol violation, got %#v", got)
	}
}

func TestEndpointFor(t *testing.T) {
	got := endpointFor("https://push.example.com", "abc", "0b4c2a7e-6f4b-4d7c-9a5e-0e1f2a3b4c5d")
	want := "https://push.example.com/wpush/v1/abc/0b4c2a7e-6f4b-4d7c-9a5e-0e1f2a3b4c5d"
	if got != want {
		t.Errorf("endpointFor = %s, want %s", got, want)
	}
}

func TestUnknownChannels(t *testing.T) {
	stored := []string{"0b4c2a7e-6f4b-4d7c-9a5e-0e1f2a3b4c5d"}
	claimed := []string{"0B4C2A7E-6F4B-4D7C-9A5E-0E1F2A3B4C5D", "1b4c2a7e-6f4b-4d7c-9a5e-0e1f2a3b4c5d", "junk"}
	got := unknownChannels(claimed, stored)
	if len(got) != 2 || got[0] != claimed[1] || got[1] != "junk" {
		t.Errorf("unknownChannels = %v", got)
	}
	if got := unknownChannels(nil, stored); len(got) != 0 {
		t.Errorf("unknownChannels(nil) = %v", got)
	}
}
