package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/logger"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/session"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/utils"
)

func isNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

// readErrorEvent turns a failed read into the event the state machine
// expects. A close frame from the client counts as a close message.
func readErrorEvent(connID string, err error) session.Event {
	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr):
		logger.InfoF("[%s] Client close connection (%d)", connID, closeErr.Code)
		return session.FrameReceived{Msg: protocol.ClientMessage{Type: protocol.Close}}
	case errors.Is(err, websocket.ErrReadLimit):
		logger.WarnF("[%s] Frame exceeds read limit", connID)
		return session.ProtocolError{Err: fmt.Errorf("%w: %v", protocol.ErrProtocolViolation, err)}
	case os.IsTimeout(err), isNetClosedError(err):
		logger.DebugF("[%s] Connection gone: %v", connID, err)
	default:
		logger.WarnF("[%s] Error occured while reading frame, details: %v", connID, err)
	}
	return session.TransportClosed{}
}

// unknownChannels returns the claimed channel ids missing from stored.
func unknownChannels(claimed []string, stored []string) []string {
	var missing []string
	for _, chid := range claimed {
		normalized, ok := utils.NormalizeChannelID(chid)
		if !ok || !slices.Contains(stored, normalized) {
			missing = append(missing, chid)
		}
	}
	return missing
}

func endpointFor(base string, uaid string, channelID string) string {
	return fmt.Sprintf("%s/wpush/v1/%s/%s", base, url.PathEscape(uaid), url.PathEscape(channelID))
}
