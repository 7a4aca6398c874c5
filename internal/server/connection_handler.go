package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/database"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/logger"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/session"
)

// ConnectionHandler runs one client connection. The serve loop owns the
// state machine and the socket writes; storage work runs in goroutines
// that hand their results back through results.
type ConnectionHandler struct {
	server  *Server
	ws      *websocket.Conn
	connID  string
	machine *session.Machine

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	frames    chan session.Event
	results   chan func() session.Event
	kick      chan struct{}
	evicted   chan struct{}
	evictOnce sync.Once

	inboxMu sync.Mutex
	inbox   chan database.Notification
	closed  bool

	uaid         string
	connectedAt  int64
	registered   bool
	tasks        sync.WaitGroup
	teardownOnce sync.Once
}

func newConnectionHandler(s *Server, ws *websocket.Conn, connID string) *ConnectionHandler {
	ctx, cancel := context.WithCancel(s.ctx)
	return &ConnectionHandler{
		server:  s,
		ws:      ws,
		connID:  connID,
		machine: session.NewMachine(s.limits),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		frames:  make(chan session.Event),
		results: make(chan func() session.Event),
		kick:    make(chan struct{}, 1),
		evicted: make(chan struct{}),
		inbox:   make(chan database.Notification, s.inboxSize),
	}
}

func (c *ConnectionHandler) tag() string {
	if c.uaid == "" {
		return c.connID
	}
	return c.uaid + "|" + c.connID
}

// Kick implements registry.Handle.
func (c *ConnectionHandler) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Deliver implements registry.Handle. It never blocks: a full inbox or a
// closing connection refuses the notification.
func (c *ConnectionHandler) Deliver(notification database.Notification) bool {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.inbox <- notification:
		return true
	default:
		return false
	}
}

// Evict implements registry.Handle.
func (c *ConnectionHandler) Evict() {
	c.evictOnce.Do(func() { close(c.evicted) })
}

func (c *ConnectionHandler) serve() {
	c.ws.SetReadLimit(c.server.maxMessageSize)
	c.tasks.Add(1)
	go c.readLoop()

	idle := time.NewTimer(c.server.handshakeTimeout)
	defer idle.Stop()
	poll := time.NewTicker(c.server.pollInterval)
	defer poll.Stop()

	for !c.machine.State().Terminal() {
		select {
		case ev := <-c.frames:
			if _, ok := ev.(session.FrameReceived); ok {
				idle.Reset(c.server.idleTimeout)
			}
			c.handle(ev)
		case result := <-c.results:
			c.handle(result())
		case <-c.kick:
			c.handle(session.StorageChanged{})
		case notification := <-c.inbox:
			c.handle(session.DirectNotification{Notification: notification})
		case <-c.evicted:
			c.handle(session.Evicted{})
		case <-idle.C:
			c.handle(session.IdleTimeout{})
		case <-poll.C:
			c.poll()
		case <-c.server.ctx.Done():
			c.handle(session.Shutdown{})
		}
	}

	c.teardown(protocol.CloseNormal, "")
	c.tasks.Wait()
	logger.DebugF("[%s] Connection closed", c.tag())
}

// readLoop only touches fields that never change after construction.
func (c *ConnectionHandler) readLoop() {
	defer c.tasks.Done()
	for {
		messageType, data, err := c.ws.ReadMessage()
		var ev session.Event
		switch {
		case err != nil:
			ev = readErrorEvent(c.connID, err)
		case messageType != websocket.TextMessage:
			ev = session.ProtocolError{Err: fmt.Errorf("%w: non-text frame", protocol.ErrProtocolViolation)}
		default:
			msg, decodeErr := protocol.Decode(data)
			if decodeErr != nil {
				logger.WarnF("[%s] Invalid frame: %v", c.connID, decodeErr)
				ev = session.ProtocolError{Err: decodeErr}
			} else {
				logger.DebugF("[%s] Receive %s frame", c.connID, msg.Type)
				ev = session.FrameReceived{Msg: msg, At: time.Now()}
			}
		}
		select {
		case c.frames <- ev:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *ConnectionHandler) poll() {
	if !c.machine.State().Authorized() {
		return
	}
	c.handle(session.StorageChanged{})
	if delta := c.server.dispatcher.Broadcasts(c.machine.Known()); !delta.Empty() {
		c.handle(session.BroadcastChanged{Delta: delta})
	}
}

// handle feeds ev to the machine and carries out the resulting effects.
// Effects that complete synchronously feed their outcome back in order.
func (c *ConnectionHandler) handle(ev session.Event) {
	queue := []session.Event{ev}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, effect := range c.machine.Handle(next) {
			if follow := c.execute(effect); follow != nil {
				queue = append(queue, follow)
			}
		}
	}
}

func (c *ConnectionHandler) execute(effect session.Effect) session.Event {
	s := c.server
	switch e := effect.(type) {
	case session.Send:
		if err := c.write(e.Msg); err != nil {
			return session.TransportClosed{}
		}
	case session.SendBatch:
		return session.BatchSent{Err: c.writeBatch(e)}
	case session.Authorize:
		c.spawn(func(ctx context.Context) func() session.Event {
			attachment, err := s.source.Attach(ctx, e.UAID, s.nodeID)
			if err != nil {
				return func() session.Event {
					logger.ErrorF("[%s] Fail to authorize hello, details: %v", c.tag(), err)
					return session.AuthorizeFailed{Err: err}
				}
			}
			delta := s.dispatcher.Broadcasts(e.Broadcasts)
			return func() session.Event {
				c.attach(attachment.UAID, attachment.ConnectedAt)
				logger.InfoF("[%s] Hello accepted, %d channels, reused=%v", c.tag(), len(attachment.Channels), attachment.Reused)
				if missing := unknownChannels(e.Channels, attachment.Channels); len(missing) > 0 {
					logger.DebugF("[%s] Hello listed %d channels storage does not know: %v", c.tag(), len(missing), missing)
				}
				return session.Authorized{UAID: attachment.UAID, Channels: attachment.Channels, Broadcasts: delta}
			}
		})
	case session.Fetch:
		uaid := c.uaid
		c.spawn(func(ctx context.Context) func() session.Event {
			batch, err := s.dispatcher.Next(ctx, uaid, e.Channels, e.Known)
			if err != nil {
				return func() session.Event {
					logger.WarnF("[%s] Fail to fetch notifications, details: %v", c.tag(), err)
					return session.WorkFailed{Err: err}
				}
			}
			return func() session.Event {
				if batch.Empty() {
					logger.DebugF("[%s] Nothing pending", c.tag())
				}
				return session.WorkReady{Broadcasts: batch.Broadcasts, Notifications: batch.Notifications, More: batch.More}
			}
		})
	case session.PersistAcks:
		uaid := c.uaid
		c.spawn(func(ctx context.Context) func() session.Event {
			var errs []error
			for _, key := range e.Acks {
				if err := s.source.MarkAcknowledged(ctx, uaid, key.ChannelID, key.Version); err != nil {
					errs = append(errs, err)
				}
			}
			err := errors.Join(errs...)
			return func() session.Event {
				if err != nil {
					logger.WarnF("[%s] Fail to record acknowledgments, details: %v", c.tag(), err)
				}
				return session.AcksPersisted{Acks: e.Acks, Err: err}
			}
		})
	case session.RegisterChannel:
		uaid := c.uaid
		c.spawn(func(ctx context.Context) func() session.Event {
			if err := s.source.AddChannel(ctx, uaid, e.ChannelID, e.Key); err != nil {
				return func() session.Event {
					logger.ErrorF("[%s] Fail to register channel %s, details: %v", c.tag(), e.ChannelID, err)
					return session.RegisterFailed{ChannelID: e.ChannelID, Status: protocol.StatusServerError}
				}
			}
			return func() session.Event {
				return session.ChannelRegistered{ChannelID: e.ChannelID, Endpoint: endpointFor(s.config.App.EndpointURL, uaid, e.ChannelID)}
			}
		})
	case session.UnregisterChannel:
		uaid := c.uaid
		c.spawn(func(ctx context.Context) func() session.Event {
			status := protocol.StatusOK
			if _, err := s.source.RemoveChannel(ctx, uaid, e.ChannelID); err != nil {
				status = protocol.StatusServerError
			}
			return func() session.Event {
				return session.ChannelUnregistered{ChannelID: e.ChannelID, Status: status}
			}
		})
	case session.SubscribeBroadcasts:
		return session.BroadcastChanged{Delta: s.dispatcher.Broadcasts(e.Topics)}
	case session.FlushAcks:
		uaid := c.uaid
		logger.DebugF("[%s] Flush %d unconfirmed acknowledgments", c.tag(), len(e.Acks))
		s.detach(func(ctx context.Context) error {
			var errs []error
			for _, key := range e.Acks {
				if err := s.source.MarkAcknowledged(ctx, uaid, key.ChannelID, key.Version); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		})
	case session.Requeue:
		logger.DebugF("[%s] Requeue %d undelivered notifications", c.tag(), len(e.Entries))
		s.detach(func(ctx context.Context) error {
			return s.source.Requeue(ctx, e.Entries)
		})
	case session.Close:
		c.teardown(e.Code, e.Reason)
		return session.Finished{}
	}
	return nil
}

// spawn runs task off the serve loop. The returned closure runs on the
// serve loop, unless the connection is gone by then.
func (c *ConnectionHandler) spawn(task func(ctx context.Context) func() session.Event) {
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		result := task(c.ctx)
		select {
		case c.results <- result:
		case <-c.done:
		}
	}()
}

func (c *ConnectionHandler) attach(uaid string, connectedAt int64) {
	c.uaid = uaid
	c.connectedAt = connectedAt
	evicted, replaced := c.server.registry.Register(uaid, c)
	c.registered = true
	if replaced {
		logger.InfoF("[%s] Identity reused, evicting previous connection", c.tag())
		evicted.Evict()
	}
}

func (c *ConnectionHandler) write(msg protocol.ServerMessage) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		logger.ErrorF("[%s] Fail to encode %s frame, details: %v", c.tag(), msg.Type(), err)
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.server.writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		if !isNetClosedError(err) {
			logger.WarnF("[%s] Fail to send %s frame, details: %v", c.tag(), msg.Type(), err)
		}
		return err
	}
	logger.DebugF("[%s] Send %s frame, %d bytes", c.tag(), msg.Type(), len(data))
	return nil
}

func (c *ConnectionHandler) writeBatch(batch session.SendBatch) error {
	if !batch.Broadcasts.Empty() {
		if err := c.write(protocol.BroadcastMessage{Broadcasts: batch.Broadcasts}); err != nil {
			return err
		}
	}
	for _, n := range batch.Notifications {
		msg := protocol.NotificationMessage{
			ChannelID: n.ChannelID,
			Version:   n.Version,
			TTL:       n.TTL,
			Data:      n.Data,
			Headers:   n.Headers,
		}
		if err := c.write(msg); err != nil {
			return err
		}
	}
	return nil
}

// teardown releases everything the connection holds. It runs once.
func (c *ConnectionHandler) teardown(code int, reason string) {
	c.teardownOnce.Do(func() {
		close(c.done)
		c.cancel()
		s := c.server
		if c.registered {
			s.registry.Unregister(c.uaid, c)
		}

		c.inboxMu.Lock()
		c.closed = true
		c.inboxMu.Unlock()
		var leftovers []database.Notification
	drain:
		for {
			select {
			case n := <-c.inbox:
				leftovers = append(leftovers, n)
			default:
				break drain
			}
		}
		if len(leftovers) > 0 {
			s.detach(func(ctx context.Context) error {
				return s.source.Requeue(ctx, leftovers)
			})
		}
		if c.registered {
			uaid, connectedAt := c.uaid, c.connectedAt
			s.detach(func(ctx context.Context) error {
				return s.source.ReleaseDevice(ctx, uaid, s.nodeID, connectedAt)
			})
		}

		deadline := time.Now().Add(s.writeTimeout)
		if err := c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil && !isNetClosedError(err) {
			logger.DebugF("[%s] Fail to send close frame, details: %v", c.tag(), err)
		}
		if err := c.ws.Close(); err != nil && !isNetClosedError(err) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", c.tag(), err)
		}
		logger.InfoF("[%s] Connection closing with code %d %s", c.tag(), code, reason)
	})
}
