package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/sparebook/callkit/internal/api"
	"github.com/sparebook/callkit/internal/call"
	"github.com/sparebook/callkit/internal/session"
	"github.com/sparebook/callkit/internal/sockets"
)

const clientPingInterval = 30 * time.Second

func (s *Server) setupClientSockets() {
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	s.app.Get("/ws/client/:userID", websocket.New(func(c *websocket.Conn) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic in /ws/client", "error", err)
			}
		}()

		userID := c.Params("userID")
		if userID == "" {
			return
		}

		soc := sockets.NewSocket(c)
		if !s.checkClientAdmission(soc, userID) {
			return
		}

		s.listenClientSocket(c, userID)
	}))
}

// checkClientAdmission runs the credential handshake: auth:request,
// auth, then init with the peer connection bootstrap. With no
// configured credential the auth round trip is skipped.
func (s *Server) checkClientAdmission(soc sockets.Socket, userID string) bool {
	if s.cfg.Server.ClientCredential != nil {
		if err := soc.WriteJSON(api.ClientMessage{Event: api.ClientMessageEventAuthRequest}); err != nil {
			return false
		}

		var message api.ClientMessage
		if err := soc.ReadJSON(&message); err != nil {
			slog.Debug("client disconnected during auth", "userID", userID)
			return false
		}
		if message.Event != api.ClientMessageEventAuth || message.Auth == nil ||
			!s.CheckClientCredential(message.Auth.Credential) {

			accessMessage := "Forbidden. Incorrect credential"
			_ = soc.WriteJSON(api.ClientMessage{
				Event:         api.ClientMessageEventAuthFailed,
				AccessMessage: &accessMessage,
			})
			slog.Warn("failed to authorize client", "userID", userID)
			return false
		}
	}

	if err := soc.WriteJSON(api.ClientMessage{
		Event: api.ClientMessageEventInit,
		Init: &api.InitMessage{
			ICEServers:   s.cfg.WebRTC.ICEServers,
			PingInterval: int(clientPingInterval / time.Millisecond),
		},
	}); err != nil {
		slog.Warn("failed to send init", "userID", userID)
		return false
	}
	return true
}

// listenClientSocket runs one client connection: a writer goroutine
// draining the outgoing queue, a ping ticker, ring notifications from
// the manager, and the main read loop dispatching commands. Blocks
// until the client disconnects.
func (s *Server) listenClientSocket(c *websocket.Conn, userID string) {
	id := sockets.ID(userID)
	soc := s.clientSockets.AddSocket(id, c)
	slog.Info("client connected", "userID", userID)

	done := make(chan struct{})
	messages := make(chan api.ClientMessage, 16)
	push := func(msg api.ClientMessage) {
		select {
		case messages <- msg:
		case <-done:
		}
	}

	go func() {
		for {
			select {
			case msg := <-messages:
				if err := soc.WriteJSON(msg); err != nil {
					slog.Debug("failed to send message", "userID", userID, "event", msg.Event)
					return
				}
			case <-done:
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(clientPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				push(api.ClientMessage{
					Event: api.ClientMessageEventPing,
					Ping:  &api.PingMessage{Timestamp: time.Now().Unix()},
				})
			case <-done:
				return
			}
		}
	}()

	cancelIncoming := s.manager.OnIncoming(userID, func(inc call.IncomingCall) {
		push(api.ClientMessage{
			Event: api.ClientMessageEventRing,
			Ring: &api.RingMessage{
				SessionID:  inc.SessionID,
				CallerID:   inc.CallerID,
				CallerName: inc.CallerName,
				Type:       string(inc.Type),
			},
		})
	})

	defer func() {
		cancelIncoming()
		close(done)
		s.clientSockets.CloseSocket(id)
		slog.Info("client disconnected", "userID", userID)
	}()

	var message api.ClientMessage
	for {
		if err := soc.ReadJSON(&message); err != nil {
			return
		}
		s.processClientMessage(userID, message, push)
	}
}

// processClientMessage dispatches one client command. Dialing commands
// run in their own goroutine: media acquisition and store writes can
// suspend for a while and must not stall the read loop.
func (s *Server) processClientMessage(userID string, m api.ClientMessage, push func(api.ClientMessage)) {
	switch m.Event {
	case api.ClientMessageEventPong:
		// keepalive only

	case api.ClientMessageEventStartCall:
		if m.StartCall == nil {
			return
		}
		req := *m.StartCall
		go func() {
			callType, err := session.ParseType(req.Type)
			if err != nil {
				pushError(push, "unknown call type")
				return
			}
			w, err := s.manager.StartCall(context.Background(), userID, req.ReceiverID, callType, session.Metadata{
				CallerName:   req.CallerName,
				ReceiverName: req.ReceiverName,
			})
			if err != nil {
				pushError(push, err.Error())
				return
			}
			s.attachWindow(w, push)
		}()

	case api.ClientMessageEventAccept:
		if m.Call == nil {
			return
		}
		sessionID := m.Call.SessionID
		go func() {
			w, err := s.manager.AcceptCall(context.Background(), sessionID, userID)
			if err != nil {
				pushError(push, err.Error())
				return
			}
			s.attachWindow(w, push)
		}()

	case api.ClientMessageEventReject:
		if m.Call == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.manager.RejectCall(ctx, m.Call.SessionID); err != nil {
			pushError(push, err.Error())
		}

	case api.ClientMessageEventEnd:
		if m.Call == nil {
			return
		}
		if err := s.manager.EndCall(m.Call.SessionID); err != nil {
			pushError(push, err.Error())
		}

	case api.ClientMessageEventMute:
		if m.Call == nil {
			return
		}
		if w, ok := s.manager.Window(m.Call.SessionID); ok {
			w.ToggleMute()
			push(callStateMessage(w, call.Event{State: w.Status(), Duration: w.Duration()}))
		}

	case api.ClientMessageEventCamera:
		if m.Call == nil {
			return
		}
		if w, ok := s.manager.Window(m.Call.SessionID); ok {
			w.ToggleCamera()
			push(callStateMessage(w, call.Event{State: w.Status(), Duration: w.Duration()}))
		}
	}
}

// attachWindow streams the window's state and duration updates to the
// client until the call finishes.
func (s *Server) attachWindow(w *call.Window, push func(api.ClientMessage)) {
	push(callStateMessage(w, call.Event{State: w.Status(), Duration: w.Duration(), Cause: w.Cause()}))

	go func() {
		for {
			select {
			case ev := <-w.Events():
				push(callStateMessage(w, ev))
			case <-w.Done():
				push(callStateMessage(w, call.Event{State: w.Status(), Duration: w.Duration(), Cause: w.Cause()}))
				return
			}
		}
	}()
}

func callStateMessage(w *call.Window, ev call.Event) api.ClientMessage {
	return api.ClientMessage{
		Event: api.ClientMessageEventCallState,
		CallState: &api.CallStateMessage{
			SessionID:       w.SessionID(),
			State:           string(ev.State),
			DurationSeconds: int64(ev.Duration / time.Second),
			Cause:           ev.Cause,
		},
	}
}

func pushError(push func(api.ClientMessage), msg string) {
	push(api.ClientMessage{Event: api.ClientMessageEventError, Error: &msg})
}
