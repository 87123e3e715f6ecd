package httpapi

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/duet/internal/protocol"
	"github.com/ent0n29/duet/internal/security"
	"github.com/ent0n29/duet/internal/session"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = 50 * time.Second
	wsMaxMessageSize = 32 * 1024
	wsSendBuffer     = 64
)

var errHandleClosed = errors.New("handle closed")

// wsHandle adapts one websocket connection to the distributor. Send never
// blocks: a full outbound queue counts as a delivery failure and gets the
// handle dropped.
type wsHandle struct {
	id     string
	ch     chan any
	closed chan struct{}
}

func newWSHandle() *wsHandle {
	return &wsHandle{
		id:     uuid.NewString(),
		ch:     make(chan any, wsSendBuffer),
		closed: make(chan struct{}),
	}
}

func (h *wsHandle) ID() string { return h.id }

func (h *wsHandle) Send(event any) error {
	select {
	case <-h.closed:
		return errHandleClosed
	default:
	}
	select {
	case h.ch <- event:
		return nil
	default:
		return errors.New("outbound queue full")
	}
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "missing session_id")
		return
	}
	token := bearerToken(r)
	origin := originOf(r)

	// Auth and admission happen before the upgrade so rejected clients get a
	// plain HTTP status instead of a half-open socket.
	authCtx, err := s.gateway.Connect(token, origin, security.PermObserve)
	if err != nil {
		s.respondMappedError(w, err)
		return
	}

	if _, err := s.orch.Get(sessionID); err != nil {
		s.gateway.Disconnect(authCtx.Identity, origin)
		s.respondMappedError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.gateway.Disconnect(authCtx.Identity, origin)
		s.log.Warn().Err(err).Str("identity", authCtx.Identity).Msg("websocket upgrade failed")
		return
	}

	handle := newWSHandle()
	done := make(chan struct{})
	go s.writePump(conn, handle, done)

	if err := s.orch.RegisterObserver(sessionID, handle); err != nil {
		_ = handle.Send(protocol.ErrorEvent{Type: protocol.TypeError, SessionID: sessionID, Code: "session_not_found", Detail: err.Error()})
		close(handle.closed)
		<-done
		conn.Close()
		s.gateway.Disconnect(authCtx.Identity, origin)
		return
	}

	_ = handle.Send(protocol.ConnectionEstablished{
		Type:      protocol.TypeConnectionEstablished,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	})
	s.orch.PublishUserAction(sessionID, authCtx.Identity, "joined")

	s.readPump(r, conn, handle, sessionID, authCtx, origin)

	s.orch.UnregisterObserver(sessionID, handle.ID())
	s.orch.PublishUserAction(sessionID, authCtx.Identity, "left")
	close(handle.closed)
	<-done
	conn.Close()
	s.gateway.Disconnect(authCtx.Identity, origin)
}

func (s *Server) writePump(conn *websocket.Conn, handle *wsHandle, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-handle.ch:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if t, ok := protocol.TypeOf(ev); ok {
				s.metrics.WSMessages.WithLabelValues("out", string(t)).Inc()
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-handle.closed:
			// Drain whatever the distributor managed to queue.
			for {
				select {
				case ev := <-handle.ch:
					conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
					if conn.WriteJSON(ev) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Server) readPump(r *http.Request, conn *websocket.Conn, handle *wsHandle, sessionID string, authCtx *security.AuthContext, origin string) {
	conn.SetReadLimit(wsMaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Str("session_id", sessionID).Msg("websocket closed")
			}
			return
		}

		msg, err := protocol.ParseClientMessage(raw)
		if err != nil {
			_ = handle.Send(protocol.ErrorEvent{Type: protocol.TypeError, SessionID: sessionID, Code: "invalid_message", Detail: err.Error()})
			continue
		}
		if t, ok := protocol.TypeOf(msg); ok {
			s.metrics.WSMessages.WithLabelValues("in", string(t)).Inc()
		}

		switch m := msg.(type) {
		case protocol.Ping:
			_ = handle.Send(protocol.Pong{Type: protocol.TypePong})

		case protocol.UserMessage:
			if !authCtx.Has(security.PermSend) {
				_ = handle.Send(protocol.ErrorEvent{Type: protocol.TypeError, SessionID: sessionID, Code: "forbidden", Detail: "token lacks send permission"})
				continue
			}
			if err := s.gateway.AllowMessage(authCtx.Identity, origin); err != nil {
				_ = handle.Send(protocol.ErrorEvent{Type: protocol.TypeError, SessionID: sessionID, Code: "rate_limited", Detail: err.Error()})
				continue
			}
			if _, err := s.orch.SubmitMessage(r.Context(), sessionID, authCtx.Identity, m.Content); err != nil {
				_, code := classify(err)
				_ = handle.Send(protocol.ErrorEvent{Type: protocol.TypeError, SessionID: sessionID, Code: code, Detail: err.Error()})
				if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrExpired) {
					return
				}
			}
		}
	}
}

func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func originOf(r *http.Request) string {
	if o := r.Header.Get("Origin"); o != "" {
		return o
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
