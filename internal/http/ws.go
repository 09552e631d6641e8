package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ambulance-dispatch/internal/assignment"
	"github.com/example/ambulance-dispatch/internal/dispatch"
	"github.com/example/ambulance-dispatch/internal/models"
)

const (
	wsReadLimit = 4096
	pongWait    = 60 * time.Second
	pingPeriod  = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

// inbound is a message a client sends over its socket.
type inbound struct {
	Type   string              `json:"type"`
	Status models.DriverStatus `json:"status"`
}

func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.serveWS(w, r, dispatch.DriverKey(id), func(ctx context.Context, sess *dispatch.WSSession, msg inbound) {
		if msg.Type != "status_update" {
			return
		}
		if _, err := s.Engine.SetDriverStatus(ctx, id, msg.Status); err != nil {
			ev := dispatch.Event{Type: dispatch.EventError, DriverID: id, Code: assignment.Code(err), Message: err.Error()}
			if err := sess.Send(ctx, ev); err != nil {
				s.logger.Warn("ws error reply failed", "driver_id", id, "error", err)
			}
		}
	})
}

// handleUserWS is receive-only: inbound frames are read to keep the
// connection alive and then dropped.
func (s *Server) handleUserWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, dispatch.UserKey(mux.Vars(r)["id"]), nil)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, recipient string, onMessage func(context.Context, *dispatch.WSSession, inbound)) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "recipient", recipient, "error", err)
		return
	}
	sess := s.WSReg.Add(recipient, conn)
	s.logger.Info("ws connected", "recipient", recipient, "session_id", sess.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		s.WSReg.Remove(recipient, sess)
		s.logger.Info("ws disconnected", "recipient", recipient, "session_id", sess.ID)
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
	go s.keepAlive(ctx, sess)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("ws read ended", "recipient", recipient, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if onMessage == nil {
			continue
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = sess.Send(ctx, dispatch.Event{Type: dispatch.EventError, Code: "INVALID_REQUEST", Message: "malformed message"})
			continue
		}
		onMessage(ctx, sess, msg)
	}
}

func (s *Server) keepAlive(ctx context.Context, sess *dispatch.WSSession) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := sess.Ping(); err != nil {
				return
			}
		}
	}
}
