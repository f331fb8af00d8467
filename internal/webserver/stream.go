package webserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zsprackett/agent-relay/internal/db"
	"github.com/zsprackett/agent-relay/internal/events"
	"github.com/zsprackett/agent-relay/internal/registry"
	"github.com/zsprackett/agent-relay/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMsg is an inbound frame from a websocket client. ID, when set, is
// echoed back in the ack or error reply.
type clientMsg struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data"`
}

type replyData struct {
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
	Seq   int64  `json:"seq,omitempty"`
}

type reply struct {
	Event string    `json:"event"` // "ack" or "error"
	Data  replyData `json:"data"`
}

type messageData struct {
	SessionID string `json:"sid"`
	LocalID   string `json:"localId"`
	Content   string `json:"content"`
}

type sessionAliveData struct {
	SessionID string `json:"sid"`
	Time      int64  `json:"time"`
	Thinking  bool   `json:"thinking"`
}

type machineAliveData struct {
	MachineID string `json:"machineId"`
	Time      int64  `json:"time"`
}

func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	q := r.URL.Query()
	scope := registry.Scope(q.Get("clientType"))
	if scope == "" {
		scope = registry.ScopeUser
	}

	wc := newWSConn(s.cfg.SendBuffer, s.cfg.WriteTimeout, s.cfg.PingInterval)
	conn, err := registry.NewConnection(uuid.NewString(), scope, uid, q.Get("sessionId"), q.Get("machineId"), wc)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if conn.Scope == registry.ScopeSession {
		if _, err := s.store.GetSession(r.Context(), nil, uid, conn.SessionID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wc.conn = ws
	s.registry.Register(conn)
	defer func() {
		s.registry.Unregister(conn.ID)
		wc.close()
	}()
	go wc.writePump()
	s.logger.Info("webserver: client connected", "conn", conn.ID, "user", uid, "scope", scope)

	if conn.Scope == registry.ScopeMachine {
		s.presence.MachineAlive(r.Context(), uid, conn.MachineID, time.Now())
	}

	wc.prepareRead()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("webserver: read failed", "conn", conn.ID, "err", err)
			}
			break
		}
		var msg clientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			s.replyError(wc, "", errors.New("malformed frame"))
			continue
		}
		s.handleClientMsg(r, conn, wc, msg)
	}
	s.logger.Info("webserver: client disconnected", "conn", conn.ID, "user", uid)
}

func (s *Server) handleClientMsg(r *http.Request, conn *registry.Connection, wc *wsConn, msg clientMsg) {
	ctx := r.Context()
	switch msg.Type {
	case "message":
		var d messageData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			s.replyError(wc, msg.ID, err)
			return
		}
		if d.SessionID == "" {
			d.SessionID = conn.SessionID
		}
		m, err := s.sessions.AppendMessage(ctx, conn.UserID, d.SessionID,
			session.MessageInput{LocalID: d.LocalID, Content: d.Content}, conn.ID)
		if err != nil {
			if !errors.Is(err, db.ErrNotFound) {
				s.logger.Warn("webserver: append message", "conn", conn.ID, "session", d.SessionID, "err", err)
			}
			s.replyError(wc, msg.ID, err)
			return
		}
		s.reply(wc, reply{Event: "ack", Data: replyData{ID: msg.ID, Seq: m.Seq}})

	case "session-alive":
		var d sessionAliveData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			s.replyError(wc, msg.ID, err)
			return
		}
		if d.SessionID == "" {
			d.SessionID = conn.SessionID
		}
		if err := s.presence.SessionAlive(ctx, conn.UserID, d.SessionID, fromMillis(d.Time), d.Thinking); err != nil {
			s.replyError(wc, msg.ID, err)
		}

	case "machine-alive":
		var d machineAliveData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			s.replyError(wc, msg.ID, err)
			return
		}
		if d.MachineID == "" {
			d.MachineID = conn.MachineID
		}
		if d.MachineID == "" {
			s.replyError(wc, msg.ID, errors.New("machineId required"))
			return
		}
		s.presence.MachineAlive(ctx, conn.UserID, d.MachineID, fromMillis(d.Time))

	case "usage-report":
		s.router.EmitEphemeral(ctx, events.Target{UserID: conn.UserID}, events.TypeUsage,
			msg.Data, events.UserScopedOnly)

	default:
		s.replyError(wc, msg.ID, errors.New("unknown message type: "+msg.Type))
	}
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (s *Server) reply(wc *wsConn, rep reply) {
	b, err := json.Marshal(rep)
	if err != nil {
		return
	}
	wc.Send(b)
}

func (s *Server) replyError(wc *wsConn, id string, err error) {
	msg := err.Error()
	if errors.Is(err, db.ErrNotFound) {
		msg = "not found"
	}
	s.reply(wc, reply{Event: "error", Data: replyData{ID: id, Error: msg}})
}
