package app

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"docflow/api/internal/apperr"
	"docflow/api/internal/collab"
	"docflow/api/internal/presence"
	"docflow/api/internal/rbac"
)

const (
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
	wsPingPeriod  = (wsPongWait * 9) / 10
	wsMaxMessage  = 1 << 20
	wsOutboxDepth = 32
)

// clientMessage is one frame sent by a session client. Type selects which of
// the optional fields is read.
type clientMessage struct {
	Type        string              `json:"type"`
	ID          string              `json:"id,omitempty"`
	Cursor      *presence.Cursor    `json:"cursor,omitempty"`
	Selection   *presence.Selection `json:"selection,omitempty"`
	Typing      bool                `json:"typing,omitempty"`
	Delta       *collab.Delta       `json:"delta,omitempty"`
	BaseVersion *int                `json:"baseVersion,omitempty"`
	Content     *string             `json:"content,omitempty"`
}

type serverMessage struct {
	Type     string           `json:"type"`
	ID       string           `json:"id,omitempty"`
	Snapshot *collab.Snapshot `json:"snapshot,omitempty"`
	Result   any              `json:"result,omitempty"`
	Code     string           `json:"code,omitempty"`
	Error    string           `json:"error,omitempty"`
	Details  any              `json:"details,omitempty"`
}

// handleSession upgrades to a WebSocket carrying the document's event feed.
// The first frame is the session snapshot; document events follow in
// acceptance order. Opening happens before the upgrade so access failures are
// plain HTTP errors.
func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request, caller Caller, documentID string) {
	session, snapshot, err := s.services.Collab.Open(r.Context(), documentID, caller.UserID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.services.Collab.Close(context.Background(), session)
		s.logger.Warn().Err(err).Str("documentId", documentID).Msg("websocket upgrade failed")
		return
	}

	logger := s.logger.With().Str("documentId", documentID).Str("session", session.ID).Logger()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(serverMessage{Type: "snapshot", Snapshot: &snapshot}); err != nil {
		logger.Warn().Err(err).Msg("write session snapshot")
		s.services.Collab.Close(context.Background(), session)
		_ = conn.Close()
		return
	}

	outbox := make(chan serverMessage, wsOutboxDepth)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeSession(conn, session, outbox, done)
	}()
	defer func() {
		close(done)
		s.services.Collab.Close(context.Background(), session)
		wg.Wait()
		_ = conn.Close()
	}()

	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	base := rbac.RequestContext(r.Context())
	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("session read ended")
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		rc := base
		rc.Time = s.now()
		ctx := rbac.WithRequestContext(context.Background(), rc)
		reply := s.dispatch(ctx, session, msg)
		if reply == nil {
			continue
		}
		select {
		case outbox <- *reply:
		case <-done:
		}
	}
}

func (s *HTTPServer) dispatch(ctx context.Context, session *collab.Session, msg clientMessage) (reply *serverMessage) {
	var (
		result any
		err    error
	)
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error().Interface("panic", rec).Str("type", msg.Type).Str("session", session.ID).Msg("session message panicked")
			reply = &serverMessage{Type: "error", ID: msg.ID, Code: "SERVER_ERROR", Error: "Server error"}
		}
	}()
	switch msg.Type {
	case "cursor":
		if msg.Cursor == nil {
			err = apperr.New(apperr.ErrValidation, "cursor is required")
			break
		}
		err = s.services.Collab.Cursor(session, *msg.Cursor)
	case "selection":
		err = s.services.Collab.Selection(session, msg.Selection)
	case "typing":
		err = s.services.Collab.Typing(session, msg.Typing)
	case "heartbeat":
		err = s.services.Collab.Heartbeat(session)
	case "edit":
		if msg.Delta == nil {
			err = apperr.New(apperr.ErrValidation, "delta is required")
			break
		}
		result, err = s.services.Collab.ApplyEdit(ctx, session, *msg.Delta)
	case "rebase":
		if msg.BaseVersion == nil || msg.Content == nil {
			err = apperr.New(apperr.ErrValidation, "baseVersion and content are required")
			break
		}
		result, err = s.services.Collab.Rebase(ctx, session, *msg.BaseVersion, *msg.Content)
	case "reload":
		result, err = s.services.Collab.Reload(ctx, session)
	default:
		err = apperr.Newf(apperr.ErrValidation, "unknown message type %q", msg.Type)
	}

	if err != nil {
		_, code, message, details := mapError(err)
		return &serverMessage{Type: "error", ID: msg.ID, Code: code, Error: message, Details: details}
	}
	if result == nil && msg.ID == "" {
		return nil
	}
	return &serverMessage{Type: "ack", ID: msg.ID, Result: result}
}

// writeSession owns every write on conn.
func (s *HTTPServer) writeSession(conn *websocket.Conn, session *collab.Session, outbox <-chan serverMessage, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-outbox:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				_ = conn.Close()
				return
			}
		case event, ok := <-session.Events:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "session ended"))
				_ = conn.Close()
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		case <-done:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
