package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"courier/api/internal/feed"
	"courier/api/internal/livesync"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	liveWriteWait  = 10 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = 50 * time.Second
	liveReadLimit  = 32 << 10

	// Inserts that commit out of timestamp order land at most this far behind
	// the newest message seen before a feed loss.
	liveReconcileOverlap = 2 * time.Second
)

// OpenLive starts a live view of chatID for viewerID. The caller must Close it.
func (s *Service) OpenLive(ctx context.Context, viewerID, chatID string) (*livesync.Engine, error) {
	if s.feed == nil {
		return nil, domainError(http.StatusServiceUnavailable, "FEED_UNAVAILABLE", "Live updates are not configured", nil)
	}
	if _, err := s.store.GetChat(ctx, chatID, viewerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Chat not found")
		}
		return nil, err
	}
	return livesync.Open(ctx, s.feed, s, viewerID, chatID, livesync.Options{
		Backoff:          feed.Backoff{Min: s.cfg.LiveReconnectMin, Max: s.cfg.LiveReconnectMax},
		ReconcileOverlap: liveReconcileOverlap,
		Logger:           s.logger,
	}), nil
}

// liveFrame is a server-to-client frame: snapshot, messages, state, sent, or error.
type liveFrame struct {
	Type     string        `json:"type"`
	State    string        `json:"state,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Messages []MessageView `json:"messages,omitempty"`
	Message  *MessageView  `json:"message,omitempty"`
	ClientID string        `json:"clientId,omitempty"`
	Code     string        `json:"code,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// clientFrame is a client-to-server frame. Only "send" is understood.
type clientFrame struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	ClientID string `json:"clientId"`
}

func updateFrame(update livesync.Update) liveFrame {
	switch update.Kind {
	case livesync.UpdateSnapshot:
		return liveFrame{Type: "snapshot", State: update.State.String(), Messages: messageViews(update.Messages)}
	case livesync.UpdateMessages:
		return liveFrame{Type: "messages", Messages: messageViews(update.Messages)}
	default:
		frame := liveFrame{Type: "state", State: update.State.String()}
		if update.Err != nil {
			frame.Reason = liveReason(update.Err)
		}
		return frame
	}
}

func liveReason(err error) string {
	switch {
	case errors.Is(err, feed.ErrSlowConsumer):
		return "fell_behind"
	case livesync.IsFeedLoss(err):
		return "feed_unavailable"
	default:
		return "history_unavailable"
	}
}

func (s *HTTPServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.corsOrigin == "*" || strings.EqualFold(origin, s.corsOrigin)
}

func (s *HTTPServer) handleLive(w http.ResponseWriter, r *http.Request, chatID string) {
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, CodeUnauthenticated, "Not signed in", nil)
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	engine, err := s.service.OpenLive(ctx, session.UserID, chatID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	defer engine.Close()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Info("live upgrade failed", zap.String("chat_id", chatID), zap.Error(err))
		return
	}
	defer conn.Close()

	s.serveLive(ctx, cancel, conn, engine, session, chatID)
}

// serveLive pumps engine updates to conn and client frames into SendMessage
// until either side goes away.
func (s *HTTPServer) serveLive(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, engine *livesync.Engine, session Session, chatID string) {
	logger := s.logger.With(zap.String("chat_id", chatID), zap.String("user_id", session.UserID))

	var writeMu sync.Mutex
	write := func(frame liveFrame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
		return conn.WriteJSON(frame)
	}

	conn.SetReadLimit(liveReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(livePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(livePongWait))
	})

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			var in clientFrame
			if err := conn.ReadJSON(&in); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug("live read ended", zap.Error(err))
				}
				return
			}
			if in.Type != "send" {
				_ = write(liveFrame{Type: "error", ClientID: in.ClientID, Code: CodeInvalidArgument, Error: "Unknown frame type"})
				continue
			}
			msg, err := s.service.SendMessage(ctx, session.UserID, chatID, in.Content)
			if err != nil {
				status, code, message, _ := mapError(err)
				if status >= http.StatusInternalServerError {
					logger.Error("live send failed", zap.Error(err))
				}
				_ = write(liveFrame{Type: "error", ClientID: in.ClientID, Code: code, Error: message})
				continue
			}
			view := messageView(msg)
			_ = write(liveFrame{Type: "sent", ClientID: in.ClientID, Message: &view})
		}
	}()

	ticker := time.NewTicker(livePingPeriod)
	defer ticker.Stop()
	defer func() {
		cancel()
		_ = conn.Close()
		<-readerDone
	}()

	for {
		select {
		case <-readerDone:
			return
		case <-ticker.C:
			writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteWait))
			writeMu.Unlock()
			if err != nil {
				return
			}
		case update, ok := <-engine.Updates():
			if !ok {
				return
			}
			if err := write(updateFrame(update)); err != nil {
				logger.Debug("live write failed", zap.Error(err))
				return
			}
		}
	}
}
