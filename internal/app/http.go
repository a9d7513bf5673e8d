package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"courier/api/internal/auth"
	"courier/api/internal/avatars"
	"courier/api/internal/session"
	"courier/api/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
			"feed":     map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		// A disconnected feed degrades live views but never blocks readiness.
		if !s.service.FeedAvailable() {
			checks["feed"] = map[string]any{"status": "unavailable"}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		var body SignUpInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.SignUp(r.Context(), body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Email, body.Password)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "user": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "user": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "user": sessionUser(session)})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		current := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				current = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), current, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	parts := splitPath(r.URL.Path)

	// The live endpoint authenticates itself: browsers cannot set headers on a
	// WebSocket handshake, so the token may arrive as a query parameter.
	if r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "api" && parts[1] == "chats" && parts[3] == "live" {
		if !validID(parts[2]) {
			writeError(w, http.StatusNotFound, CodeNotFound, "Chat not found", nil)
			return
		}
		s.handleLive(w, r, canonicalID(parts[2]))
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		query := r.URL.Query()
		limit, ok := queryInt(w, query.Get("limit"), "limit")
		if !ok {
			return
		}
		offset, ok := queryInt(w, query.Get("offset"), "offset")
		if !ok {
			return
		}
		chatID := canonicalID(query.Get("chatId"))
		if chatID != "" && !validID(chatID) {
			writeError(w, http.StatusUnprocessableEntity, CodeInvalidArgument, "chatId must be a UUID", nil)
			return
		}
		payload, err := s.service.SearchMessages(r.Context(), session.UserID, query.Get("q"), chatID, limit, offset)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "profiles" {
		s.handleProfiles(w, r, session, parts)
		return
	}

	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "chats" {
		s.handleChats(w, r, session, parts)
		return
	}

	writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

func (s *HTTPServer) handleProfiles(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 2 && r.Method == http.MethodGet {
		limit, ok := queryInt(w, r.URL.Query().Get("limit"), "limit")
		if !ok {
			return
		}
		items, err := s.service.SearchProfiles(r.Context(), session.UserID, r.URL.Query().Get("q"), limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}

	if len(parts) == 3 && parts[2] == "me" {
		switch r.Method {
		case http.MethodGet:
			profile, err := s.service.GetProfile(r.Context(), session.UserID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, profile)
		case http.MethodPut:
			var body ProfileUpdateInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			profile, err := s.service.UpdateMyProfile(r.Context(), session.UserID, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, profile)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 4 && parts[2] == "me" && parts[3] == "avatar" && r.Method == http.MethodPost {
		data, err := readUpload(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		profile, err := s.service.SetMyAvatar(r.Context(), session.UserID, data)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
		return
	}

	if len(parts) == 3 && r.Method == http.MethodGet {
		if !validID(parts[2]) {
			writeError(w, http.StatusNotFound, CodeNotFound, "Profile not found", nil)
			return
		}
		profile, err := s.service.GetProfile(r.Context(), canonicalID(parts[2]))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
		return
	}

	writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

func (s *HTTPServer) handleChats(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 2 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		items, err := s.service.ListConversations(r.Context(), session.UserID, r.URL.Query().Get("sort"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}

	if len(parts) == 3 && parts[2] == "direct" && r.Method == http.MethodPost {
		var body struct {
			OtherID string `json:"otherId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		otherID := strings.TrimSpace(body.OtherID)
		if otherID != "" && !validID(otherID) {
			writeError(w, http.StatusUnprocessableEntity, CodeInvalidArgument, "otherId must be a UUID", map[string]string{"otherId": "uuid"})
			return
		}
		chat, created, err := s.service.FindOrCreateDirect(r.Context(), session.UserID, otherID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		view, err := s.service.conversationView(r.Context(), chat, session.UserID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, view)
		return
	}

	if len(parts) == 3 && parts[2] == "group" && r.Method == http.MethodPost {
		var body struct {
			Name      string   `json:"name"`
			MemberIDs []string `json:"memberIds"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if !validIDs(w, body.MemberIDs) {
			return
		}
		chat, err := s.service.CreateGroup(r.Context(), session.UserID, body.MemberIDs, body.Name)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		view, err := s.service.conversationView(r.Context(), chat, session.UserID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, view)
		return
	}

	chatID := canonicalID(parts[2])
	if !validID(chatID) {
		writeError(w, http.StatusNotFound, CodeNotFound, "Chat not found", nil)
		return
	}

	if len(parts) == 3 && r.Method == http.MethodGet {
		view, err := s.service.GetConversation(r.Context(), session.UserID, chatID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	if len(parts) == 4 && parts[3] == "members" {
		switch r.Method {
		case http.MethodGet:
			ids, err := s.service.MembersOf(r.Context(), session.UserID, chatID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			if len(ids) == 0 {
				writeError(w, http.StatusNotFound, CodeNotFound, "Chat not found", nil)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"memberIds": ids})
		case http.MethodPost:
			var body struct {
				MemberIDs []string `json:"memberIds"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if !validIDs(w, body.MemberIDs) {
				return
			}
			added, err := s.service.AddMembers(r.Context(), session.UserID, chatID, body.MemberIDs)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"added": added})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 4 && parts[3] == "avatar" && r.Method == http.MethodPost {
		data, err := readUpload(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.SetGroupAvatar(r.Context(), session.UserID, chatID, data)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	if len(parts) == 4 && parts[3] == "messages" {
		switch r.Method {
		case http.MethodGet:
			var (
				messages []store.Message
				err      error
			)
			if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
				since, parseErr := time.Parse(time.RFC3339Nano, raw)
				if parseErr != nil {
					writeError(w, http.StatusUnprocessableEntity, CodeInvalidArgument, "since must be an RFC 3339 timestamp", nil)
					return
				}
				messages, err = s.service.HistorySince(r.Context(), session.UserID, chatID, since)
			} else {
				messages, err = s.service.History(r.Context(), session.UserID, chatID)
			}
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": messageViews(messages)})
		case http.MethodPost:
			var body struct {
				Content string `json:"content"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			msg, err := s.service.SendMessage(r.Context(), session.UserID, chatID, body.Content)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, messageView(msg))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

// fail maps err onto a response; server errors are logged with the request id.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, CodeUnauthenticated, "Not signed in", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, CodeUnauthenticated, "Not signed in", nil)
			return Session{}, false
		}
		s.logger.Error("session lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeServerError, "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the live endpoint upgrade through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// readUpload returns the raw request body, or the "avatar" part of a multipart
// form. Reads stop one byte past the size limit so oversize uploads are detected.
func readUpload(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	body := io.Reader(r.Body)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(avatars.MaxSize + 1); err != nil {
			return nil, fmt.Errorf("invalid multipart body")
		}
		file, _, err := r.FormFile("avatar")
		if err != nil {
			return nil, fmt.Errorf("avatar part is required")
		}
		defer file.Close()
		body = file
	}
	data, err := io.ReadAll(io.LimitReader(body, avatars.MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	return data, nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil && len(id) == 36
}

// validIDs writes a 422 and returns false when any non-blank id is not a UUID.
func validIDs(w http.ResponseWriter, ids []string) bool {
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" && !validID(id) {
			writeError(w, http.StatusUnprocessableEntity, CodeInvalidArgument, "memberIds must be UUIDs", map[string]string{"memberIds": "uuid"})
			return false
		}
	}
	return true
}

func queryInt(w http.ResponseWriter, raw, name string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		writeError(w, http.StatusUnprocessableEntity, CodeInvalidArgument, name+" must be a non-negative integer", nil)
		return 0, false
	}
	return parsed, true
}

func sessionUser(session Session) map[string]any {
	return map[string]any{
		"id":          session.UserID,
		"username":    session.Username,
		"displayName": session.DisplayName,
	}
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"expiresAt":    session.ExpiresAt,
		"user":         sessionUser(session),
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden, CodeForbidden, "Forbidden", nil
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, CodeConflict, "Conflict", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, session.ErrNotFound):
		return http.StatusUnauthorized, CodeUnauthenticated, "Not signed in", nil
	}
	return http.StatusInternalServerError, CodeServerError, "Server error", nil
}
