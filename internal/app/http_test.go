package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"courier/api/internal/authpw"
	"courier/api/internal/store"
	"github.com/google/uuid"
)

const (
	userAvery = "5b1f4a44-0d3c-4a8e-9a57-3c2d7b9b0a01"
	userBlake = "5b1f4a44-0d3c-4a8e-9a57-3c2d7b9b0a02"
	userCasey = "5b1f4a44-0d3c-4a8e-9a57-3c2d7b9b0a03"
)

type httpFixture struct {
	fs     *fakeStore
	svc    *Service
	server *HTTPServer
}

func newHTTPFixture() *httpFixture {
	fs := newFakeStore()
	fs.addProfile(userAvery, "avery", "Avery")
	fs.addProfile(userBlake, "blake", "Blake")
	fs.addProfile(userCasey, "casey", "Casey")
	svc := newTestService(fs)
	return &httpFixture{fs: fs, svc: svc, server: NewHTTPServer(svc, "*", nil)}
}

func (f *httpFixture) do(t *testing.T, method, path, userID, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, f.svc, userID))
	}
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, req)

	payload := map[string]any{}
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, payload
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d body=%s", status, rr.Code, rr.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newHTTPFixture()
	rr, payload := f.do(t, http.MethodGet, "/api/health", "", "")
	expectStatus(t, rr, http.StatusOK)
	if payload["ok"] != true {
		t.Fatalf("expected ok=true, got %v", payload)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected CORS origin *, got %q", got)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a request id header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	f := newHTTPFixture()
	rr, payload := f.do(t, http.MethodGet, "/api/ready", "", "")
	expectStatus(t, rr, http.StatusOK)
	if payload["status"] != "ready" {
		t.Fatalf("expected ready, got %v", payload)
	}

	f.fs.pingFn = func(context.Context) error { return errors.New("connection refused") }
	rr, payload = f.do(t, http.MethodGet, "/api/ready", "", "")
	expectStatus(t, rr, http.StatusServiceUnavailable)
	if payload["status"] != "not_ready" {
		t.Fatalf("expected not_ready, got %v", payload)
	}
}

func TestOptionsRequestShortCircuits(t *testing.T) {
	f := newHTTPFixture()
	rr, _ := f.do(t, http.MethodOptions, "/api/chats", "", "")
	expectStatus(t, rr, http.StatusNoContent)
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	f := newHTTPFixture()

	rr, payload := f.do(t, http.MethodGet, "/api/chats", "", "")
	expectStatus(t, rr, http.StatusUnauthorized)
	if payload["code"] != CodeUnauthenticated {
		t.Fatalf("expected UNAUTHENTICATED, got %v", payload)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusUnauthorized)
}

func TestSignUpReturnsSession(t *testing.T) {
	f := newHTTPFixture()
	newID := uuid.NewString()
	f.svc.credentials = &fakeCredentials{
		signUpFn: func(_ context.Context, req authpw.SignUpRequest) (store.Profile, error) {
			return f.fs.addProfile(newID, req.Username, req.DisplayName), nil
		},
	}

	rr, payload := f.do(t, http.MethodPost, "/api/auth/signup", "", `{"email":"drew@example.com","password":"hunter22!","username":"drew","displayName":"Drew"}`)
	expectStatus(t, rr, http.StatusCreated)
	token, _ := payload["token"].(string)
	if token == "" || payload["refreshToken"] == "" {
		t.Fatalf("expected tokens, got %v", payload)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	var session map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("parse session: %v", err)
	}
	user, _ := session["user"].(map[string]any)
	if session["authenticated"] != true || user["id"] != newID {
		t.Fatalf("expected authenticated session for %s, got %v", newID, session)
	}
}

func TestSignUpRejectsMalformedBody(t *testing.T) {
	f := newHTTPFixture()
	rr, payload := f.do(t, http.MethodPost, "/api/auth/signup", "", `{"email":`)
	expectStatus(t, rr, http.StatusBadRequest)
	if payload["code"] != "INVALID_BODY" {
		t.Fatalf("expected INVALID_BODY, got %v", payload)
	}
}

func TestDirectChatRoutes(t *testing.T) {
	f := newHTTPFixture()

	rr, created := f.do(t, http.MethodPost, "/api/chats/direct", userAvery, `{"otherId":"`+userBlake+`"}`)
	expectStatus(t, rr, http.StatusCreated)
	chatID, _ := created["id"].(string)
	if chatID == "" || created["name"] != "Blake" || created["type"] != "direct" {
		t.Fatalf("unexpected direct chat payload: %v", created)
	}

	rr, again := f.do(t, http.MethodPost, "/api/chats/direct", userBlake, `{"otherId":"`+userAvery+`"}`)
	expectStatus(t, rr, http.StatusOK)
	if again["id"] != chatID || again["name"] != "Avery" {
		t.Fatalf("expected the same chat seen by Blake, got %v", again)
	}

	rr, _ = f.do(t, http.MethodPost, "/api/chats/direct", userAvery, `{"otherId":"not-a-uuid"}`)
	expectStatus(t, rr, http.StatusUnprocessableEntity)

	rr, _ = f.do(t, http.MethodPost, "/api/chats/direct", userAvery, `{"otherId":"`+uuid.NewString()+`"}`)
	expectStatus(t, rr, http.StatusNotFound)

	rr, _ = f.do(t, http.MethodGet, "/api/chats/"+chatID, userCasey, "")
	expectStatus(t, rr, http.StatusNotFound)

	rr, _ = f.do(t, http.MethodGet, "/api/chats/not-a-uuid", userAvery, "")
	expectStatus(t, rr, http.StatusNotFound)
}

func TestMessageRoutes(t *testing.T) {
	f := newHTTPFixture()
	chat, _, err := f.svc.FindOrCreateDirect(context.Background(), userAvery, userBlake)
	if err != nil {
		t.Fatalf("FindOrCreateDirect: %v", err)
	}
	path := "/api/chats/" + chat.ID + "/messages"

	rr, payload := f.do(t, http.MethodPost, path, userAvery, `{"content":"   "}`)
	expectStatus(t, rr, http.StatusUnprocessableEntity)
	if payload["code"] != CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", payload)
	}

	rr, _ = f.do(t, http.MethodPost, path, userCasey, `{"content":"hi"}`)
	expectStatus(t, rr, http.StatusForbidden)

	rr, sent := f.do(t, http.MethodPost, path, userAvery, `{"content":"hello"}`)
	expectStatus(t, rr, http.StatusCreated)
	if sent["content"] != "hello" || sent["senderId"] != userAvery || sent["senderDisplayName"] != "Avery" {
		t.Fatalf("unexpected message payload: %v", sent)
	}

	rr, history := f.do(t, http.MethodGet, path, userBlake, "")
	expectStatus(t, rr, http.StatusOK)
	items, _ := history["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected 1 message, got %v", history)
	}

	rr, hidden := f.do(t, http.MethodGet, path, userCasey, "")
	expectStatus(t, rr, http.StatusOK)
	if items, _ := hidden["items"].([]any); len(items) != 0 {
		t.Fatalf("expected no messages for a non-member, got %v", hidden)
	}

	rr, _ = f.do(t, http.MethodGet, path+"?since=yesterday", userBlake, "")
	expectStatus(t, rr, http.StatusUnprocessableEntity)

	rr, inbox := f.do(t, http.MethodGet, "/api/chats", userBlake, "")
	expectStatus(t, rr, http.StatusOK)
	entries, _ := inbox["items"].([]any)
	if len(entries) != 1 {
		t.Fatalf("expected 1 inbox entry, got %v", inbox)
	}
	last, _ := entries[0].(map[string]any)["lastMessage"].(map[string]any)
	if last["content"] != "hello" {
		t.Fatalf("expected last message hello, got %v", entries[0])
	}
}

func TestGroupRoutes(t *testing.T) {
	f := newHTTPFixture()

	rr, _ := f.do(t, http.MethodPost, "/api/chats/group", userAvery, `{"name":"Team","memberIds":[]}`)
	expectStatus(t, rr, http.StatusUnprocessableEntity)

	rr, _ = f.do(t, http.MethodPost, "/api/chats/group", userAvery, `{"name":"Team","memberIds":["bogus"]}`)
	expectStatus(t, rr, http.StatusUnprocessableEntity)

	rr, group := f.do(t, http.MethodPost, "/api/chats/group", userAvery, `{"memberIds":["`+userBlake+`"]}`)
	expectStatus(t, rr, http.StatusCreated)
	if group["name"] != GroupPlaceholder || group["role"] != "creator" {
		t.Fatalf("unexpected group payload: %v", group)
	}
	groupID, _ := group["id"].(string)

	rr, _ = f.do(t, http.MethodPost, "/api/chats/"+groupID+"/members", userBlake, `{"memberIds":["`+userCasey+`"]}`)
	expectStatus(t, rr, http.StatusForbidden)

	rr, added := f.do(t, http.MethodPost, "/api/chats/"+groupID+"/members", userAvery, `{"memberIds":["`+userCasey+`"]}`)
	expectStatus(t, rr, http.StatusOK)
	if ids, _ := added["added"].([]any); len(ids) != 1 {
		t.Fatalf("expected one added member, got %v", added)
	}

	rr, members := f.do(t, http.MethodGet, "/api/chats/"+groupID+"/members", userCasey, "")
	expectStatus(t, rr, http.StatusOK)
	if ids, _ := members["memberIds"].([]any); len(ids) != 3 {
		t.Fatalf("expected three members, got %v", members)
	}

	rr, _ = f.do(t, http.MethodPost, "/api/chats/"+groupID+"/avatar", userAvery, "\x89PNG\r\n\x1a\n0000")
	expectStatus(t, rr, http.StatusServiceUnavailable)
}

func TestProfileRoutes(t *testing.T) {
	f := newHTTPFixture()

	rr, me := f.do(t, http.MethodGet, "/api/profiles/me", userAvery, "")
	expectStatus(t, rr, http.StatusOK)
	if me["username"] != "avery" {
		t.Fatalf("unexpected profile: %v", me)
	}

	rr, _ = f.do(t, http.MethodPut, "/api/profiles/me", userAvery, `{"username":"x"}`)
	expectStatus(t, rr, http.StatusUnprocessableEntity)

	rr, _ = f.do(t, http.MethodPut, "/api/profiles/me", userAvery, `{"username":"blake"}`)
	expectStatus(t, rr, http.StatusConflict)

	rr, updated := f.do(t, http.MethodPut, "/api/profiles/me", userAvery, `{"displayName":"Avery B."}`)
	expectStatus(t, rr, http.StatusOK)
	if updated["displayName"] != "Avery B." || updated["username"] != "avery" {
		t.Fatalf("unexpected update: %v", updated)
	}

	rr, found := f.do(t, http.MethodGet, "/api/profiles?q=bl", userAvery, "")
	expectStatus(t, rr, http.StatusOK)
	if items, _ := found["items"].([]any); len(items) != 1 {
		t.Fatalf("expected one match, got %v", found)
	}

	rr, _ = f.do(t, http.MethodGet, "/api/profiles/"+uuid.NewString(), userAvery, "")
	expectStatus(t, rr, http.StatusNotFound)

	rr, _ = f.do(t, http.MethodGet, "/api/profiles/"+userBlake, userAvery, "")
	expectStatus(t, rr, http.StatusOK)
}

func TestSearchRoute(t *testing.T) {
	f := newHTTPFixture()
	index := &fakeSearch{}
	f.svc.search = index

	rr, _ := f.do(t, http.MethodGet, "/api/search?q=hello&limit=abc", userAvery, "")
	expectStatus(t, rr, http.StatusUnprocessableEntity)

	rr, payload := f.do(t, http.MethodGet, "/api/search?q=hello&limit=5", userAvery, "")
	expectStatus(t, rr, http.StatusOK)
	if payload["query"] != "hello" {
		t.Fatalf("unexpected search payload: %v", payload)
	}
	if len(index.queries) != 1 || index.queries[0].Limit != 5 {
		t.Fatalf("expected one query with limit 5, got %+v", index.queries)
	}
}

func TestLogoutRevokesBearer(t *testing.T) {
	f := newHTTPFixture()
	token := tokenFor(t, f.svc, userAvery)

	req := httptest.NewRequest(http.MethodPost, "/api/session/logout", bytes.NewBufferString(`{}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusOK)

	req = httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusUnauthorized)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "domain", err: errForbidden("no"), status: http.StatusForbidden, code: CodeForbidden},
		{name: "store forbidden", err: store.ErrForbidden, status: http.StatusForbidden, code: CodeForbidden},
		{name: "store conflict", err: store.ErrConflict, status: http.StatusConflict, code: CodeConflict},
		{name: "other", err: errors.New("boom"), status: http.StatusInternalServerError, code: CodeServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, code, _, _ := mapError(tc.err)
			if status != tc.status || code != tc.code {
				t.Fatalf("expected %d %s, got %d %s", tc.status, tc.code, status, code)
			}
		})
	}
}
