package internal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatgate/internal/auth"
	"chatgate/internal/bus"
	"chatgate/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *storage.Store) {
	t.Helper()
	store, err := storage.NewStore("sqlite://file:" + t.Name() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	metrics := NewMetrics()
	g, err := NewGateway(GatewayConfig{}, fakeVerifier{}, &fakeGate{}, newFakeStore(), nil, bus.NewMemoryBus(), metrics, discardLogger())
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	t.Cleanup(g.Close)

	issuer := auth.NewIssuer([]byte("test-secret"), "chatgate")
	verifier := auth.NewVerifier([]byte("test-secret"), "chatgate")
	return NewServer(g, store, issuer, verifier, metrics, time.Hour), store
}

// signupAndLogin registers a user and returns a bearer token for them.
func signupAndLogin(t *testing.T, srv *Server, username string) string {
	t.Helper()
	body := `{"username":"` + username + `","password":"hunter22"}`
	if rec := postJSON(t, srv.HandleSignup, body); rec.Code != http.StatusCreated {
		t.Fatalf("signup status %d: %s", rec.Code, rec.Body)
	}
	rec := postJSON(t, srv.HandleLogin, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status %d: %s", rec.Code, rec.Body)
	}
	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.Token
}

func authedRequest(method, target, token, body string) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func postJSON(t *testing.T, handler http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestSignupAndLogin(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := postJSON(t, srv.HandleSignup, `{"username":"alice","password":"hunter22"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup status %d: %s", rec.Code, rec.Body)
	}

	rec = postJSON(t, srv.HandleSignup, `{"username":"alice","password":"other"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate signup status %d: %s", rec.Code, rec.Body)
	}

	rec = postJSON(t, srv.HandleLogin, `{"username":"alice","password":"hunter22"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status %d: %s", rec.Code, rec.Body)
	}
	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.Token == "" || resp.Username != "alice" || resp.UserID == 0 {
		t.Fatalf("unexpected login response: %+v", resp)
	}

	verifier := auth.NewVerifier([]byte("test-secret"), "chatgate")
	claims, err := verifier.Verify(resp.Token)
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.Username != "alice" || claims.UserID != resp.UserID {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	srv, _ := newTestServer(t)
	if rec := postJSON(t, srv.HandleSignup, `{"username":"alice","password":"hunter22"}`); rec.Code != http.StatusCreated {
		t.Fatalf("signup status %d", rec.Code)
	}

	rec := postJSON(t, srv.HandleLogin, `{"username":"alice","password":"wrong"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body)
	}
	rec = postJSON(t, srv.HandleLogin, `{"username":"ghost","password":"hunter22"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown user, got %d", rec.Code)
	}
}

func TestSignupValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := postJSON(t, srv.HandleSignup, `{"username":"","password":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty credentials, got %d", rec.Code)
	}
	rec = postJSON(t, srv.HandleSignup, `{"bogus":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown fields, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec2 := httptest.NewRecorder()
	srv.HandleSignup(rec2, req)
	if rec2.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", rec2.Code)
	}
}

func TestAuthRateLimit(t *testing.T) {
	srv, _ := newTestServer(t)
	var last int
	for i := 0; i < authRateLimit+1; i++ {
		rec := postJSON(t, srv.HandleLogin, `{"username":"alice","password":"x"}`)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after %d attempts, got %d", authRateLimit+1, last)
	}
}

func TestOnlineUsersEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	addTestSession(srv.gateway, "c1", 1, "alice", "general")

	req := httptest.NewRequest(http.MethodGet, "/online?room=general", nil)
	rec := httptest.NewRecorder()
	srv.HandleOnlineUsers(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Room  string   `json:"room"`
		Users []string `json:"users"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Room != "general" || len(resp.Users) != 1 || resp.Users[0] != "alice" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	req = httptest.NewRequest(http.MethodGet, "/online", nil)
	rec = httptest.NewRecorder()
	srv.HandleOnlineUsers(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without room, got %d", rec.Code)
	}
}

func TestRoomLifecycleEndpoints(t *testing.T) {
	srv, store := newTestServer(t)
	aliceToken := signupAndLogin(t, srv, "alice")
	bobToken := signupAndLogin(t, srv, "bob")

	rec := httptest.NewRecorder()
	srv.HandleRooms(rec, authedRequest(http.MethodPost, "/rooms", aliceToken, `{"key":"general","name":"General"}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create room status %d: %s", rec.Code, rec.Body)
	}
	rec = httptest.NewRecorder()
	srv.HandleRooms(rec, authedRequest(http.MethodPost, "/rooms", aliceToken, `{"key":"general"}`))
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate room status %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	srv.HandleRooms(rec, httptest.NewRequest(http.MethodPost, "/rooms", strings.NewReader(`{"key":"x"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated create status %d", rec.Code)
	}

	// the creator was enrolled; bob joins and later leaves
	rooms, err := store.ListUserRooms(context.Background(), 1, 10, 0)
	if err != nil || len(rooms) != 1 || rooms[0] != "general" {
		t.Fatalf("creator not enrolled: %v err=%v", rooms, err)
	}
	rec = httptest.NewRecorder()
	srv.HandleRoomMembership(rec, authedRequest(http.MethodPost, "/rooms/membership?room=general", bobToken, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("join status %d: %s", rec.Code, rec.Body)
	}
	rec = httptest.NewRecorder()
	srv.HandleRoomMembership(rec, authedRequest(http.MethodPost, "/rooms/membership?room=ghost", bobToken, ""))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("join unknown room status %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	srv.HandleRoomMembership(rec, authedRequest(http.MethodDelete, "/rooms/membership?room=general", bobToken, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("leave status %d: %s", rec.Code, rec.Body)
	}
}

func TestRoomHistoryEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	token := signupAndLogin(t, srv, "alice")

	rec := httptest.NewRecorder()
	srv.HandleRooms(rec, authedRequest(http.MethodPost, "/rooms", token, `{"key":"general"}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create room status %d", rec.Code)
	}
	for _, body := range []string{"first", "second"} {
		if _, err := store.CreateMessage(context.Background(), 1, "general", body); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}

	rec = httptest.NewRecorder()
	srv.HandleRoomHistory(rec, authedRequest(http.MethodGet, "/rooms/history?room=general&limit=1", token, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("history status %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Room     string           `json:"room"`
		Messages []historyMessage `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].Content != "second" || resp.Messages[0].User != "alice" {
		t.Fatalf("unexpected history: %+v", resp)
	}

	rec = httptest.NewRecorder()
	srv.HandleRoomHistory(rec, httptest.NewRequest(http.MethodGet, "/rooms/history?room=general", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated history status %d", rec.Code)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.HandleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}

	srv.metrics.IncMessage()
	rec = httptest.NewRecorder()
	srv.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if payload["messages_total"].(float64) != 1 {
		t.Fatalf("unexpected metrics payload: %v", payload)
	}
}
