package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestRunServerLifecycle(t *testing.T) {
	cfg := ServerConfig{
		Addr:        "127.0.0.1:0",
		WSPath:      "/ws",
		DBPath:      filepath.Join(t.TempDir(), "chatgate.db"),
		JWTSecret:   "test-secret",
		TokenTTL:    time.Hour,
		PresenceTTL: time.Minute,
		LogLevel:    "error",
	}
	handle, err := RunServer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("RunServer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := handle.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
		if err := handle.Wait(); err != nil {
			t.Errorf("Wait: %v", err)
		}
	}()

	base := "http://" + handle.Addr()

	resp, err := http.Post(base+"/signup", "application/json",
		bytes.NewBufferString(`{"username":"alice","password":"hunter22"}`))
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup status %d", resp.StatusCode)
	}

	resp, err = http.Post(base+"/login", "application/json",
		bytes.NewBufferString(`{"username":"alice","password":"hunter22"}`))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	var login struct {
		Token  string `json:"token"`
		UserID int64  `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	resp.Body.Close()
	if login.Token == "" {
		t.Fatalf("empty token")
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+handle.Addr()+"/ws?token="+login.Token, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read connected: %v", err)
	}
	var env struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("bad frame %q: %v", frame, err)
	}
	if env.Event != "connected" {
		t.Fatalf("expected connected event, got %s", env.Event)
	}

	resp, err = http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
}

func TestRunServerRequiresSecret(t *testing.T) {
	cfg := ServerConfig{
		Addr:   "127.0.0.1:0",
		DBPath: filepath.Join(t.TempDir(), "chatgate.db"),
	}
	if _, err := RunServer(context.Background(), cfg); err == nil {
		t.Fatalf("expected error without jwt secret")
	}
}
