package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	intrnl "chatgate/internal"
	"chatgate/internal/auth"
	"chatgate/internal/bus"
	"chatgate/internal/logger"
	"chatgate/internal/storage"
)

// ServerHandle represents a running gateway process.
type ServerHandle struct {
	addr    string
	server  *http.Server
	store   *storage.Store
	bus     bus.Bus
	gateway *intrnl.Gateway
	done    chan struct{}
	err     error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// tokenVerifier adapts the auth package to the gateway's collaborator shape.
type tokenVerifier struct {
	v *auth.Verifier
}

func (t tokenVerifier) Verify(token string) (*intrnl.Identity, error) {
	claims, err := t.v.Verify(token)
	if err != nil {
		return nil, err
	}
	return &intrnl.Identity{UserID: claims.UserID, Username: claims.Username}, nil
}

// storeAdapter maps the SQLite store's row types onto the gateway's
// collaborator interfaces.
type storeAdapter struct {
	s *storage.Store
}

func (a storeAdapter) RoomExists(ctx context.Context, room string) (bool, error) {
	return a.s.RoomExists(ctx, room)
}

func (a storeAdapter) ListUserRooms(ctx context.Context, userID int64, limit, offset int) ([]string, error) {
	return a.s.ListUserRooms(ctx, userID, limit, offset)
}

func (a storeAdapter) CreateMessage(ctx context.Context, userID int64, room, content string) (*intrnl.Message, error) {
	msg, err := a.s.CreateMessage(ctx, userID, room, content)
	if err != nil {
		return nil, err
	}
	return &intrnl.Message{
		ID:        msg.ID,
		Room:      msg.RoomKey,
		UserID:    msg.UserID,
		Username:  msg.Username,
		Content:   msg.Body,
		CreatedAt: msg.CreatedAt,
	}, nil
}

func (a storeAdapter) AddReaction(ctx context.Context, messageID string, userID int64, emoji string) (*intrnl.Reaction, error) {
	rc, err := a.s.AddReaction(ctx, messageID, userID, emoji)
	if err != nil {
		return nil, err
	}
	return &intrnl.Reaction{MessageID: rc.MessageID, Room: rc.RoomKey, Emoji: rc.Emoji, Count: rc.Count}, nil
}

func (a storeAdapter) IncrementUnread(ctx context.Context, room string, activeUsers []int64) ([]int64, error) {
	return a.s.IncrementUnread(ctx, room, activeUsers)
}

func (a storeAdapter) MarkRead(ctx context.Context, userID int64, room string) error {
	return a.s.MarkRead(ctx, userID, room)
}

func (a storeAdapter) UnreadCount(ctx context.Context, userID int64, room string) (int, error) {
	return a.s.UnreadCount(ctx, userID, room)
}

// RunServer opens the store, connects the shared bus, wires the gateway and
// starts serving in the background. Call Stop/Wait to manage its lifecycle.
func RunServer(ctx context.Context, cfg ServerConfig) (*ServerHandle, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}
	cfg.WSPath = NormalizeWSPath(cfg.WSPath)

	slogger := logger.Setup(logger.ParseLevel(cfg.LogLevel))

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var sharedBus bus.Bus
	if cfg.NATSURL != "" {
		sharedBus, err = bus.ConnectNATS(cfg.NATSURL, "chatgate", cfg.PresenceTTL, slogger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	} else {
		slogger.Warn("no nats url configured, using in-memory bus (single process only)")
		sharedBus = bus.NewMemoryBus()
	}

	metrics := intrnl.NewMetrics()
	authVerifier := auth.NewVerifier([]byte(cfg.JWTSecret), "chatgate")
	verifier := tokenVerifier{v: authVerifier}
	issuer := auth.NewIssuer([]byte(cfg.JWTSecret), "chatgate")

	gateway, err := intrnl.NewGateway(intrnl.GatewayConfig{
		PresenceTTL:        cfg.PresenceTTL,
		ModerationFailOpen: cfg.ModerationFailOpen,
	}, verifier, store, storeAdapter{s: store}, intrnl.BusNotifier{Bus: sharedBus}, sharedBus, metrics, slogger)
	if err != nil {
		sharedBus.Close()
		_ = store.Close()
		return nil, fmt.Errorf("gateway: %w", err)
	}

	server := intrnl.NewServer(gateway, store, issuer, authVerifier, metrics, cfg.TokenTTL)
	mux := http.NewServeMux()
	registerHandlers(mux, cfg.WSPath, server)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		gateway.Close()
		sharedBus.Close()
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	handle := &ServerHandle{
		addr:    listener.Addr().String(),
		server:  httpServer,
		store:   store,
		bus:     sharedBus,
		gateway: gateway,
		done:    make(chan struct{}),
	}

	go func() {
		if ctx == nil {
			return
		}
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server shutdown error: %v", err)
		}
	}()

	go handle.serve(listener)

	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	h.gateway.Close()
	h.bus.Close()
	if cerr := h.store.Close(); cerr != nil {
		log.Printf("store close error: %v", cerr)
	}
	h.err = err
}

func registerHandlers(mux *http.ServeMux, wsPath string, server *intrnl.Server) {
	mux.HandleFunc(wsPath, server.ServeWS)
	mux.HandleFunc("/signup", server.HandleSignup)
	mux.HandleFunc("/login", server.HandleLogin)
	mux.HandleFunc("/rooms", server.HandleRooms)
	mux.HandleFunc("/rooms/membership", server.HandleRoomMembership)
	mux.HandleFunc("/rooms/history", server.HandleRoomHistory)
	mux.HandleFunc("/online", server.HandleOnlineUsers)
	mux.HandleFunc("/healthz", server.HandleHealthz)
	mux.Handle("/metrics", server.MetricsHandler())
}
