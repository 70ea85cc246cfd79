package internal

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"chatgate/internal/auth"
	"chatgate/internal/storage"
)

const (
	authRateLimit  = 10
	authRateWindow = time.Minute
)

// Server bundles the gateway with the HTTP account surface that backs the
// token collaborator: signup/login issue the JWTs the websocket handshake
// verifies.
type Server struct {
	gateway     *Gateway
	store       *storage.Store
	issuer      *auth.Issuer
	verifier    *auth.Verifier
	metrics     *Metrics
	authLimiter *RateLimiter
	tokenTTL    time.Duration
}

func NewServer(gateway *Gateway, store *storage.Store, issuer *auth.Issuer, verifier *auth.Verifier, metrics *Metrics, tokenTTL time.Duration) *Server {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Server{
		gateway:     gateway,
		store:       store,
		issuer:      issuer,
		verifier:    verifier,
		metrics:     metrics,
		authLimiter: NewRateLimiter(authRateLimit, authRateWindow),
		tokenTTL:    tokenTTL,
	}
}

// ServeWS hands the websocket handshake to the gateway.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	s.gateway.ServeWS(w, r)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	UserID    int64     `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) HandleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authLimiter.Allow(clientIP(r)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	username := strings.TrimSpace(req.Username)
	password := strings.TrimSpace(req.Password)
	if username == "" || password == "" {
		writeError(w, http.StatusBadRequest, errors.New("username and password are required"))
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if _, err := s.store.CreateUser(r.Context(), username, hash); err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			writeError(w, http.StatusConflict, errors.New("username already taken"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.IncSignup()
	writeJSON(w, http.StatusCreated, map[string]string{"username": username})
}

func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authLimiter.Allow(clientIP(r)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	username := strings.TrimSpace(req.Username)
	password := strings.TrimSpace(req.Password)
	if username == "" || password == "" {
		writeError(w, http.StatusBadRequest, errors.New("username and password are required"))
		return
	}
	user, err := s.store.GetUserByUsername(r.Context(), username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if user == nil || bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)) != nil {
		s.metrics.IncAuthFailure()
		writeError(w, http.StatusUnauthorized, errors.New("invalid credentials"))
		return
	}

	expiresAt := time.Now().Add(s.tokenTTL)
	token, err := s.issuer.Issue(user.ID, user.Username, s.tokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.IncLogin()
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		Username:  user.Username,
		UserID:    user.ID,
		ExpiresAt: expiresAt,
	})
}

// identity authenticates an HTTP request with the same bearer token the
// websocket handshake uses.
func (s *Server) identity(r *http.Request) (*auth.Claims, error) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return nil, auth.ErrInvalidToken
	}
	return s.verifier.Verify(strings.TrimPrefix(h, "Bearer "))
}

type createRoomRequest struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// HandleRooms creates a room and enrolls the creator as its first member.
func (s *Server) HandleRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, err := s.identity(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, errors.New("invalid token"))
		return
	}
	var req createRoomRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		writeError(w, http.StatusBadRequest, errors.New("room key is required"))
		return
	}
	if err := s.store.CreateRoom(r.Context(), key, strings.TrimSpace(req.Name)); err != nil {
		if errors.Is(err, storage.ErrRoomExists) {
			writeError(w, http.StatusConflict, errors.New("room key already taken"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.store.AddRoomMember(r.Context(), key, claims.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"room": key})
}

// HandleRoomMembership adds (POST) or removes (DELETE) the caller's
// persisted membership in the room named by the ?room query parameter.
// Membership is what the gateway rejoins on connect; the live online set on
// the websocket is separate.
func (s *Server) HandleRoomMembership(w http.ResponseWriter, r *http.Request) {
	claims, err := s.identity(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, errors.New("invalid token"))
		return
	}
	room := r.URL.Query().Get("room")
	if room == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing room"))
		return
	}
	switch r.Method {
	case http.MethodPost:
		if err := s.store.AddRoomMember(r.Context(), room, claims.UserID); err != nil {
			if errors.Is(err, storage.ErrRoomNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	case http.MethodDelete:
		if err := s.store.RemoveRoomMember(r.Context(), room, claims.UserID); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	default:
		methodNotAllowed(w, "POST, DELETE")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"room": room})
}

type historyMessage struct {
	ID      string `json:"id"`
	User    string `json:"user"`
	Content string `json:"content"`
	Ts      int64  `json:"ts"`
}

// HandleRoomHistory returns the newest messages in a room for client
// backfill after connect.
func (s *Server) HandleRoomHistory(w http.ResponseWriter, r *http.Request) {
	if _, err := s.identity(r); err != nil {
		writeError(w, http.StatusUnauthorized, errors.New("invalid token"))
		return
	}
	room := r.URL.Query().Get("room")
	if room == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing room"))
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	msgs, err := s.store.ListRecentMessages(r.Context(), room, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]historyMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, historyMessage{ID: m.ID, User: m.Username, Content: m.Body, Ts: m.CreatedAt.Unix()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"room": room, "messages": out})
}

// HandleOnlineUsers serves the locally-online snapshot for a room. Local
// consistency only; the shared store is the cross-process authority.
func (s *Server) HandleOnlineUsers(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if room == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}
	users := s.gateway.OnlineUsersIn(room)
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"room": room, "users": users})
}

func (s *Server) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.metrics.ActiveConns(),
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
