package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"

	"chatgate/internal/bus"
)

const (
	defaultPresenceTTL  = 300 * time.Second
	defaultRoomPageSize = 100
	relayDedupeSize     = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// the gateway sits behind its own auth handshake; origin checks are
		// left to the fronting proxy.
		return true
	},
}

// GatewayConfig tunes the per-process gateway.
type GatewayConfig struct {
	// Origin tags events published on the shared bus so a process can filter
	// its own echo. Empty means a random id.
	Origin string
	// PresenceTTL is the lifetime of the shared-store presence record,
	// refreshed on every websocket pong.
	PresenceTTL time.Duration
	// ModerationFailOpen treats a failing moderation collaborator as
	// "not banned, not muted" instead of refusing the operation.
	ModerationFailOpen bool
	// RoomPageSize bounds the persisted room list fetched on connect.
	RoomPageSize int
}

// Gateway owns every per-connection side effect: authentication, the
// connection registry, room presence, typing timers and fan-out. One Gateway
// runs per process; processes coordinate only through the shared bus.
type Gateway struct {
	cfg      GatewayConfig
	log      *slog.Logger
	verifier TokenVerifier
	gate     ModerationGate
	store    MessageStore
	notifier Notifier
	bus      bus.Bus
	metrics  *Metrics

	registry *Registry
	rooms    *RoomPresence

	// mu serializes every room/session mutation and every push onto a
	// session's send channel. Blocking collaborator calls never run under it.
	mu   sync.Mutex
	seen *lru.Cache[string, struct{}]

	subs []bus.Subscription
}

// NewGateway wires the gateway and subscribes to the shared bus relay
// subjects. Call Close to drop the subscriptions.
func NewGateway(cfg GatewayConfig, verifier TokenVerifier, gate ModerationGate, store MessageStore, notifier Notifier, sharedBus bus.Bus, metrics *Metrics, log *slog.Logger) (*Gateway, error) {
	if cfg.Origin == "" {
		cfg.Origin = uuid.NewString()
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = defaultPresenceTTL
	}
	if cfg.RoomPageSize <= 0 {
		cfg.RoomPageSize = defaultRoomPageSize
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	seen, err := lru.New[string, struct{}](relayDedupeSize)
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		cfg:      cfg,
		log:      log,
		verifier: verifier,
		gate:     gate,
		store:    store,
		notifier: notifier,
		bus:      sharedBus,
		metrics:  metrics,
		registry: NewRegistry(),
		rooms:    NewRoomPresence(),
		seen:     seen,
	}
	roomSub, err := sharedBus.Subscribe(roomTopicPattern, g.onRelay)
	if err != nil {
		return nil, fmt.Errorf("subscribe rooms: %w", err)
	}
	g.subs = append(g.subs, roomSub)
	notifySub, err := sharedBus.Subscribe(notifyTopicPattern, g.onNotifyRelay)
	if err != nil {
		roomSub.Unsubscribe()
		return nil, fmt.Errorf("subscribe notify: %w", err)
	}
	g.subs = append(g.subs, notifySub)
	return g, nil
}

// Close drops the bus subscriptions. Live connections are torn down by their
// own read pumps when the HTTP server closes them.
func (g *Gateway) Close() {
	for _, sub := range g.subs {
		_ = sub.Unsubscribe()
	}
}

// Origin returns this process's bus origin tag.
func (g *Gateway) Origin() string { return g.cfg.Origin }

// UserOnline reports whether the user has a live connection on this process.
func (g *Gateway) UserOnline(userID int64) bool { return g.registry.Online(userID) }

// OnlineUsersIn returns a snapshot of the room's locally-online usernames.
func (g *Gateway) OnlineUsersIn(room string) []string {
	ids := g.rooms.OnlineUsers(room)
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		for _, s := range g.registry.SessionsFor(id) {
			names = append(names, s.username)
			break
		}
	}
	return names
}

// ServeWS upgrades the request, authenticates the token and runs the connect
// sequence. An authentication failure is terminal for the connection.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	token := bearerToken(r)
	ident, err := g.verifier.Verify(token)
	if err != nil {
		g.metrics.IncAuthFailure()
		payload := mustEncode(EvError, errorEvent{Op: "connect", Reason: ReasonUnauthenticated})
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, payload)
		_ = conn.Close()
		return
	}
	g.connect(r.Context(), conn, ident)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// connect runs the post-auth sequence: register the connection, write the
// shared presence record, rejoin persisted rooms, announce first-connection
// presence and deliver per-room unread counters to the new socket.
func (g *Gateway) connect(ctx context.Context, conn *websocket.Conn, ident *Identity) {
	s := newSession(uuid.NewString(), ident, conn)

	first := g.registry.Add(s)
	g.metrics.IncConn()

	if err := g.bus.PutPresence(presenceKey(s.userID), g.cfg.PresenceTTL); err != nil {
		g.log.Warn("presence write failed", "user", s.username, "error", err)
	}

	rooms, err := g.store.ListUserRooms(ctx, s.userID, g.cfg.RoomPageSize, 0)
	if err != nil {
		// the socket stays usable; the client can still join rooms manually.
		g.log.Error("room list fetch failed", "user", s.username, "error", err)
		rooms = nil
	}

	type pending struct {
		topic string
		data  []byte
	}
	var relays []pending

	g.mu.Lock()
	for _, room := range rooms {
		s.joined[room] = true
		g.rooms.Add(room, s.userID)
		if first {
			payload := mustEncode(EvUserOnline, presenceEvent{Room: room, User: s.username, Ts: nowUnix()})
			g.deliverLocalLocked(room, payload, s.id, s.userID)
			topic, data := g.relayFrame(room, payload, s.userID)
			relays = append(relays, pending{topic, data})
		}
	}
	g.pushLocked(s, mustEncode(EvConnected, connectedEvent{
		User:     s.username,
		UserID:   s.userID,
		ConnID:   s.id,
		Rooms:    rooms,
		ServerTs: nowUnix(),
	}))
	g.mu.Unlock()

	for _, p := range relays {
		g.publish(p.topic, p.data)
	}

	for _, room := range rooms {
		count, err := g.store.UnreadCount(ctx, s.userID, room)
		if err != nil {
			g.log.Warn("unread count fetch failed", "user", s.username, "room", room, "error", err)
			continue
		}
		if count > 0 {
			g.send(s, mustEncode(EvUnreadCount, unreadCountEvent{Room: room, Count: count}))
		}
	}

	g.log.Info("session connected", "user", s.username, "conn", s.id, "rooms", len(rooms), "first", first)

	go s.writePump()
	go s.readPump(g)
}

// Disconnect tears down one connection: typing timers are force-stopped,
// the connID leaves the registry, and when it was the user's last connection
// the shared presence record is deleted and user_offline goes to every room
// the session had joined. Calling it twice is a no-op after the first call.
func (g *Gateway) Disconnect(connID string) {
	type pending struct {
		topic string
		data  []byte
	}
	var relays []pending
	var s *Session
	var last bool

	g.mu.Lock()
	s = g.registry.Get(connID)
	if s == nil || s.disconnected {
		g.mu.Unlock()
		return
	}
	s.disconnected = true

	// ghost typing prevention: every typing state this session owns is
	// stopped with a visible broadcast before the session disappears.
	for room, timer := range s.typing {
		timer.Stop()
		delete(s.typing, room)
		payload := mustEncode(EvUserStopTyping, typingEvent{Room: room, User: s.username})
		g.deliverLocalLocked(room, payload, s.id, 0)
		topic, data := g.relayFrame(room, payload, 0)
		relays = append(relays, pending{topic, data})
	}

	_, last, _ = g.registry.Remove(connID)

	for room := range s.joined {
		delete(s.joined, room)
		if g.userHoldsRoomLocked(s.userID, room) {
			continue
		}
		g.rooms.Remove(room, s.userID)
		if last {
			payload := mustEncode(EvUserOffline, presenceEvent{Room: room, User: s.username, Ts: nowUnix()})
			g.deliverLocalLocked(room, payload, s.id, s.userID)
			topic, data := g.relayFrame(room, payload, s.userID)
			relays = append(relays, pending{topic, data})
		}
	}

	if !s.closed {
		s.closed = true
		close(s.send)
	}
	g.mu.Unlock()

	g.metrics.DecConn()

	if last {
		if err := g.bus.DeletePresence(presenceKey(s.userID)); err != nil {
			g.log.Warn("presence delete failed", "user", s.username, "error", err)
		}
	}
	for _, p := range relays {
		g.publish(p.topic, p.data)
	}
	g.log.Info("session disconnected", "user", s.username, "conn", connID, "last", last)
}

// userHoldsRoomLocked reports whether any other live session of the user
// still has the room open. Caller holds g.mu.
func (g *Gateway) userHoldsRoomLocked(userID int64, room string) bool {
	for _, other := range g.registry.SessionsFor(userID) {
		if other.joined[room] {
			return true
		}
	}
	return false
}

// refreshPresence re-arms the shared-store TTL; called from the pong handler.
func (g *Gateway) refreshPresence(userID int64) {
	if err := g.bus.PutPresence(presenceKey(userID), g.cfg.PresenceTTL); err != nil {
		g.log.Warn("presence refresh failed", "user_id", userID, "error", err)
	}
}

func presenceKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

// dispatch routes one inbound frame. Rejections are scoped to the single
// operation; nothing here ever kills the connection.
func (g *Gateway) dispatch(s *Session, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		g.sendError(s, "dispatch", ReasonBadRequest, "", "invalid frame")
		return
	}
	if !s.allowEvent(time.Now()) {
		g.metrics.IncRejected()
		g.sendError(s, env.Event, ReasonRateLimited, "", "too many events, slow down")
		return
	}

	ctx := context.Background()
	switch env.Event {
	case EvJoinRoom:
		var p roomPayload
		if decodePayload(g, s, env, &p) {
			g.handleJoinRoom(ctx, s, p.Room)
		}
	case EvLeaveRoom:
		var p roomPayload
		if decodePayload(g, s, env, &p) {
			g.handleLeaveRoom(s, p.Room)
		}
	case EvSendMessage:
		var p sendMessagePayload
		if decodePayload(g, s, env, &p) {
			g.handleSendMessage(ctx, s, p.Room, p.Content)
		}
	case EvTypingStart:
		var p typingStartPayload
		if decodePayload(g, s, env, &p) {
			g.handleTypingStart(ctx, s, p.Room, time.Duration(p.DurationMs)*time.Millisecond)
		}
	case EvTypingStop:
		var p roomPayload
		if decodePayload(g, s, env, &p) {
			g.handleTypingStop(s, p.Room)
		}
	case EvMarkAsRead:
		var p markAsReadPayload
		if decodePayload(g, s, env, &p) {
			g.handleMarkAsRead(ctx, s, p.Room)
		}
	case EvAddReaction:
		var p addReactionPayload
		if decodePayload(g, s, env, &p) {
			g.handleAddReaction(ctx, s, p.MessageID, p.Emoji)
		}
	case EvGetOnlineUsers:
		var p roomPayload
		if decodePayload(g, s, env, &p) {
			g.send(s, mustEncode(EvRoomUsers, roomUsersEvent{Room: p.Room, Users: g.OnlineUsersIn(p.Room)}))
		}
	default:
		g.sendError(s, env.Event, ReasonBadRequest, "", "unknown event")
	}
}

func decodePayload(g *Gateway, s *Session, env Envelope, out any) bool {
	if err := json.Unmarshal(env.Data, out); err != nil {
		g.sendError(s, env.Event, ReasonBadRequest, "", "invalid payload")
		return false
	}
	return true
}

// handleJoinRoom applies the moderation gate before any state changes, then
// adds the user to the room's online set and announces the join.
func (g *Gateway) handleJoinRoom(ctx context.Context, s *Session, room string) {
	if room == "" {
		g.sendError(s, EvJoinRoom, ReasonBadRequest, room, "room required")
		return
	}
	exists, err := g.store.RoomExists(ctx, room)
	if err != nil {
		g.sendError(s, EvJoinRoom, ReasonPersistenceFailure, room, err.Error())
		return
	}
	if !exists {
		g.sendError(s, EvJoinRoom, ReasonRoomNotFound, room, "")
		return
	}
	banned, err := g.checkBanned(ctx, room, s.userID)
	if err != nil {
		g.sendError(s, EvJoinRoom, ReasonModerationUnavailable, room, "")
		return
	}
	if banned {
		g.metrics.IncRejected()
		g.sendError(s, EvJoinRoom, ReasonBanned, room, "")
		return
	}

	g.mu.Lock()
	if s.disconnected {
		g.mu.Unlock()
		return
	}
	alreadyJoined := s.joined[room]
	s.joined[room] = true
	newlyPresent := g.rooms.Add(room, s.userID)
	var payload []byte
	if newlyPresent {
		payload = mustEncode(EvUserJoined, presenceEvent{Room: room, User: s.username, Ts: nowUnix()})
		g.deliverLocalLocked(room, payload, s.id, s.userID)
	}
	g.pushLocked(s, mustEncode(EvRoomJoined, roomPayload{Room: room}))
	g.mu.Unlock()

	if payload != nil {
		topic, data := g.relayFrame(room, payload, s.userID)
		g.publish(topic, data)
	}
	if !alreadyJoined {
		g.log.Debug("room joined", "user", s.username, "room", room)
	}
}

// handleLeaveRoom drops the room from this session; room presence only
// changes when none of the user's other sessions still hold the room.
func (g *Gateway) handleLeaveRoom(s *Session, room string) {
	g.mu.Lock()
	if !s.joined[room] {
		g.mu.Unlock()
		g.send(s, mustEncode(EvRoomLeft, roomPayload{Room: room}))
		return
	}
	delete(s.joined, room)
	g.stopTypingLocked(s, room, false)
	changed := false
	if !g.userHoldsRoomLocked(s.userID, room) {
		changed = g.rooms.Remove(room, s.userID)
	}
	var payload []byte
	if changed {
		payload = mustEncode(EvUserLeft, presenceEvent{Room: room, User: s.username, Ts: nowUnix()})
		g.deliverLocalLocked(room, payload, s.id, s.userID)
	}
	g.pushLocked(s, mustEncode(EvRoomLeft, roomPayload{Room: room}))
	g.mu.Unlock()

	if payload != nil {
		topic, data := g.relayFrame(room, payload, s.userID)
		g.publish(topic, data)
	}
}

func (g *Gateway) handleMarkAsRead(ctx context.Context, s *Session, room string) {
	if err := g.store.MarkRead(ctx, s.userID, room); err != nil {
		g.sendError(s, EvMarkAsRead, ReasonPersistenceFailure, room, err.Error())
		return
	}
	g.send(s, mustEncode(EvUnreadCount, unreadCountEvent{Room: room, Count: 0}))
}

// checkBanned consults the moderation gate, honouring the fail-open policy.
func (g *Gateway) checkBanned(ctx context.Context, room string, userID int64) (bool, error) {
	banned, err := g.gate.IsBanned(ctx, room, userID)
	if err != nil {
		if g.cfg.ModerationFailOpen {
			g.log.Warn("moderation gate failed, failing open", "room", room, "error", err)
			return false, nil
		}
		return false, ErrModerationUnavailable
	}
	return banned, nil
}

func (g *Gateway) checkMuted(ctx context.Context, room string, userID int64) (bool, error) {
	muted, err := g.gate.IsMuted(ctx, room, userID)
	if err != nil {
		if g.cfg.ModerationFailOpen {
			g.log.Warn("moderation gate failed, failing open", "room", room, "error", err)
			return false, nil
		}
		return false, ErrModerationUnavailable
	}
	return muted, nil
}

// send pushes one event to a single socket.
func (g *Gateway) send(s *Session, payload []byte) {
	g.mu.Lock()
	g.pushLocked(s, payload)
	g.mu.Unlock()
}

func (g *Gateway) sendError(s *Session, op, reason, room, detail string) {
	g.send(s, mustEncode(EvError, errorEvent{Op: op, Reason: reason, Room: room, Detail: detail}))
}

// pushLocked enqueues onto the session's buffered send channel. A full
// buffer means the client is not draining; the connection is dropped rather
// than letting one slow socket stall the room. Caller holds g.mu.
func (g *Gateway) pushLocked(s *Session, payload []byte) {
	if s.closed {
		return
	}
	select {
	case s.send <- payload:
	default:
		s.closed = true
		close(s.send)
		g.metrics.IncDropped()
		g.log.Warn("slow consumer dropped", "user", s.username, "conn", s.id)
	}
}
