package internal

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"

	"chatgate/internal/bus"
)

const (
	roomTopicPrefix    = "rooms."
	roomTopicPattern   = "rooms.*"
	notifyTopicPrefix  = "notify."
	notifyTopicPattern = "notify.*"
)

// relayEnvelope is the frame published on the shared bus so other processes
// can repeat the local delivery for their own sockets.
type relayEnvelope struct {
	ID          string          `json:"id"`
	Origin      string          `json:"origin"`
	Room        string          `json:"room"`
	ExcludeUser int64           `json:"exclude_user,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// deliverLocalLocked fans the payload out to every locally-connected socket
// whose session has the room joined, minus the excluded connection and, when
// excludeUser is non-zero, every socket of that user. Caller holds g.mu, so
// deliveries for one room keep the order they were broadcast in.
func (g *Gateway) deliverLocalLocked(room string, payload []byte, excludeConn string, excludeUser int64) {
	for _, s := range g.registry.Snapshot() {
		if !s.joined[room] {
			continue
		}
		if s.id == excludeConn {
			continue
		}
		if excludeUser != 0 && s.userID == excludeUser {
			continue
		}
		g.pushLocked(s, payload)
	}
	g.metrics.IncBroadcast()
}

// relayFrame builds the bus topic and frame for a room event. The frame id
// feeds the dedupe cache; the origin tag filters our own echo.
func (g *Gateway) relayFrame(room string, payload []byte, excludeUser int64) (string, []byte) {
	frame := relayEnvelope{
		ID:          ulid.Make().String(),
		Origin:      g.cfg.Origin,
		Room:        room,
		ExcludeUser: excludeUser,
		Payload:     payload,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		panic(err)
	}
	return roomTopicPrefix + room, data
}

func (g *Gateway) publish(topic string, data []byte) {
	if err := g.bus.Publish(topic, data); err != nil {
		g.log.Warn("bus publish failed", "topic", topic, "error", err)
	}
}

// BroadcastToRoom delivers a raw event to the room locally and relays it
// across the cluster.
func (g *Gateway) BroadcastToRoom(room string, payload []byte, excludeConn string) {
	g.mu.Lock()
	g.deliverLocalLocked(room, payload, excludeConn, 0)
	g.mu.Unlock()
	topic, data := g.relayFrame(room, payload, 0)
	g.publish(topic, data)
}

// onRelay handles a room event arriving from the shared bus. Events this
// process published come back on the same subject; the origin tag drops them
// so local sockets are not served twice, and the id cache backstops brokers
// that deliver a frame more than once.
func (g *Gateway) onRelay(topic string, data []byte) {
	var frame relayEnvelope
	if err := json.Unmarshal(data, &frame); err != nil {
		g.log.Warn("invalid relay frame", "topic", topic, "error", err)
		return
	}
	if frame.Origin == g.cfg.Origin {
		return
	}
	if _, dup := g.seen.Get(frame.ID); dup {
		return
	}
	g.seen.Add(frame.ID, struct{}{})

	g.mu.Lock()
	g.deliverLocalLocked(frame.Room, frame.Payload, "", frame.ExcludeUser)
	g.mu.Unlock()
	g.metrics.IncRelayed()
}

// onNotifyRelay delivers cross-process notifications to the target user's
// local sockets.
func (g *Gateway) onNotifyRelay(topic string, data []byte) {
	userID, err := strconv.ParseInt(strings.TrimPrefix(topic, notifyTopicPrefix), 10, 64)
	if err != nil {
		return
	}
	if !json.Valid(data) {
		g.log.Warn("invalid notify payload", "topic", topic)
		return
	}
	payload, err := encodeEvent(EvNotification, json.RawMessage(data))
	if err != nil {
		return
	}
	g.mu.Lock()
	for _, s := range g.registry.SessionsFor(userID) {
		g.pushLocked(s, payload)
	}
	g.mu.Unlock()
}

// handleSendMessage is the write path: moderation first, then persistence,
// then the room broadcast, then the lightweight sender acknowledgement. A
// failure at any step refuses the whole operation; nothing is broadcast
// before its preconditions are confirmed.
func (g *Gateway) handleSendMessage(ctx context.Context, s *Session, room, content string) {
	if room == "" || content == "" {
		g.sendError(s, EvSendMessage, ReasonBadRequest, room, "room and content required")
		return
	}
	banned, err := g.checkBanned(ctx, room, s.userID)
	if err != nil {
		g.send(s, mustEncode(EvMessageError, errorEvent{Op: EvSendMessage, Reason: ReasonModerationUnavailable, Room: room}))
		return
	}
	if banned {
		g.metrics.IncRejected()
		g.send(s, mustEncode(EvMessageError, errorEvent{Op: EvSendMessage, Reason: ReasonBanned, Room: room}))
		return
	}
	muted, err := g.checkMuted(ctx, room, s.userID)
	if err != nil {
		g.send(s, mustEncode(EvMessageError, errorEvent{Op: EvSendMessage, Reason: ReasonModerationUnavailable, Room: room}))
		return
	}
	if muted {
		g.metrics.IncRejected()
		g.send(s, mustEncode(EvMessageError, errorEvent{Op: EvSendMessage, Reason: ReasonMuted, Room: room}))
		return
	}

	msg, err := g.store.CreateMessage(ctx, s.userID, room, content)
	if err != nil {
		g.send(s, mustEncode(EvMessageError, errorEvent{Op: EvSendMessage, Reason: reasonFor(err), Room: room, Detail: err.Error()}))
		return
	}
	g.metrics.IncMessage()

	payload := mustEncode(EvNewMessage, messageEvent{
		ID:      msg.ID,
		Room:    room,
		User:    s.username,
		Content: content,
		Ts:      msg.CreatedAt.Unix(),
	})

	// the sending socket gets the ack instead of the room broadcast so its
	// optimistic UI update is not duplicated; the sender's other devices
	// receive new_message like everyone else.
	g.mu.Lock()
	g.deliverLocalLocked(room, payload, s.id, 0)
	g.pushLocked(s, mustEncode(EvMessageSent, messageSentEvent{ID: msg.ID, Room: room, Ts: msg.CreatedAt.Unix()}))
	g.mu.Unlock()

	topic, data := g.relayFrame(room, payload, 0)
	g.publish(topic, data)

	g.notifyOffScreen(ctx, room, msg)
}

// notifyOffScreen bumps unread counters for members without the room open
// anywhere reachable from this process and pushes a notification for them.
func (g *Gateway) notifyOffScreen(ctx context.Context, room string, msg *Message) {
	active := g.rooms.OnlineUsers(room)
	bumped, err := g.store.IncrementUnread(ctx, room, active)
	if err != nil {
		g.log.Warn("unread increment failed", "room", room, "error", err)
		return
	}
	if len(bumped) == 0 {
		return
	}
	note, err := json.Marshal(map[string]any{
		"room":       room,
		"message_id": msg.ID,
		"from":       msg.Username,
		"preview":    preview(msg.Content),
	})
	if err != nil {
		return
	}
	for _, userID := range bumped {
		if err := g.notifier.Notify(ctx, userID, note); err != nil {
			g.log.Warn("notify failed", "user_id", userID, "error", err)
		}
	}
}

func preview(content string) string {
	const max = 120
	if len(content) <= max {
		return content
	}
	return content[:max]
}

// handleAddReaction persists the reaction and broadcasts the updated count
// to the message's room.
func (g *Gateway) handleAddReaction(ctx context.Context, s *Session, messageID, emoji string) {
	if messageID == "" || emoji == "" {
		g.sendError(s, EvAddReaction, ReasonBadRequest, "", "message_id and emoji required")
		return
	}
	reaction, err := g.store.AddReaction(ctx, messageID, s.userID, emoji)
	if err != nil {
		g.sendError(s, EvAddReaction, reasonFor(err), "", err.Error())
		return
	}
	payload := mustEncode(EvReactionUpdated, reactionEvent{
		MessageID: reaction.MessageID,
		Room:      reaction.Room,
		User:      s.username,
		Emoji:     reaction.Emoji,
		Count:     reaction.Count,
	})
	g.BroadcastToRoom(reaction.Room, payload, "")
}

// BusNotifier publishes notifications on the shared bus; gateways on every
// process deliver them to the user's local sockets and a push worker can
// subscribe to the same subjects.
type BusNotifier struct {
	Bus bus.Bus
}

func (n BusNotifier) Notify(_ context.Context, userID int64, payload []byte) error {
	return n.Bus.Publish(notifyTopicPrefix+strconv.FormatInt(userID, 10), payload)
}
