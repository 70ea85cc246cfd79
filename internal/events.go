package internal

import (
	"encoding/json"
	"time"
)

// Inbound event names accepted from clients.
const (
	EvJoinRoom       = "join_room"
	EvLeaveRoom      = "leave_room"
	EvSendMessage    = "send_message"
	EvTypingStart    = "typing_start"
	EvTypingStop     = "typing_stop"
	EvMarkAsRead     = "mark_as_read"
	EvAddReaction    = "add_reaction"
	EvGetOnlineUsers = "get_online_users"
)

// Outbound event names emitted to clients.
const (
	EvConnected       = "connected"
	EvUserOnline      = "user_online"
	EvUserOffline     = "user_offline"
	EvUserJoined      = "user_joined"
	EvUserLeft        = "user_left"
	EvRoomJoined      = "room_joined"
	EvRoomLeft        = "room_left"
	EvRoomUsers       = "room_users"
	EvNewMessage      = "new_message"
	EvMessageSent     = "message_sent"
	EvMessageError    = "message_error"
	EvUnreadCount     = "unread_count"
	EvUserTyping      = "user_typing"
	EvUserStopTyping  = "user_stop_typing"
	EvReactionUpdated = "reaction_updated"
	EvNotification    = "notification"
	EvError           = "error"
)

// Envelope is the json frame exchanged on the websocket in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeEvent(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// mustEncode is used for server-built events whose payloads are plain structs
// and cannot fail to marshal.
func mustEncode(event string, data any) []byte {
	payload, err := encodeEvent(event, data)
	if err != nil {
		panic(err)
	}
	return payload
}

type roomPayload struct {
	Room string `json:"room"`
}

type sendMessagePayload struct {
	Room    string `json:"room"`
	Content string `json:"content"`
}

type typingStartPayload struct {
	Room       string `json:"room"`
	DurationMs int64  `json:"duration,omitempty"`
}

type markAsReadPayload struct {
	Room      string `json:"room"`
	MessageID string `json:"message_id,omitempty"`
}

type addReactionPayload struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type connectedEvent struct {
	User     string   `json:"user"`
	UserID   int64    `json:"user_id"`
	ConnID   string   `json:"conn_id"`
	Rooms    []string `json:"rooms"`
	ServerTs int64    `json:"ts"`
}

type presenceEvent struct {
	Room string `json:"room,omitempty"`
	User string `json:"user"`
	Ts   int64  `json:"ts"`
}

type roomUsersEvent struct {
	Room  string   `json:"room"`
	Users []string `json:"users"`
}

type messageEvent struct {
	ID      string `json:"id"`
	Room    string `json:"room"`
	User    string `json:"user"`
	Content string `json:"content"`
	Ts      int64  `json:"ts"`
}

type messageSentEvent struct {
	ID   string `json:"id"`
	Room string `json:"room"`
	Ts   int64  `json:"ts"`
}

type unreadCountEvent struct {
	Room  string `json:"room"`
	Count int    `json:"count"`
}

type typingEvent struct {
	Room string `json:"room"`
	User string `json:"user"`
}

type reactionEvent struct {
	MessageID string `json:"message_id"`
	Room      string `json:"room"`
	User      string `json:"user"`
	Emoji     string `json:"emoji"`
	Count     int    `json:"count"`
}

type errorEvent struct {
	Op     string `json:"op"`
	Reason string `json:"reason"`
	Room   string `json:"room,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func nowUnix() int64 {
	return time.Now().Unix()
}
