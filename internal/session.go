package internal

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 8192

	eventRateWindow = 3 * time.Second
	eventRateBurst  = 10
)

// Session is the server-side state for one physical websocket connection.
// A user with several devices owns several Sessions at once. All fields
// below the conn are guarded by the owning gateway's mutex, except
// eventTimes which is only touched from the session's own read pump.
type Session struct {
	id              string
	userID          int64
	username        string
	authenticatedAt time.Time

	conn *websocket.Conn
	send chan []byte

	joined map[string]bool
	typing map[string]*time.Timer

	// closed means the send channel has been closed; disconnected means the
	// full teardown already ran. Both exist so disconnect stays idempotent
	// and so a slow-consumer kill does not race the regular teardown.
	closed       bool
	disconnected bool

	eventTimes []time.Time
}

func newSession(id string, ident *Identity, conn *websocket.Conn) *Session {
	return &Session{
		id:              id,
		userID:          ident.UserID,
		username:        ident.Username,
		authenticatedAt: time.Now(),
		conn:            conn,
		send:            make(chan []byte, 256),
		joined:          make(map[string]bool),
		typing:          make(map[string]*time.Timer),
		eventTimes:      make([]time.Time, 0, eventRateBurst),
	}
}

// allowEvent applies a sliding-window rate limit to inbound events.
func (s *Session) allowEvent(now time.Time) bool {
	cutoff := now.Add(-eventRateWindow)
	idx := 0
	for _, ts := range s.eventTimes {
		if ts.After(cutoff) {
			s.eventTimes[idx] = ts
			idx++
		}
	}
	s.eventTimes = s.eventTimes[:idx]
	if len(s.eventTimes) >= eventRateBurst {
		return false
	}
	s.eventTimes = append(s.eventTimes, now)
	return true
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case message, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) readPump(g *Gateway) {
	defer func() {
		g.Disconnect(s.id)
		s.conn.Close()
	}()
	s.conn.SetReadLimit(maxMsgSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		// the pong doubles as the presence keep-alive for the shared store.
		g.refreshPresence(s.userID)
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			// normal close or read error; the deferred teardown runs.
			break
		}
		g.dispatch(s, payload)
	}
}
