package internal

import (
	"context"
	"time"
)

const (
	defaultTypingDuration = 5 * time.Second
	minTypingDuration     = 1 * time.Second
	maxTypingDuration     = 60 * time.Second
)

// clampTypingDuration applies the default and the sane bounds on the
// client-supplied auto-stop duration.
func clampTypingDuration(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return defaultTypingDuration
	case d < minTypingDuration:
		return minTypingDuration
	case d > maxTypingDuration:
		return maxTypingDuration
	default:
		return d
	}
}

// handleTypingStart broadcasts user_typing and arms the auto-stop timer.
// A repeat start refreshes the timer. Typing from a muted user is the one
// silent drop in the protocol: the sender cannot tell whether their mute
// is visible.
func (g *Gateway) handleTypingStart(ctx context.Context, s *Session, room string, duration time.Duration) {
	muted, err := g.checkMuted(ctx, room, s.userID)
	if err != nil {
		g.sendError(s, EvTypingStart, ReasonModerationUnavailable, room, "")
		return
	}
	if muted {
		return
	}
	duration = clampTypingDuration(duration)

	g.mu.Lock()
	if s.disconnected || !s.joined[room] {
		g.mu.Unlock()
		return
	}

	// a repeat start supersedes the previous timer; it must be cancelled,
	// not left to fire, or the room would see a spurious stop.
	if prev, ok := s.typing[room]; ok {
		prev.Stop()
		delete(s.typing, room)
	}

	payload := mustEncode(EvUserTyping, typingEvent{Room: room, User: s.username})
	g.deliverLocalLocked(room, payload, s.id, s.userID)

	var timer *time.Timer
	timer = time.AfterFunc(duration, func() {
		g.mu.Lock()
		// only the timer that is still registered may fire the stop; a
		// superseded timer finds a different handle here and bows out.
		if s.typing[room] != timer {
			g.mu.Unlock()
			return
		}
		delete(s.typing, room)
		stop := mustEncode(EvUserStopTyping, typingEvent{Room: room, User: s.username})
		g.deliverLocalLocked(room, stop, s.id, s.userID)
		g.mu.Unlock()
		topic, data := g.relayFrame(room, stop, s.userID)
		g.publish(topic, data)
	})
	s.typing[room] = timer
	g.mu.Unlock()

	topic, data := g.relayFrame(room, payload, s.userID)
	g.publish(topic, data)
}

// handleTypingStop cancels the timer and broadcasts the stop immediately.
// Stopping with no active state is a no-op, not an error.
func (g *Gateway) handleTypingStop(s *Session, room string) {
	g.mu.Lock()
	payload := g.stopTypingLocked(s, room, true)
	g.mu.Unlock()
	if payload != nil {
		topic, data := g.relayFrame(room, payload, s.userID)
		g.publish(topic, data)
	}
}

// stopTypingLocked cancels the (room,user) typing state if present and
// returns the stop payload that was delivered locally (nil when idle or when
// broadcast is false). The caller publishes the relay after releasing g.mu.
func (g *Gateway) stopTypingLocked(s *Session, room string, broadcast bool) []byte {
	timer, ok := s.typing[room]
	if !ok {
		return nil
	}
	timer.Stop()
	delete(s.typing, room)
	if !broadcast {
		return nil
	}
	payload := mustEncode(EvUserStopTyping, typingEvent{Room: room, User: s.username})
	g.deliverLocalLocked(room, payload, s.id, s.userID)
	return payload
}
