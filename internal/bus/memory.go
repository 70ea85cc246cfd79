package bus

import (
	"strings"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus. Several gateway instances sharing one
// MemoryBus behave like processes sharing one broker, which is exactly what
// the cross-process tests need. It also serves single-process deployments
// that have no broker at all.
type MemoryBus struct {
	mu       sync.RWMutex
	nextID   int
	subs     map[int]*memorySub
	presence map[string]time.Time // key -> expiry
	closed   bool
}

type memorySub struct {
	id      int
	pattern string
	handler Handler
	bus     *MemoryBus
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:     make(map[int]*memorySub),
		presence: make(map[string]time.Time),
	}
}

func (b *MemoryBus) Publish(topic string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil
	}
	var matched []*memorySub
	for _, sub := range b.subs {
		if topicMatches(sub.pattern, topic) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()
	// handlers run synchronously; per-topic delivery order therefore follows
	// publish order, mirroring a single broker connection.
	for _, sub := range matched {
		sub.handler(topic, data)
	}
	return nil
}

func (b *MemoryBus) Subscribe(pattern string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &memorySub{id: b.nextID, pattern: pattern, handler: h, bus: b}
	b.subs[sub.id] = sub
	return sub, nil
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
	return nil
}

func (b *MemoryBus) PutPresence(key string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.presence[key] = time.Now().Add(ttl)
	return nil
}

func (b *MemoryBus) DeletePresence(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.presence, key)
	return nil
}

func (b *MemoryBus) PresenceExists(key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	expiry, ok := b.presence[key]
	if !ok {
		return false, nil
	}
	return time.Now().Before(expiry), nil
}

func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[int]*memorySub)
	b.closed = true
}

// topicMatches supports exact topics plus a trailing ".*" wildcard matching
// exactly one extra token, the only pattern shape the gateway uses.
func topicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	prefix, ok := strings.CutSuffix(pattern, ".*")
	if !ok {
		return false
	}
	rest, ok := strings.CutPrefix(topic, prefix+".")
	if !ok {
		return false
	}
	return rest != "" && !strings.Contains(rest, ".")
}
