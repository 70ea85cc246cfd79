package bus

import (
	"testing"
	"time"
)

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"rooms.general", "rooms.general", true},
		{"rooms.general", "rooms.other", false},
		{"rooms.*", "rooms.general", true},
		{"rooms.*", "rooms.general.extra", false},
		{"rooms.*", "rooms.", false},
		{"rooms.*", "notify.7", false},
		{"notify.*", "notify.7", true},
		{"rooms.*", "rooms", false},
	}
	for _, tc := range cases {
		if got := topicMatches(tc.pattern, tc.topic); got != tc.want {
			t.Errorf("topicMatches(%q, %q) = %v, want %v", tc.pattern, tc.topic, got, tc.want)
		}
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	var got [][]byte
	sub, err := b.Subscribe("rooms.*", func(topic string, data []byte) {
		got = append(got, data)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish("rooms.general", []byte("one")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.Publish("notify.7", []byte("nope")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.Publish("rooms.general", []byte("two")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(got) != 2 || string(got[0]) != "one" || string(got[1]) != "two" {
		t.Fatalf("unexpected deliveries: %q", got)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := b.Publish("rooms.general", []byte("three")); err != nil {
		t.Fatalf("Publish after unsubscribe: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected no delivery after unsubscribe, got %q", got)
	}
}

func TestPublishAfterClose(t *testing.T) {
	b := NewMemoryBus()
	delivered := false
	if _, err := b.Subscribe("rooms.*", func(string, []byte) { delivered = true }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	b.Close()
	if err := b.Publish("rooms.general", []byte("late")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if delivered {
		t.Fatalf("expected no delivery after Close")
	}
}

func TestPresenceTTL(t *testing.T) {
	b := NewMemoryBus()
	if err := b.PutPresence("presence.42", 50*time.Millisecond); err != nil {
		t.Fatalf("PutPresence: %v", err)
	}
	ok, err := b.PresenceExists("presence.42")
	if err != nil || !ok {
		t.Fatalf("expected presence, ok=%v err=%v", ok, err)
	}

	time.Sleep(80 * time.Millisecond)
	ok, err = b.PresenceExists("presence.42")
	if err != nil || ok {
		t.Fatalf("expected presence expired, ok=%v err=%v", ok, err)
	}

	if err := b.PutPresence("presence.42", time.Minute); err != nil {
		t.Fatalf("PutPresence refresh: %v", err)
	}
	ok, _ = b.PresenceExists("presence.42")
	if !ok {
		t.Fatalf("expected presence after refresh")
	}
	if err := b.DeletePresence("presence.42"); err != nil {
		t.Fatalf("DeletePresence: %v", err)
	}
	ok, _ = b.PresenceExists("presence.42")
	if ok {
		t.Fatalf("expected presence deleted")
	}
	if err := b.DeletePresence("presence.42"); err != nil {
		t.Fatalf("DeletePresence idempotent: %v", err)
	}
}
