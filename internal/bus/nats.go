package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const presenceBucket = "PRESENCE"

// NATSBus implements Bus over core NATS subjects plus a JetStream KV bucket
// for the TTL-bearing presence records. The bucket TTL is fixed at connect
// time; each Put re-arms the entry's age, so the pong-driven refresh keeps
// live users from expiring.
type NATSBus struct {
	nc *nats.Conn
	kv nats.KeyValue
}

// ConnectNATS dials the server with retry and prepares the presence bucket.
func ConnectNATS(url, name string, presenceTTL time.Duration, log *slog.Logger) (*NATSBus, error) {
	if log == nil {
		log = slog.Default()
	}
	var nc *nats.Conn
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(url,
			nats.Name(name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warn("nats disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info("nats reconnected", "url", nc.ConnectedUrl())
			}),
		)
		if err == nil {
			break
		}
		log.Info("waiting for nats", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  presenceBucket,
		History: 1,
		TTL:     presenceTTL,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		// another process may have created it already
		kv, err = js.KeyValue(presenceBucket)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("presence bucket: %w", err)
		}
	}
	log.Info("connected to nats", "url", nc.ConnectedUrl(), "presence_ttl", presenceTTL)
	return &NATSBus{nc: nc, kv: kv}, nil
}

func (b *NATSBus) Publish(topic string, data []byte) error {
	return b.nc.Publish(topic, data)
}

func (b *NATSBus) Subscribe(pattern string, h Handler) (Subscription, error) {
	return b.nc.Subscribe(pattern, func(msg *nats.Msg) {
		h(msg.Subject, msg.Data)
	})
}

func (b *NATSBus) PutPresence(key string, _ time.Duration) error {
	// the TTL rides on the bucket; the put itself is the refresh.
	_, err := b.kv.Put(key, []byte(fmt.Sprintf("%d", time.Now().UnixMilli())))
	return err
}

func (b *NATSBus) DeletePresence(key string) error {
	err := b.kv.Delete(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (b *NATSBus) PresenceExists(key string) (bool, error) {
	_, err := b.kv.Get(key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, nats.ErrKeyNotFound) {
		return false, nil
	}
	return false, err
}

func (b *NATSBus) Close() {
	_ = b.nc.Drain()
}
