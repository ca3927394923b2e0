package notify

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event kinds emitted by the engine.
const (
	ReservationExpired = "reservation_expired"
	CopyReassigned     = "copy_reassigned"
)

// Event is the payload handed to the notification subsystem.
type Event struct {
	Kind           string `json:"kind"`
	ReservationUid string `json:"reservationUid"`
	TitleUid       string `json:"titleUid"`
	Username       string `json:"username"`
	CopyUid        string `json:"copyUid,omitempty"`
}

// Notifier delivers domain events to the downstream notification
// subsystem. Delivery is fire-and-forget: implementations swallow and
// log failures, never propagate them.
type Notifier interface {
	Notify(event Event)
}

// FromEnv picks the sink transport: Redis when REDIS_ADDR is set,
// otherwise plain log output.
func FromEnv() Notifier {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return LogNotifier{}
	}
	channel := os.Getenv("REDIS_CHANNEL")
	if channel == "" {
		channel = "library.notifications"
	}
	return NewRedisNotifier(addr, channel)
}

// LogNotifier writes events to the process log.
type LogNotifier struct{}

func (LogNotifier) Notify(event Event) {
	log.Printf("event %s: reservation=%s title=%s user=%s copy=%s",
		event.Kind, event.ReservationUid, event.TitleUid, event.Username, event.CopyUid)
}

// RedisNotifier publishes events as JSON on a Redis channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedisNotifier(addr, channel string) *RedisNotifier {
	return &RedisNotifier{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
	}
}

func (n *RedisNotifier) Notify(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("Failed to encode %s event: %v", event.Kind, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		log.Printf("Failed to publish %s event: %v", event.Kind, err)
	}
}
