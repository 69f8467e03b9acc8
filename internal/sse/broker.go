package sse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	redisclient "github.com/openclaw/autoconnect/internal/redis"
	"github.com/openclaw/autoconnect/internal/util"
)

const (
	HeartbeatInterval = 30 * time.Second
	clientBufferSize  = 64
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Client struct {
	OwnerKey string
	Events   chan Event
	Done     chan struct{}
}

// Broker fans events out to the SSE clients of one owner. With a redis
// client events cross server instances through pub/sub; without one they
// are delivered in-process only.
type Broker struct {
	redis   *redisclient.Client
	clients map[string]map[*Client]bool // ownerKey -> set of clients
	relays  map[string]context.CancelFunc
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:   redisClient,
		clients: make(map[string]map[*Client]bool),
		relays:  make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *Broker) Subscribe(ownerKey string) *Client {
	client := &Client{
		OwnerKey: ownerKey,
		Events:   make(chan Event, clientBufferSize),
		Done:     make(chan struct{}),
	}

	b.mu.Lock()
	if b.clients[ownerKey] == nil {
		b.clients[ownerKey] = make(map[*Client]bool)
		if b.redis != nil {
			relayCtx, cancel := context.WithCancel(b.ctx)
			b.relays[ownerKey] = cancel
			go b.subscribeToRedis(relayCtx, ownerKey)
		}
	}
	b.clients[ownerKey][client] = true
	clientCount := len(b.clients[ownerKey])
	b.mu.Unlock()

	log.Info().
		Str("ownerKey", util.ShortKey(ownerKey)).
		Int("clientCount", clientCount).
		Msg("sse client subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if clients, ok := b.clients[client.OwnerKey]; ok {
		if _, present := clients[client]; !present {
			return
		}
		delete(clients, client)
		close(client.Done)

		if len(clients) == 0 {
			delete(b.clients, client.OwnerKey)
			if cancel, ok := b.relays[client.OwnerKey]; ok {
				cancel()
				delete(b.relays, client.OwnerKey)
			}
		}

		log.Info().
			Str("ownerKey", util.ShortKey(client.OwnerKey)).
			Int("clientCount", len(clients)).
			Msg("sse client unsubscribed")
	}
}

func (b *Broker) Publish(ctx context.Context, ownerKey string, event Event) error {
	if b.redis == nil {
		b.broadcast(ownerKey, event)
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, redisclient.EventChannel(ownerKey), data).Err()
}

// PublishJSON marshals data as the event payload.
func (b *Broker) PublishJSON(ctx context.Context, ownerKey, eventType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return b.Publish(ctx, ownerKey, Event{Type: eventType, Data: raw})
}

func (b *Broker) subscribeToRedis(ctx context.Context, ownerKey string) {
	channel := redisclient.EventChannel(ownerKey)
	pubsub := b.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	log.Debug().
		Str("ownerKey", util.ShortKey(ownerKey)).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal event")
				continue
			}

			b.broadcast(ownerKey, event)
		}
	}
}

func (b *Broker) broadcast(ownerKey string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for client := range b.clients[ownerKey] {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Str("ownerKey", util.ShortKey(ownerKey)).
				Msg("client event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, clients := range b.clients {
		for client := range clients {
			close(client.Done)
		}
	}
	b.clients = make(map[string]map[*Client]bool)
	b.relays = make(map[string]context.CancelFunc)
}

func (b *Broker) ClientCount(ownerKey string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[ownerKey])
}

func (b *Broker) TotalClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, clients := range b.clients {
		total += len(clients)
	}
	return total
}
