package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/autoconnect/internal/model"
	"github.com/openclaw/autoconnect/internal/sse"
)

const publishTimeout = 2 * time.Second

const EventNotification = "notification"

// Sink implementations must not block the caller.
type Sink interface {
	Show(kind model.NotificationKind, message string)
}

// LogSink writes notifications to the process log.
type LogSink struct{}

func (LogSink) Show(kind model.NotificationKind, message string) {
	log.Info().Str("kind", string(kind)).Msg(message)
}

// BrokerSink forwards notifications to the owner's SSE clients.
type BrokerSink struct {
	broker   *sse.Broker
	ownerKey string
}

func NewBrokerSink(broker *sse.Broker, ownerKey string) *BrokerSink {
	return &BrokerSink{broker: broker, ownerKey: ownerKey}
}

func (s *BrokerSink) Show(kind model.NotificationKind, message string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		payload := model.Notification{Kind: kind, Message: message}
		if err := s.broker.PublishJSON(ctx, s.ownerKey, EventNotification, payload); err != nil {
			log.Warn().Err(err).Msg("failed to publish notification")
		}
	}()
}

// Fanout shows every notification on each sink in order.
type Fanout []Sink

func (f Fanout) Show(kind model.NotificationKind, message string) {
	for _, s := range f {
		if s != nil {
			s.Show(kind, message)
		}
	}
}
