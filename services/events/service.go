package events

import (
	"context"

	"github.com/customeros/mailbridge/dto"
	"github.com/customeros/mailbridge/interfaces"
	"github.com/customeros/mailbridge/internal/logger"
)

// PublishingConsumer forwards dispatched change events to the message bus.
type PublishingConsumer struct {
	publisher interfaces.EventPublisher
	log       logger.Logger
}

func NewPublishingConsumer(publisher interfaces.EventPublisher, log logger.Logger) *PublishingConsumer {
	return &PublishingConsumer{publisher: publisher, log: log}
}

var _ interfaces.ChangeConsumer = (*PublishingConsumer)(nil)

func (c *PublishingConsumer) Name() string {
	return "rabbitmq"
}

func (c *PublishingConsumer) Consume(ctx context.Context, event dto.ChangeEvent) error {
	return c.publisher.PublishChangeEvent(ctx, event)
}

// LoggingConsumer writes change events to the log. Used when no broker is
// configured.
type LoggingConsumer struct {
	log logger.Logger
}

func NewLoggingConsumer(log logger.Logger) *LoggingConsumer {
	return &LoggingConsumer{log: log}
}

func (c *LoggingConsumer) Name() string {
	return "log"
}

func (c *LoggingConsumer) Consume(_ context.Context, event dto.ChangeEvent) error {
	c.log.Infof("Change %d for account %s: %s message %s", event.Sequence, event.AccountID, event.Kind, event.MessageID)
	return nil
}
