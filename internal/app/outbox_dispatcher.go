package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/transfa/payout-service/internal/store"
	"github.com/transfa/payout-service/pkg/rabbitmq"
)

const (
	defaultOutboxBatchSize       = 50
	defaultOutboxPollInterval    = 1200 * time.Millisecond
	defaultOutboxStaleProcessing = 2 * time.Minute
)

// OutboxDispatcher delivers terminal events and operator alerts from the outbox to the
// broker. A message is marked published only after the broker accepted it, so delivery
// is at least once; consumers deduplicate on the message id.
type OutboxDispatcher struct {
	repo                store.OutboxRepository
	publisher           rabbitmq.Publisher
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
}

func NewOutboxDispatcher(repo store.OutboxRepository, publisher rabbitmq.Publisher) *OutboxDispatcher {
	return &OutboxDispatcher{
		repo:                repo,
		publisher:           publisher,
		batchSize:           defaultOutboxBatchSize,
		pollInterval:        defaultOutboxPollInterval,
		staleProcessingTime: defaultOutboxStaleProcessing,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.FlushOnce(ctx); err != nil {
				log.Printf("level=warn component=outbox_dispatcher msg=\"flush failed\" err=%v", err)
			}
		}
	}
}

// FlushOnce publishes one batch and returns how many messages were delivered.
func (d *OutboxDispatcher) FlushOnce(ctx context.Context) (int, error) {
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, int(d.staleProcessingTime.Seconds()))
	if err != nil {
		return 0, err
	}

	published := 0
	for _, message := range messages {
		messageID := fmt.Sprintf("outbox-%d", message.ID)
		if err := d.publisher.PublishJSON(ctx, message.Exchange, message.RoutingKey, messageID, message.Payload); err != nil {
			retryAfter := retryDelaySeconds(message.Attempts)
			log.Printf("level=warn component=outbox_dispatcher msg=\"publish failed\" id=%d routing_key=%s attempts=%d retry_after_s=%d err=%v", message.ID, message.RoutingKey, message.Attempts, retryAfter, err)
			if markErr := d.repo.MarkOutboxFailed(ctx, message.ID, retryAfter, err.Error()); markErr != nil {
				log.Printf("level=error component=outbox_dispatcher msg=\"mark failed errored\" id=%d err=%v", message.ID, markErr)
			}
			continue
		}
		if err := d.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
			log.Printf("level=error component=outbox_dispatcher msg=\"mark published errored\" id=%d err=%v", message.ID, err)
			continue
		}
		published++
	}
	return published, nil
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	if attempt > 8 {
		attempt = 8
	}
	delay := 1 << attempt
	if delay > 300 {
		return 300
	}
	return delay
}
