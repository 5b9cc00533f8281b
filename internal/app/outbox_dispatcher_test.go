package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/transfa/payout-service/internal/store"
	"github.com/transfa/payout-service/pkg/rabbitmq"
)

type recordingPublisher struct {
	rabbitmq.Publisher

	mu        sync.Mutex
	published []string
	failNext  int
}

func (p *recordingPublisher) PublishJSON(ctx context.Context, exchange, routingKey, messageID string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext > 0 {
		p.failNext--
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, exchange+"|"+routingKey+"|"+messageID)
	return nil
}

func TestOutboxDispatcher_PublishesAndMarks(t *testing.T) {
	repo := store.NewMemoryRepository()
	ctx := context.Background()
	if err := repo.EnqueueOutboxMessage(ctx, "transfa.events", "payment.terminal.completed", map[string]string{"milestone_id": "M1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	publisher := &recordingPublisher{}
	dispatcher := NewOutboxDispatcher(repo, publisher)

	published, err := dispatcher.FlushOnce(ctx)
	if err != nil {
		t.Fatalf("FlushOnce returned error: %v", err)
	}
	if published != 1 || len(publisher.published) != 1 {
		t.Fatalf("expected one publish, got %d (%v)", published, publisher.published)
	}
	if publisher.published[0] != "transfa.events|payment.terminal.completed|outbox-1" {
		t.Fatalf("unexpected publish %s", publisher.published[0])
	}

	again, _ := dispatcher.FlushOnce(ctx)
	if again != 0 {
		t.Fatalf("expected published message not to be resent, got %d", again)
	}
}

func TestOutboxDispatcher_FailedPublishIsRetriedLater(t *testing.T) {
	repo := store.NewMemoryRepository()
	ctx := context.Background()
	if err := repo.EnqueueOutboxMessage(ctx, "transfa.events", "payment.alert.operator_attention", map[string]string{"milestone_id": "M1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	publisher := &recordingPublisher{failNext: 1}
	dispatcher := NewOutboxDispatcher(repo, publisher)

	published, err := dispatcher.FlushOnce(ctx)
	if err != nil {
		t.Fatalf("FlushOnce returned error: %v", err)
	}
	if published != 0 {
		t.Fatalf("expected nothing published, got %d", published)
	}
	// The message waits out its retry delay before it is claimed again.
	if again, _ := dispatcher.FlushOnce(ctx); again != 0 {
		t.Fatalf("expected message to be delayed, got %d", again)
	}
	messages := repo.OutboxMessages()
	if len(messages) != 1 || messages[0].Attempts != 1 {
		t.Fatalf("unexpected outbox state %+v", messages)
	}
}

func TestRetryDelaySeconds(t *testing.T) {
	tests := []struct {
		attempt int
		want    int
	}{
		{0, 1},
		{1, 2},
		{3, 8},
		{8, 256},
		{20, 256},
	}
	for _, tt := range tests {
		if got := retryDelaySeconds(tt.attempt); got != tt.want {
			t.Errorf("retryDelaySeconds(%d) = %d, want %d", tt.attempt, got, tt.want)
		}
	}
}
