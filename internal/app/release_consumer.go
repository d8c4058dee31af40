package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/transfa/sinpe-service/internal/domain"
	"github.com/transfa/sinpe-service/internal/store"
)

// ReleaseRequestConsumer handles operator release requests delivered over RabbitMQ.
type ReleaseRequestConsumer struct {
	reconciler *Reconciler
}

func NewReleaseRequestConsumer(reconciler *Reconciler) *ReleaseRequestConsumer {
	return &ReleaseRequestConsumer{reconciler: reconciler}
}

// HandleMessage returns false only for failures worth redelivering.
func (c *ReleaseRequestConsumer) HandleMessage(body []byte) bool {
	var event domain.ReleaseRequestedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"failed to unmarshal release request\" err=%v", err)
		return true
	}
	if strings.TrimSpace(event.TransactionID) == "" {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"release request without transaction id\"")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := c.reconciler.Release(ctx, event.TransactionID, releaseNotes(event))
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) || errors.Is(err, ErrValidation) {
			log.Printf("level=warn component=rabbitmq_consumer msg=\"release request dropped\" transaction_id=%s err=%v", event.TransactionID, err)
			return true
		}
		log.Printf("level=error component=rabbitmq_consumer msg=\"release request failed\" transaction_id=%s err=%v", event.TransactionID, err)
		return false
	}

	log.Printf("level=info component=rabbitmq_consumer msg=\"release request processed\" transaction_id=%s released=%t", event.TransactionID, result.Released)
	return true
}

func releaseNotes(event domain.ReleaseRequestedEvent) string {
	reason := strings.TrimSpace(event.Reason)
	if reason == "" {
		reason = "released by operator"
	}
	if by := strings.TrimSpace(event.RequestedBy); by != "" {
		return reason + " (requested by " + by + ")"
	}
	return reason
}
