package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kijumbe/ledger-service/internal/domain"
	"github.com/kijumbe/ledger-service/pkg/rabbitmq"
)

// DefaultEventsExchange is the topic exchange ledger events are published on.
const DefaultEventsExchange = "kijumbe.events"

const publishTimeout = 5 * time.Second

// eventPublisher publishes ledger events. Publishing is best effort: the
// ledger write already happened, so a broker failure is logged and dropped.
type eventPublisher struct {
	producer rabbitmq.Publisher
	exchange string
	logger   *slog.Logger
	now      func() time.Time
}

func newEventPublisher(producer rabbitmq.Publisher, exchange string, logger *slog.Logger) *eventPublisher {
	if exchange == "" {
		exchange = DefaultEventsExchange
	}
	return &eventPublisher{
		producer: producer,
		exchange: exchange,
		logger:   logger.With("component", "events"),
		now:      time.Now,
	}
}

func (p *eventPublisher) publish(ctx context.Context, event domain.LedgerEvent) {
	if p == nil || p.producer == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := p.producer.Publish(ctx, p.exchange, event.Type, event); err != nil {
		p.logger.Warn("failed to publish ledger event", "type", event.Type, "group_id", event.GroupID, "error", err)
	}
}

func transactionEvent(eventType string, tx *domain.Transaction) domain.LedgerEvent {
	userID, txID := tx.UserID, tx.ID
	event := domain.LedgerEvent{
		Type:          eventType,
		GroupID:       tx.GroupID,
		UserID:        &userID,
		TransactionID: &txID,
		Amount:        tx.Amount,
		Rotation:      tx.Rotation,
	}
	if tx.PaymentReference != nil {
		event.PaymentReference = *tx.PaymentReference
	}
	return event
}

func overdraftEvent(eventType string, o *domain.Overdraft, amount int64) domain.LedgerEvent {
	userID, overdraftID := o.UserID, o.ID
	outstanding := o.Outstanding()
	return domain.LedgerEvent{
		Type:        eventType,
		GroupID:     o.GroupID,
		UserID:      &userID,
		OverdraftID: &overdraftID,
		Amount:      amount,
		Balance:     &outstanding,
	}
}

func groupEvent(eventType string, groupID uuid.UUID, rotation int) domain.LedgerEvent {
	return domain.LedgerEvent{Type: eventType, GroupID: groupID, Rotation: rotation}
}
