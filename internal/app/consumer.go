package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/kijumbe/ledger-service/internal/domain"
)

const callbackProcessingTimeout = 15 * time.Second

// CallbackHandler applies an authenticated gateway callback.
type CallbackHandler interface {
	HandleGatewayCallback(ctx context.Context, body []byte, signature string) (*ReconciliationResult, error)
}

// CallbackConsumer applies gateway callbacks relayed over the broker by the
// edge service.
type CallbackConsumer struct {
	handler CallbackHandler
	logger  *slog.Logger
}

func NewCallbackConsumer(handler CallbackHandler, logger *slog.Logger) *CallbackConsumer {
	return &CallbackConsumer{handler: handler, logger: logger.With("component", "callback_consumer")}
}

// HandleMessage returns false only for failures worth redelivering: store or
// gateway outages. Bad payloads and signatures are acknowledged and dropped.
func (c *CallbackConsumer) HandleMessage(body []byte) bool {
	var relayed domain.RelayedCallback
	if err := json.Unmarshal(body, &relayed); err != nil {
		c.logger.Warn("failed to unmarshal relayed callback; dropping", "error", err)
		return true
	}
	if len(relayed.Body) == 0 {
		c.logger.Warn("relayed callback has no body; dropping")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), callbackProcessingTimeout)
	defer cancel()

	result, err := c.handler.HandleGatewayCallback(ctx, relayed.Body, relayed.Signature)
	if err != nil {
		if errors.Is(err, domain.ErrExternalDependency) {
			c.logger.Error("callback processing failed; re-queuing", "error", err)
			return false
		}
		c.logger.Warn("callback not applied; dropping", "category", domain.CategoryName(err), "error", err)
		return true
	}

	c.logger.Info("relayed callback processed", "reference", result.Reference, "outcome", result.Outcome)
	return true
}
