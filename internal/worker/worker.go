package worker

import (
	"context"
	"log"
	"time"

	"settlement-service/internal/broker"
	"settlement-service/internal/models"
	"settlement-service/internal/service"
	"settlement-service/internal/store"
	"settlement-service/internal/util"

	"go.uber.org/zap"
)

// ExpiryWorker periodically closes transactions that never received an
// outcome from either ingress path. The coordinator owns the transition;
// this worker only owns the schedule.
type ExpiryWorker struct {
	coordinator *service.Coordinator
	interval    time.Duration
	logger      *zap.Logger
}

// NewExpiryWorker creates a new expiry sweep worker
func NewExpiryWorker(coordinator *service.Coordinator, interval time.Duration) *ExpiryWorker {
	return &ExpiryWorker{
		coordinator: coordinator,
		interval:    interval,
		logger:      util.GetLogger(),
	}
}

// Start runs the sweep loop until the context is cancelled
func (w *ExpiryWorker) Start(ctx context.Context) error {
	log.Println("Starting expiry worker...")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Expiry worker context cancelled, stopping...")
			return ctx.Err()
		case now := <-ticker.C:
			if err := w.coordinator.ExpireStale(ctx, now); err != nil {
				w.logger.Error("Expiry sweep failed", zap.Error(err))
			}
		}
	}
}

// FulfillmentWorker consumes settlement events and records the grant for
// downstream notification code. Stands in for the email/UI side, which is
// outside the settlement core.
type FulfillmentWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	store        *store.Store
	logger       *zap.Logger
}

// NewFulfillmentWorker creates a new fulfillment worker
func NewFulfillmentWorker(consumer *broker.Consumer, st *store.Store) *FulfillmentWorker {
	w := &FulfillmentWorker{
		consumer: consumer,
		store:    st,
		logger:   util.GetLogger(),
	}

	eventHandler := broker.NewEventHandler()
	eventHandler.OnTicketFulfilled(w.handleTicketFulfilled)
	eventHandler.OnPurchaseFailed(w.handlePurchaseFailed)
	w.eventHandler = eventHandler

	return w
}

// Start starts the worker
func (w *FulfillmentWorker) Start(ctx context.Context) error {
	log.Println("Starting fulfillment worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *FulfillmentWorker) Stop() error {
	log.Println("Stopping fulfillment worker...")
	return w.consumer.Close()
}

func (w *FulfillmentWorker) handleTicketFulfilled(ctx context.Context, event *models.TicketFulfilledEvent) error {
	processed, err := w.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return err
	}
	if processed {
		w.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	w.logger.Info("Ticket granted",
		zap.String("reference", event.Reference),
		zap.Int64("offering_id", event.OfferingID),
		zap.String("email", event.Email))

	return w.store.MarkEventProcessed(ctx, event.EventID, event.EventType)
}

func (w *FulfillmentWorker) handlePurchaseFailed(ctx context.Context, event *models.PurchaseFailedEvent) error {
	processed, err := w.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return err
	}
	if processed {
		return nil
	}

	w.logger.Info("Purchase closed without fulfillment",
		zap.String("reference", event.Reference),
		zap.String("reason", event.Reason))

	return w.store.MarkEventProcessed(ctx, event.EventID, event.EventType)
}
