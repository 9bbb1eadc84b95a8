package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"settlement-service/internal/models"

	"github.com/segmentio/kafka-go"
)

// EventPublisher handles publishing settlement events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishTicketFulfilled publishes a TicketFulfilled event. Messages are
// keyed by reference so replays for one purchase stay ordered.
func (ep *EventPublisher) PublishTicketFulfilled(ctx context.Context, event *models.TicketFulfilledEvent) error {
	key := fmt.Sprintf("purchase-%s", event.Reference)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishPurchaseFailed publishes a PurchaseFailed event
func (ep *EventPublisher) PublishPurchaseFailed(ctx context.Context, event *models.PurchaseFailedEvent) error {
	key := fmt.Sprintf("purchase-%s", event.Reference)
	return ep.producer.PublishEvent(ctx, key, event)
}

// EventHandler routes incoming settlement events
type EventHandler struct {
	onTicketFulfilled func(context.Context, *models.TicketFulfilledEvent) error
	onPurchaseFailed  func(context.Context, *models.PurchaseFailedEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnTicketFulfilled registers a handler for TicketFulfilled events
func (eh *EventHandler) OnTicketFulfilled(handler func(context.Context, *models.TicketFulfilledEvent) error) {
	eh.onTicketFulfilled = handler
}

// OnPurchaseFailed registers a handler for PurchaseFailed events
func (eh *EventHandler) OnPurchaseFailed(handler func(context.Context, *models.PurchaseFailedEvent) error) {
	eh.onPurchaseFailed = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	log.Printf("Handling event: type=%s, id=%s", baseEvent.EventType, baseEvent.EventID)

	switch baseEvent.EventType {
	case models.EventTypeTicketFulfilled:
		if eh.onTicketFulfilled != nil {
			var event models.TicketFulfilledEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal TicketFulfilled event: %w", err)
			}
			return eh.onTicketFulfilled(ctx, &event)
		}

	case models.EventTypePurchaseFailed:
		if eh.onPurchaseFailed != nil {
			var event models.PurchaseFailedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PurchaseFailed event: %w", err)
			}
			return eh.onPurchaseFailed(ctx, &event)
		}

	default:
		log.Printf("Unhandled event type: %s", baseEvent.EventType)
	}

	return nil
}
