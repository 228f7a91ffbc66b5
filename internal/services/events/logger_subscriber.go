package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aperio/internal/interfaces"
	"github.com/ternarybob/aperio/internal/models"
)

// NewLoggerSubscriber creates an event handler that logs all events
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		logEvent := logger.Debug().
			Str("event_type", string(event.Type))

		switch payload := event.Payload.(type) {
		case *models.Job:
			logEvent = logEvent.
				Str("job_id", payload.ID).
				Str("status", string(payload.Status))
		case *models.RetentionReport:
			logEvent = logEvent.
				Int("records_deleted", payload.RecordsDeleted).
				Int("files_deleted", payload.FilesDeleted)
		}

		logEvent.Msg("Event published")

		return nil
	}
}

// SubscribeLoggerToAllEvents subscribes the logger to all known event types
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	subscriber := NewLoggerSubscriber(logger)

	eventTypes := []interfaces.EventType{
		interfaces.EventJobCreated,
		interfaces.EventJobStatus,
		interfaces.EventJobDeleted,
		interfaces.EventRetentionSweep,
	}

	for _, eventType := range eventTypes {
		if err := eventService.Subscribe(eventType, subscriber); err != nil {
			return fmt.Errorf("failed to subscribe logger to event type %s: %w", eventType, err)
		}
	}

	logger.Debug().
		Int("event_type_count", len(eventTypes)).
		Msg("Logger subscribed to all event types")

	return nil
}
