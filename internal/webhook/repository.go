package webhook

import "context"

// Repository persists webhook deliveries.
type Repository interface {
	CreateEvent(ctx context.Context, e *Event) error
	GetEvent(ctx context.Context, id string) (*Event, error)
	GetByDeliveryID(ctx context.Context, deliveryID string) (*Event, error)
	// MarkProcessed is the commit point for a delivery's side effects.
	MarkProcessed(ctx context.Context, id string, processedAt int64) error
	MarkFailed(ctx context.Context, id, processingError string) error
	// ListUnprocessed returns verified, unprocessed events in arrival order
	// for startup replay.
	ListUnprocessed(ctx context.Context, limit int) ([]*Event, error)
}
