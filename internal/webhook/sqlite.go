package webhook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
	"github.com/djinnbot/djinnbot/internal/db"
	"github.com/djinnbot/djinnbot/internal/db/dialect"
)

// SQLRepository persists webhook deliveries on the relational state store.
type SQLRepository struct {
	pool *db.Pool
}

var _ Repository = (*SQLRepository)(nil)

func NewSQLRepository(pool *db.Pool) *SQLRepository {
	return &SQLRepository{pool: pool}
}

type eventRow struct {
	ID              string `db:"id"`
	DeliveryID      string `db:"delivery_id"`
	EventType       string `db:"event_type"`
	Action          string `db:"action"`
	Repository      string `db:"repository"`
	InstallationID  string `db:"installation_id"`
	Signature       string `db:"signature"`
	Verified        int    `db:"verified"`
	Payload         string `db:"payload"`
	Processed       int    `db:"processed"`
	ProcessingError string `db:"processing_error"`
	ReceivedAt      int64  `db:"received_at"`
	ProcessedAt     *int64 `db:"processed_at"`
}

func (r eventRow) toModel() *Event {
	return &Event{
		ID:              r.ID,
		DeliveryID:      r.DeliveryID,
		EventType:       r.EventType,
		Action:          r.Action,
		Repository:      r.Repository,
		InstallationID:  r.InstallationID,
		Signature:       r.Signature,
		Verified:        r.Verified != 0,
		Payload:         r.Payload,
		Processed:       r.Processed != 0,
		ProcessingError: r.ProcessingError,
		ReceivedAt:      r.ReceivedAt,
		ProcessedAt:     r.ProcessedAt,
	}
}

func (s *SQLRepository) CreateEvent(ctx context.Context, e *Event) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO webhook_events (id, delivery_id, event_type, action, repository,
			installation_id, signature, verified, payload, processed,
			processing_error, received_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.DeliveryID, e.EventType, e.Action, e.Repository,
		e.InstallationID, e.Signature, dialect.BoolToInt(e.Verified), e.Payload,
		dialect.BoolToInt(e.Processed), e.ProcessingError, e.ReceivedAt, e.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to create webhook event: %w", err)
	}
	return nil
}

func (s *SQLRepository) GetEvent(ctx context.Context, id string) (*Event, error) {
	var row eventRow
	rd := s.pool.Reader()
	err := rd.GetContext(ctx, &row, rd.Rebind(`SELECT * FROM webhook_events WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("webhook event", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return row.toModel(), nil
}

func (s *SQLRepository) GetByDeliveryID(ctx context.Context, deliveryID string) (*Event, error) {
	var row eventRow
	rd := s.pool.Reader()
	err := rd.GetContext(ctx, &row,
		rd.Rebind(`SELECT * FROM webhook_events WHERE delivery_id = ?`), deliveryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up delivery: %w", err)
	}
	return row.toModel(), nil
}

func (s *SQLRepository) MarkProcessed(ctx context.Context, id string, processedAt int64) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE webhook_events SET processed = 1, processing_error = '', processed_at = ?
		WHERE id = ?`), processedAt, id)
	if err != nil {
		return fmt.Errorf("failed to mark webhook processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("webhook event", id)
	}
	return nil
}

func (s *SQLRepository) MarkFailed(ctx context.Context, id, processingError string) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE webhook_events SET processed = 0, processing_error = ?
		WHERE id = ?`), processingError, id)
	if err != nil {
		return fmt.Errorf("failed to mark webhook failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("webhook event", id)
	}
	return nil
}

func (s *SQLRepository) ListUnprocessed(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rd := s.pool.Reader()
	var rows []eventRow
	err := rd.SelectContext(ctx, &rows, rd.Rebind(`
		SELECT * FROM webhook_events
		WHERE processed = 0 AND verified = 1
		ORDER BY received_at LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed webhooks: %w", err)
	}
	events := make([]*Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.toModel())
	}
	return events, nil
}
