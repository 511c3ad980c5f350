package webhook

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
	"github.com/djinnbot/djinnbot/internal/common/logger"
	"github.com/djinnbot/djinnbot/internal/events"
	"github.com/djinnbot/djinnbot/internal/events/bus"
)

// Delivery is one raw webhook request as received at the ingress endpoint.
type Delivery struct {
	Source     string
	DeliveryID string
	EventType  string
	Signature  string
	Body       []byte
}

// IngressService persists and announces webhook deliveries. Every delivery
// is recorded, verified or not, before any verdict is returned; side effects
// happen later in the consumer.
type IngressService struct {
	repo    Repository
	bus     bus.EventBus
	limiter *SourceLimiter
	secret  []byte
	logger  *logger.Logger

	now func() time.Time
}

func NewIngressService(repo Repository, eventBus bus.EventBus, limiter *SourceLimiter, secret []byte, log *logger.Logger) *IngressService {
	return &IngressService{
		repo:    repo,
		bus:     eventBus,
		limiter: limiter,
		secret:  secret,
		logger:  log,
		now:     time.Now,
	}
}

// Ingest runs the ingress pipeline for one delivery: rate limit, dedupe,
// verify, persist, announce. An unverified delivery is persisted and then
// rejected with a signature error.
func (s *IngressService) Ingest(ctx context.Context, d Delivery) (*Event, error) {
	if d.DeliveryID == "" || d.EventType == "" {
		return nil, apperrors.InvalidInput("delivery id and event type are required")
	}
	if !s.limiter.Allow(d.Source) {
		return nil, apperrors.RateLimited(d.Source)
	}

	// Redeliveries reuse the delivery id; the stored record wins.
	if existing, err := s.repo.GetByDeliveryID(ctx, d.DeliveryID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	e := &Event{
		ID:         "wh_" + uuid.NewString(),
		DeliveryID: d.DeliveryID,
		EventType:  d.EventType,
		Signature:  d.Signature,
		Verified:   VerifySignature(s.secret, d.Body, d.Signature),
		Payload:    string(d.Body),
		ReceivedAt: s.now().UnixMilli(),
	}
	if p, err := parsePayload(d.Body); err == nil {
		e.Action = p.Action
		e.Repository = p.Repository.FullName
		if p.Installation.ID != 0 {
			e.InstallationID = strconv.FormatInt(p.Installation.ID, 10)
		}
	}

	if err := s.repo.CreateEvent(ctx, e); err != nil {
		return nil, err
	}
	if !e.Verified {
		s.logger.Warn("rejecting unverified webhook delivery",
			zap.String("delivery_id", d.DeliveryID),
			zap.String("event_type", d.EventType))
		return e, apperrors.SignatureInvalid()
	}

	notice, err := events.Encode(d.EventType, events.WebhookNotice{
		EventID:        e.ID,
		DeliveryID:     e.DeliveryID,
		Source:         d.Source,
		EventType:      e.EventType,
		Action:         e.Action,
		Repository:     e.Repository,
		InstallationID: e.InstallationID,
	})
	if err == nil {
		err = s.bus.Publish(ctx, events.WebhooksGitHubChannel, []byte(notice["payload"]))
	}
	if err != nil {
		// The row is already durable; startup replay will pick it up.
		s.logger.Error("failed to announce webhook delivery",
			zap.String("event_id", e.ID), zap.Error(err))
	}
	return e, nil
}
