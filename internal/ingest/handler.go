package ingest

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/notify_hook/internal/auth"
	"github.com/austindbirch/notify_hook/internal/delivery"
	"github.com/austindbirch/notify_hook/internal/event"
	"github.com/austindbirch/notify_hook/internal/ledger"
	"github.com/austindbirch/notify_hook/internal/logging"
	"github.com/austindbirch/notify_hook/internal/metrics"
	"github.com/austindbirch/notify_hook/internal/tracing"
)

const (
	statusProcessed = "processed"
	statusDuplicate = "already_processed"

	maxBodyBytes = 1 << 20
)

// Processor is implemented by *Service
type Processor interface {
	Process(ctx context.Context, ev event.Event) (Result, error)
}

type WebhookHandler struct {
	svc    Processor
	logger *logging.Logger
}

func NewWebhookHandler(svc Processor, logger *logging.Logger) *WebhookHandler {
	if logger == nil {
		logger = logging.New("notifier")
	}
	return &WebhookHandler{svc: svc, logger: logger}
}

// ProcessedResponse is returned once both channels have been attempted
type ProcessedResponse struct {
	Status         string                    `json:"status"`
	DedupKey       string                    `json:"dedup_key"`
	TicketCreated  bool                      `json:"ticket_created"`
	TicketKey      *string                   `json:"ticket_key"`
	TicketComments []delivery.CommentOutcome `json:"ticket_comments,omitempty"`
	SlackSent      bool                      `json:"slack_sent"`
	OverallStatus  delivery.OverallStatus    `json:"overall_status"`
}

// DuplicateResponse is returned when the dedup key was already reserved
type DuplicateResponse struct {
	Status          string          `json:"status"`
	DedupKey        string          `json:"dedup_key"`
	PreviousOutcome *ledger.Outcome `json:"previous_outcome,omitempty"`
}

func (h *WebhookHandler) PrOpened(c *gin.Context) {
	h.handle(c, event.TypePrOpened)
}

func (h *WebhookHandler) RecoveryComplete(c *gin.Context) {
	h.handle(c, event.TypeRecoveryComplete)
}

// Events dispatches on the payload's event_type alone
func (h *WebhookHandler) Events(c *gin.Context) {
	h.handle(c, "")
}

func (h *WebhookHandler) handle(c *gin.Context, endpointType string) {
	ctx := c.Request.Context()

	raw, err := event.Decode(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		metrics.RecordWebhook(endpointType, "bad_request")
		h.logger.WithContext(ctx).WithEventType(endpointType).WithError(err).Warn("Invalid webhook body")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body", "message": err.Error()})
		return
	}

	var ev event.Event
	if endpointType == "" {
		ev, err = event.Normalize(raw)
	} else {
		ev, err = event.NormalizeAs(endpointType, raw)
	}
	if err != nil {
		h.rejectInvalid(c, endpointType, err)
		return
	}

	if caller, ok := auth.SubjectFromContext(ctx); ok {
		tracing.AddSpanEvent(ctx, "webhook.authenticated", attribute.String("caller", caller))
		h.logger.WithContext(ctx).WithDedupKey(event.DedupKey(ev)).WithEventType(ev.Type()).
			WithField("caller", caller).Info("Authenticated webhook received")
	}

	result, err := h.svc.Process(ctx, ev)
	if err != nil {
		metrics.RecordWebhook(ev.Type(), "error")
		msg := "failed to process event"
		if errors.Is(err, ledger.ErrReservationLost) {
			msg = "notification record lost before finalization"
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg, "dedup_key": event.DedupKey(ev)})
		return
	}

	if result.Duplicate {
		metrics.RecordWebhook(ev.Type(), "duplicate")
		c.JSON(http.StatusOK, DuplicateResponse{
			Status:          statusDuplicate,
			DedupKey:        result.DedupKey,
			PreviousOutcome: result.Previous,
		})
		return
	}

	metrics.RecordWebhook(ev.Type(), string(result.Overall))
	resp := ProcessedResponse{
		Status:         statusProcessed,
		DedupKey:       result.DedupKey,
		TicketCreated:  result.Ticket.Created(),
		TicketComments: result.Ticket.Comments,
		SlackSent:      result.Chat.Sent(),
		OverallStatus:  result.Overall,
	}
	if result.Ticket.Created() {
		key := result.Ticket.Key
		resp.TicketKey = &key
	}
	c.JSON(http.StatusOK, resp)
}

func (h *WebhookHandler) rejectInvalid(c *gin.Context, endpointType string, err error) {
	log := h.logger.WithContext(c.Request.Context()).WithEventType(endpointType).WithError(err)

	var malformed *event.MalformedPayloadError
	if errors.As(err, &malformed) {
		metrics.RecordWebhook(endpointType, "malformed")
		log.WithField("field", malformed.Field).Warn("Malformed webhook payload")
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "malformed_payload",
			"field":   malformed.Field,
			"message": err.Error(),
		})
		return
	}

	var unsupported *event.UnsupportedEventTypeError
	if errors.As(err, &unsupported) {
		metrics.RecordWebhook(endpointType, "unsupported")
		log.Warn("Unsupported event type")
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":      "unsupported_event_type",
			"event_type": unsupported.EventType,
		})
		return
	}

	metrics.RecordWebhook(endpointType, "error")
	log.Error("Unexpected normalization error")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to validate event"})
}
