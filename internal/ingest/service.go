// Package ingest turns validated webhook events into one ticket and one chat
// message, at most once per dedup key.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/notify_hook/internal/delivery"
	"github.com/austindbirch/notify_hook/internal/event"
	"github.com/austindbirch/notify_hook/internal/ledger"
	"github.com/austindbirch/notify_hook/internal/logging"
	"github.com/austindbirch/notify_hook/internal/metrics"
	"github.com/austindbirch/notify_hook/internal/tracing"
)

const (
	channelTicket  = "ticket"
	channelComment = "ticket_comment"
	channelChat    = "chat"

	defaultPortTimeout = 15 * time.Second
)

// Options configures a Service. A nil port disables its channel; its outcome
// is then recorded as skipped. Costs is optional.
type Options struct {
	Ticket            delivery.TicketPort
	Chat              delivery.ChatPort
	Costs             delivery.CostSource
	ProjectKey        string
	AssigneeAccountID string
	PortTimeout       time.Duration
	Logger            *logging.Logger
}

type Service struct {
	store       ledger.Store
	ticket      delivery.TicketPort
	chat        delivery.ChatPort
	costs       delivery.CostSource
	issueOpts   delivery.IssueOptions
	portTimeout time.Duration
	logger      *logging.Logger
}

func NewService(store ledger.Store, opts Options) *Service {
	if opts.PortTimeout <= 0 {
		opts.PortTimeout = defaultPortTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("notifier")
	}
	return &Service{
		store:  store,
		ticket: opts.Ticket,
		chat:   opts.Chat,
		costs:  opts.Costs,
		issueOpts: delivery.IssueOptions{
			ProjectKey:        opts.ProjectKey,
			AssigneeAccountID: opts.AssigneeAccountID,
		},
		portTimeout: opts.PortTimeout,
		logger:      opts.Logger,
	}
}

// Result is the aggregate outcome of one Process call. For a duplicate only
// DedupKey and Previous are set.
type Result struct {
	Duplicate bool
	DedupKey  string
	Ticket    delivery.TicketOutcome
	Chat      delivery.ChatOutcome
	Overall   delivery.OverallStatus
	Previous  *ledger.Outcome
}

// Process reserves the event's dedup key, attempts the ticket and then the
// chat message, and finalizes the reservation. For recovery_complete the
// ticket step also comments on every ticket created for the change. Channel failures are part of
// the result. An error is returned only when the ledger fails; a
// ledger.ErrReservationLost error still carries the computed Result.
func (s *Service) Process(ctx context.Context, ev event.Event) (Result, error) {
	key := event.DedupKey(ev)
	ctx, span := tracing.StartSpan(ctx, "ingest.Process",
		attribute.String("dedup_key", key),
		attribute.String("event_type", ev.Type()),
	)
	defer span.End()

	log := func() *logging.LogEntry {
		return s.logger.WithContext(ctx).WithDedupKey(key).WithEventType(ev.Type())
	}

	snapshot, err := json.Marshal(ev)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, fmt.Errorf("snapshot %s: %w", key, err)
	}

	res, err := s.reserve(ctx, key, ev, snapshot)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log().WithError(err).Error("Failed to reserve dedup key")
		return Result{}, err
	}
	if !res.Inserted {
		prev := res.Record.Outcome()
		tracing.AddSpanEvent(ctx, "duplicate")
		log().WithField("previous_overall_status", string(prev.OverallStatus)).Info("Duplicate event ignored")
		return Result{Duplicate: true, DedupKey: key, Previous: &prev}, nil
	}

	// The reservation is ours: finish even if the caller goes away
	work := context.WithoutCancel(ctx)

	ticket := s.attemptTicket(work, ev)
	chat := s.attemptChat(work, ev, ticket)
	overall := delivery.Overall(ticket, chat)

	result := Result{DedupKey: key, Ticket: ticket, Chat: chat, Overall: overall}

	if err := s.finalize(work, key, ticket, chat, overall); err != nil {
		tracing.SetSpanError(ctx, err)
		if errors.Is(err, ledger.ErrReservationLost) {
			metrics.RecordReservationLost()
		}
		log().WithError(err).WithFields(map[string]any{
			"ticket_status":  string(ticket.Status),
			"chat_status":    string(chat.Status),
			"overall_status": string(overall),
		}).Error("Failed to finalize notification record")
		return result, err
	}

	log().WithFields(map[string]any{
		"ticket_status":  string(ticket.Status),
		"ticket_key":     ticket.Key,
		"chat_status":    string(chat.Status),
		"overall_status": string(overall),
	}).Info("Event processed")
	return result, nil
}

func (s *Service) reserve(ctx context.Context, key string, ev event.Event, snapshot []byte) (ledger.ReserveResult, error) {
	ctx, span := tracing.StartSpan(ctx, "ledger.reserve",
		attribute.String("dedup_key", key),
		attribute.Int64("change_id", ev.Change()),
	)
	defer span.End()

	res, err := s.store.Reserve(ctx, key, ev.Type(), ev.Change(), snapshot)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return ledger.ReserveResult{}, fmt.Errorf("reserve %s: %w", key, err)
	}
	span.SetAttributes(attribute.Bool("inserted", res.Inserted))
	return res, nil
}

func (s *Service) finalize(ctx context.Context, key string, ticket delivery.TicketOutcome, chat delivery.ChatOutcome, overall delivery.OverallStatus) error {
	ctx, span := tracing.StartSpan(ctx, "ledger.finalize",
		attribute.String("dedup_key", key),
		attribute.String("overall_status", string(overall)),
	)
	defer span.End()

	if err := s.store.Finalize(ctx, key, ticket, chat, overall); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("finalize %s: %w", key, err)
	}
	return nil
}

func (s *Service) attemptTicket(ctx context.Context, ev event.Event) delivery.TicketOutcome {
	if s.ticket == nil {
		metrics.RecordChannel(channelTicket, string(delivery.TicketSkipped), 0)
		return delivery.TicketSkippedOutcome("ticketing not configured")
	}

	outcome := s.createTicket(ctx, ev)
	if rc, ok := ev.(*event.RecoveryComplete); ok {
		outcome.Comments = s.commentOnChangeTickets(ctx, rc)
	}
	return outcome
}

func (s *Service) createTicket(ctx context.Context, ev event.Event) delivery.TicketOutcome {
	ctx, cancel := context.WithTimeout(ctx, s.portTimeout)
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, "ingest.ticket")
	defer span.End()

	start := time.Now()
	ref, err := s.ticket.CreateIssue(ctx, delivery.RenderIssue(ev, s.issueOpts))

	var outcome delivery.TicketOutcome
	switch {
	case err != nil:
		tracing.SetSpanError(ctx, err)
		outcome = delivery.TicketFailedOutcome(failureReason(ctx, err))
	case ref.Key == "":
		outcome = delivery.TicketFailedOutcome("ticket port returned no issue key")
	default:
		span.SetAttributes(attribute.String("ticket_key", ref.Key))
		outcome = delivery.TicketCreatedOutcome(ref)
	}

	metrics.RecordChannel(channelTicket, string(outcome.Status), time.Since(start))
	if outcome.Failed() {
		s.logger.WithContext(ctx).WithDedupKey(event.DedupKey(ev)).WithChannel(channelTicket).
			WithField("reason", outcome.Reason).Warn("Ticket creation failed")
	}
	return outcome
}

// commentOnChangeTickets adds the recovery comment to each ticket created for
// the change's pull requests. Each comment gets its own port timeout.
func (s *Service) commentOnChangeTickets(ctx context.Context, ev *event.RecoveryComplete) []delivery.CommentOutcome {
	ctx, span := tracing.StartSpan(ctx, "ingest.ticket_comments", attribute.Int64("change_id", ev.ChangeID))
	defer span.End()
	log := s.logger.WithContext(ctx).WithDedupKey(ev.DedupKey()).WithChannel(channelComment)

	refs, err := s.store.CreatedTickets(ctx, ev.ChangeID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Warn("Failed to look up tickets for change")
		metrics.RecordChannel(channelComment, "failed", 0)
		return []delivery.CommentOutcome{delivery.CommentFailedOutcome("", "find tickets for change: "+err.Error())}
	}
	span.SetAttributes(attribute.Int("tickets", len(refs)))
	if len(refs) == 0 {
		log.WithField("change_id", ev.ChangeID).Info("No earlier tickets to comment on")
		return nil
	}

	body := delivery.RenderRecoveryComment(ev, s.costSummary(ctx, ev))
	out := make([]delivery.CommentOutcome, 0, len(refs))
	for _, ref := range refs {
		out = append(out, s.addComment(ctx, ev, ref.Key, body))
	}
	return out
}

func (s *Service) addComment(ctx context.Context, ev *event.RecoveryComplete, issueKey string, body delivery.Doc) delivery.CommentOutcome {
	ctx, cancel := context.WithTimeout(ctx, s.portTimeout)
	defer cancel()

	start := time.Now()
	outcome := delivery.CommentPostedOutcome(issueKey)
	status := "posted"
	if err := s.ticket.AddComment(ctx, issueKey, body); err != nil {
		tracing.SetSpanError(ctx, err)
		outcome = delivery.CommentFailedOutcome(issueKey, failureReason(ctx, err))
		status = "failed"
		s.logger.WithContext(ctx).WithDedupKey(ev.DedupKey()).WithChannel(channelComment).
			WithFields(map[string]any{"issue_key": issueKey, "reason": outcome.Reason}).Warn("Ticket comment failed")
	}
	metrics.RecordChannel(channelComment, status, time.Since(start))
	return outcome
}

// costSummary returns nil when billing is not configured or unavailable
func (s *Service) costSummary(ctx context.Context, ev *event.RecoveryComplete) *delivery.CostSummary {
	if s.costs == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.portTimeout)
	defer cancel()

	summary, err := s.costs.Summary(ctx)
	if err != nil {
		s.logger.WithContext(ctx).WithDedupKey(ev.DedupKey()).WithError(err).Warn("Billing summary unavailable")
		return nil
	}
	return summary
}

func (s *Service) attemptChat(ctx context.Context, ev event.Event, ticket delivery.TicketOutcome) delivery.ChatOutcome {
	if s.chat == nil {
		metrics.RecordChannel(channelChat, string(delivery.ChatSkipped), 0)
		return delivery.ChatSkippedOutcome("chat not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, s.portTimeout)
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, "ingest.chat")
	defer span.End()

	start := time.Now()
	ack, err := s.chat.PostMessage(ctx, delivery.RenderMessage(ev, ticket))

	var outcome delivery.ChatOutcome
	switch {
	case err != nil:
		tracing.SetSpanError(ctx, err)
		outcome = delivery.ChatFailedOutcome(failureReason(ctx, err))
	case !ack.OK:
		reason := ack.Error
		if reason == "" {
			reason = "chat port reported failure"
		}
		tracing.AddSpanEvent(ctx, "chat.rejected", attribute.String("error", reason))
		outcome = delivery.ChatFailedOutcome(reason)
	default:
		outcome = delivery.ChatSentOutcome()
	}

	metrics.RecordChannel(channelChat, string(outcome.Status), time.Since(start))
	if outcome.Failed() {
		s.logger.WithContext(ctx).WithDedupKey(event.DedupKey(ev)).WithChannel(channelChat).
			WithField("reason", outcome.Reason).Warn("Chat post failed")
	}
	return outcome
}

func failureReason(ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return "timeout: " + err.Error()
	}
	return err.Error()
}
