package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/austindbirch/notify_hook/internal/delivery"
	"github.com/austindbirch/notify_hook/internal/event"
)

type notificationRecord struct {
	bun.BaseModel `bun:"table:notification_records,alias:nr"`

	ID             string     `bun:"id,pk"`
	DedupKey       string     `bun:"dedup_key,notnull,unique"`
	EventType      string     `bun:"event_type,notnull"`
	ChangeID       int64      `bun:"change_id,notnull"`
	ReceivedAt     time.Time  `bun:"received_at,notnull"`
	TicketKey      *string    `bun:"ticket_key"`
	TicketURL      *string    `bun:"ticket_url"`
	TicketStatus   string     `bun:"ticket_status,notnull"`
	TicketError    *string    `bun:"ticket_error"`
	TicketComments *string    `bun:"ticket_comments"`
	ChatStatus     string     `bun:"chat_status,notnull"`
	ChatError      *string    `bun:"chat_error"`
	OverallStatus  string     `bun:"overall_status,notnull"`
	Snapshot       string     `bun:"snapshot,notnull"`
	FinalizedAt    *time.Time `bun:"finalized_at"`
}

// SQLiteStore is the default durable store, one file per deployment
type SQLiteStore struct {
	db  *bun.DB
	now func() time.Time
}

// NewSQLiteStore creates the schema if it does not exist
func NewSQLiteStore(ctx context.Context, db *bun.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger: bun db is required")
	}
	_, err := db.NewCreateTable().
		Model((*notificationRecord)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: create schema: %w", err)
	}
	for index, column := range map[string]string{
		"idx_notification_records_received_at": "received_at",
		"idx_notification_records_change_id":   "change_id",
	} {
		_, err = db.NewCreateIndex().
			Model((*notificationRecord)(nil)).
			Index(index).
			Column(column).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return nil, fmt.Errorf("ledger: create index %s: %w", index, err)
		}
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQLiteStore) Reserve(ctx context.Context, dedupKey, eventType string, changeID int64, snapshot []byte) (ReserveResult, error) {
	rec := newPendingRecord(uuid.NewString(), dedupKey, eventType, changeID, snapshot, s.now())
	model := toModel(rec)

	res, err := s.db.NewInsert().
		Model(model).
		On("CONFLICT (dedup_key) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return ReserveResult{}, fmt.Errorf("ledger: reserve %s: %w", dedupKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ReserveResult{}, fmt.Errorf("ledger: reserve %s: %w", dedupKey, err)
	}
	if n == 0 {
		existing, err := s.Get(ctx, dedupKey)
		if err != nil {
			return ReserveResult{}, err
		}
		return ReserveResult{Inserted: false, Record: existing}, nil
	}
	return ReserveResult{Inserted: true, Record: rec}, nil
}

func (s *SQLiteStore) Finalize(ctx context.Context, dedupKey string, ticket delivery.TicketOutcome, chat delivery.ChatOutcome, overall delivery.OverallStatus) error {
	comments, err := encodeComments(ticket.Comments)
	if err != nil {
		return fmt.Errorf("ledger: finalize %s: %w", dedupKey, err)
	}
	res, err := s.db.NewUpdate().
		Model((*notificationRecord)(nil)).
		Set("ticket_status = ?", string(ticket.Status)).
		Set("ticket_key = ?", nullable(ticket.Key)).
		Set("ticket_url = ?", nullable(ticket.URL)).
		Set("ticket_error = ?", nullable(ticket.Reason)).
		Set("ticket_comments = ?", comments).
		Set("chat_status = ?", string(chat.Status)).
		Set("chat_error = ?", nullable(chat.Reason)).
		Set("overall_status = ?", string(overall)).
		Set("finalized_at = ?", s.now()).
		Where("dedup_key = ?", dedupKey).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("ledger: finalize %s: %w", dedupKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: finalize %s: %w", dedupKey, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrReservationLost, dedupKey)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, dedupKey string) (Record, error) {
	model := &notificationRecord{}
	err := s.db.NewSelect().
		Model(model).
		Where("?TableAlias.dedup_key = ?", dedupKey).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("ledger: get %s: %w", dedupKey, err)
	}
	return model.toDomain(), nil
}

func (s *SQLiteStore) CreatedTickets(ctx context.Context, changeID int64) ([]delivery.IssueRef, error) {
	var models []notificationRecord
	err := s.db.NewSelect().
		Model(&models).
		Where("?TableAlias.change_id = ?", changeID).
		Where("?TableAlias.event_type = ?", event.TypePrOpened).
		Where("?TableAlias.ticket_status = ?", string(delivery.TicketCreated)).
		OrderExpr("?TableAlias.received_at ASC, ?TableAlias.dedup_key ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: tickets for change %d: %w", changeID, err)
	}
	refs := make([]delivery.IssueRef, 0, len(models))
	for _, m := range models {
		refs = append(refs, delivery.IssueRef{Key: deref(m.TicketKey), URL: deref(m.TicketURL)})
	}
	return refs, nil
}

func (s *SQLiteStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	q := s.db.NewDelete().Model((*notificationRecord)(nil))
	if before.IsZero() {
		q = q.Where("1 = 1")
	} else {
		q = q.Where("received_at < ?", before.UTC())
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: purge: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// toModel maps a freshly reserved record; comments are only written by Finalize
func toModel(r Record) *notificationRecord {
	return &notificationRecord{
		ID:            r.ID,
		DedupKey:      r.DedupKey,
		EventType:     r.EventType,
		ChangeID:      r.ChangeID,
		ReceivedAt:    r.ReceivedAt,
		TicketKey:     nullable(r.Ticket.Key),
		TicketURL:     nullable(r.Ticket.URL),
		TicketStatus:  string(r.Ticket.Status),
		TicketError:   nullable(r.Ticket.Reason),
		ChatStatus:    string(r.Chat.Status),
		ChatError:     nullable(r.Chat.Reason),
		OverallStatus: string(r.Overall),
		Snapshot:      string(r.Snapshot),
		FinalizedAt:   r.FinalizedAt,
	}
}

func (m *notificationRecord) toDomain() Record {
	rec := Record{
		ID:         m.ID,
		DedupKey:   m.DedupKey,
		EventType:  m.EventType,
		ChangeID:   m.ChangeID,
		ReceivedAt: m.ReceivedAt.UTC(),
		Ticket: delivery.TicketOutcome{
			Status:   delivery.TicketStatus(m.TicketStatus),
			Key:      deref(m.TicketKey),
			URL:      deref(m.TicketURL),
			Reason:   deref(m.TicketError),
			Comments: decodeComments(m.TicketComments),
		},
		Chat: delivery.ChatOutcome{
			Status: delivery.ChatStatus(m.ChatStatus),
			Reason: deref(m.ChatError),
		},
		Overall:  delivery.OverallStatus(m.OverallStatus),
		Snapshot: []byte(m.Snapshot),
	}
	if m.FinalizedAt != nil {
		t := m.FinalizedAt.UTC()
		rec.FinalizedAt = &t
	}
	return rec
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func encodeComments(comments []delivery.CommentOutcome) (*string, error) {
	if len(comments) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(comments)
	if err != nil {
		return nil, fmt.Errorf("encode comments: %w", err)
	}
	out := string(b)
	return &out, nil
}

// decodeComments drops a column it cannot parse rather than failing the read
func decodeComments(s *string) []delivery.CommentOutcome {
	if s == nil || *s == "" {
		return nil
	}
	var out []delivery.CommentOutcome
	if err := json.Unmarshal([]byte(*s), &out); err != nil {
		return nil
	}
	return out
}
