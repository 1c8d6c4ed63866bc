package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/notify_hook/internal/delivery"
	"github.com/austindbirch/notify_hook/internal/event"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS notification_records (
	id              UUID PRIMARY KEY,
	dedup_key       TEXT NOT NULL UNIQUE,
	event_type      TEXT NOT NULL,
	change_id       BIGINT NOT NULL DEFAULT 0,
	received_at     TIMESTAMPTZ NOT NULL,
	ticket_key      TEXT,
	ticket_url      TEXT,
	ticket_status   TEXT NOT NULL,
	ticket_error    TEXT,
	ticket_comments JSONB,
	chat_status     TEXT NOT NULL,
	chat_error      TEXT,
	overall_status  TEXT NOT NULL,
	snapshot        JSONB NOT NULL,
	finalized_at    TIMESTAMPTZ
);
ALTER TABLE notification_records ADD COLUMN IF NOT EXISTS change_id BIGINT NOT NULL DEFAULT 0;
ALTER TABLE notification_records ADD COLUMN IF NOT EXISTS ticket_comments JSONB;
CREATE INDEX IF NOT EXISTS idx_notification_records_received_at ON notification_records (received_at);
CREATE INDEX IF NOT EXISTS idx_notification_records_change_id ON notification_records (change_id);
`

const selectColumns = `id::text, dedup_key, event_type, change_id, received_at, ticket_key, ticket_url, ticket_status,
	ticket_error, ticket_comments::text, chat_status, chat_error, overall_status, snapshot, finalized_at`

// PostgresStore shares the ledger across replicas
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("ledger: pgx pool is required")
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("ledger: create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Reserve(ctx context.Context, dedupKey, eventType string, changeID int64, snapshot []byte) (ReserveResult, error) {
	rec := newPendingRecord(uuid.NewString(), dedupKey, eventType, changeID, snapshot, time.Now().UTC())

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO notification_records
			(id, dedup_key, event_type, change_id, received_at, ticket_status, chat_status, overall_status, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dedup_key) DO NOTHING`,
		rec.ID, rec.DedupKey, rec.EventType, rec.ChangeID, rec.ReceivedAt,
		string(rec.Ticket.Status), string(rec.Chat.Status), string(rec.Overall), []byte(rec.Snapshot),
	)
	if err != nil {
		return ReserveResult{}, fmt.Errorf("ledger: reserve %s: %w", dedupKey, err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.Get(ctx, dedupKey)
		if err != nil {
			return ReserveResult{}, err
		}
		return ReserveResult{Inserted: false, Record: existing}, nil
	}
	return ReserveResult{Inserted: true, Record: rec}, nil
}

func (s *PostgresStore) Finalize(ctx context.Context, dedupKey string, ticket delivery.TicketOutcome, chat delivery.ChatOutcome, overall delivery.OverallStatus) error {
	comments, err := encodeComments(ticket.Comments)
	if err != nil {
		return fmt.Errorf("ledger: finalize %s: %w", dedupKey, err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE notification_records
		SET ticket_status = $2, ticket_key = $3, ticket_url = $4, ticket_error = $5, ticket_comments = $6::jsonb,
			chat_status = $7, chat_error = $8, overall_status = $9, finalized_at = now()
		WHERE dedup_key = $1`,
		dedupKey,
		string(ticket.Status), nullable(ticket.Key), nullable(ticket.URL), nullable(ticket.Reason), comments,
		string(chat.Status), nullable(chat.Reason), string(overall),
	)
	if err != nil {
		return fmt.Errorf("ledger: finalize %s: %w", dedupKey, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrReservationLost, dedupKey)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, dedupKey string) (Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM notification_records WHERE dedup_key = $1`, dedupKey)

	var (
		m        notificationRecord
		snapshot []byte
	)
	err := row.Scan(&m.ID, &m.DedupKey, &m.EventType, &m.ChangeID, &m.ReceivedAt, &m.TicketKey, &m.TicketURL,
		&m.TicketStatus, &m.TicketError, &m.TicketComments, &m.ChatStatus, &m.ChatError, &m.OverallStatus,
		&snapshot, &m.FinalizedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("ledger: get %s: %w", dedupKey, err)
	}
	m.Snapshot = string(snapshot)
	return m.toDomain(), nil
}

func (s *PostgresStore) CreatedTickets(ctx context.Context, changeID int64) ([]delivery.IssueRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ticket_key, ticket_url FROM notification_records
		WHERE change_id = $1 AND event_type = $2 AND ticket_status = $3
		ORDER BY received_at, dedup_key`,
		changeID, event.TypePrOpened, string(delivery.TicketCreated),
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: tickets for change %d: %w", changeID, err)
	}
	defer rows.Close()

	refs := make([]delivery.IssueRef, 0)
	for rows.Next() {
		var key, url *string
		if err := rows.Scan(&key, &url); err != nil {
			return nil, fmt.Errorf("ledger: tickets for change %d: %w", changeID, err)
		}
		refs = append(refs, delivery.IssueRef{Key: deref(key), URL: deref(url)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: tickets for change %d: %w", changeID, err)
	}
	return refs, nil
}

func (s *PostgresStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if before.IsZero() {
		tag, err = s.pool.Exec(ctx, `DELETE FROM notification_records`)
	} else {
		tag, err = s.pool.Exec(ctx, `DELETE FROM notification_records WHERE received_at < $1`, before.UTC())
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
