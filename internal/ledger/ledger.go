// Package ledger records which events have been handled and what happened to
// each delivery channel. A reservation is created before any channel is
// attempted and finalized exactly once afterwards.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/notify_hook/internal/config"
	"github.com/austindbirch/notify_hook/internal/db"
	"github.com/austindbirch/notify_hook/internal/delivery"
)

var (
	// ErrNotFound is returned by Get for an unknown dedup key
	ErrNotFound = errors.New("ledger: record not found")
	// ErrReservationLost means Finalize found no row for a key this process reserved
	ErrReservationLost = errors.New("ledger: reservation lost")
)

// Record is one processed (or in-flight) event
type Record struct {
	ID          string                 `json:"id"`
	DedupKey    string                 `json:"dedup_key"`
	EventType   string                 `json:"event_type"`
	ChangeID    int64                  `json:"change_id"`
	ReceivedAt  time.Time              `json:"received_at"`
	Ticket      delivery.TicketOutcome `json:"ticket"`
	Chat        delivery.ChatOutcome   `json:"chat"`
	Overall     delivery.OverallStatus `json:"overall_status"`
	Snapshot    json.RawMessage        `json:"snapshot,omitempty"`
	FinalizedAt *time.Time             `json:"finalized_at,omitempty"`
}

// Outcome is the part of a record reported back to a duplicate caller
type Outcome struct {
	TicketStatus   delivery.TicketStatus     `json:"ticket_status"`
	TicketKey      string                    `json:"ticket_key,omitempty"`
	TicketURL      string                    `json:"ticket_url,omitempty"`
	TicketComments []delivery.CommentOutcome `json:"ticket_comments,omitempty"`
	ChatStatus     delivery.ChatStatus       `json:"chat_status"`
	OverallStatus  delivery.OverallStatus    `json:"overall_status"`
}

func (r Record) Outcome() Outcome {
	return Outcome{
		TicketStatus:   r.Ticket.Status,
		TicketKey:      r.Ticket.Key,
		TicketURL:      r.Ticket.URL,
		TicketComments: r.Ticket.Comments,
		ChatStatus:     r.Chat.Status,
		OverallStatus:  r.Overall,
	}
}

// ReserveResult tells the caller whether it owns the key. When Inserted is
// false Record holds the row written by whoever reserved it first.
type ReserveResult struct {
	Inserted bool
	Record   Record
}

// Store is the idempotency store. Reserve must be an atomic check-and-insert:
// among concurrent callers with the same key exactly one sees Inserted=true.
type Store interface {
	Reserve(ctx context.Context, dedupKey, eventType string, changeID int64, snapshot []byte) (ReserveResult, error)
	Finalize(ctx context.Context, dedupKey string, ticket delivery.TicketOutcome, chat delivery.ChatOutcome, overall delivery.OverallStatus) error
	Get(ctx context.Context, dedupKey string) (Record, error)
	// CreatedTickets returns the tickets created for pr_opened events of a
	// change, oldest first
	CreatedTickets(ctx context.Context, changeID int64) ([]delivery.IssueRef, error)
	Close() error
}

// Purger deletes records received before a cutoff. A zero cutoff deletes everything.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Pinger checks the backing database
type Pinger interface {
	Ping(ctx context.Context) error
}

func newPendingRecord(id, dedupKey, eventType string, changeID int64, snapshot []byte, now time.Time) Record {
	return Record{
		ID:         id,
		DedupKey:   dedupKey,
		EventType:  eventType,
		ChangeID:   changeID,
		ReceivedAt: now,
		Ticket:     delivery.TicketOutcome{Status: delivery.TicketPending},
		Chat:       delivery.ChatOutcome{Status: delivery.ChatPending},
		Overall:    delivery.OverallPending,
		Snapshot:   append(json.RawMessage(nil), snapshot...),
	}
}

// Open builds the store selected by LEDGER_DRIVER
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.Ledger.Driver {
	case "", "sqlite":
		bdb, err := db.OpenSQLite(ctx, cfg.Ledger.Path)
		if err != nil {
			return nil, fmt.Errorf("ledger: open sqlite %s: %w", cfg.Ledger.Path, err)
		}
		return NewSQLiteStore(ctx, bdb)
	case "postgres":
		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			return nil, fmt.Errorf("ledger: connect postgres: %w", err)
		}
		return NewPostgresStore(ctx, pool)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("ledger: unknown driver %q", cfg.Ledger.Driver)
	}
}
