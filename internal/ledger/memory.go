package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/notify_hook/internal/delivery"
	"github.com/austindbirch/notify_hook/internal/event"
)

// MemoryStore keeps records in process memory. State is lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Reserve(ctx context.Context, dedupKey, eventType string, changeID int64, snapshot []byte) (ReserveResult, error) {
	if err := ctx.Err(); err != nil {
		return ReserveResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[dedupKey]; ok {
		return ReserveResult{Inserted: false, Record: clone(existing)}, nil
	}
	rec := newPendingRecord(uuid.NewString(), dedupKey, eventType, changeID, snapshot, s.now())
	s.records[dedupKey] = rec
	return ReserveResult{Inserted: true, Record: clone(rec)}, nil
}

func (s *MemoryStore) Finalize(ctx context.Context, dedupKey string, ticket delivery.TicketOutcome, chat delivery.ChatOutcome, overall delivery.OverallStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[dedupKey]
	if !ok {
		return ErrReservationLost
	}
	now := s.now()
	rec.Ticket = ticket
	rec.Chat = chat
	rec.Overall = overall
	rec.FinalizedAt = &now
	s.records[dedupKey] = rec
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, dedupKey string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[dedupKey]
	if !ok {
		return Record{}, ErrNotFound
	}
	return clone(rec), nil
}

func (s *MemoryStore) CreatedTickets(ctx context.Context, changeID int64) ([]delivery.IssueRef, error) {
	s.mu.Lock()
	matches := make([]Record, 0)
	for _, rec := range s.records {
		if rec.ChangeID == changeID && rec.EventType == event.TypePrOpened && rec.Ticket.Created() {
			matches = append(matches, rec)
		}
	}
	s.mu.Unlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].ReceivedAt.Equal(matches[j].ReceivedAt) {
			return matches[i].DedupKey < matches[j].DedupKey
		}
		return matches[i].ReceivedAt.Before(matches[j].ReceivedAt)
	})
	refs := make([]delivery.IssueRef, 0, len(matches))
	for _, rec := range matches {
		refs = append(refs, delivery.IssueRef{Key: rec.Ticket.Key, URL: rec.Ticket.URL})
	}
	return refs, nil
}

func (s *MemoryStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, rec := range s.records {
		if before.IsZero() || rec.ReceivedAt.Before(before) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

// Remove deletes one record. It exists to simulate an operator purge racing an
// in-flight request.
func (s *MemoryStore) Remove(dedupKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, dedupKey)
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func clone(r Record) Record {
	r.Snapshot = append(json.RawMessage(nil), r.Snapshot...)
	r.Ticket.Comments = append([]delivery.CommentOutcome(nil), r.Ticket.Comments...)
	if r.FinalizedAt != nil {
		t := *r.FinalizedAt
		r.FinalizedAt = &t
	}
	return r
}
