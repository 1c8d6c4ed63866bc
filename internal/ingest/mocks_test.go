package ingest_test

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/austindbirch/notify_hook/internal/delivery"
	"github.com/austindbirch/notify_hook/internal/ledger"
)

type fakeTicketPort struct {
	mu        sync.Mutex
	issues    []delivery.Issue
	comments  []postedComment
	createFn  func(ctx context.Context, issue delivery.Issue) (delivery.IssueRef, error)
	commentFn func(ctx context.Context, issueKey string) error
}

type postedComment struct {
	Key  string
	Body delivery.Doc
}

func (f *fakeTicketPort) CreateIssue(ctx context.Context, issue delivery.Issue) (delivery.IssueRef, error) {
	f.mu.Lock()
	f.issues = append(f.issues, issue)
	fn := f.createFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, issue)
	}
	return delivery.IssueRef{Key: "ACCR-1", URL: "https://jira.example.com/browse/ACCR-1"}, nil
}

func (f *fakeTicketPort) AddComment(ctx context.Context, issueKey string, body delivery.Doc) error {
	f.mu.Lock()
	f.comments = append(f.comments, postedComment{Key: issueKey, Body: body})
	fn := f.commentFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, issueKey)
	}
	return nil
}

func (f *fakeTicketPort) Comments() []postedComment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]postedComment(nil), f.comments...)
}

// sequentialKeys makes CreateIssue hand out ACCR-1, ACCR-2, ...
func (f *fakeTicketPort) sequentialKeys() {
	n := 0
	f.createFn = func(ctx context.Context, issue delivery.Issue) (delivery.IssueRef, error) {
		f.mu.Lock()
		n++
		key := fmt.Sprintf("ACCR-%d", n)
		f.mu.Unlock()
		return delivery.IssueRef{Key: key, URL: "https://jira.example.com/browse/" + key}, nil
	}
}

func (f *fakeTicketPort) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.issues)
}

type fakeChatPort struct {
	mu       sync.Mutex
	messages []delivery.Message
	postFn   func(ctx context.Context, msg delivery.Message) (delivery.ChatAck, error)
}

func (f *fakeChatPort) PostMessage(ctx context.Context, msg delivery.Message) (delivery.ChatAck, error) {
	f.mu.Lock()
	f.messages = append(f.messages, msg)
	fn := f.postFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, msg)
	}
	return delivery.ChatAck{OK: true, Channel: "C123", Timestamp: "1.1"}, nil
}

func (f *fakeChatPort) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func (f *fakeChatPort) Last() delivery.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[len(f.messages)-1]
}

type fakeCostSource struct {
	summary *delivery.CostSummary
	err     error
	calls   int
}

func (f *fakeCostSource) Summary(ctx context.Context) (*delivery.CostSummary, error) {
	f.calls++
	return f.summary, f.err
}

var errStoreDown = errors.New("database is locked")

// brokenStore fails every reservation
type brokenStore struct {
	ledger.MemoryStore
}

func (b *brokenStore) Reserve(ctx context.Context, dedupKey, eventType string, changeID int64, snapshot []byte) (ledger.ReserveResult, error) {
	return ledger.ReserveResult{}, errStoreDown
}
