// Command fake-receiver stands in for Jira, Slack and the billing service
// during local runs. It answers the endpoints the notifier calls and can be
// told to fail.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/austindbirch/notify_hook/internal/config"
	"github.com/austindbirch/notify_hook/internal/logging"
	"github.com/austindbirch/notify_hook/internal/tracing"
)

const (
	failNotInChannel = "not_in_channel"
	failInvalidBlock = "invalid_blocks"
	failHTTP500      = "http_500"
)

type receivedRequest struct {
	Kind    string          `json:"kind"` // jira | jira_comment | slack
	At      time.Time       `json:"at"`
	TraceID string          `json:"trace_id,omitempty"`
	Body    json.RawMessage `json:"body"`
}

type receiver struct {
	cfg    config.FakeReceiver
	logger *logging.Logger

	mu        sync.Mutex
	jiraCount int
	issueSeq  int
	issues    map[string]bool
	received  []receivedRequest
}

func newReceiver(cfg config.FakeReceiver, logger *logging.Logger) *receiver {
	return &receiver{cfg: cfg, logger: logger, issues: make(map[string]bool)}
}

func (rv *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/rest/api/3/issue", rv.handleJiraIssue)
	mux.HandleFunc("POST /rest/api/3/issue/{key}/comment", rv.handleJiraComment)
	mux.HandleFunc("/api/chat.postMessage", rv.handleSlackPost)
	mux.HandleFunc("GET /api/v1/billing/summary", rv.handleBillingSummary)
	mux.HandleFunc("/_requests", rv.handleRequests)
	return mux
}

func main() {
	cfg := config.Load()
	logger := logging.New("fake-receiver")
	tracing.SetupPropagation()
	rv := newReceiver(cfg.FakeReceiver, logger)

	server := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      rv.routes(),
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":              cfg.FakeReceiver.Port,
		"jira_fail_first_n": cfg.FakeReceiver.JiraFailFirstN,
		"slack_fail_mode":   cfg.FakeReceiver.SlackFailMode,
	}).Info("fake-receiver listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Plain().WithError(err).Fatal("fake-receiver stopped")
	}
}

func (rv *receiver) handleJiraIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := tracing.ExtractHTTPHeaders(r.Context(), r.Header)
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()
	rv.delay()

	if _, _, ok := r.BasicAuth(); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"errorMessages": []string{"Client must be authenticated to access this resource."}})
		return
	}

	var req struct {
		Fields struct {
			Project struct {
				Key string `json:"key"`
			} `json:"project"`
			Summary string `json:"summary"`
		} `json:"fields"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Fields.Summary == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": map[string]string{"summary": "You must specify a summary of the issue."}})
		return
	}

	rv.mu.Lock()
	rv.jiraCount++
	n := rv.jiraCount
	failing := n <= rv.cfg.JiraFailFirstN
	if !failing {
		rv.issueSeq++
	}
	seq := rv.issueSeq
	rv.record(ctx, "jira", body)
	rv.mu.Unlock()

	// Simulate flakiness: first N issues -> 500
	if failing {
		rv.logger.WithContext(ctx).WithChannel("ticket").Warnf("FAILING (%d/%d) body=%s", n, rv.cfg.JiraFailFirstN, truncate(string(body), 160))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"errorMessages": []string{"temporary failure"}})
		return
	}

	project := req.Fields.Project.Key
	if project == "" {
		project = "ACCR"
	}
	key := fmt.Sprintf("%s-%d", project, seq)
	rv.mu.Lock()
	rv.issues[key] = true
	rv.mu.Unlock()
	rv.logger.WithContext(ctx).WithChannel("ticket").WithField("key", key).Info("issue created")
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":   fmt.Sprintf("%d", 10000+seq),
		"key":  key,
		"self": "http://" + r.Host + "/rest/api/3/issue/" + key,
	})
}

func (rv *receiver) handleJiraComment(w http.ResponseWriter, r *http.Request) {
	ctx := tracing.ExtractHTTPHeaders(r.Context(), r.Header)
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()
	rv.delay()

	if _, _, ok := r.BasicAuth(); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"errorMessages": []string{"Client must be authenticated to access this resource."}})
		return
	}

	var req struct {
		Body struct {
			Type string `json:"type"`
		} `json:"body"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Body.Type != "doc" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": map[string]string{"comment": "Comment body can not be empty!"}})
		return
	}

	key := r.PathValue("key")
	rv.mu.Lock()
	known := rv.issues[key]
	if known {
		rv.record(ctx, "jira_comment", body)
	}
	id := 20000 + len(rv.received)
	rv.mu.Unlock()

	if !known {
		writeJSON(w, http.StatusNotFound, map[string]any{"errorMessages": []string{"Issue does not exist or you do not have permission to see it."}})
		return
	}
	rv.logger.WithContext(ctx).WithChannel("ticket_comment").WithField("key", key).Info("comment added")
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":   fmt.Sprintf("%d", id),
		"self": "http://" + r.Host + "/rest/api/3/issue/" + key + "/comment",
	})
}

// handleBillingSummary serves a fixed cost summary
func (rv *receiver) handleBillingSummary(w http.ResponseWriter, r *http.Request) {
	ctx := tracing.ExtractHTTPHeaders(r.Context(), r.Header)
	rv.delay()
	rv.logger.WithContext(ctx).WithChannel("billing").Info("billing summary served")
	writeJSON(w, http.StatusOK, map[string]any{
		"total_revenue": 48210.75,
		"top_teams": []map[string]any{
			{"team_id": "team-payments", "team_name": "Payments", "total_cost": 21450.5, "total_sessions": 312},
			{"team_id": "team-search", "team_name": "Search", "total_cost": 12875.25, "total_sessions": 201},
			{"team_id": "team-growth", "team_name": "Growth", "total_cost": 6120, "total_sessions": 88},
		},
	})
}

func (rv *receiver) handleSlackPost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := tracing.ExtractHTTPHeaders(r.Context(), r.Header)
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()
	rv.delay()

	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": "not_authed"})
		return
	}

	var req struct {
		Channel string            `json:"channel"`
		Text    string            `json:"text"`
		Blocks  []json.RawMessage `json:"blocks"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": "invalid_json"})
		return
	}

	rv.mu.Lock()
	rv.record(ctx, "slack", body)
	rv.mu.Unlock()

	switch rv.cfg.SlackFailMode {
	case failNotInChannel:
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": failNotInChannel})
		return
	case failInvalidBlock:
		if len(req.Blocks) > 0 {
			writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": failInvalidBlock})
			return
		}
	case failHTTP500:
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	rv.logger.WithContext(ctx).WithChannel("chat").WithField("channel", req.Channel).Infof("message posted blocks=%d text=%q", len(req.Blocks), truncate(req.Text, 80))
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"channel": req.Channel,
		"ts":      fmt.Sprintf("%d.000100", time.Now().Unix()),
	})
}

// handleRequests lists everything received so far, oldest first
func (rv *receiver) handleRequests(w http.ResponseWriter, r *http.Request) {
	rv.mu.Lock()
	out := make([]receivedRequest, len(rv.received))
	copy(out, rv.received)
	rv.mu.Unlock()

	if kind := r.URL.Query().Get("kind"); kind != "" {
		filtered := out[:0]
		for _, req := range out {
			if req.Kind == kind {
				filtered = append(filtered, req)
			}
		}
		out = filtered
	}
	writeJSON(w, http.StatusOK, out)
}

// record appends a received request; callers hold rv.mu
func (rv *receiver) record(ctx context.Context, kind string, body []byte) {
	rv.received = append(rv.received, receivedRequest{
		Kind:    kind,
		At:      time.Now().UTC(),
		TraceID: tracing.GetTraceID(ctx),
		Body:    body,
	})
}

func (rv *receiver) delay() {
	if rv.cfg.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(rv.cfg.ResponseDelayMS) * time.Millisecond)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
