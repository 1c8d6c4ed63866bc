package jira

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/notify_hook/internal/delivery"
)

func testIssue() delivery.Issue {
	return delivery.Issue{
		ProjectKey:        "ACCR",
		Title:             "[ACCR] Downstream remediation PR for billing-service - review required",
		Description:       delivery.Doc{Version: 1, Type: "doc"},
		IssueType:         "Task",
		Labels:            []string{"contract-change", "devin-remediation"},
		AssigneeAccountID: "acc-123",
	}
}

func TestClient_CreateIssue_Success(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/rest/api/3/issue" {
			t.Errorf("request = %s %s, want POST /rest/api/3/issue", r.Method, r.URL.Path)
		}
		wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("bot@acme.io:token"))
		if r.Header.Get("Authorization") != wantAuth {
			t.Errorf("Authorization = %q, want %q", r.Header.Get("Authorization"), wantAuth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"10001","key":"ACCR-42","self":"https://acme/rest/api/3/issue/10001"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "bot@acme.io", "token", 5*time.Second)
	ref, err := c.CreateIssue(context.Background(), testIssue())
	if err != nil {
		t.Fatalf("CreateIssue() error: %v", err)
	}
	if ref.Key != "ACCR-42" {
		t.Errorf("Key = %q, want ACCR-42", ref.Key)
	}
	if ref.URL != srv.URL+"/browse/ACCR-42" {
		t.Errorf("URL = %q, want %q", ref.URL, srv.URL+"/browse/ACCR-42")
	}

	fields, _ := got["fields"].(map[string]any)
	if fields == nil {
		t.Fatalf("request has no fields: %v", got)
	}
	if p, _ := fields["project"].(map[string]any); p["key"] != "ACCR" {
		t.Errorf("project = %v, want key ACCR", fields["project"])
	}
	if it, _ := fields["issuetype"].(map[string]any); it["name"] != "Task" {
		t.Errorf("issuetype = %v, want Task", fields["issuetype"])
	}
	if a, _ := fields["assignee"].(map[string]any); a["accountId"] != "acc-123" {
		t.Errorf("assignee = %v, want acc-123", fields["assignee"])
	}
	if d, _ := fields["description"].(map[string]any); d["type"] != "doc" {
		t.Errorf("description = %v, want ADF doc", fields["description"])
	}
}

func TestClient_CreateIssue_NoAssignee(t *testing.T) {
	var raw string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		enc, _ := json.Marshal(body)
		raw = string(enc)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"key":"ACCR-1"}`))
	}))
	defer srv.Close()

	issue := testIssue()
	issue.AssigneeAccountID = ""
	if _, err := NewClient(srv.URL, "e", "t", time.Second).CreateIssue(context.Background(), issue); err != nil {
		t.Fatalf("CreateIssue() error: %v", err)
	}
	if strings.Contains(raw, "assignee") {
		t.Errorf("request contains assignee with none configured: %s", raw)
	}
}

func TestClient_CreateIssue_Errors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantKind   Kind
		wantSubstr string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"errorMessages":["Client must be authenticated"]}`, KindAuth, "authenticated"},
		{"forbidden", http.StatusForbidden, ``, KindAuth, "403"},
		{"bad field", http.StatusBadRequest, `{"errors":{"issuetype":"valid issue type required"}}`, KindValidation, "issuetype: valid issue type required"},
		{"rate limited", http.StatusTooManyRequests, ``, KindRateLimit, "429"},
		{"server", http.StatusBadGateway, `upstream down`, KindServer, "upstream down"},
		{"no key in 2xx", http.StatusCreated, `{}`, KindServer, "no issue key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, "e", "t", time.Second).CreateIssue(context.Background(), testIssue())
			var jerr *Error
			if !errors.As(err, &jerr) {
				t.Fatalf("CreateIssue() error = %v, want *jira.Error", err)
			}
			if jerr.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", jerr.Kind, tt.wantKind)
			}
			if !strings.Contains(err.Error(), tt.wantSubstr) {
				t.Errorf("Error() = %q, want it to contain %q", err.Error(), tt.wantSubstr)
			}
		})
	}
}

func TestClient_CreateIssue_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewClient(srv.URL, "e", "t", 5*time.Second).CreateIssue(ctx, testIssue())
	var jerr *Error
	if !errors.As(err, &jerr) {
		t.Fatalf("CreateIssue() error = %v, want *jira.Error", err)
	}
	if jerr.Kind != KindTimeout {
		t.Errorf("Kind = %q, want %q", jerr.Kind, KindTimeout)
	}
}

func TestClient_CreateIssue_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, "e", "t", time.Second).CreateIssue(context.Background(), testIssue())
	var jerr *Error
	if !errors.As(err, &jerr) || jerr.Kind != KindTransport {
		t.Errorf("CreateIssue() error = %v, want transport *jira.Error", err)
	}
}

func TestClient_AddComment(t *testing.T) {
	var (
		gotPath string
		got     map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Basic ") {
			t.Errorf("Authorization = %q, want Basic credentials", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"20001"}`))
	}))
	defer srv.Close()

	body := delivery.Doc{Version: 1, Type: "doc", Content: []delivery.Doc{{Type: "paragraph"}}}
	if err := NewClient(srv.URL, "e", "t", time.Second).AddComment(context.Background(), "ACCR-7", body); err != nil {
		t.Fatalf("AddComment() error: %v", err)
	}
	if gotPath != "/rest/api/3/issue/ACCR-7/comment" {
		t.Errorf("path = %q, want /rest/api/3/issue/ACCR-7/comment", gotPath)
	}
	if b, _ := got["body"].(map[string]any); b["type"] != "doc" {
		t.Errorf("body = %v, want ADF doc", got["body"])
	}
}

func TestClient_AddComment_Errors(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		status   int
		body     string
		wantKind Kind
	}{
		{"unknown issue", "ACCR-404", http.StatusNotFound, `{"errorMessages":["Issue does not exist"]}`, KindValidation},
		{"unauthorized", "ACCR-1", http.StatusUnauthorized, ``, KindAuth},
		{"server", "ACCR-1", http.StatusInternalServerError, ``, KindServer},
		{"empty key", "", http.StatusCreated, ``, KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := NewClient(srv.URL, "e", "t", time.Second).AddComment(context.Background(), tt.key, delivery.Doc{Type: "doc"})
			var jerr *Error
			if !errors.As(err, &jerr) {
				t.Fatalf("AddComment() error = %v, want *jira.Error", err)
			}
			if jerr.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", jerr.Kind, tt.wantKind)
			}
			if tt.key == "" && calls != 0 {
				t.Errorf("server calls = %d, want 0 for an empty key", calls)
			}
		})
	}
}
