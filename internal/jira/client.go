// Package jira creates and comments on issues through the Jira Cloud REST API v3.
package jira

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/austindbirch/notify_hook/internal/delivery"
	"github.com/austindbirch/notify_hook/internal/tracing"
)

// Kind groups failures by what an operator has to do about them
type Kind string

const (
	KindAuth       Kind = "auth"       // 401/403: credentials or permissions
	KindValidation Kind = "validation" // 400/404/422: project, issue type or field problems
	KindRateLimit  Kind = "rate_limited"
	KindServer     Kind = "server"
	KindTimeout    Kind = "timeout"
	KindTransport  Kind = "transport"
)

// Error is returned for every failed CreateIssue or AddComment call
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("jira: %s: HTTP %d: %s", e.Kind, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("jira: %s: HTTP %d", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("jira: %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("jira: %s", e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Client implements delivery.TicketPort
type Client struct {
	baseURL    string
	authHeader string
	httpClient *http.Client
}

// NewClient builds a client for baseURL (e.g. https://acme.atlassian.net)
func NewClient(baseURL, email, apiToken string, timeout time.Duration) *Client {
	creds := base64.StdEncoding.EncodeToString([]byte(email + ":" + apiToken))
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authHeader: "Basic " + creds,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type issueRequest struct {
	Fields issueFields `json:"fields"`
}

type issueFields struct {
	Project     keyRef       `json:"project"`
	Summary     string       `json:"summary"`
	Description delivery.Doc `json:"description"`
	IssueType   nameRef      `json:"issuetype"`
	Labels      []string     `json:"labels,omitempty"`
	Assignee    *accountRef  `json:"assignee,omitempty"`
}

type keyRef struct {
	Key string `json:"key"`
}

type nameRef struct {
	Name string `json:"name"`
}

type accountRef struct {
	AccountID string `json:"accountId"`
}

type commentRequest struct {
	Body delivery.Doc `json:"body"`
}

type issueResponse struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Self string `json:"self"`
}

type errorResponse struct {
	ErrorMessages []string          `json:"errorMessages"`
	Errors        map[string]string `json:"errors"`
}

// CreateIssue posts the issue and returns its key and browse URL
func (c *Client) CreateIssue(ctx context.Context, issue delivery.Issue) (delivery.IssueRef, error) {
	body := issueRequest{Fields: issueFields{
		Project:     keyRef{Key: issue.ProjectKey},
		Summary:     issue.Title,
		Description: issue.Description,
		IssueType:   nameRef{Name: issue.IssueType},
		Labels:      issue.Labels,
	}}
	if issue.AssigneeAccountID != "" {
		body.Fields.Assignee = &accountRef{AccountID: issue.AssigneeAccountID}
	}

	status, respBody, err := c.post(ctx, "/rest/api/3/issue", body)
	if err != nil {
		return delivery.IssueRef{}, err
	}

	var created issueResponse
	if err := json.Unmarshal(respBody, &created); err != nil || created.Key == "" {
		return delivery.IssueRef{}, &Error{
			Kind:       KindServer,
			StatusCode: status,
			Message:    "response has no issue key",
			Err:        err,
		}
	}
	return delivery.IssueRef{Key: created.Key, URL: c.BrowseURL(created.Key)}, nil
}

// AddComment posts an ADF comment on an existing issue
func (c *Client) AddComment(ctx context.Context, issueKey string, body delivery.Doc) error {
	if issueKey == "" {
		return &Error{Kind: KindValidation, Message: "issue key is required"}
	}
	_, _, err := c.post(ctx, "/rest/api/3/issue/"+url.PathEscape(issueKey)+"/comment", commentRequest{Body: body})
	return err
}

// post sends body as JSON and returns the 2xx status and response body.
// Every failure is an *Error.
func (c *Client) post(ctx context.Context, path string, body any) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, &Error{Kind: KindValidation, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, &Error{Kind: KindTransport, Err: err}
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	tracing.InjectHTTPHeaders(ctx, req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		kind := KindTransport
		if delivery.ClassifyFailure(err, 0) == "timeout" {
			kind = KindTimeout
		}
		return 0, nil, &Error{Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, nil, &Error{
			Kind:       kindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    errorMessage(respBody),
		}
	}
	return resp.StatusCode, respBody, nil
}

// BrowseURL is the human link for an issue key
func (c *Client) BrowseURL(key string) string {
	return c.baseURL + "/browse/" + key
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status >= 500:
		return KindServer
	default:
		return KindValidation
	}
}

// errorMessage flattens Jira's {"errorMessages":[...],"errors":{field:msg}} body
func errorMessage(body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return strings.TrimSpace(string(body))
	}
	parts := append([]string(nil), er.ErrorMessages...)
	fields := make([]string, 0, len(er.Errors))
	for field := range er.Errors {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		parts = append(parts, field+": "+er.Errors[field])
	}
	return strings.Join(parts, "; ")
}

var _ delivery.TicketPort = (*Client)(nil)
