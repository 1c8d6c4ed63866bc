package delivery

import "context"

// Issue is a ticket to be created in the ticketing system
type Issue struct {
	ProjectKey        string
	Title             string
	Description       Doc
	IssueType         string
	Labels            []string
	AssigneeAccountID string
}

// IssueRef identifies a created ticket
type IssueRef struct {
	Key string
	URL string
}

// TicketPort creates tickets and comments on existing ones. Implementations
// must bound each call with ctx.
type TicketPort interface {
	CreateIssue(ctx context.Context, issue Issue) (IssueRef, error)
	AddComment(ctx context.Context, issueKey string, body Doc) error
}

// Message is a chat post. An empty Channel means the port's default channel.
type Message struct {
	Channel string
	Text    string
	Blocks  []Block
}

// ChatAck is the application-level answer of the chat system. A transport
// success with OK=false is a failed post.
type ChatAck struct {
	OK        bool
	Error     string
	Channel   string
	Timestamp string
}

// ChatPort posts messages. A non-nil error means the transport failed; a nil
// error says nothing about delivery until Ack.OK is checked.
type ChatPort interface {
	PostMessage(ctx context.Context, msg Message) (ChatAck, error)
}

// CostSummary is the platform billing snapshot quoted in recovery comments
type CostSummary struct {
	TotalRevenue float64    `json:"total_revenue"`
	TopTeams     []TeamCost `json:"top_teams"`
}

type TeamCost struct {
	TeamID        string  `json:"team_id"`
	TeamName      string  `json:"team_name"`
	TotalCost     float64 `json:"total_cost"`
	TotalSessions int64   `json:"total_sessions"`
}

// CostSource fetches the billing summary. Callers render without it when it fails.
type CostSource interface {
	Summary(ctx context.Context) (*CostSummary, error)
}
