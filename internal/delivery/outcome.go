package delivery

import (
	"strings"
	"unicode/utf8"
)

type TicketStatus string

const (
	TicketPending TicketStatus = "pending"
	TicketCreated TicketStatus = "created"
	TicketFailed  TicketStatus = "failed"
	TicketSkipped TicketStatus = "skipped"
)

type ChatStatus string

const (
	ChatPending ChatStatus = "pending"
	ChatSent    ChatStatus = "sent"
	ChatFailed  ChatStatus = "failed"
	ChatSkipped ChatStatus = "skipped"
)

// OverallStatus summarises both channels once they have been attempted
type OverallStatus string

const (
	OverallPending        OverallStatus = "pending"
	OverallCompleted      OverallStatus = "completed"
	OverallPartialFailure OverallStatus = "partial_failure"
)

// maxReasonLen bounds stored failure text
const maxReasonLen = 500

// TicketOutcome is the result of one ticket attempt. Comments lists the
// recovery comments added to tickets created earlier for the same change.
type TicketOutcome struct {
	Status   TicketStatus     `json:"status"`
	Key      string           `json:"key,omitempty"`
	URL      string           `json:"url,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	Comments []CommentOutcome `json:"comments,omitempty"`
}

// CommentOutcome is one comment on an existing ticket. Key is empty when the
// tickets to comment on could not be looked up.
type CommentOutcome struct {
	Key    string `json:"key,omitempty"`
	Posted bool   `json:"posted"`
	Reason string `json:"reason,omitempty"`
}

// ChatOutcome is the result of one chat attempt
type ChatOutcome struct {
	Status ChatStatus `json:"status"`
	Reason string     `json:"reason,omitempty"`
}

func TicketCreatedOutcome(ref IssueRef) TicketOutcome {
	return TicketOutcome{Status: TicketCreated, Key: ref.Key, URL: ref.URL}
}

func TicketFailedOutcome(reason string) TicketOutcome {
	return TicketOutcome{Status: TicketFailed, Reason: truncate(reason)}
}

func TicketSkippedOutcome(reason string) TicketOutcome {
	return TicketOutcome{Status: TicketSkipped, Reason: truncate(reason)}
}

func CommentPostedOutcome(key string) CommentOutcome {
	return CommentOutcome{Key: key, Posted: true}
}

func CommentFailedOutcome(key, reason string) CommentOutcome {
	return CommentOutcome{Key: key, Reason: truncate(reason)}
}

func ChatSentOutcome() ChatOutcome {
	return ChatOutcome{Status: ChatSent}
}

func ChatFailedOutcome(reason string) ChatOutcome {
	return ChatOutcome{Status: ChatFailed, Reason: truncate(reason)}
}

func ChatSkippedOutcome(reason string) ChatOutcome {
	return ChatOutcome{Status: ChatSkipped, Reason: truncate(reason)}
}

func (o TicketOutcome) Created() bool { return o.Status == TicketCreated }
func (o TicketOutcome) Failed() bool  { return o.Status == TicketFailed }
func (o ChatOutcome) Sent() bool      { return o.Status == ChatSent }

// CommentsFailed counts comments that could not be added
func (o TicketOutcome) CommentsFailed() int {
	n := 0
	for _, c := range o.Comments {
		if !c.Posted {
			n++
		}
	}
	return n
}
func (o ChatOutcome) Failed() bool    { return o.Status == ChatFailed }

// Overall is completed unless one of the channels failed. A failed ticket
// comment is a ticket channel failure. Skipped channels do not count as
// failures.
func Overall(ticket TicketOutcome, chat ChatOutcome) OverallStatus {
	if ticket.Failed() || ticket.CommentsFailed() > 0 || chat.Failed() {
		return OverallPartialFailure
	}
	return OverallCompleted
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxReasonLen {
		return s
	}
	// cut on a rune boundary so the stored text stays valid UTF-8
	n := maxReasonLen
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
