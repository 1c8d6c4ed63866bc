package delivery

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/austindbirch/notify_hook/internal/event"
)

const defaultIssueType = "Task"

var issueLabels = []string{"contract-change", "devin-remediation"}

// IssueOptions carries the ticketing settings that are not part of the event
type IssueOptions struct {
	ProjectKey        string
	AssigneeAccountID string
}

// RenderIssue builds the ticket for an event
func RenderIssue(ev event.Event, opts IssueOptions) Issue {
	issue := Issue{
		ProjectKey:        opts.ProjectKey,
		IssueType:         defaultIssueType,
		Labels:            append([]string(nil), issueLabels...),
		AssigneeAccountID: opts.AssigneeAccountID,
	}

	switch e := ev.(type) {
	case *event.PrOpened:
		issue.Title = fmt.Sprintf("[ACCR] Downstream remediation PR for %s - review required", e.TargetService)
		issue.Description = prOpenedDoc(e)
	case *event.RecoveryComplete:
		issue.Title = fmt.Sprintf("[ACCR] Recovery complete for change %d (%s)", e.ChangeID, listOrNA(e.AffectedServices))
		issue.Description = recoveryDoc(e)
	}
	return issue
}

func prOpenedDoc(e *event.PrOpened) Doc {
	return document(
		heading("Upstream Contract Change Details", 3),
		labelled("Severity", fmt.Sprintf("%s (%s)", severityLabel(e.IsBreaking, e.Severity), e.Severity)),
		labelled("Summary", orDefault(e.Summary, "Upstream contract change detected")),
		labelled("Changed routes", listOrNA(e.ChangedRoutes)),
		heading("Downstream Remediation", 3),
		labelled("Downstream service", e.TargetService),
		labelled("Downstream repo", e.TargetRepo),
		paragraph(bold("Downstream PR: "), link(e.PRURL, e.PRURL)),
		paragraph(bold("Devin session: "), link(e.DevinSessionURL, e.DevinSessionURL)),
		heading("Action Required", 3),
		paragraph(text("Review and merge the downstream pull request linked above. "+
			"This PR was raised against the downstream team's repo as part of automated contract change remediation.")),
	)
}

func recoveryDoc(e *event.RecoveryComplete) Doc {
	return document(
		heading("Post-Incident Recovery Report", 2),
		labelled("Status", "RESOLVED, all services remediated"),
		labelled("Severity", fmt.Sprintf("%s (%s)", severityLabel(e.IsBreaking, e.Severity), e.Severity)),
		labelled("MTTR", FormatMTTR(e.MTTRSeconds)),
		labelled("Summary", orDefault(e.Summary, "Automated contract change recovery completed")),
		labelled("Affected services", listOrNA(e.AffectedServices)),
		labelled("Changed routes", listOrNA(e.ChangedRoutes)),
		heading(fmt.Sprintf("Services Remediated (%d jobs)", e.TotalJobs), 3),
		jobList(e.Jobs),
	)
}

// maxCostTeams bounds the team breakdown in the cost section
const maxCostTeams = 3

// RenderRecoveryComment builds the resolution comment added to every ticket
// created for the change. cost may be nil, in which case the cost section is
// left out.
func RenderRecoveryComment(e *event.RecoveryComplete, cost *CostSummary) Doc {
	doc := document(
		heading("Post-Incident Recovery Report", 2),
		labelled("Status", "RESOLVED, all services remediated"),
		labelled("Severity", fmt.Sprintf("%s (%s)", severityLabel(e.IsBreaking, e.Severity), e.Severity)),
		labelled("MTTR", FormatMTTR(e.MTTRSeconds)),
		labelled("Summary", orDefault(e.Summary, "Automated contract change recovery completed")),
		labelled("Changed routes", listOrNA(e.ChangedRoutes)),
		heading("Services Remediated", 3),
		jobList(e.Jobs),
	)
	if cost == nil {
		return doc
	}

	doc.Content = append(doc.Content,
		heading("Platform Cost Context", 3),
		labelled("Total platform spend", FormatUSD(cost.TotalRevenue)),
	)
	teams := cost.TopTeams
	if len(teams) > maxCostTeams {
		teams = teams[:maxCostTeams]
	}
	if len(teams) > 0 {
		items := make([]string, 0, len(teams))
		for _, t := range teams {
			name := orDefault(t.TeamName, orDefault(t.TeamID, "?"))
			items = append(items, fmt.Sprintf("%s: %s (%d sessions)", name, FormatUSD(t.TotalCost), t.TotalSessions))
		}
		doc.Content = append(doc.Content, bulletList(items...))
	}
	return doc
}

func jobList(jobs []event.JobSummary) Doc {
	if len(jobs) == 0 {
		return paragraph(text("No jobs recorded"))
	}
	items := make([]string, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, jobLine(j))
	}
	return bulletList(items...)
}

// RenderMessage builds the chat post for an event. The ticket outcome decides
// whether the message links the ticket or reports that it could not be created.
func RenderMessage(ev event.Event, ticket TicketOutcome) Message {
	switch e := ev.(type) {
	case *event.PrOpened:
		return prOpenedMessage(e, ticket)
	case *event.RecoveryComplete:
		return recoveryMessage(e, ticket)
	}
	return Message{}
}

func prOpenedMessage(e *event.PrOpened, ticket TicketOutcome) Message {
	links := []string{fmt.Sprintf(":github: <%s|Pull Request>", e.PRURL)}
	if ticket.Created() && ticket.URL != "" {
		links = append(links, fmt.Sprintf(":jira2: <%s|%s>", ticket.URL, ticket.Key))
	}
	links = append(links, fmt.Sprintf(":robot_face: <%s|Devin Session>", e.DevinSessionURL))

	blocks := []Block{
		header("Remediation PR Ready for Review"),
		fieldsSection(
			"*Service:*\n"+e.TargetService,
			fmt.Sprintf("*Severity:*\n%s %s", severityEmoji(e.IsBreaking), severityLabel(e.IsBreaking, e.Severity)),
		),
		section("*Change summary:*\n" + orDefault(e.Summary, "Contract change detected")),
		section(strings.Join(links, " | ")),
	}
	if ticket.Failed() {
		blocks = append(blocks, section(":warning: *Jira ticket creation failed.* Track this PR manually."))
	}
	blocks = append(blocks,
		section(":point_right: *Please review and merge this PR.*"),
		divider(),
	)

	fallback := fmt.Sprintf("Remediation PR ready for review: %s (%s) %s",
		e.TargetService, severityLabel(e.IsBreaking, e.Severity), e.PRURL)
	return Message{Text: fallback + ticketSuffix(ticket), Blocks: blocks}
}

func recoveryMessage(e *event.RecoveryComplete, ticket TicketOutcome) Message {
	jobLines := make([]string, 0, len(e.Jobs))
	for _, j := range e.Jobs {
		if j.PRURL != "" {
			jobLines = append(jobLines, fmt.Sprintf("• %s: <%s|PR>", j.TargetService, j.PRURL))
		} else {
			jobLines = append(jobLines, fmt.Sprintf("• %s: no PR", j.TargetService))
		}
	}
	if len(jobLines) == 0 {
		jobLines = append(jobLines, "No jobs recorded")
	}

	blocks := []Block{
		header(fmt.Sprintf("Recovery Complete: change %d", e.ChangeID)),
		fieldsSection(
			fmt.Sprintf("*Severity:*\n%s %s", severityEmoji(e.IsBreaking), severityLabel(e.IsBreaking, e.Severity)),
			"*MTTR:*\n"+FormatMTTR(e.MTTRSeconds),
			fmt.Sprintf("*Jobs:*\n%d", e.TotalJobs),
			"*Affected services:*\n"+listOrNA(e.AffectedServices),
		),
		section("*Summary:*\n" + orDefault(e.Summary, "Automated contract change recovery completed")),
		section("*Services remediated:*\n" + strings.Join(jobLines, "\n")),
	}
	switch {
	case ticket.Created() && ticket.URL != "":
		blocks = append(blocks, section(fmt.Sprintf(":jira2: Recovery report: <%s|%s>", ticket.URL, ticket.Key)))
	case ticket.Failed():
		blocks = append(blocks, section(":warning: *Jira ticket creation failed* for this recovery report."))
	}
	blocks = append(blocks, divider())

	fallback := fmt.Sprintf("Recovery complete for change %d: %d jobs, MTTR %s",
		e.ChangeID, e.TotalJobs, FormatMTTR(e.MTTRSeconds))
	return Message{Text: fallback + ticketSuffix(ticket), Blocks: blocks}
}

func ticketSuffix(ticket TicketOutcome) string {
	switch {
	case ticket.Created():
		return " (Jira: " + ticket.Key + ")"
	case ticket.Failed():
		return " (Jira ticket creation failed)"
	default:
		return ""
	}
}

// FormatMTTR renders seconds as "45m" or "1h 30m"
func FormatMTTR(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
}

// FormatUSD renders an amount as "$12,345.68"
func FormatUSD(amount float64) string {
	return message.NewPrinter(language.English).Sprintf("$%.2f", amount)
}

func jobLine(j event.JobSummary) string {
	pr := j.PRURL
	if pr == "" {
		pr = "no PR"
	}
	return fmt.Sprintf("%s (job %d): %s", j.TargetService, j.JobID, pr)
}

func severityLabel(breaking bool, severity string) string {
	if breaking {
		return "BREAKING"
	}
	return strings.ToUpper(severity)
}

func severityEmoji(breaking bool) string {
	if breaking {
		return ":red_circle:"
	}
	return ":large_yellow_circle:"
}

func listOrNA(items []string) string {
	if len(items) == 0 {
		return "N/A"
	}
	return strings.Join(items, ", ")
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
