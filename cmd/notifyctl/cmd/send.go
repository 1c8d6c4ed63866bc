package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/austindbirch/notify_hook/internal/event"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a webhook event to the notifier",
	Long: `Send a pr_opened or recovery_complete payload to the notifier.

The payload is validated locally first, so malformed files never reach the
service.

Example:
  notifyctl send pr-opened --file pr.json
  notifyctl send event --file - < recovery.json`,
}

func newSendCmd(use, short, eventType, route string) *cobra.Command {
	c := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			return runSend(cmd, file, eventType, route, dryRun)
		},
	}
	c.Flags().StringP("file", "f", "", "payload file, or - for stdin")
	c.Flags().Bool("dry-run", false, "validate and print the dedup key without sending")
	_ = c.MarkFlagRequired("file")
	return c
}

func runSend(cmd *cobra.Command, file, eventType, route string, dryRun bool) error {
	body, err := readPayload(cmd.InOrStdin(), file)
	if err != nil {
		return err
	}

	raw, err := event.DecodeBytes(body)
	if err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	var ev event.Event
	if eventType == "" {
		ev, err = event.Normalize(raw)
	} else {
		ev, err = event.NormalizeAs(eventType, raw)
	}
	if err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	out := cmd.OutOrStdout()
	key := event.DedupKey(ev)
	if dryRun {
		if outputJSON {
			printOutput(out, map[string]string{"event_type": ev.Type(), "dedup_key": key})
		} else {
			fmt.Fprintf(out, "Valid %s event, dedup key %s\n", ev.Type(), key)
		}
		return nil
	}

	resp, err := makeHTTPRequest("POST", endpointURL(true, "/webhooks/"+route), body)
	if err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}

	if outputJSON {
		printOutput(out, result)
	} else {
		printSendResult(out, resp.StatusCode, result)
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("notifier rejected event: HTTP %d", resp.StatusCode)
	}
	return nil
}

func printSendResult(w io.Writer, status int, result map[string]any) {
	if status != 200 {
		fmt.Fprintf(w, "✗ Rejected (HTTP %d): %v\n", status, result["error"])
		if field, ok := result["field"]; ok {
			fmt.Fprintf(w, "  Field: %v\n", field)
		}
		if msg, ok := result["message"]; ok {
			fmt.Fprintf(w, "  Message: %v\n", msg)
		}
		return
	}

	fmt.Fprintf(w, "Status: %v\n", result["status"])
	fmt.Fprintf(w, "  Dedup key: %v\n", result["dedup_key"])
	if result["status"] == "already_processed" {
		if prev, ok := result["previous_outcome"].(map[string]any); ok {
			fmt.Fprintf(w, "  Previous overall status: %v\n", prev["overall_status"])
		}
		return
	}
	ticket := "not created"
	if key, ok := result["ticket_key"].(string); ok && key != "" {
		ticket = key
	}
	fmt.Fprintf(w, "  Ticket: %s\n", ticket)
	if comments, ok := result["ticket_comments"].([]any); ok {
		for _, c := range comments {
			m, _ := c.(map[string]any)
			if posted, _ := m["posted"].(bool); posted {
				fmt.Fprintf(w, "    Commented on %v\n", m["key"])
			} else {
				fmt.Fprintf(w, "    Comment on %v failed: %v\n", m["key"], m["reason"])
			}
		}
	}
	fmt.Fprintf(w, "  Slack sent: %v\n", result["slack_sent"])
	fmt.Fprintf(w, "  Overall: %v\n", result["overall_status"])
}

func readPayload(stdin io.Reader, file string) ([]byte, error) {
	if file == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return b, nil
	}
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return b, nil
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.AddCommand(
		newSendCmd("pr-opened", "Send a pr_opened event", event.TypePrOpened, "pr-opened"),
		newSendCmd("recovery-complete", "Send a recovery_complete event", event.TypeRecoveryComplete, "recovery-complete"),
		newSendCmd("event", "Send any supported event, dispatched on event_type", "", "events"),
	)
}
