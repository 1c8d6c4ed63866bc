// Package eventtest builds webhook payloads for tests.
package eventtest

import "encoding/json"

// PrOpenedPayload returns a complete pr_opened payload for jobID
func PrOpenedPayload(jobID int64) map[string]any {
	return map[string]any{
		"event_type":        "pr_opened",
		"change_id":         json.Number("1"),
		"job_id":            json.Number(itoa(jobID)),
		"timestamp":         "2026-10-18T12:00:00Z",
		"target_repo":       "acme/billing-service",
		"target_service":    "billing-service",
		"pr_url":            "https://github.com/acme/billing-service/pull/42",
		"devin_session_url": "https://app.devin.ai/sessions/abc123",
		"severity":          "high",
		"is_breaking":       true,
		"summary":           "Renamed field amount to amount_cents on POST /v1/invoices",
		"changed_routes":    []any{"POST /v1/invoices", "GET /v1/invoices/{id}"},
	}
}

// RecoveryCompletePayload returns a complete recovery_complete payload for changeID
func RecoveryCompletePayload(changeID int64) map[string]any {
	return map[string]any{
		"event_type":        "recovery_complete",
		"change_id":         json.Number(itoa(changeID)),
		"timestamp":         "2026-10-18T13:30:00Z",
		"severity":          "high",
		"is_breaking":       true,
		"summary":           "Renamed field amount to amount_cents on POST /v1/invoices",
		"affected_services": []any{"billing-service"},
		"changed_routes":    []any{"POST /v1/invoices"},
		"total_jobs":        json.Number("1"),
		"jobs": []any{
			map[string]any{
				"job_id":         json.Number("9999"),
				"target_repo":    "acme/billing-service",
				"target_service": "billing-service",
				"pr_url":         "https://github.com/acme/billing-service/pull/42",
			},
		},
		"mttr_seconds": json.Number("1800"),
	}
}

// JSON marshals a payload built by this package
func JSON(payload map[string]any) []byte {
	b, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return b
}

// Without returns a shallow copy of payload with key removed
func Without(payload map[string]any, key string) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if k != key {
			out[k] = v
		}
	}
	return out
}

// With returns a shallow copy of payload with key set to value
func With(payload map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out[key] = value
	return out
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
