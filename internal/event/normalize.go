package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
)

// Decode reads a JSON object from r. Numbers are kept as json.Number so that
// integer fields can be validated exactly.
func Decode(r io.Reader) (map[string]any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("decode payload: expected a JSON object")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("decode payload: unexpected data after JSON object")
	}
	return raw, nil
}

// DecodeBytes is Decode over an in-memory body
func DecodeBytes(b []byte) (map[string]any, error) {
	return Decode(bytes.NewReader(b))
}

// Normalize validates raw and maps it onto the matching canonical event.
func Normalize(raw map[string]any) (Event, error) {
	v, ok := raw["event_type"]
	if !ok {
		return nil, &UnsupportedEventTypeError{}
	}
	eventType, ok := v.(string)
	if !ok {
		return nil, &UnsupportedEventTypeError{EventType: fmt.Sprint(v)}
	}

	switch eventType {
	case TypePrOpened:
		return normalizePrOpened(fields{raw: raw})
	case TypeRecoveryComplete:
		return normalizeRecoveryComplete(fields{raw: raw})
	default:
		return nil, &UnsupportedEventTypeError{EventType: eventType}
	}
}

// NormalizeAs is Normalize for endpoints bound to a single event type. A payload
// whose discriminator disagrees with the endpoint is malformed.
func NormalizeAs(eventType string, raw map[string]any) (Event, error) {
	if eventType != TypePrOpened && eventType != TypeRecoveryComplete {
		return nil, &UnsupportedEventTypeError{EventType: eventType}
	}
	f := fields{raw: raw}
	got, err := f.str("event_type")
	if err != nil {
		return nil, err
	}
	if got != eventType {
		return nil, &MalformedPayloadError{Field: "event_type", Reason: fmt.Sprintf("must be %q", eventType)}
	}
	return Normalize(raw)
}

func normalizePrOpened(f fields) (*PrOpened, error) {
	ev := &PrOpened{}
	var err error
	if ev.ChangeID, err = f.integer("change_id"); err != nil {
		return nil, err
	}
	if ev.JobID, err = f.integer("job_id"); err != nil {
		return nil, err
	}
	if ev.Timestamp, err = f.str("timestamp"); err != nil {
		return nil, err
	}
	if ev.TargetRepo, err = f.str("target_repo"); err != nil {
		return nil, err
	}
	if ev.TargetService, err = f.str("target_service"); err != nil {
		return nil, err
	}
	if ev.PRURL, err = f.str("pr_url"); err != nil {
		return nil, err
	}
	if ev.DevinSessionURL, err = f.str("devin_session_url"); err != nil {
		return nil, err
	}
	if ev.Severity, err = f.str("severity"); err != nil {
		return nil, err
	}
	if ev.IsBreaking, err = f.boolean("is_breaking"); err != nil {
		return nil, err
	}
	if ev.Summary, err = f.str("summary"); err != nil {
		return nil, err
	}
	if ev.ChangedRoutes, err = f.strings("changed_routes"); err != nil {
		return nil, err
	}
	return ev, nil
}

func normalizeRecoveryComplete(f fields) (*RecoveryComplete, error) {
	ev := &RecoveryComplete{}
	var err error
	if ev.ChangeID, err = f.integer("change_id"); err != nil {
		return nil, err
	}
	if ev.Timestamp, err = f.str("timestamp"); err != nil {
		return nil, err
	}
	if ev.Severity, err = f.str("severity"); err != nil {
		return nil, err
	}
	if ev.IsBreaking, err = f.boolean("is_breaking"); err != nil {
		return nil, err
	}
	if ev.Summary, err = f.str("summary"); err != nil {
		return nil, err
	}
	if ev.AffectedServices, err = f.strings("affected_services"); err != nil {
		return nil, err
	}
	if ev.ChangedRoutes, err = f.strings("changed_routes"); err != nil {
		return nil, err
	}
	if ev.TotalJobs, err = f.integer("total_jobs"); err != nil {
		return nil, err
	}
	if ev.MTTRSeconds, err = f.integer("mttr_seconds"); err != nil {
		return nil, err
	}

	items, err := f.objects("jobs")
	if err != nil {
		return nil, err
	}
	ev.Jobs = make([]JobSummary, 0, len(items))
	for i, item := range items {
		jf := fields{raw: item, prefix: "jobs[" + strconv.Itoa(i) + "]."}
		var job JobSummary
		if job.JobID, err = jf.integer("job_id"); err != nil {
			return nil, err
		}
		if job.TargetRepo, err = jf.str("target_repo"); err != nil {
			return nil, err
		}
		if job.TargetService, err = jf.str("target_service"); err != nil {
			return nil, err
		}
		if job.PRURL, err = jf.str("pr_url"); err != nil {
			return nil, err
		}
		ev.Jobs = append(ev.Jobs, job)
	}
	return ev, nil
}

// fields reads typed values out of a decoded JSON object, naming failures
// with their full path.
type fields struct {
	raw    map[string]any
	prefix string
}

func (f fields) get(key string) (any, error) {
	v, ok := f.raw[key]
	if !ok || v == nil {
		return nil, missing(f.prefix + key)
	}
	return v, nil
}

func (f fields) str(key string) (string, error) {
	v, err := f.get(key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", mistyped(f.prefix+key, "a string")
	}
	return s, nil
}

func (f fields) boolean(key string) (bool, error) {
	v, err := f.get(key)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, mistyped(f.prefix+key, "a boolean")
	}
	return b, nil
}

func (f fields) integer(key string) (int64, error) {
	v, err := f.get(key)
	if err != nil {
		return 0, err
	}
	n, ok := toInt64(v)
	if !ok {
		return 0, mistyped(f.prefix+key, "an integer")
	}
	return n, nil
}

func (f fields) strings(key string) ([]string, error) {
	v, err := f.get(key)
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok {
		return nil, mistyped(f.prefix+key, "an array of strings")
	}
	out := make([]string, 0, len(list))
	for i, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, mistyped(fmt.Sprintf("%s%s[%d]", f.prefix, key, i), "a string")
		}
		out = append(out, s)
	}
	return out, nil
}

func (f fields) objects(key string) ([]map[string]any, error) {
	v, err := f.get(key)
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok {
		return nil, mistyped(f.prefix+key, "an array of objects")
	}
	out := make([]map[string]any, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, mistyped(fmt.Sprintf("%s%s[%d]", f.prefix, key, i), "an object")
		}
		out = append(out, obj)
	}
	return out, nil
}

// toInt64 accepts json.Number (Decode) as well as float64 and native ints
// (payloads built in code or decoded without UseNumber).
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt64(f)
	case float64:
		return floatToInt64(n)
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	default:
		return 0, false
	}
}

func floatToInt64(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	// float64(math.MaxInt64) rounds up to 2^63, which does not fit
	if f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}
