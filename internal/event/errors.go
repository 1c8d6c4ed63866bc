package event

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedPayload matches any *MalformedPayloadError
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrUnsupportedEventType matches any *UnsupportedEventTypeError
	ErrUnsupportedEventType = errors.New("unsupported event type")
)

// MalformedPayloadError names the required field that was missing or had the wrong shape
type MalformedPayloadError struct {
	Field  string
	Reason string
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload: field %q %s", e.Field, e.Reason)
}

func (e *MalformedPayloadError) Is(target error) bool {
	return target == ErrMalformedPayload
}

// UnsupportedEventTypeError carries the rejected discriminator value
type UnsupportedEventTypeError struct {
	EventType string
}

func (e *UnsupportedEventTypeError) Error() string {
	if e.EventType == "" {
		return "unsupported event type: event_type is missing"
	}
	return fmt.Sprintf("unsupported event type: %q", e.EventType)
}

func (e *UnsupportedEventTypeError) Is(target error) bool {
	return target == ErrUnsupportedEventType
}

func missing(field string) error {
	return &MalformedPayloadError{Field: field, Reason: "is required"}
}

func mistyped(field, want string) error {
	return &MalformedPayloadError{Field: field, Reason: "must be " + want}
}
