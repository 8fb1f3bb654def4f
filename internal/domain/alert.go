package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AlertStatus is member alert lifecycle status.
// Params: firing/resolved status constants.
// Returns: status used for group status derivation and notifications.
type AlertStatus string

const (
	// AlertStatusFiring indicates active alert.
	AlertStatusFiring AlertStatus = "firing"
	// AlertStatusResolved indicates alert condition cleared.
	AlertStatusResolved AlertStatus = "resolved"
)

// Alert is one deduplicated, fingerprinted alert handed in by the upstream processor.
// Params: stable external fingerprint, status, label/annotation maps, and lifecycle timestamps.
// Returns: immutable member payload; only Status/EndsAt are rewritten on resolution.
type Alert struct {
	Fingerprint string            `json:"fingerprint"`
	Status      AlertStatus       `json:"status"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations,omitempty"`
	StartsAt    time.Time         `json:"starts_at"`
	EndsAt      *time.Time        `json:"ends_at,omitempty"`
}

// InvalidAlertError reports an alert rejected before touching shared state.
// Params: human-readable reason for the rejection.
// Returns: typed validation failure for ingress callers.
type InvalidAlertError struct {
	Reason string
}

// Error returns rejection message.
// Params: none.
// Returns: string representation.
func (e InvalidAlertError) Error() string {
	return "invalid alert: " + e.Reason
}

// IsInvalidAlert reports whether error carries the invalid-alert marker.
// Params: candidate error.
// Returns: true when alert was rejected by validation.
func IsInvalidAlert(err error) bool {
	var invalid InvalidAlertError
	return errors.As(err, &invalid)
}

// Validate validates one alert against the ingress contract.
// Params: alert fields parsed from transport.
// Returns: InvalidAlertError when contract is violated.
func (a Alert) Validate() error {
	if strings.TrimSpace(a.Fingerprint) == "" {
		return InvalidAlertError{Reason: "fingerprint is required"}
	}
	switch a.Status {
	case AlertStatusFiring, AlertStatusResolved:
	default:
		return InvalidAlertError{Reason: fmt.Sprintf("unsupported status %q", a.Status)}
	}
	if len(a.Labels) == 0 {
		return InvalidAlertError{Reason: "labels are required"}
	}
	for name := range a.Labels {
		if strings.TrimSpace(name) == "" {
			return InvalidAlertError{Reason: "label names must be non-empty"}
		}
	}
	if a.StartsAt.IsZero() {
		return InvalidAlertError{Reason: "starts_at is required"}
	}
	if a.Status == AlertStatusResolved && a.EndsAt == nil {
		return InvalidAlertError{Reason: "ends_at is required for resolved alerts"}
	}
	if a.EndsAt != nil && a.EndsAt.Before(a.StartsAt) {
		return InvalidAlertError{Reason: "ends_at must not precede starts_at"}
	}
	return nil
}

// Resolved reports whether alert is in resolved status.
// Params: none.
// Returns: true for resolved members.
func (a Alert) Resolved() bool {
	return a.Status == AlertStatusResolved
}

// Clone returns an independent copy of the alert with copied maps.
// Params: none.
// Returns: deep copy safe to hand outside the owning manager.
func (a Alert) Clone() Alert {
	out := a
	out.Labels = cloneLabelMap(a.Labels)
	out.Annotations = cloneLabelMap(a.Annotations)
	if a.EndsAt != nil {
		endsAt := *a.EndsAt
		out.EndsAt = &endsAt
	}
	return out
}

// DecodeAlert decodes and validates one alert payload.
// Params: JSON document bytes.
// Returns: validated alert or decode/validation error.
func DecodeAlert(raw []byte) (Alert, error) {
	var alert Alert
	if err := json.Unmarshal(raw, &alert); err != nil {
		return Alert{}, fmt.Errorf("decode alert: %w", err)
	}
	if err := alert.Validate(); err != nil {
		return Alert{}, err
	}
	return alert, nil
}

// DecodeAlertReader decodes and validates one alert payload from stream.
// Params: reader with one JSON object.
// Returns: validated alert or decode/validation error.
func DecodeAlertReader(reader *json.Decoder) (Alert, error) {
	var alert Alert
	if err := reader.Decode(&alert); err != nil {
		return Alert{}, fmt.Errorf("decode alert: %w", err)
	}
	if err := alert.Validate(); err != nil {
		return Alert{}, err
	}
	return alert, nil
}

// cloneLabelMap copies one string map, preserving nil for absent maps.
// Params: source map.
// Returns: independent copy or nil.
func cloneLabelMap(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	out := make(map[string]string, len(src))
	for name, value := range src {
		out[name] = value
	}
	return out
}
