// Package sink is the egress boundary: grouped snapshots are handed off
// here and whatever delivers them onward is out of scope.
package sink

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"grouping/internal/domain"
	"grouping/internal/templatefmt"
)

// Notification is one grouped snapshot handed to the egress boundary.
// Params: group identity, membership snapshot, and the triggering timer kind.
// Returns: self-contained payload safe to serialize.
type Notification struct {
	ID          string             `json:"id"`
	GroupKey    string             `json:"group_key"`
	Receiver    string             `json:"receiver"`
	Status      domain.GroupStatus `json:"status"`
	GroupLabels map[string]string  `json:"group_labels,omitempty"`
	Alerts      []domain.Alert     `json:"alerts"`
	Trigger     domain.TimerKind   `json:"trigger"`
	FiredAt     time.Time          `json:"fired_at"`
}

// Sink receives grouped notification payloads.
// Params: context and notification snapshot.
// Returns: delivery hand-off error.
type Sink interface {
	Notify(ctx context.Context, notification Notification) error
	Close() error
}

// BuildNotificationID creates a deterministic id for one notification.
// Params: group key, trigger kind, membership hash, and fire time.
// Returns: stable SHA1-based id reused for publish dedup.
func BuildNotificationID(groupKey string, trigger domain.TimerKind, membersHash uint64, firedAt time.Time) string {
	raw := fmt.Sprintf("%s|%s|%d|%d", groupKey, trigger, membersHash, firedAt.UnixNano())
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// defaultSummaryTemplate renders the one-line human summary attached to
// every logged notification.
const defaultSummaryTemplate = `{{.Receiver}}/{{.Status}}: {{len .Alerts}} alert(s) active for {{fmtDuration .Age}}`

var summaryTemplate = template.Must(templatefmt.ParseSummaryTemplate("summary", defaultSummaryTemplate))

// summaryContext is the template input for one notification summary.
// Params: notification snapshot plus the age of its oldest member at fire time.
// Returns: fields addressable from the summary template.
type summaryContext struct {
	Notification
	Age time.Duration
}

// LogSink writes notification summaries to the service log.
// Params: structured logger.
// Returns: sink for single-instance and development setups.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates log-backed sink.
// Params: structured logger.
// Returns: initialized sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Notify logs one grouped notification.
// Params: context and notification snapshot.
// Returns: nil.
func (s *LogSink) Notify(_ context.Context, notification Notification) error {
	s.logger.Info("group notification",
		"notification_id", notification.ID,
		"group_key", notification.GroupKey,
		"receiver", notification.Receiver,
		"status", string(notification.Status),
		"trigger", string(notification.Trigger),
		"alerts", len(notification.Alerts),
		"summary", RenderSummary(notification),
	)
	return nil
}

// RenderSummary renders the one-line human summary for a notification.
// Params: notification snapshot.
// Returns: rendered summary, or an error placeholder on render failure.
func RenderSummary(notification Notification) string {
	var age time.Duration
	for _, alert := range notification.Alerts {
		if candidate := notification.FiredAt.Sub(alert.StartsAt); candidate > age {
			age = candidate
		}
	}
	var buf bytes.Buffer
	if err := summaryTemplate.Execute(&buf, summaryContext{Notification: notification, Age: age}); err != nil {
		return "summary unavailable"
	}
	return buf.String()
}

// Close releases log sink resources.
// Params: none.
// Returns: nil.
func (s *LogSink) Close() error {
	return nil
}
