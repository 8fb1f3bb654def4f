package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"grouping/internal/config"
	"grouping/internal/permanent"
)

const notificationStreamMaxAge = 24 * time.Hour

// NATSSink publishes grouped notifications into a JetStream stream.
// Params: NATS connection and publish subject settings.
// Returns: sink implementation for multi-consumer setups.
type NATSSink struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
}

// NewNATSSink creates JetStream publisher for grouped notifications.
// Params: sink config from the sink.nats section.
// Returns: initialized sink or setup error.
func NewNATSSink(cfg config.NATSSinkConfig) (*NATSSink, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect sink nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for sink: %w", err)
	}
	if cfg.AllowCreateStream {
		if err := ensureStream(js, cfg.Stream, cfg.Subject); err != nil {
			nc.Close()
			return nil, err
		}
	}
	return &NATSSink{nc: nc, js: js, subject: cfg.Subject}, nil
}

// Notify publishes one grouped notification with a dedup message id.
// Params: context and notification snapshot.
// Returns: publish error.
func (s *NATSSink) Notify(ctx context.Context, notification Notification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		// Marshal failures never recover on retry.
		return permanent.Mark(fmt.Errorf("marshal notification: %w", err))
	}
	msg := nats.NewMsg(s.subject)
	msg.Data = body
	if strings.TrimSpace(notification.ID) != "" {
		msg.Header.Set("Nats-Msg-Id", strings.TrimSpace(notification.ID))
	}
	if _, err := s.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Close closes sink NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSSink) Close() error {
	if s == nil || s.nc == nil {
		return nil
	}
	s.nc.Close()
	return nil
}

// ensureStream creates the notification stream when it does not exist yet.
// Params: JetStream context, stream name, and bound subject.
// Returns: setup error.
func ensureStream(js nats.JetStreamContext, streamName, subject string) error {
	if _, err := js.StreamInfo(streamName); err == nil {
		return nil
	} else if err != nats.ErrStreamNotFound {
		return fmt.Errorf("stream info %s: %w", streamName, err)
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{subject},
		Storage:  nats.FileStorage,
		MaxAge:   notificationStreamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", streamName, err)
	}
	return nil
}
