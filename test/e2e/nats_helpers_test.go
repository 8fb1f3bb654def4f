package e2e

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

// receivedNotification is the subset of the sink payload checked by e2e tests.
// Params: group identity, trigger, and member count.
// Returns: decoded notification facts.
type receivedNotification struct {
	ID       string `json:"id"`
	GroupKey string `json:"group_key"`
	Receiver string `json:"receiver"`
	Status   string `json:"status"`
	Trigger  string `json:"trigger"`
	Alerts   []struct {
		Fingerprint string `json:"fingerprint"`
	} `json:"alerts"`
}

// collectNotifications drains the notification stream for a quiet period.
// Params: test handle, NATS URL, stream name, subject, and quiet window.
// Returns: decoded notifications observed on the stream.
func collectNotifications(t *testing.T, natsURL, stream, subject string, quiet time.Duration) []receivedNotification {
	t.Helper()

	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	defer nc.Close()
	js, err := nc.JetStream()
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}

	sub, err := js.PullSubscribe(subject, "", nats.BindStream(stream))
	if err != nil {
		t.Fatalf("pull subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	var out []receivedNotification
	idle := time.Now()
	for time.Since(idle) < quiet {
		msgs, err := sub.Fetch(16, nats.MaxWait(200*time.Millisecond))
		if err != nil {
			continue
		}
		for _, msg := range msgs {
			var notification receivedNotification
			if err := json.Unmarshal(msg.Data, &notification); err != nil {
				t.Fatalf("decode notification: %v", err)
			}
			out = append(out, notification)
			_ = msg.Ack()
		}
		if len(msgs) > 0 {
			idle = time.Now()
		}
	}
	return out
}
