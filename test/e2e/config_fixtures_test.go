package e2e

import "fmt"

// singleModeConfig builds a single-instance YAML config for e2e scenarios.
// Params: HTTP port and group_wait value.
// Returns: config body with memory storage and log sink.
func singleModeConfig(port int, groupWait string) string {
	return fmt.Sprintf(`
service:
  mode: single
  instance_id: e2e-single
  cleanup_interval: 1s
  group_expiry: 2s
log:
  console:
    enabled: true
    level: error
    format: json
route:
  receiver: ops
  group_by: [alertname, cluster]
  group_wait: %s
  group_interval: 2s
  repeat_interval: 1h
ingest:
  http:
    enabled: true
    listen: "127.0.0.1:%d"
metrics:
  enabled: true
`, groupWait, port)
}

// natsModeConfig builds a NATS-backed YAML config for multi-instance scenarios.
// Params: instance id, HTTP port, NATS URL, shared bucket/stream suffix, and group_wait.
// Returns: config body with KV storage and JetStream notification sink.
func natsModeConfig(instanceID string, port int, natsURL, suffix, groupWait string) string {
	return fmt.Sprintf(`
service:
  mode: nats
  instance_id: %s
log:
  console:
    enabled: true
    level: error
    format: json
route:
  receiver: ops
  group_by: [alertname, cluster]
  group_wait: %s
  group_interval: 2s
  repeat_interval: 1h
ingest:
  http:
    enabled: true
    listen: "127.0.0.1:%d"
storage:
  nats:
    url: ["%s"]
    groups_bucket: groups_%s
    timers_bucket: timers_%s
    leases_bucket: leases_%s
    allow_create_buckets: true
  lease_ttl: 5s
  health_interval: 1s
sink:
  mode: nats
  nats:
    url: ["%s"]
    subject: notifications.%s
    stream: NOTIFY_%s
    allow_create_stream: true
metrics:
  enabled: true
`, instanceID, groupWait, port, natsURL, suffix, suffix, suffix, natsURL, suffix, suffix)
}
