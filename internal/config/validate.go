package config

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationError aggregates every configuration violation found in one pass.
// Params: issue list with field-path prefixed messages.
// Returns: startup-fatal error listing all offending fields, not just the first.
type ValidationError struct {
	Issues []string
}

// Error joins all collected issues into one message.
// Params: none.
// Returns: string representation.
func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "invalid configuration"
	}
	return fmt.Sprintf("invalid configuration (%d issues): %s", len(e.Issues), strings.Join(e.Issues, "; "))
}

// add appends one formatted issue.
// Params: format string and args.
// Returns: none.
func (e *ValidationError) add(format string, args ...any) {
	e.Issues = append(e.Issues, fmt.Sprintf(format, args...))
}

// validateConfig checks every config section and collects all violations.
// Params: decoded config with defaults applied; compiles route regexes in place.
// Returns: ValidationError with the full issue list or nil.
func validateConfig(cfg *Config) error {
	issues := &ValidationError{}

	mode := NormalizeServiceMode(cfg.Service.Mode)
	if !IsSupportedServiceMode(mode) {
		issues.add("service.mode has unsupported value %q", cfg.Service.Mode)
	}
	if cfg.Service.MaxKeyLength < 32 {
		issues.add("service.max_key_length must be >=32, got %d", cfg.Service.MaxKeyLength)
	}
	if cfg.Service.CleanupInterval <= 0 {
		issues.add("service.cleanup_interval must be >0")
	}
	if cfg.Service.GroupExpiry <= 0 {
		issues.add("service.group_expiry must be >0")
	}
	if staleAfter := *cfg.Service.GroupStaleAfter; staleAfter != 0 && staleAfter < cfg.Service.GroupExpiry {
		issues.add("service.group_stale_after must be 0 (disabled) or >= service.group_expiry")
	}

	validateLogSink(issues, "log.console", cfg.Log.Console, false)
	validateLogSink(issues, "log.file", cfg.Log.File, true)

	if strings.TrimSpace(cfg.Route.Receiver) == "" {
		issues.add("route.receiver is required")
	}
	validateRoute(issues, "route", &cfg.Route)

	if strings.TrimSpace(cfg.Ingest.HTTP.Listen) == "" {
		issues.add("ingest.http.listen is required")
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.AlertsPath) == "" {
		issues.add("ingest.http.alerts_path is required")
	}
	if cfg.Ingest.HTTP.MaxBodyBytes <= 0 {
		issues.add("ingest.http.max_body_bytes must be >0")
	}

	if cfg.Ingest.NATS.Enabled {
		if mode == ServiceModeSingle {
			issues.add("ingest.nats.enabled requires service.mode=nats")
		}
		validateURLList(issues, "ingest.nats.url", cfg.Ingest.NATS.URL)
		if cfg.Ingest.NATS.AckWaitSec <= 0 {
			issues.add("ingest.nats.ack_wait_sec must be >0")
		}
		if cfg.Ingest.NATS.NackDelayMS < 0 {
			issues.add("ingest.nats.nack_delay_ms must be >=0")
		}
		if cfg.Ingest.NATS.MaxDeliver == 0 || cfg.Ingest.NATS.MaxDeliver < -1 {
			issues.add("ingest.nats.max_deliver must be -1 or >0")
		}
		if cfg.Ingest.NATS.MaxAckPending <= 0 {
			issues.add("ingest.nats.max_ack_pending must be >0")
		}
	}

	if mode == ServiceModeNATS {
		validateURLList(issues, "storage.nats.url", cfg.Storage.NATS.URL)
		if strings.TrimSpace(cfg.Storage.NATS.GroupsBucket) == "" {
			issues.add("storage.nats.groups_bucket is required")
		}
		if strings.TrimSpace(cfg.Storage.NATS.TimersBucket) == "" {
			issues.add("storage.nats.timers_bucket is required")
		}
		if strings.TrimSpace(cfg.Storage.NATS.LeasesBucket) == "" {
			issues.add("storage.nats.leases_bucket is required")
		}
	}
	if cfg.Storage.HealthInterval <= 0 {
		issues.add("storage.health_interval must be >0")
	}
	if cfg.Storage.LeaseTTL <= 0 {
		issues.add("storage.lease_ttl must be >0")
	}
	if cfg.Storage.OpTimeout <= 0 {
		issues.add("storage.op_timeout must be >0")
	}

	switch cfg.Sink.Mode {
	case SinkModeLog:
	case SinkModeNATS:
		if mode == ServiceModeSingle {
			issues.add("sink.mode=nats requires service.mode=nats")
		}
		validateURLList(issues, "sink.nats.url", cfg.Sink.NATS.URL)
		if strings.TrimSpace(cfg.Sink.NATS.Subject) == "" {
			issues.add("sink.nats.subject is required")
		}
	default:
		issues.add("sink.mode has unsupported value %q", cfg.Sink.Mode)
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		issues.add("metrics.path must start with /")
	}

	if len(issues.Issues) > 0 {
		return issues
	}
	return nil
}

// validateLogSink checks one log sink definition.
// Params: issue collector, field prefix, sink config, and path requirement flag.
// Returns: issues appended for level/format/path violations.
func validateLogSink(issues *ValidationError, prefix string, sink LogSinkConfig, needsPath bool) {
	if !sink.Enabled {
		return
	}
	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error":
	default:
		issues.add("%s.level has unsupported value %q", prefix, sink.Level)
	}
	switch sink.Format {
	case "line", "json":
	default:
		issues.add("%s.format has unsupported value %q", prefix, sink.Format)
	}
	if needsPath && strings.TrimSpace(sink.Path) == "" {
		issues.add("%s.path is required when %s.enabled=true", prefix, prefix)
	}
}

// validateRoute checks one route node and recurses into children.
// Params: issue collector, field path, and mutable route (regexes compiled in place).
// Returns: issues appended for group_by, interval, and match_re violations.
func validateRoute(issues *ValidationError, path string, route *Route) {
	validateGroupBy(issues, path, route.GroupBy)

	if route.GroupWait == nil || *route.GroupWait < 0 {
		issues.add("%s.group_wait must be >=0", path)
	}
	if route.GroupInterval == nil || *route.GroupInterval <= 0 {
		issues.add("%s.group_interval must be >0", path)
	}
	if route.RepeatInterval == nil || *route.RepeatInterval <= 0 {
		issues.add("%s.repeat_interval must be >0", path)
	}

	for name := range route.Match {
		if strings.TrimSpace(name) == "" {
			issues.add("%s.match has empty label name", path)
		}
	}
	if len(route.MatchRE) > 0 {
		route.CompiledMatchRE = make(map[string]*regexp.Regexp, len(route.MatchRE))
		for name, pattern := range route.MatchRE {
			if strings.TrimSpace(name) == "" {
				issues.add("%s.match_re has empty label name", path)
				continue
			}
			compiled, err := regexp.Compile(pattern)
			if err != nil {
				issues.add("%s.match_re[%s] is not a valid regexp: %v", path, name, err)
				continue
			}
			route.CompiledMatchRE[name] = compiled
		}
	}

	for i := range route.Routes {
		child := &route.Routes[i]
		childPath := fmt.Sprintf("%s.routes[%d]", path, i)
		if len(child.Match) == 0 && len(child.MatchRE) == 0 {
			issues.add("%s must define match or match_re predicates", childPath)
		}
		validateRoute(issues, childPath, child)
	}
}

// validateGroupBy checks group_by label list constraints.
// Params: issue collector, field path, and group_by entries.
// Returns: issues appended for duplicates, empties, and misplaced "..." sentinel.
func validateGroupBy(issues *ValidationError, path string, groupBy []string) {
	seen := make(map[string]struct{}, len(groupBy))
	for _, name := range groupBy {
		if name == GroupByAll {
			if len(groupBy) > 1 {
				issues.add("%s.group_by must not mix %q with label names", path, GroupByAll)
			}
			continue
		}
		if strings.TrimSpace(name) == "" {
			issues.add("%s.group_by has empty label name", path)
			continue
		}
		if _, dup := seen[name]; dup {
			issues.add("%s.group_by has duplicate label %q", path, name)
		}
		seen[name] = struct{}{}
	}
}

// validateURLList checks non-empty URL lists.
// Params: issue collector, field path, and URL entries.
// Returns: issues appended for empty list or blank entries.
func validateURLList(issues *ValidationError, path string, urls []string) {
	if len(urls) == 0 {
		issues.add("%s is required", path)
		return
	}
	for i, url := range urls {
		if strings.TrimSpace(url) == "" {
			issues.add("%s[%d] is empty", path, i)
		}
	}
}
