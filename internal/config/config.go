package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPListen       = ":8080"
	defaultHealthPath       = "/healthz"
	defaultReadyPath        = "/readyz"
	defaultAlertsPath       = "/api/v1/alerts"
	defaultMetricsPath      = "/metrics"
	defaultMaxBodyBytes     = 1 << 20
	defaultGroupWait        = 30 * time.Second
	defaultGroupInterval    = 5 * time.Minute
	defaultRepeatInterval   = 4 * time.Hour
	defaultGroupExpiry      = time.Hour
	defaultGroupStaleAfter  = 24 * time.Hour
	defaultCleanupInterval  = 2 * time.Minute
	defaultHealthInterval   = 30 * time.Second
	defaultLeaseTTL         = 30 * time.Second
	defaultMaxKeyLength     = 256
	defaultStorageOpTimeout = 5 * time.Second
	defaultNATSURL          = "nats://127.0.0.1:4222"
	defaultGroupsBucket     = "alert_groups"
	defaultTimersBucket     = "alert_timers"
	defaultLeasesBucket     = "alert_leases"
	defaultIngestSubject    = "grouping.alerts"
	defaultIngestStream     = "GROUPING_ALERTS"
	defaultIngestConsumer   = "grouping-ingest"
	defaultIngestGroup      = "grouping-workers"
	defaultSinkSubject      = "grouping.notifications"
	defaultSinkStream       = "GROUPING_NOTIFICATIONS"
	defaultNATSAckWaitSec   = 30
	defaultNATSNackDelayMS  = 1000
	defaultNATSMaxDeliver   = -1
	defaultNATSMaxAckPend   = 2048

	// GroupByAll is the group_by sentinel selecting every alert label.
	GroupByAll = "..."

	// ServiceModeNATS keeps NATS-backed shared storage with memory fallback.
	ServiceModeNATS = "nats"
	// ServiceModeSingle keeps single-instance mode on the memory store only.
	ServiceModeSingle = "single"

	// SinkModeLog writes group snapshots to the service log.
	SinkModeLog = "log"
	// SinkModeNATS publishes group snapshots into a JetStream stream.
	SinkModeNATS = "nats"
)

// Config is the root runtime configuration snapshot.
// Params: service, logging, route tree, ingest, storage, sink, and metrics sections.
// Returns: validated read-only configuration for service construction.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Log     LogConfig     `yaml:"log"`
	Route   Route         `yaml:"route"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Storage StorageConfig `yaml:"storage"`
	Sink    SinkConfig    `yaml:"sink"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServiceConfig keeps process-level runtime settings.
// Params: mode, instance identity, cleanup cadence, and group TTLs.
// Returns: service lifecycle parameters.
type ServiceConfig struct {
	Mode            string   `yaml:"mode"`
	InstanceID      string   `yaml:"instance_id"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	GroupExpiry     Duration `yaml:"group_expiry"`
	// GroupStaleAfter is a pointer so an explicit 0 (staleness sweep
	// disabled) survives defaulting.
	GroupStaleAfter *Duration `yaml:"group_stale_after"`
	MaxKeyLength    int       `yaml:"max_key_length"`
	FlushOnShutdown bool      `yaml:"flush_on_shutdown"`
}

// LogConfig keeps console and file sink settings.
// Params: per-sink enabled flag, level, format, and file path.
// Returns: logger construction input.
type LogConfig struct {
	Console LogSinkConfig `yaml:"console"`
	File    LogSinkConfig `yaml:"file"`
}

// LogSinkConfig keeps one log sink definition.
// Params: enabled flag, minimum level, output format, and optional path.
// Returns: one sink behavior description.
type LogSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Path    string `yaml:"path"`
}

// Route is one node of the grouping route tree.
// Params: receiver, label-match predicates, group_by selection, timer intervals, and child routes.
// Returns: read-only routing node; children inherit unset fields from the parent.
type Route struct {
	Receiver       string            `yaml:"receiver"`
	GroupBy        []string          `yaml:"group_by"`
	GroupWait      *Duration         `yaml:"group_wait"`
	GroupInterval  *Duration         `yaml:"group_interval"`
	RepeatInterval *Duration         `yaml:"repeat_interval"`
	Match          map[string]string `yaml:"match"`
	MatchRE        map[string]string `yaml:"match_re"`
	Routes         []Route           `yaml:"routes"`

	// CompiledMatchRE holds match_re patterns compiled during validation.
	CompiledMatchRE map[string]*regexp.Regexp `yaml:"-"`
}

// IngestConfig keeps ingress collaborator settings.
// Params: HTTP endpoint and NATS consumer sections.
// Returns: ingest surface configuration.
type IngestConfig struct {
	HTTP HTTPIngestConfig `yaml:"http"`
	NATS NATSIngestConfig `yaml:"nats"`
}

// HTTPIngestConfig keeps HTTP listener settings.
// Params: listen address, endpoint paths, and request body cap.
// Returns: HTTP server construction input.
type HTTPIngestConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Listen       string `yaml:"listen"`
	HealthPath   string `yaml:"health_path"`
	ReadyPath    string `yaml:"ready_path"`
	AlertsPath   string `yaml:"alerts_path"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// NATSIngestConfig keeps JetStream alert consumer settings.
// Params: connection URLs, stream/consumer identities, and redelivery policy.
// Returns: NATS ingest construction input.
type NATSIngestConfig struct {
	Enabled       bool     `yaml:"enabled"`
	URL           []string `yaml:"url"`
	Subject       string   `yaml:"subject"`
	Stream        string   `yaml:"stream"`
	ConsumerName  string   `yaml:"consumer_name"`
	DeliverGroup  string   `yaml:"deliver_group"`
	AckWaitSec    int      `yaml:"ack_wait_sec"`
	NackDelayMS   int      `yaml:"nack_delay_ms"`
	MaxDeliver    int      `yaml:"max_deliver"`
	MaxAckPending int      `yaml:"max_ack_pending"`
}

// StorageConfig keeps durable state backend settings.
// Params: primary NATS KV section, health polling cadence, and lease TTL.
// Returns: storage manager construction input.
type StorageConfig struct {
	NATS           NATSStorageConfig `yaml:"nats"`
	HealthInterval Duration          `yaml:"health_interval"`
	LeaseTTL       Duration          `yaml:"lease_ttl"`
	OpTimeout      Duration          `yaml:"op_timeout"`
}

// NATSStorageConfig keeps JetStream KV bucket settings for the primary backend.
// Params: connection URLs and bucket names for groups/timers/leases.
// Returns: NATS store construction input.
type NATSStorageConfig struct {
	URL                []string `yaml:"url"`
	GroupsBucket       string   `yaml:"groups_bucket"`
	TimersBucket       string   `yaml:"timers_bucket"`
	LeasesBucket       string   `yaml:"leases_bucket"`
	AllowCreateBuckets bool     `yaml:"allow_create_buckets"`
}

// SinkConfig keeps egress hand-off settings.
// Params: sink mode and NATS publisher section.
// Returns: notification sink construction input.
type SinkConfig struct {
	Mode string         `yaml:"mode"`
	NATS NATSSinkConfig `yaml:"nats"`
}

// NATSSinkConfig keeps JetStream publisher settings for group snapshots.
// Params: connection URLs, subject, and stream provisioning flag.
// Returns: NATS sink construction input.
type NATSSinkConfig struct {
	URL               []string `yaml:"url"`
	Subject           string   `yaml:"subject"`
	Stream            string   `yaml:"stream"`
	AllowCreateStream bool     `yaml:"allow_create_stream"`
}

// MetricsConfig keeps Prometheus endpoint settings.
// Params: enabled flag and scrape path on the service HTTP listener.
// Returns: metrics surface configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of File or Dir.
// Returns: load target selector.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds config source from CLI flags.
// Params: file path and directory path flag values.
// Returns: source or flag usage error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}
	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile decodes one YAML config file.
// Params: file path.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	var cfg Config
	if err := decodeInto(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadDir overlays YAML fragments from a directory in lexicographic order.
// Params: directory path with *.yml / *.yaml fragments.
// Returns: merged config; later fragments override keys they define.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}
	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".yml") || strings.HasSuffix(name, ".yaml") {
			paths = append(paths, filepath.Join(dir, name))
		}
	}
	if len(paths) == 0 {
		return Config{}, fmt.Errorf("config dir %q has no yaml fragments", dir)
	}
	sort.Strings(paths)

	var cfg Config
	for _, path := range paths {
		if err := decodeInto(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// decodeInto decodes one YAML file into the accumulated config.
// Params: file path and target config.
// Returns: read or strict-decode error.
func decodeInto(path string, cfg *Config) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %q: %w", path, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(body))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			// Empty fragment contributes nothing.
			return nil
		}
		return fmt.Errorf("decode config %q: %w", path, err)
	}
	return nil
}

// applyDefaults fills unset fields with documented defaults.
// Params: mutable decoded config.
// Returns: config updated in place.
func applyDefaults(cfg *Config) {
	if cfg.Service.Mode == "" {
		cfg.Service.Mode = ServiceModeSingle
	}
	if strings.TrimSpace(cfg.Service.InstanceID) == "" {
		cfg.Service.InstanceID = uuid.NewString()
	}
	if cfg.Service.CleanupInterval == 0 {
		cfg.Service.CleanupInterval = Duration(defaultCleanupInterval)
	}
	if cfg.Service.GroupExpiry == 0 {
		cfg.Service.GroupExpiry = Duration(defaultGroupExpiry)
	}
	if cfg.Service.GroupStaleAfter == nil {
		staleAfter := Duration(defaultGroupStaleAfter)
		cfg.Service.GroupStaleAfter = &staleAfter
	}
	if cfg.Service.MaxKeyLength == 0 {
		cfg.Service.MaxKeyLength = defaultMaxKeyLength
	}

	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}
	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}

	applyRouteDefaults(&cfg.Route)

	if cfg.Ingest.HTTP.Listen == "" {
		cfg.Ingest.HTTP.Listen = defaultHTTPListen
	}
	if cfg.Ingest.HTTP.HealthPath == "" {
		cfg.Ingest.HTTP.HealthPath = defaultHealthPath
	}
	if cfg.Ingest.HTTP.ReadyPath == "" {
		cfg.Ingest.HTTP.ReadyPath = defaultReadyPath
	}
	if cfg.Ingest.HTTP.AlertsPath == "" {
		cfg.Ingest.HTTP.AlertsPath = defaultAlertsPath
	}
	if cfg.Ingest.HTTP.MaxBodyBytes == 0 {
		cfg.Ingest.HTTP.MaxBodyBytes = defaultMaxBodyBytes
	}

	if len(cfg.Ingest.NATS.URL) == 0 {
		cfg.Ingest.NATS.URL = []string{defaultNATSURL}
	}
	if cfg.Ingest.NATS.Subject == "" {
		cfg.Ingest.NATS.Subject = defaultIngestSubject
	}
	if cfg.Ingest.NATS.Stream == "" {
		cfg.Ingest.NATS.Stream = defaultIngestStream
	}
	if cfg.Ingest.NATS.ConsumerName == "" {
		cfg.Ingest.NATS.ConsumerName = defaultIngestConsumer
	}
	if cfg.Ingest.NATS.DeliverGroup == "" {
		cfg.Ingest.NATS.DeliverGroup = defaultIngestGroup
	}
	if cfg.Ingest.NATS.AckWaitSec == 0 {
		cfg.Ingest.NATS.AckWaitSec = defaultNATSAckWaitSec
	}
	if cfg.Ingest.NATS.NackDelayMS == 0 {
		cfg.Ingest.NATS.NackDelayMS = defaultNATSNackDelayMS
	}
	if cfg.Ingest.NATS.MaxDeliver == 0 {
		cfg.Ingest.NATS.MaxDeliver = defaultNATSMaxDeliver
	}
	if cfg.Ingest.NATS.MaxAckPending == 0 {
		cfg.Ingest.NATS.MaxAckPending = defaultNATSMaxAckPend
	}

	if len(cfg.Storage.NATS.URL) == 0 {
		cfg.Storage.NATS.URL = []string{defaultNATSURL}
	}
	if cfg.Storage.NATS.GroupsBucket == "" {
		cfg.Storage.NATS.GroupsBucket = defaultGroupsBucket
	}
	if cfg.Storage.NATS.TimersBucket == "" {
		cfg.Storage.NATS.TimersBucket = defaultTimersBucket
	}
	if cfg.Storage.NATS.LeasesBucket == "" {
		cfg.Storage.NATS.LeasesBucket = defaultLeasesBucket
	}
	if cfg.Storage.HealthInterval == 0 {
		cfg.Storage.HealthInterval = Duration(defaultHealthInterval)
	}
	if cfg.Storage.LeaseTTL == 0 {
		cfg.Storage.LeaseTTL = Duration(defaultLeaseTTL)
	}
	if cfg.Storage.OpTimeout == 0 {
		cfg.Storage.OpTimeout = Duration(defaultStorageOpTimeout)
	}

	if cfg.Sink.Mode == "" {
		cfg.Sink.Mode = SinkModeLog
	}
	if len(cfg.Sink.NATS.URL) == 0 {
		cfg.Sink.NATS.URL = []string{defaultNATSURL}
	}
	if cfg.Sink.NATS.Subject == "" {
		cfg.Sink.NATS.Subject = defaultSinkSubject
	}
	if cfg.Sink.NATS.Stream == "" {
		cfg.Sink.NATS.Stream = defaultSinkStream
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = defaultMetricsPath
	}
}

// applyRouteDefaults fills root route intervals and inherits them into children.
// Params: mutable root route.
// Returns: route tree updated in place.
func applyRouteDefaults(route *Route) {
	if route.GroupWait == nil {
		wait := Duration(defaultGroupWait)
		route.GroupWait = &wait
	}
	if route.GroupInterval == nil {
		interval := Duration(defaultGroupInterval)
		route.GroupInterval = &interval
	}
	if route.RepeatInterval == nil {
		repeat := Duration(defaultRepeatInterval)
		route.RepeatInterval = &repeat
	}
	inheritRouteFields(route)
}

// inheritRouteFields propagates parent grouping settings into unset child fields.
// Params: parent route with resolved fields.
// Returns: children updated recursively.
func inheritRouteFields(parent *Route) {
	for i := range parent.Routes {
		child := &parent.Routes[i]
		if child.Receiver == "" {
			child.Receiver = parent.Receiver
		}
		if child.GroupBy == nil {
			child.GroupBy = parent.GroupBy
		}
		if child.GroupWait == nil {
			child.GroupWait = parent.GroupWait
		}
		if child.GroupInterval == nil {
			child.GroupInterval = parent.GroupInterval
		}
		if child.RepeatInterval == nil {
			child.RepeatInterval = parent.RepeatInterval
		}
		inheritRouteFields(child)
	}
}

// NormalizeServiceMode canonicalizes service mode token.
// Params: raw mode string.
// Returns: lower-case trimmed mode.
func NormalizeServiceMode(mode string) string {
	return strings.ToLower(strings.TrimSpace(mode))
}

// IsSupportedServiceMode reports whether mode token is known.
// Params: normalized mode string.
// Returns: true for nats/single.
func IsSupportedServiceMode(mode string) bool {
	return mode == ServiceModeNATS || mode == ServiceModeSingle
}
