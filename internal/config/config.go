package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Feed struct {
	SourcePaths           []string `yaml:"source_paths"`
	FeedPath              string   `yaml:"feed_path"`
	OffsetsPath           string   `yaml:"offsets_path"`
	AllowedTypes          []string `yaml:"allowed_types"`
	MalformedLogPerMinute int      `yaml:"malformed_log_per_minute"`
}

type Cursor struct {
	Path          string `yaml:"path"`
	MaxRetries    int    `yaml:"max_retries"`
	BackoffBaseMs int    `yaml:"backoff_base_ms"`
	BackoffMaxMs  int    `yaml:"backoff_max_ms"`
}

type Thresholds struct {
	TickStallSeconds          int `yaml:"tick_stall_seconds"`
	StuckStreamSeconds        int `yaml:"stuck_stream_seconds"`
	StuckPreHydrationSeconds  int `yaml:"stuck_pre_hydration_seconds"`
	StuckArmedSeconds         int `yaml:"stuck_armed_seconds"`
	UnprotectedTimeoutSeconds int `yaml:"unprotected_timeout_seconds"`
	DataStallSeconds          int `yaml:"data_stall_seconds"`
	RecoveryTimeoutSeconds    int `yaml:"recovery_timeout_seconds"`
	StartupGraceSeconds       int `yaml:"startup_grace_seconds"`
	ConnStabilizationSeconds  int `yaml:"conn_stabilization_seconds"`
	SmoothingWindow           int `yaml:"smoothing_window"`
}

type Server struct {
	Addr              string `yaml:"addr"`
	PollIntervalMs    int    `yaml:"poll_interval_ms"`
	SnapshotMaxEvents int    `yaml:"snapshot_max_events"`
	SnapshotChunkSize int    `yaml:"snapshot_chunk_size"`
}

type Timetable struct {
	Path            string `yaml:"path"`
	RolloverHour    int    `yaml:"rollover_hour"`
	MarketOpenHour  int    `yaml:"market_open_hour"`
	MarketCloseHour int    `yaml:"market_close_hour"`
}

type Root struct {
	Feed         Feed       `yaml:"feed"`
	Cursor       Cursor     `yaml:"cursor"`
	Thresholds   Thresholds `yaml:"thresholds"`
	Server       Server     `yaml:"server"`
	Timetable    Timetable  `yaml:"timetable"`
	RingCapacity int        `yaml:"ring_capacity"`
}

// DefaultAllowedTypes is the live-critical event allow-list; everything else
// in the raw logs is dropped by the feed generator.
var DefaultAllowedTypes = []string{
	"ENGINE_START",
	"ENGINE_TICK",
	"STREAM_STATE_TRANSITION",
	"RANGE_LOCKED",
	"RANGE_LOCK_SNAPSHOT",
	"DISCONNECT_DETECTED",
	"DISCONNECT_RECOVERY_STARTED",
	"DISCONNECT_RECOVERY_COMPLETE",
	"DISCONNECT_FAIL_CLOSED",
	"CONNECTION_LOST",
	"CONNECTION_RESTORED",
	"DATA_LOSS_DETECTED",
	"INTENT_EXPOSURE_REGISTERED",
	"INTENT_ENTRY_FILL",
	"INTENT_EXIT_FILL",
	"INTENT_EXPOSURE_CLOSED",
	"PROTECTIVE_ORDER_ACK",
	"IDENTITY_CHECK_FAILED",
	"DUPLICATE_INSTANCE_DETECTED",
	"EXECUTION_POLICY_FAILURE",
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	applyDefaults(&c)
	return c, nil
}

// Default returns a config with every default applied, for tests and for
// running without a config file.
func Default() Root {
	var c Root
	applyDefaults(&c)
	return c
}

func applyDefaults(c *Root) {
	if c.Feed.FeedPath == "" {
		c.Feed.FeedPath = "data/feed.jsonl"
	}
	if c.Feed.OffsetsPath == "" {
		c.Feed.OffsetsPath = "data/feed_offsets.json"
	}
	if len(c.Feed.AllowedTypes) == 0 {
		c.Feed.AllowedTypes = DefaultAllowedTypes
	}
	if c.Feed.MalformedLogPerMinute == 0 {
		c.Feed.MalformedLogPerMinute = 10
	}

	if c.Cursor.Path == "" {
		c.Cursor.Path = "data/cursors.json"
	}
	if c.Cursor.MaxRetries == 0 {
		c.Cursor.MaxRetries = 3
	}
	if c.Cursor.BackoffBaseMs == 0 {
		c.Cursor.BackoffBaseMs = 100
	}
	if c.Cursor.BackoffMaxMs == 0 {
		c.Cursor.BackoffMaxMs = 2000
	}

	if c.Thresholds.TickStallSeconds == 0 {
		c.Thresholds.TickStallSeconds = 30
	}
	if c.Thresholds.StuckStreamSeconds == 0 {
		c.Thresholds.StuckStreamSeconds = 300
	}
	if c.Thresholds.StuckPreHydrationSeconds == 0 {
		c.Thresholds.StuckPreHydrationSeconds = 1800
	}
	if c.Thresholds.StuckArmedSeconds == 0 {
		c.Thresholds.StuckArmedSeconds = 7200
	}
	if c.Thresholds.UnprotectedTimeoutSeconds == 0 {
		c.Thresholds.UnprotectedTimeoutSeconds = 120
	}
	if c.Thresholds.DataStallSeconds == 0 {
		c.Thresholds.DataStallSeconds = 60
	}
	if c.Thresholds.RecoveryTimeoutSeconds == 0 {
		c.Thresholds.RecoveryTimeoutSeconds = 180
	}
	if c.Thresholds.StartupGraceSeconds == 0 {
		c.Thresholds.StartupGraceSeconds = 120
	}
	if c.Thresholds.ConnStabilizationSeconds == 0 {
		c.Thresholds.ConnStabilizationSeconds = 60
	}
	if c.Thresholds.SmoothingWindow == 0 {
		c.Thresholds.SmoothingWindow = 3
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Server.PollIntervalMs == 0 {
		c.Server.PollIntervalMs = 1000
	}
	if c.Server.SnapshotMaxEvents == 0 {
		c.Server.SnapshotMaxEvents = 500
	}
	if c.Server.SnapshotChunkSize == 0 {
		c.Server.SnapshotChunkSize = 100
	}

	if c.Timetable.Path == "" {
		c.Timetable.Path = "config/timetable.yaml"
	}
	if c.Timetable.RolloverHour == 0 {
		c.Timetable.RolloverHour = 18
	}
	if c.Timetable.MarketOpenHour == 0 {
		c.Timetable.MarketOpenHour = 18
	}
	if c.Timetable.MarketCloseHour == 0 {
		c.Timetable.MarketCloseHour = 17
	}

	if c.RingCapacity == 0 {
		c.RingCapacity = 50
	}
}
