package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/snnn1/engine-watchdog/internal/aggregator"
	"github.com/snnn1/engine-watchdog/internal/config"
	"github.com/snnn1/engine-watchdog/internal/cursor"
	"github.com/snnn1/engine-watchdog/internal/feed"
	"github.com/snnn1/engine-watchdog/internal/observ"
	"github.com/snnn1/engine-watchdog/internal/processor"
	"github.com/snnn1/engine-watchdog/internal/state"
	"github.com/snnn1/engine-watchdog/internal/timetable"
	"github.com/snnn1/engine-watchdog/internal/transport"
)

func main() {
	var cfgPath string
	var addr string
	var sources string
	flag.StringVar(&cfgPath, "config", "config/watchdog.yaml", "config path")
	flag.StringVar(&addr, "addr", "", "listen address (overrides config)")
	flag.StringVar(&sources, "sources", "", "comma-separated raw log paths (overrides config)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("load config: %v", err)
		}
		cfg = config.Default()
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if sources != "" {
		cfg.Feed.SourcePaths = strings.Split(sources, ",")
	}
	if v := os.Getenv("WATCHDOG_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("WATCHDOG_FEED_PATH"); v != "" {
		cfg.Feed.FeedPath = v
	}

	observ.Log("startup", map[string]any{
		"addr":          cfg.Server.Addr,
		"feed_path":     cfg.Feed.FeedPath,
		"sources":       cfg.Feed.SourcePaths,
		"poll_interval": cfg.Server.PollIntervalMs,
		"allowed_types": len(cfg.Feed.AllowedTypes),
	})

	calendar := timetable.NewProvider(cfg.Timetable.Path, cfg.Timetable.RolloverHour)
	hours := timetable.Hours{OpenHour: cfg.Timetable.MarketOpenHour, CloseHour: cfg.Timetable.MarketCloseHour}

	mgr := state.NewManager(stateConfig(cfg), hours, calendar)
	proc := processor.New(mgr)

	gen := feed.NewGenerator(
		cfg.Feed.SourcePaths, cfg.Feed.FeedPath, cfg.Feed.OffsetsPath,
		cfg.Feed.AllowedTypes, cfg.Feed.MalformedLogPerMinute,
	)
	reader := feed.NewReader(cfg.Feed.FeedPath)
	store := cursor.NewStore(cfg.Cursor.Path, cfg.Cursor.MaxRetries, cfg.Cursor.BackoffBaseMs, cfg.Cursor.BackoffMaxMs)

	interval := time.Duration(cfg.Server.PollIntervalMs) * time.Millisecond
	agg := aggregator.New(gen, reader, store, proc, mgr, calendar, interval)

	hubCfg := transport.DefaultHubConfig()
	hubCfg.PollInterval = interval
	hubCfg.SnapshotMaxEvents = cfg.Server.SnapshotMaxEvents
	hubCfg.SnapshotChunkSize = cfg.Server.SnapshotChunkSize
	hub := transport.NewHub(reader, hubCfg)
	server := transport.NewServer(mgr, reader, hub)

	ctx, cancel := context.WithCancel(context.Background())
	agg.Start(ctx)

	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: server.Handler()}
	go func() {
		observ.Log("listen", map[string]any{"addr": cfg.Server.Addr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	observ.Log("shutdown", nil)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	cancel()
	agg.Stop()
}

func stateConfig(cfg config.Root) state.Config {
	t := cfg.Thresholds
	return state.Config{
		TickStall:          time.Duration(t.TickStallSeconds) * time.Second,
		StuckDefault:       time.Duration(t.StuckStreamSeconds) * time.Second,
		StuckPreHydration:  time.Duration(t.StuckPreHydrationSeconds) * time.Second,
		StuckArmed:         time.Duration(t.StuckArmedSeconds) * time.Second,
		UnprotectedTimeout: time.Duration(t.UnprotectedTimeoutSeconds) * time.Second,
		DataStall:          time.Duration(t.DataStallSeconds) * time.Second,
		RecoveryTimeout:    time.Duration(t.RecoveryTimeoutSeconds) * time.Second,
		StartupGrace:       time.Duration(t.StartupGraceSeconds) * time.Second,
		ConnStabilization:  time.Duration(t.ConnStabilizationSeconds) * time.Second,
		SmoothingWindow:    t.SmoothingWindow,
		RingCapacity:       cfg.RingCapacity,
	}
}
