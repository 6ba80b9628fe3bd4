// omada-bridge publishes TP-Link Omada controller state to Home
// Assistant as MQTT discovery sensors.
//
// An external poller talks to the controller and delivers snapshots of
// devices and clients, either on the MQTT snapshot topic or by POSTing
// to the status API. The bridge turns each snapshot into sensor entities
// (bandwidth, uptime, CPU, radio utilization, client counts), keeps them
// in step with the configured options, and remembers every client it
// has seen so offline clients keep their sensors across restarts.
//
// Usage:
//
//	omada-bridge serve             Start the bridge
//	omada-bridge init [dir]        Write an example config.yaml
//	omada-bridge sensors           List the sensor types the bridge can create
//	omada-bridge version           Print version and build information
//	omada-bridge -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/omada-bridge/internal/api"
	"github.com/nugget/omada-bridge/internal/buildinfo"
	"github.com/nugget/omada-bridge/internal/config"
	"github.com/nugget/omada-bridge/internal/connwatch"
	"github.com/nugget/omada-bridge/internal/events"
	"github.com/nugget/omada-bridge/internal/mqtt"
	"github.com/nugget/omada-bridge/internal/omada"
	"github.com/nugget/omada-bridge/internal/sensor"
	"github.com/nugget/omada-bridge/internal/store"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates to [run], keeping os.Exit and os.Args out of the
// application logic so the lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. ctx controls the process lifetime;
// structured logs go to stdout; args is os.Args[1:].
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Manual parsing: the flag package's globals get in the way of
	// running run() from parallel tests.
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "sensors":
		return runSensors(stdout, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// sensorRow is one line of the sensors command output.
type sensorRow struct {
	Kind        sensor.Kind `json:"kind"`
	Key         string      `json:"key"`
	Name        string      `json:"name"`
	Unit        string      `json:"unit,omitempty"`
	DeviceClass string      `json:"device_class,omitempty"`
	StateClass  string      `json:"state_class,omitempty"`
}

// runSensors lists every sensor description, clients first.
func runSensors(w io.Writer, outputFmt string) error {
	var rows []sensorRow
	for _, kind := range []sensor.Kind{sensor.KindClient, sensor.KindDevice} {
		for _, d := range sensor.Descriptions(kind) {
			rows = append(rows, sensorRow{
				Kind:        d.Kind,
				Key:         d.Key,
				Name:        d.Name(nil, ""),
				Unit:        d.Unit,
				DeviceClass: d.DeviceClass,
				StateClass:  d.StateClass,
			})
		}
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	for _, r := range rows {
		unit := r.Unit
		if unit == "" {
			unit = "-"
		}
		fmt.Fprintf(w, "%-7s %-32s %-24s %s\n", r.Kind, r.Key, r.Name, unit)
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "omada-bridge - Omada controller sensors for Home Assistant over MQTT")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: omada-bridge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the bridge")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  sensors      List the sensor types the bridge can create")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/omada-bridge/config.yaml, /etc/omada-bridge/config.yaml")
	return nil
}

// runServe handles the "serve" subcommand: it opens the store, restores
// sensor entities, connects to the broker, starts the status API, and
// blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The bridge publishes "offline" and disconnects from the broker
//  3. The HTTP server drains in-flight requests
//  4. Watchers stop and the store is closed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting omada-bridge", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the level and format are known.
	// Validate already rejected bad levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"site", cfg.Omada.Site,
		"data_dir", cfg.DataDir,
		"log_level", level,
	)

	// --- Persistence ---
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	st, err := store.Open(filepath.Join(cfg.DataDir, "omada-bridge.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// --- Controller state ---
	opts := resolveOptions(cfg, st, logger)
	bus := events.New()
	ctrl := omada.NewController(cfg.Omada.Site, opts, st, bus, logger)
	if err := ctrl.LoadKnownClients(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	// --- MQTT publisher ---
	// Optional: without a broker the bridge still ingests snapshots over
	// HTTP and serves entity state from the API.
	stats := &mqttStatsAdapter{ctrl: ctrl}
	var mqttPub *mqtt.Publisher
	var sink sensor.Sink
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		mqttPub = mqtt.New(cfg.MQTT, instanceID, stats, logger)
		sink = mqttPub
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Sensor platform ---
	platform := sensor.NewPlatform(sensor.PlatformConfig{
		Controller: ctrl,
		Sink:       sink,
		Registry:   st,
		Bus:        bus,
		Logger:     logger,
	})
	stats.platform = platform

	if err := platform.Restore(ctx); err != nil {
		// Not fatal: entities are recreated from the next snapshot, only
		// offline clients lose their sensors until they reconnect.
		logger.Warn("entity restore failed", "error", err)
	}

	if mqttPub != nil {
		mqttPub.SetEntitySource(platform)
		if cfg.MQTT.SnapshotTopic != "" {
			mqttPub.SetMessageHandler(mqtt.SnapshotHandler(ctrl, logger))
		}
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"snapshot_topic", cfg.MQTT.SnapshotTopic,
		)
	}

	go platform.Run(ctx)

	// --- Controller availability ---
	// The poller is the only thing talking to the controller, so the
	// controller counts as available while snapshots keep arriving.
	ctrlWatch := connMgr.Watch(ctx, controllerWatcher(ctrl, cfg.Omada.StaleAfter, logger))
	go pokeOnSnapshot(ctx, bus, ctrlWatch)

	// --- Status API ---
	server := api.NewServer(api.Config{
		Address:    cfg.Listen.Address,
		Port:       cfg.Listen.Port,
		Controller: ctrl,
		Platform:   platform,
		Health:     connMgr,
		Bus:        bus,
		Options:    st,
		Defaults:   cfg.Omada.Options(),
		Logger:     logger,
	})

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Publish MQTT offline status before disconnecting.
		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	// Start blocks until the server is shut down or fails.
	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("omada-bridge stopped")
	return nil
}

// resolveOptions returns the options saved through the API if there
// are any, and the configured options otherwise.
func resolveOptions(cfg *config.Config, st *store.Store, logger *slog.Logger) omada.Options {
	saved, ok, err := st.LoadOptions(cfg.Omada.Site)
	switch {
	case err != nil:
		logger.Warn("saved options unreadable, using config", "site", cfg.Omada.Site, "error", err)
	case ok:
		logger.Info("using options saved via API", "site", cfg.Omada.Site)
		return saved
	}
	return cfg.Omada.Options()
}

// controllerWatcher builds the snapshot-freshness watcher that drives
// controller availability.
func controllerWatcher(ctrl *omada.Controller, staleAfter time.Duration, logger *slog.Logger) connwatch.WatcherConfig {
	return connwatch.WatcherConfig{
		Name: "controller",
		Probe: func(context.Context) error {
			return ctrl.CheckFresh(staleAfter)
		},
		Backoff: connwatch.BackoffConfig{
			InitialDelay: time.Second,
			MaxDelay:     staleAfter,
			MaxRetries:   1,
			PollInterval: freshnessInterval(staleAfter),
		},
		OnReady: func() { ctrl.SetAvailable(true) },
		OnDown:  func(error) { ctrl.SetAvailable(false) },
		Logger:  logger,
	}
}

// freshnessInterval polls several times per stale window so an outage
// is noticed soon after the limit passes.
func freshnessInterval(staleAfter time.Duration) time.Duration {
	return min(max(staleAfter/5, time.Second), 30*time.Second)
}

// pokeOnSnapshot re-probes freshness as soon as a snapshot lands, so
// the controller comes back without waiting for the next poll.
func pokeOnSnapshot(ctx context.Context, bus *events.Bus, w *connwatch.Watcher) {
	ch := bus.SubscribeFiltered(4, func(e events.Event) bool {
		return e.Source == events.SourceController && e.Kind == events.KindSnapshotApplied
	})
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			w.Poke()
		}
	}
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// mqttStatsAdapter feeds the bridge's diagnostic sensors from build
// info, the controller, and the sensor platform.
type mqttStatsAdapter struct {
	ctrl     *omada.Controller
	platform *sensor.Platform
}

func (a *mqttStatsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }

func (a *mqttStatsAdapter) Version() string { return buildinfo.Version }

func (a *mqttStatsAdapter) LastSnapshot() time.Time { return a.ctrl.LastSnapshot() }

func (a *mqttStatsAdapter) EntityCount() int {
	if a.platform == nil {
		return 0
	}
	return len(a.platform.Entities())
}
