package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/omada-bridge/internal/config"
	"github.com/nugget/omada-bridge/internal/connwatch"
	"github.com/nugget/omada-bridge/internal/events"
	"github.com/nugget/omada-bridge/internal/omada"
	"github.com/nugget/omada-bridge/internal/sensor"
	"github.com/nugget/omada-bridge/internal/store"
)

func TestRun_Usage(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no args", nil},
		{"help flag", []string{"--help"}},
		{"short help", []string{"-h"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := run(context.Background(), &out, &out, tt.args); err != nil {
				t.Fatalf("run error: %v", err)
			}
			if !strings.Contains(out.String(), "Usage: omada-bridge") {
				t.Errorf("output missing usage line: %q", out.String())
			}
		})
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown flag", []string{"-verbose"}, "unknown flag: -verbose"},
		{"unknown command", []string{"poll"}, "unknown command: poll"},
		{"bad output format", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"missing config", []string{"-config", "/nonexistent/config.yaml", "serve"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), &out, &out, tt.args)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"version"}); err != nil {
		t.Fatalf("run error: %v", err)
	}
	if !strings.HasPrefix(out.String(), "omada-bridge ") || !strings.Contains(out.String(), "go_version:") {
		t.Errorf("text version output = %q", out.String())
	}

	out.Reset()
	if err := run(context.Background(), &out, &out, []string{"-o=json", "version"}); err != nil {
		t.Fatalf("run error: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("json version output: %v", err)
	}
	if info["version"] == "" {
		t.Errorf("json version = %v", info)
	}
}

func TestRun_Sensors(t *testing.T) {
	want := len(sensor.ClientDescriptions) + len(sensor.DeviceDescriptions)

	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"sensors"}); err != nil {
		t.Fatalf("run error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != want {
		t.Errorf("text lines = %d, want %d", len(lines), want)
	}
	if !strings.HasPrefix(lines[0], "client") {
		t.Errorf("first line = %q, want a client sensor", lines[0])
	}

	out.Reset()
	if err := run(context.Background(), &out, &out, []string{"--output", "json", "sensors"}); err != nil {
		t.Fatalf("run error: %v", err)
	}
	var rows []sensorRow
	if err := json.Unmarshal(out.Bytes(), &rows); err != nil {
		t.Fatalf("json sensors output: %v", err)
	}
	if len(rows) != want {
		t.Fatalf("json rows = %d, want %d", len(rows), want)
	}
	if rows[len(rows)-1].Kind != sensor.KindDevice || rows[len(rows)-1].Name == "" {
		t.Errorf("last row = %+v", rows[len(rows)-1])
	}
}

func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunInit(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var out bytes.Buffer

	if err := run(context.Background(), &out, &out, []string{"init", dir}); err != nil {
		t.Fatalf("init: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", perm)
	}
	if fi, err := os.Stat(filepath.Join(dir, "data")); err != nil || !fi.IsDir() {
		t.Errorf("data directory not created: %v", err)
	}

	// The example must load as a valid config.
	if _, err := config.Load(filepath.Join(dir, "config.yaml")); err != nil {
		t.Errorf("example config does not load: %v", err)
	}

	// A second run leaves user edits alone.
	sentinel := []byte("# mine\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), sentinel, 0o600); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}
	out.Reset()
	if err := runInit(&out, dir); err != nil {
		t.Fatalf("second init: %v", err)
	}
	if !strings.Contains(out.String(), "exists, skipping") {
		t.Errorf("output = %q, want skip marker", out.String())
	}
	got, _ := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if !bytes.Equal(got, sentinel) {
		t.Errorf("config.yaml overwritten: %q", got)
	}
}

func TestWriteIfMissing_CreateError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("a file"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	wrote, err := writeIfMissing(filepath.Join(blocker, "config.yaml"), []byte("x"), 0o644)
	if err == nil || wrote {
		t.Fatalf("writeIfMissing = %v, %v; want an error", wrote, err)
	}
}

func TestFreshnessInterval(t *testing.T) {
	tests := []struct {
		stale time.Duration
		want  time.Duration
	}{
		{5 * time.Minute, 30 * time.Second},
		{time.Minute, 12 * time.Second},
		{2 * time.Second, time.Second},
	}
	for _, tt := range tests {
		if got := freshnessInterval(tt.stale); got != tt.want {
			t.Errorf("freshnessInterval(%v) = %v, want %v", tt.stale, got, tt.want)
		}
	}
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st, err := store.New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return st
}

func TestResolveOptions(t *testing.T) {
	cfg := config.Default()
	st := testStore(t)
	logger := slog.Default()

	if got := resolveOptions(cfg, st, logger); !got.TrackClients {
		t.Errorf("without an override, options = %+v, want configured", got)
	}

	override := cfg.Omada.Options()
	override.TrackClients = false
	if err := st.SaveOptions(cfg.Omada.Site, override); err != nil {
		t.Fatalf("save options: %v", err)
	}
	if got := resolveOptions(cfg, st, logger); got.TrackClients {
		t.Errorf("with an override, options = %+v, want saved", got)
	}
}

func TestControllerWatcher_FollowsSnapshots(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.New()
	ctrl := omada.NewController("Default", omada.Options{}, nil, bus, slog.Default())

	cfg := controllerWatcher(ctrl, time.Hour, slog.Default())
	cfg.Backoff.PollInterval = time.Hour

	m := connwatch.NewManager(slog.Default())
	w := m.Watch(ctx, cfg)
	defer m.Stop()
	go pokeOnSnapshot(ctx, bus, w)

	// Wait for the failed startup probe and the poke subscription.
	deadline := time.Now().Add(time.Second)
	for (w.LastError() == nil || bus.SubscriberCount() == 0) && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if ctrl.Available() {
		t.Fatal("controller available before any snapshot")
	}

	ctrl.Apply(omada.Snapshot{Site: "Default"})

	deadline = time.Now().Add(time.Second)
	for !ctrl.Available() && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if !ctrl.Available() {
		t.Error("controller not available after a fresh snapshot")
	}
}

func TestMQTTStatsAdapter(t *testing.T) {
	ctrl := omada.NewController("Default", omada.Options{TrackDevices: true, DeviceClientsSensors: true}, nil, nil, nil)
	a := &mqttStatsAdapter{ctrl: ctrl}

	if a.EntityCount() != 0 {
		t.Errorf("EntityCount without platform = %d", a.EntityCount())
	}
	if !a.LastSnapshot().IsZero() {
		t.Errorf("LastSnapshot = %v before any snapshot", a.LastSnapshot())
	}

	ctrl.Apply(omada.Snapshot{Devices: []omada.Device{{MAC: "aa:aa:aa:00:00:01", Name: "AP"}}})
	a.platform = sensor.NewPlatform(sensor.PlatformConfig{Controller: ctrl})
	a.platform.Sync(context.Background())

	if a.EntityCount() != 1 {
		t.Errorf("EntityCount = %d, want 1 (clients sensor)", a.EntityCount())
	}
	if a.LastSnapshot().IsZero() {
		t.Error("LastSnapshot zero after Apply")
	}
	if a.Version() == "" || a.Uptime() < 0 {
		t.Errorf("Version = %q, Uptime = %v", a.Version(), a.Uptime())
	}
}
