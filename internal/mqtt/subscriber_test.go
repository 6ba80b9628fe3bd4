package mqtt

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nugget/omada-bridge/internal/omada"
)

type fakeIngester struct {
	snaps []omada.Snapshot
	err   error
}

func (f *fakeIngester) Ingest(snap omada.Snapshot) error {
	if f.err != nil {
		return f.err
	}
	f.snaps = append(f.snaps, snap)
	return nil
}

func TestSnapshotHandler_Applies(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ing := &fakeIngester{}

	h := SnapshotHandler(ing, logger)
	h("omada/office/snapshot", []byte(`{"site":"Default","devices":[{"mac":"aa:aa:aa:00:00:01"}],"clients":[]}`))

	if len(ing.snaps) != 1 || len(ing.snaps[0].Devices) != 1 {
		t.Fatalf("ingested %+v", ing.snaps)
	}
	if !strings.Contains(buf.String(), "devices=1") {
		t.Errorf("expected devices count in log output, got: %s", buf.String())
	}
}

func TestSnapshotHandler_RejectsBadPayload(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	ing := &fakeIngester{}

	h := SnapshotHandler(ing, logger)
	// Plain text payload must not panic.
	h("omada/office/snapshot", []byte("just a string"))

	if len(ing.snaps) != 0 {
		t.Errorf("bad payload was ingested: %+v", ing.snaps)
	}
	output := buf.String()
	if !strings.Contains(output, "mqtt snapshot rejected") || !strings.Contains(output, "payload_size=13") {
		t.Errorf("expected rejection warning, got: %s", output)
	}
}

func TestSnapshotHandler_IngestError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	ing := &fakeIngester{err: omada.ErrSiteMismatch}

	SnapshotHandler(ing, logger)("omada/office/snapshot", []byte(`{"site":"Branch"}`))

	if !strings.Contains(buf.String(), "mqtt snapshot ignored") {
		t.Errorf("expected ignore warning, got: %s", buf.String())
	}
}

func TestSnapshotHandler_Controller(t *testing.T) {
	c := omada.NewController("Default", omada.Options{}, nil, nil, nil)
	h := SnapshotHandler(c, slog.New(slog.NewTextHandler(io.Discard, nil)))

	h("omada/office/snapshot", []byte(`{"clients":[{"mac":"BB-BB-BB-00-00-01","name":"Phone"}]}`))
	if _, ok := c.Client("bb:bb:bb:00:00:01"); !ok {
		t.Error("snapshot not applied to controller")
	}
}

func TestMessageRateLimiter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := newMessageRateLimiter(5, time.Second, logger)

	// First 5 should be allowed.
	for i := range 5 {
		if !rl.allow() {
			t.Errorf("message %d should have been allowed", i)
		}
	}

	// 6th should be dropped.
	if rl.allow() {
		t.Error("message 6 should have been rate-limited")
	}

	if dropped := rl.dropped.Load(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

func TestMessageRateLimiter_Concurrent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := newMessageRateLimiter(1000, time.Second, logger)

	// Hammer the rate limiter from multiple goroutines.
	done := make(chan struct{})
	for range 10 {
		go func() {
			for range 200 {
				rl.allow()
			}
			done <- struct{}{}
		}()
	}
	for range 10 {
		<-done
	}

	// count tracks all calls to allow(); dropped tracks the subset
	// that exceeded the limit. So count should equal total calls.
	count := rl.count.Load()
	if count != 2000 {
		t.Errorf("count = %d, want 2000", count)
	}
	// With limit 1000 and 2000 calls, exactly 1000 should be dropped.
	dropped := rl.dropped.Load()
	if dropped != 1000 {
		t.Errorf("dropped = %d, want 1000", dropped)
	}
}
