package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/omada-bridge/internal/omada"
)

// MessageHandler is called for each MQTT message received on a
// subscribed topic. Implementations must be safe for concurrent use.
type MessageHandler func(topic string, payload []byte)

// Ingester accepts decoded controller snapshots. [omada.Controller]
// implements it.
type Ingester interface {
	Ingest(snap omada.Snapshot) error
}

// SnapshotHandler returns a [MessageHandler] that decodes each payload
// as an [omada.Snapshot] and hands it to ing. Bad payloads and snapshots
// for another site are logged and dropped.
func SnapshotHandler(ing Ingester, logger *slog.Logger) MessageHandler {
	return func(topic string, payload []byte) {
		snap, err := omada.DecodeSnapshot(payload)
		if err != nil {
			logger.Warn("mqtt snapshot rejected",
				"topic", topic,
				"payload_size", len(payload),
				"error", err,
			)
			return
		}
		if err := ing.Ingest(snap); err != nil {
			logger.Warn("mqtt snapshot ignored", "topic", topic, "error", err)
			return
		}
		logger.Debug("mqtt snapshot ingested",
			"topic", topic,
			"devices", len(snap.Devices),
			"clients", len(snap.Clients),
		)
	}
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newMessageRateLimiter creates a rate limiter that allows limit
// messages per interval. Exceeding the limit causes messages to be
// dropped until the next interval reset.
func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop. It blocks until ctx is
// cancelled. At each interval boundary it resets the message counter
// and logs a warning if any messages were dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow increments the message counter and returns true if the
// current count is within the limit. If over the limit it increments
// the dropped counter and returns false.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
