// Package audit buffers completed-request audit entries and seals them into
// a hash-chained, tamper-evident batch log, per §4.5.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmlb/llmlb/internal/channel"
	"github.com/llmlb/llmlb/types"
)

// Config controls the writer's buffering and batching cadence.
type Config struct {
	BufferCapacity int
	FlushInterval  time.Duration
	BatchInterval  time.Duration
	BatchMaxSize   int
}

// Writer accepts audit entries off the hot path, flushes them to the
// database in batches, and periodically seals unbatched rows into a
// hash-chained AuditBatchHash. The hot-path Send call never blocks: a full
// buffer drops the oldest queued entry, per §4.5.
type Writer struct {
	db     *gorm.DB
	cfg    Config
	logger *zap.Logger

	buf *channel.TunableChannel[types.AuditLogEntry]

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewWriter builds a Writer. It AutoMigrates its own tables so callers don't
// need a separate migration step.
func NewWriter(db *gorm.DB, cfg Config, logger *zap.Logger) (*Writer, error) {
	if err := db.AutoMigrate(&types.AuditLogEntry{}, &types.AuditBatchHash{}); err != nil {
		return nil, err
	}
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = 10000
	}
	w := &Writer{
		db:     db,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "audit")),
		buf: channel.NewTunableChannel[types.AuditLogEntry](channel.TunableConfig{
			InitialSize:  cfg.BufferCapacity,
			MinSize:      cfg.BufferCapacity,
			MaxSize:      cfg.BufferCapacity,
			GrowFactor:   1,
			ShrinkFactor: 1,
			SampleWindow: time.Hour,
		}),
		done: make(chan struct{}),
	}
	return w, nil
}

// Send enqueues entry without blocking. When the buffer is full the oldest
// queued entry is dropped to make room, and a warning is logged — audit
// pressure must never slow down request handling.
func (w *Writer) Send(entry types.AuditLogEntry) {
	entry.Timestamp = timeOrNow(entry.Timestamp)
	if w.buf.TrySend(entry) {
		return
	}
	if _, ok := w.buf.TryReceive(); ok {
		w.logger.Warn("audit buffer full, dropped oldest entry")
	}
	if !w.buf.TrySend(entry) {
		w.logger.Warn("audit buffer full, dropped newest entry", zap.String("path", entry.Path))
	}
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// Start launches the background flush and seal loops. Call Stop to drain
// and seal on shutdown.
func (w *Writer) Start(ctx context.Context) {
	flushInterval := w.cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	batchInterval := w.cfg.BatchInterval

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		flushTicker := time.NewTicker(flushInterval)
		defer flushTicker.Stop()

		var sealTicker *time.Ticker
		var sealC <-chan time.Time
		if batchInterval > 0 {
			sealTicker = time.NewTicker(batchInterval)
			sealC = sealTicker.C
			defer sealTicker.Stop()
		}

		for {
			select {
			case <-ctx.Done():
				w.drainAndSeal()
				return
			case <-w.done:
				w.drainAndSeal()
				return
			case <-flushTicker.C:
				w.flush(ctx)
				if batchInterval <= 0 {
					// batch_interval_secs=0 means seal on every flush, per
					// the spec's boundary condition.
					if err := w.seal(ctx); err != nil {
						w.logger.Error("audit seal failed", zap.Error(err))
					}
				}
			case <-sealC:
				if err := w.seal(ctx); err != nil {
					w.logger.Error("audit seal failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop drains the remaining buffer, flushes it, forces a final seal, and
// waits for the background loop to exit.
func (w *Writer) Stop(ctx context.Context) {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *Writer) drainAndSeal() {
	ctx := context.Background()
	w.flush(ctx)
	if err := w.seal(ctx); err != nil {
		w.logger.Error("final audit seal failed", zap.Error(err))
	}
}

func (w *Writer) flush(ctx context.Context) {
	batchMax := w.cfg.BatchMaxSize
	if batchMax <= 0 {
		batchMax = 500
	}

	entries := make([]types.AuditLogEntry, 0, batchMax)
	for len(entries) < batchMax {
		entry, ok := w.buf.TryReceive()
		if !ok {
			break
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return
	}
	if err := w.db.WithContext(ctx).Create(&entries).Error; err != nil {
		w.logger.Error("failed to flush audit entries", zap.Error(err), zap.Int("count", len(entries)))
	}
}
