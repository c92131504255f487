package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/runledger/internal/config"
	"github.com/runledger/internal/domain"
	"github.com/runledger/internal/ledger"
)

// RankSource is the durable ledger the mirror is rebuilt from
type RankSource interface {
	Partitions(ctx context.Context) ([]domain.Partition, error)
	Snapshot(ctx context.Context, p domain.Partition) (*domain.RankSnapshot, error)
}

// MirrorWriter replaces a partition's realtime copy. Replace reports false
// when the mirror already holds a newer version than the snapshot.
type MirrorWriter interface {
	Replace(ctx context.Context, snap *domain.RankSnapshot) (bool, error)
}

// SyncWorker periodically rebuilds the realtime mirror from the ledger,
// repairing any write the request path failed to mirror
type SyncWorker struct {
	source  RankSource
	mirror  MirrorWriter
	config  *config.SyncConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewSyncWorker creates a new sync worker
func NewSyncWorker(source RankSource, mirror MirrorWriter, cfg *config.SyncConfig, logger *slog.Logger) *SyncWorker {
	return &SyncWorker{
		source: source,
		mirror: mirror,
		config: cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the background sync process
func (w *SyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("sync worker started", "interval", w.config.Interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background sync process
func (w *SyncWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("sync worker stopped")
	return nil
}

func (w *SyncWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if _, err := w.SyncAll(ctx); err != nil {
				w.logger.Error("sync cycle failed", "error", err)
			}
		}
	}
}

// SyncStats summarises one sync cycle
type SyncStats struct {
	Synced     int
	Errors     int
	Violations int
}

// SyncAll rebuilds every partition. Partitions that fail are logged and
// skipped; only failing to list partitions is returned as an error.
func (w *SyncWorker) SyncAll(ctx context.Context) (SyncStats, error) {
	w.logger.Info("starting sync cycle")
	startTime := time.Now()

	partitions, err := w.source.Partitions(ctx)
	if err != nil {
		return SyncStats{}, fmt.Errorf("listing partitions: %w", err)
	}

	var stats SyncStats
	for _, p := range partitions {
		violation, err := w.SyncPartition(ctx, p)
		if violation != nil {
			stats.Violations++
		}
		if err != nil {
			w.logger.Error("failed to sync partition", "partition", p.Key(), "error", err)
			stats.Errors++
			continue
		}
		stats.Synced++
	}

	w.logger.Info("sync cycle completed",
		"duration", time.Since(startTime),
		"synced", stats.Synced,
		"errors", stats.Errors,
		"violations", stats.Violations,
	)
	return stats, nil
}

// SyncPartition copies one partition into the mirror. It also checks the
// dense rank invariant on the copy and returns any violation found; a
// violating partition is still mirrored as stored.
func (w *SyncWorker) SyncPartition(ctx context.Context, p domain.Partition) (violation error, err error) {
	snap, err := w.source.Snapshot(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("loading entries: %w", err)
	}

	if violation = ledger.Verify(snap.Entries); violation != nil {
		w.logger.Error("rank invariant violated", "partition", p.Key(), "error", violation)
	}

	applied, err := w.mirror.Replace(ctx, snap)
	if err != nil {
		return violation, err
	}

	w.logger.Debug("synced partition",
		"partition", p.Key(),
		"entries", len(snap.Entries),
		"version", snap.Version,
		"applied", applied,
	)
	return violation, nil
}

// IsRunning returns whether the worker is currently running
func (w *SyncWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
