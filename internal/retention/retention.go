// Package retention runs the periodic sweep that deletes expired
// object-store blobs and batch-index rows, each under its own TTL.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/packetwatch/anticheat-ingest/internal/objectstore"
	"github.com/packetwatch/anticheat-ingest/internal/repository"
)

// minTTL floors both retention windows so a misconfigured sub-minute TTL
// can never race freshly ingested batches.
const minTTL = 60 * time.Second

// Sweeper ticks on interval, expiring blobs older than objectTTL and index
// rows older than indexTTL. The two windows are independent: an operator
// can keep cheap index rows far longer than the blobs they point at.
type Sweeper struct {
	batches   repository.BatchIndexRepository
	store     objectstore.Store
	interval  time.Duration
	objectTTL time.Duration
	indexTTL  time.Duration
	dryRun    bool
	logger    *slog.Logger
}

func NewSweeper(batches repository.BatchIndexRepository, store objectstore.Store, interval, objectTTL, indexTTL time.Duration, dryRun bool, logger *slog.Logger) *Sweeper {
	if objectTTL < minTTL {
		objectTTL = minTTL
	}
	if indexTTL < minTTL {
		indexTTL = minTTL
	}
	return &Sweeper{batches: batches, store: store, interval: interval, objectTTL: objectTTL, indexTTL: indexTTL, dryRun: dryRun, logger: logger}
}

// Run blocks, sweeping on each tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one sweep pass and reports both halves in a single
// structured log line.
func (s *Sweeper) Tick(ctx context.Context) {
	objectCutoff := time.Now().Add(-s.objectTTL)
	indexCutoff := time.Now().Add(-s.indexTTL)

	stats := s.sweepObjects(ctx, objectCutoff)
	rowsDeleted := s.sweepIndex(ctx, indexCutoff)

	s.logger.Info("retention sweep",
		"dry_run", s.dryRun,
		"object_cutoff", objectCutoff,
		"files_examined", stats.FilesExamined,
		"files_deleted", stats.FilesDeleted,
		"bytes_deleted", stats.BytesDeleted,
		"dirs_removed", stats.DirsRemoved,
		"index_cutoff", indexCutoff,
		"index_rows_deleted", rowsDeleted)
}

// sweepObjects walks the local backend's events/ tree, deleting files with
// an mtime past the cutoff. A remote backend is skipped outright: bucket
// lifecycle rules own expiry there: but the skip is logged so a missing
// lifecycle rule is diagnosable from this side.
func (s *Sweeper) sweepObjects(ctx context.Context, cutoff time.Time) objectstore.CleanupStats {
	cleaner, ok := s.store.(objectstore.Cleaner)
	if !ok {
		s.logger.Info("object store cleanup skipped: remote backend expiry is delegated to bucket lifecycle rules")
		return objectstore.CleanupStats{}
	}

	// The walk is pure blocking filesystem work; its own goroutine keeps a
	// deep tree from stalling the ticker past its next fire.
	type result struct {
		stats objectstore.CleanupStats
		err   error
	}
	done := make(chan result, 1)
	go func() {
		stats, err := cleaner.CleanupOlderThan(ctx, cutoff, s.dryRun)
		done <- result{stats, err}
	}()

	select {
	case <-ctx.Done():
		return objectstore.CleanupStats{}
	case r := <-done:
		if r.err != nil {
			s.logger.Error("object store cleanup", "error", r.err)
		}
		return r.stats
	}
}

func (s *Sweeper) sweepIndex(ctx context.Context, cutoff time.Time) int64 {
	if s.dryRun {
		n, err := s.batches.CountOlderThan(ctx, cutoff)
		if err != nil {
			s.logger.Error("batch index dry-run count", "error", err)
			return 0
		}
		s.logger.Info("batch index cleanup dry run", "would_delete", n, "cutoff", cutoff)
		return 0
	}

	n, err := s.batches.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("batch index cleanup", "error", err)
		return 0
	}
	return n
}
