package standby

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/otaclient/otaclient/pkg/delta"
	"github.com/otaclient/otaclient/pkg/downloader"
	"github.com/otaclient/otaclient/pkg/stats"
)

// applyRegulars dispatches one task per hash bucket across the
// obsolete-set salvage pass and then the new+hold chained pass, gated
// by a max_concurrent_tasks-sized semaphore, the way
// _rebuild_mode.py's ThreadPoolExecutor dispatches salvage tasks first
// and waits before dispatching the new+hold chain.
func (b *Builder) applyRegulars(ctx context.Context, plan *delta.Plan) error {
	if err := b.salvageObsolete(ctx, plan); err != nil {
		return err
	}

	sem := make(chan struct{}, b.cfg.MaxConcurrentTasks)
	var wg sync.WaitGroup
	var firstErr error
	var mu sync.Mutex

	dispatch := func(bucket *delta.HashBucket, isHold bool) {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		case <-b.stats.AbortCh():
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			taskID := uuid.New().String()
			if err := b.applyBucket(ctx, bucket, isHold, taskID); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				b.stats.Abort(err)
			}
		}()
	}

	for _, bucket := range plan.HoldSet {
		if aborted, _ := b.stats.Aborted(); aborted {
			break
		}
		dispatch(bucket, true)
	}
	for _, bucket := range plan.NewSet {
		if aborted, _ := b.stats.Aborted(); aborted {
			break
		}
		dispatch(bucket, false)
	}

	wg.Wait()

	if aborted, abortErr := b.stats.Aborted(); aborted {
		if firstErr == nil {
			firstErr = abortErr
		}
	}
	if firstErr != nil {
		return firstErr
	}
	return b.stats.WaitStaging(500 * time.Millisecond)
}

// salvageObsolete discards any temp-pool first copy whose hash no
// longer appears in the new manifest, reclaiming scratch space before
// the chained new+hold pass begins.
func (b *Builder) salvageObsolete(ctx context.Context, plan *delta.Plan) error {
	sem := make(chan struct{}, b.cfg.MaxConcurrentTasks)
	var wg sync.WaitGroup
	for hash := range plan.ObsoleteSet {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}
		wg.Add(1)
		go func(hash string) {
			defer wg.Done()
			defer func() { <-sem }()
			os.Remove(b.pool.Path(hash))
		}(hash)
	}
	wg.Wait()
	return nil
}

// applyBucket materializes one hash bucket's first copy, then applies
// every entry in order: move the last nlink==1 entry, copy earlier
// nlink==1 entries, and route nlink>1 entries through the hardlink
// register's writer/reader protocol.
func (b *Builder) applyBucket(ctx context.Context, bucket *delta.HashBucket, isHold bool, taskID string) error {
	hash := bucket.SHA256
	start := time.Now()
	op := stats.OpCopy

	if !b.pool.Exists(hash) {
		materialized := false
		if isHold {
			if src, ok := b.verifiedHoldSource(bucket); ok {
				if err := copyToPool(src, b.pool.Path(hash)); err == nil {
					materialized = true
				}
			}
		}
		if !materialized {
			op = stats.OpDownload
			entry := bucket.Entries[0]
			size := int64(0)
			if entry.Size != nil {
				size = *entry.Size
			}
			_, _, err := b.dl.Download(ctx, b.cfg.URLBase+entry.Path, b.pool.Path(hash), downloader.Options{
				ExpectedHash: hash,
				ExpectedSize: size,
				CacheControl: downloader.UseCache,
				Cookies:      b.cfg.Cookies,
			})
			if err != nil {
				b.stats.Report(stats.Event{Op: stats.OpDownload, Err: err})
				return fmt.Errorf("download bucket %s: %w", hash, err)
			}
		}
	}

	for i, entry := range bucket.Entries {
		isLast := i == len(bucket.Entries)-1
		if err := b.placeEntry(entry, isLast); err != nil {
			return fmt.Errorf("place entry %s (task %s): %w", entry.Path, taskID, err)
		}
	}

	size := int64(0)
	if bucket.Entries[0].Size != nil {
		size = *bucket.Entries[0].Size
	}
	b.stats.Report(stats.Event{Op: op, SizeBytes: size, ElapsedNs: time.Since(start).Nanoseconds()})
	return nil
}

// verifiedHoldSource locates a hold-set bucket's content on the active
// slot and verifies it hashes to the bucket's claimed sha256 before
// it is trusted as a copy source.
func (b *Builder) verifiedHoldSource(bucket *delta.HashBucket) (string, bool) {
	for _, e := range bucket.Entries {
		src := b.cfg.ActiveRoot + e.Path
		if hashMatches(src, bucket.SHA256) {
			return src, true
		}
	}
	return "", false
}

