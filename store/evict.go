package store

import (
	"context"
)

// EvictOptions configures a single EvictionEngine.Evict call.
type EvictOptions struct {
	Force        bool // remove even if pinned
	OnlyUnlinked bool // keep any replica whose external hardlink count > 1
	NoWait       bool // use TryAcquire instead of Acquire
}

// EvictResult reports what Evict actually did.
type EvictResult struct {
	EvictedSize             int64
	EvictedFiles            int
	PinnedSize              int64
	SuccessfullyEvictedHash bool
}

// EvictionEngine removes a hash's replicas (all or only the unlinked
// ones), respects pins unless forced, and renumbers survivors
// contiguously.
type EvictionEngine struct {
	dir    *ContentDirectory
	locks  *HashLockSet
	pins   *PinRegistry
	quota  *QuotaKeeper
	fs     FileSystem
	paths  *PathResolver
	notify ChangeAnnouncer
	remote DistributedLocationStore
}

func NewEvictionEngine(dir *ContentDirectory, locks *HashLockSet, pins *PinRegistry, quota *QuotaKeeper, fs FileSystem, paths *PathResolver, notify ChangeAnnouncer, remote DistributedLocationStore) *EvictionEngine {
	return &EvictionEngine{
		dir:    dir,
		locks:  locks,
		pins:   pins,
		quota:  quota,
		fs:     fs,
		paths:  paths,
		notify: notify,
		remote: remote,
	}
}

// Evict is the sole externally-visible mutation point for removing
// content. Delete(hash) is Evict with Force=true, OnlyUnlinked=false.
func (ee *EvictionEngine) Evict(ctx context.Context, hash ContentHash, opts EvictOptions) (EvictResult, error) {
	key := hash.ShortHash()

	var guard *Guard
	if opts.NoWait {
		g, ok := ee.locks.TryAcquire(key)
		if !ok {
			return EvictResult{}, nil
		}
		guard = g
	} else {
		g, err := ee.locks.Acquire(ctx, key)
		if err != nil {
			return EvictResult{}, wrapErr(ErrCancelled, err, "evict cancelled waiting for hash lock")
		}
		guard = g
	}
	defer guard.Release()

	info, exists := ee.dir.Get(hash)
	if !exists {
		return EvictResult{SuccessfullyEvictedHash: true}, nil
	}

	if !opts.Force && ee.pins.IsPinned(hash) {
		return EvictResult{PinnedSize: info.TotalSize()}, nil
	}

	// Tentatively clear the directory entry before touching disk: a
	// concurrent reader on another hash never observes a half-evicted
	// entry for this one, since everything here happens under the hash's
	// own lock.
	ee.dir.Update(hash, false, func(ContentFileInfo, bool) (ContentFileInfo, bool) { return ContentFileInfo{}, false })

	var survivors []int
	var evictedFiles int
	var evictedSize int64

	for i := 0; i < info.ReplicaCount; i++ {
		path := ee.paths.Replica(hash, i)

		if opts.OnlyUnlinked {
			if count, err := ee.fs.HardlinkCount(path); err == nil && count > 1 {
				survivors = append(survivors, i)
				continue
			}
		}

		if err := ee.fs.Remove(path); err != nil {
			survivors = append(survivors, i)
			continue
		}
		evictedFiles++
		evictedSize += info.Size
	}

	if len(survivors) > 0 {
		ee.renumber(hash, survivors, info.Size)
	}

	if evictedFiles > 0 {
		metricEvictedFilesTotal.Add(float64(evictedFiles))
	}

	if evictedSize > 0 {
		ee.quota.OnContentEvicted(evictedSize)
		if ee.notify != nil {
			ee.notify.ContentEvicted(hash, info.Size)
		}
		if ee.remote != nil {
			ee.remote.Unregister(ctx, []ContentHash{hash})
		}
	}

	return EvictResult{
		EvictedSize:             evictedSize,
		EvictedFiles:            evictedFiles,
		SuccessfullyEvictedHash: len(survivors) == 0,
	}, nil
}

// Delete is a convenience wrapper for evict(..., force=true,
// onlyUnlinked=false).
func (ee *EvictionEngine) Delete(ctx context.Context, hash ContentHash) (EvictResult, error) {
	return ee.Evict(ctx, hash, EvictOptions{Force: true})
}

// renumber renames surviving replica files to fill the holes left by
// deleted ones, then restores a contiguous directory entry.
func (ee *EvictionEngine) renumber(hash ContentHash, survivors []int, size int64) {
	for newIdx, oldIdx := range survivors {
		if newIdx == oldIdx {
			continue
		}
		oldPath := ee.paths.Replica(hash, oldIdx)
		newPath := ee.paths.Replica(hash, newIdx)
		if err := ee.fs.Rename(oldPath, newPath); err != nil {
			// Leave the on-disk numbering with a gap rather than lose the
			// replica; the directory entry still records the true count
			// below, and a later self-check pass will reconcile names.
			continue
		}
	}

	ee.dir.Update(hash, false, func(ContentFileInfo, bool) (ContentFileInfo, bool) {
		return ContentFileInfo{Size: size, LastAccessed: ee.dir.clock.Now(), ReplicaCount: len(survivors)}, true
	})
}
