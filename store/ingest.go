package store

import (
	"context"
	"io"
	"math/rand"
	"os"

	"github.com/buchgr/caslocal/utils/tempfile"
)

// RealizationMode picks how IngestEngine/PlacementEngine turn "bytes
// somewhere" into "bytes in the store" or vice versa.
type RealizationMode int

const (
	RealizeAny RealizationMode = iota
	RealizeCopy
	RealizeCopyNoVerify
	RealizeMove
	RealizeHardlink
)

// PutResult is returned by every IngestEngine put operation.
type PutResult struct {
	Hash          ContentHash
	Size          int64
	AlreadyExists bool
}

// IngestEngine computes/validates a hash, decides hardlink vs copy, and
// expands into fresh replicas when the OS hardlink limit for an inode is
// hit.
type IngestEngine struct {
	dir    *ContentDirectory
	locks  *HashLockSet
	quota  *QuotaKeeper
	pins   *PinRegistry
	fs     FileSystem
	paths  *PathResolver
	clock  Clock
	tmp    *tempfile.Creator
	notify ChangeAnnouncer

	hardLinkingEnabled bool
	hardLinkLimit      int // configured limit, 0 = unset; stored only: replica expansion is driven by MaxHardLinkLimit errors, and this value is neither consulted nor learned
	fastPathPinnedPuts bool
}

func NewIngestEngine(dir *ContentDirectory, locks *HashLockSet, quota *QuotaKeeper, pins *PinRegistry, fs FileSystem, paths *PathResolver, clock Clock, notify ChangeAnnouncer, hardLinkingEnabled bool, hardLinkLimit int, fastPathPinnedPuts bool) *IngestEngine {
	return &IngestEngine{
		dir:                dir,
		locks:              locks,
		quota:              quota,
		pins:               pins,
		fs:                 fs,
		paths:              paths,
		clock:              clock,
		tmp:                tempfile.NewCreator(),
		notify:             notify,
		hardLinkingEnabled: hardLinkingEnabled,
		hardLinkLimit:      hardLinkLimit,
		fastPathPinnedPuts: fastPathPinnedPuts,
	}
}

// PutFile ingests the file at sourcePath. expectHash, if non-empty, is
// validated against the computed digest unless mode is RealizeCopyNoVerify.
// pinCtx, if non-nil, pins the result before returning.
func (ie *IngestEngine) PutFile(ctx context.Context, sourcePath string, expectHash ContentHash, algo Algorithm, mode RealizationMode, pinCtx *PinContext) (PutResult, error) {
	select {
	case <-ctx.Done():
		return PutResult{}, wrapErr(ErrCancelled, ctx.Err(), "put cancelled before lock acquisition")
	default:
	}

	if expectHash.Hex != "" && expectHash.IsEmpty() {
		return PutResult{Hash: expectHash, Size: 0, AlreadyExists: true}, nil
	}

	// Fast path: a hash already known to be pinned cannot be removed by
	// the normal quota-driven eviction path, so a put that only needs to
	// re-confirm presence and add another pin can skip the hash lock
	// entirely. Opt-in only -- a forced Evict/Delete still races this
	// path, which is why FastPathPinnedPuts defaults to off.
	if ie.fastPathPinnedPuts && expectHash.Hex != "" && ie.pins.IsPinned(expectHash) {
		if info, ok := ie.dir.Get(expectHash); ok {
			if _, err := ie.fs.Stat(ie.paths.Primary(expectHash)); err == nil {
				ie.dir.Touch(expectHash)
				if pinCtx != nil {
					ie.pins.Pin(expectHash, pinCtx)
				}
				return PutResult{Hash: expectHash, Size: info.Size, AlreadyExists: true}, nil
			}
		}
	}

	hash := expectHash
	var size int64
	needsVerify := mode != RealizeCopyNoVerify && expectHash.Hex != ""

	// A verified put must always be keyed by the content's real digest, not
	// the caller's claim -- otherwise a wrong expectHash would never be
	// caught and bytes would end up stored under the wrong address.
	if hash.Hex == "" || needsVerify {
		computed, n, err := ie.hashSource(sourcePath, algo)
		if err != nil {
			return PutResult{}, wrapErr(ErrSourceNotFound, err, "failed to hash %s", sourcePath)
		}
		hash = computed
		size = n
	} else {
		// Hashing is skipped (a trusted, unverified hash was supplied),
		// but size must still reflect the real file, not the zero value --
		// quota accounting and the directory entry both depend on it.
		info, err := ie.fs.Stat(sourcePath)
		if err != nil {
			return PutResult{}, wrapErr(ErrSourceNotFound, err, "failed to stat %s", sourcePath)
		}
		size = info.Size()
	}

	guard, err := ie.locks.Acquire(ctx, hash.ShortHash())
	if err != nil {
		return PutResult{}, wrapErr(ErrCancelled, err, "put cancelled waiting for hash lock")
	}
	defer guard.Release()

	result, err := ie.putInternal(ctx, sourcePath, hash, size, mode, pinCtx)
	if err != nil {
		return PutResult{}, err
	}

	if needsVerify && result.Hash.Hex != expectHash.Hex {
		// Only roll back content this call actually wrote. If result
		// reports AlreadyExists, the computed hash was already cached --
		// possibly pinned, legitimate content this put never created --
		// and must not be force-evicted just because it doesn't match
		// what this caller expected.
		if !result.AlreadyExists {
			ie.evictLocked(ctx, result.Hash, true, false)
		}
		return PutResult{}, newErr(ErrHashMismatch, "computed hash %s does not match expected %s", result.Hash, expectHash)
	}

	return result, nil
}

// PutTrustedFile skips hashing entirely, trusting the caller's {hash,
// size}. Size is still validated against the real file.
func (ie *IngestEngine) PutTrustedFile(ctx context.Context, sourcePath string, hash ContentHash, size int64, mode RealizationMode, pinCtx *PinContext) (PutResult, error) {
	if hash.IsEmpty() {
		return PutResult{Hash: hash, Size: 0, AlreadyExists: true}, nil
	}

	info, err := ie.fs.Stat(sourcePath)
	if err != nil {
		return PutResult{}, wrapErr(ErrSourceNotFound, err, "trusted put source missing: %s", sourcePath)
	}
	if info.Size() != size {
		return PutResult{}, newErr(ErrInvariant, "trusted put size mismatch: claimed %d, actual %d", size, info.Size())
	}

	guard, err := ie.locks.Acquire(ctx, hash.ShortHash())
	if err != nil {
		return PutResult{}, wrapErr(ErrCancelled, err, "put cancelled waiting for hash lock")
	}
	defer guard.Release()

	return ie.putInternal(ctx, sourcePath, hash, size, mode, pinCtx)
}

// PutStream ingests content read from r, computing algo's hash in one
// pass via a HashingReader piped straight to a temp file -- never
// buffering the whole stream in memory.
func (ie *IngestEngine) PutStream(ctx context.Context, r io.Reader, algo Algorithm, expectHash ContentHash, mode RealizationMode, pinCtx *PinContext) (PutResult, error) {
	ie.fs.MkdirAll(ie.paths.TempDir())
	tmpBase := ie.paths.TempDir() + string(os.PathSeparator) + "stream"
	f, _, err := ie.tmp.Create(tmpBase)
	if err != nil {
		return PutResult{}, wrapErr(ErrUnknown, err, "failed to create temp file for stream ingest")
	}
	tmpPath := f.Name()
	defer os.Remove(tmpPath)

	hr, err := NewHashingReader(r, algo)
	if err != nil {
		f.Close()
		return PutResult{}, wrapErr(ErrUnknown, err, "unsupported hash algorithm %s", algo)
	}

	if _, err := io.Copy(f, hr); err != nil {
		f.Close()
		return PutResult{}, wrapErr(ErrUnknown, err, "failed writing stream to temp file")
	}
	if err := f.Close(); err != nil {
		return PutResult{}, wrapErr(ErrUnknown, err, "failed closing temp file")
	}

	hash, size := hr.Sum()
	if expectHash.Hex != "" && mode != RealizeCopyNoVerify && hash.Hex != expectHash.Hex {
		return PutResult{}, newErr(ErrHashMismatch, "computed hash %s does not match expected %s", hash, expectHash)
	}

	return ie.PutFile(ctx, tmpPath, hash, algo, RealizeMove, pinCtx)
}

func (ie *IngestEngine) hashSource(path string, algo Algorithm) (ContentHash, int64, error) {
	f, err := ie.fs.Open(path)
	if err != nil {
		return ContentHash{}, 0, err
	}
	defer f.Close()

	hr, err := NewHashingReader(f, algo)
	if err != nil {
		return ContentHash{}, 0, err
	}
	if _, err := io.Copy(io.Discard, hr); err != nil {
		return ContentHash{}, 0, err
	}
	hash, n := hr.Sum()
	return hash, n, nil
}

// putInternal runs entirely under hash's lock.
func (ie *IngestEngine) putInternal(ctx context.Context, sourcePath string, hash ContentHash, size int64, mode RealizationMode, pinCtx *PinContext) (PutResult, error) {
	if info, ok := ie.dir.Get(hash); ok {
		if _, err := ie.fs.Stat(ie.paths.Primary(hash)); err == nil {
			ie.dir.Touch(hash)
			if pinCtx != nil {
				ie.pins.Pin(hash, pinCtx)
			}
			return PutResult{Hash: hash, Size: info.Size, AlreadyExists: true}, nil
		}
		// Primary vanished underneath the directory entry: treat as a
		// self-heal opportunity rather than trusting stale bookkeeping.
		ie.dir.Update(hash, false, func(ContentFileInfo, bool) (ContentFileInfo, bool) { return ContentFileInfo{}, false })
	}

	reservation, err := ie.quota.Reserve(ctx, size, false)
	if err != nil {
		return PutResult{}, err
	}

	primary := ie.paths.Primary(hash)
	if err := ie.fs.MkdirAll(ie.paths.ShardDir(hash)); err != nil {
		reservation.Drop()
		return PutResult{}, wrapErr(ErrUnknown, err, "failed to create shard directory for %s", hash)
	}

	if err := ie.realize(sourcePath, primary, mode); err != nil {
		reservation.Drop()
		return PutResult{}, err
	}

	reservation.Commit()
	ie.dir.Update(hash, false, func(ContentFileInfo, bool) (ContentFileInfo, bool) {
		return ContentFileInfo{Size: size, LastAccessed: ie.clock.Now(), ReplicaCount: 1}, true
	})

	if pinCtx != nil {
		ie.pins.Pin(hash, pinCtx)
	}
	if ie.notify != nil {
		ie.notify.ContentAdded(hash, size)
	}

	return PutResult{Hash: hash, Size: size, AlreadyExists: false}, nil
}

func (ie *IngestEngine) realize(sourcePath, primary string, mode RealizationMode) error {
	switch mode {
	case RealizeMove:
		if err := ie.fs.Rename(sourcePath, primary); err != nil {
			return wrapErr(ErrUnknown, err, "failed to move %s into place", sourcePath)
		}
		return nil

	case RealizeHardlink:
		if !ie.hardLinkingEnabled {
			return newErr(ErrNotSupported, "hardlink realization requested but hardlinking is disabled")
		}
		return ie.hardlinkOrFail(sourcePath, primary)

	case RealizeCopy, RealizeCopyNoVerify:
		return ie.copyInto(sourcePath, primary)

	default: // RealizeAny
		if ie.hardLinkingEnabled {
			if err := ie.hardlinkOrFail(sourcePath, primary); err == nil {
				return nil
			}
		}
		return ie.copyInto(sourcePath, primary)
	}
}

func (ie *IngestEngine) hardlinkOrFail(sourcePath, primary string) error {
	return ie.fs.Hardlink(sourcePath, primary)
}

// copyInto copies sourcePath to a temp file on primary's volume, then
// atomically renames into place, retrying once on a FileExists race.
func (ie *IngestEngine) copyInto(sourcePath, primary string) error {
	tmpBase := primary + ".ingest"
	f, _, err := ie.tmp.Create(tmpBase)
	if err != nil {
		return wrapErr(ErrUnknown, err, "failed to create temp file for copy")
	}
	tmpPath := f.Name()
	f.Close()
	defer os.Remove(tmpPath)

	if _, err := ie.fs.Copy(sourcePath, tmpPath); err != nil {
		return wrapErr(ErrSourceNotFound, err, "failed to copy %s", sourcePath)
	}
	ie.fs.SetReadOnly(tmpPath, false)

	if err := ie.fs.Rename(tmpPath, primary); err != nil {
		if os.IsExist(err) {
			os.Remove(primary)
			return ie.fs.Rename(tmpPath, primary)
		}
		return wrapErr(ErrUnknown, err, "failed to move temp copy into place")
	}
	return nil
}

// expandReplica creates a fresh replica by copying the primary blob,
// bumping replicaCount, and reserving the additional bytes. Shared with
// PlacementEngine. Caller must already hold hash's lock.
func (ie *IngestEngine) expandReplica(ctx context.Context, hash ContentHash, info ContentFileInfo) (int, error) {
	reservation, err := ie.quota.Reserve(ctx, info.Size, false)
	if err != nil {
		return 0, err
	}

	newIndex := info.ReplicaCount
	newPath := ie.paths.Replica(hash, newIndex)
	if _, err := ie.fs.Copy(ie.paths.Primary(hash), newPath); err != nil {
		reservation.Drop()
		return 0, wrapErr(ErrUnknown, err, "failed to expand replica for %s", hash)
	}
	reservation.Commit()

	ie.dir.Update(hash, false, func(current ContentFileInfo, exists bool) (ContentFileInfo, bool) {
		current.ReplicaCount = newIndex + 1
		return current, true
	})
	metricReplicaExpansionsTotal.Inc()

	return newIndex, nil
}

// evictLocked is a minimal rollback helper for IngestEngine's own
// hash-mismatch path; EvictionEngine (evict.go) implements the fuller
// eviction semantics used by every other caller.
func (ie *IngestEngine) evictLocked(ctx context.Context, hash ContentHash, force, onlyUnlinked bool) {
	info, ok := ie.dir.Get(hash)
	if !ok {
		return
	}
	for i := 0; i < info.ReplicaCount; i++ {
		ie.fs.Remove(ie.paths.Replica(hash, i))
	}
	ie.dir.Update(hash, false, func(ContentFileInfo, bool) (ContentFileInfo, bool) { return ContentFileInfo{}, false })
	ie.quota.OnContentEvicted(info.TotalSize())
}

// pickReplicaIndex returns a random existing replica index, used by
// PlacementEngine when the cursor's preferred replica is full.
func pickReplicaIndex(replicaCount int) int {
	if replicaCount <= 1 {
		return 0
	}
	return rand.Intn(replicaCount)
}
