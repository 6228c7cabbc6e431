package store

import (
	"context"
	"io"
	"os"
	"sync"
)

// AccessMode controls whether a placed file may later be written through
// the hardlink: ReadOnly is required before hardlinking is even
// attempted, since a hardlink shares bytes with every other replica.
type AccessMode int

const (
	AccessReadOnly AccessMode = iota
	AccessWrite
)

// ReplacementMode governs what happens when destination already exists.
type ReplacementMode int

const (
	ReplaceFailIfExists ReplacementMode = iota
	ReplaceSkipIfExists
	ReplaceExisting
)

// ResultCode is PlacementEngine's externally visible result.
type ResultCode int

const (
	Unknown ResultCode = iota
	PlacedWithHardLink
	PlacedWithCopy
	NotPlacedAlreadyExists
	NotPlacedContentNotFound
)

// PlaceResult carries the size and observed access time alongside the
// result code.
type PlaceResult struct {
	Code           ResultCode
	Size           int64
	LastAccessTime FileTime
}

// replicaCursor remembers, per hash, the most recently successful
// hardlink replica index -- so repeated placements of a hot hash don't
// all probe replica 0 first.
type replicaCursor struct {
	mu     sync.Mutex
	cursor map[string]int
}

func newReplicaCursor() *replicaCursor {
	return &replicaCursor{cursor: make(map[string]int)}
}

func (c *replicaCursor) get(key string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.cursor[key]
	return idx, ok
}

func (c *replicaCursor) set(key string, idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor[key] = idx
}

func (c *replicaCursor) clear(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cursor, key)
}

// PlacementEngine realizes stored content at a caller-chosen
// destination, preferring hardlinks and falling back to a verified or
// unverified copy.
type PlacementEngine struct {
	dir    *ContentDirectory
	locks  *HashLockSet
	pins   *PinRegistry
	ingest *IngestEngine
	fs     FileSystem
	paths  *PathResolver
	notify ChangeAnnouncer

	cursor *replicaCursor

	hardLinkingEnabled bool
}

func NewPlacementEngine(dir *ContentDirectory, locks *HashLockSet, pins *PinRegistry, ingest *IngestEngine, fs FileSystem, paths *PathResolver, notify ChangeAnnouncer, hardLinkingEnabled bool) *PlacementEngine {
	return &PlacementEngine{
		dir:                dir,
		locks:              locks,
		pins:               pins,
		ingest:             ingest,
		fs:                 fs,
		paths:              paths,
		notify:             notify,
		cursor:             newReplicaCursor(),
		hardLinkingEnabled: hardLinkingEnabled,
	}
}

func (pe *PlacementEngine) PlaceFile(ctx context.Context, hash ContentHash, destination string, accessMode AccessMode, replacementMode ReplacementMode, realizationMode RealizationMode, pinCtx *PinContext) (PlaceResult, error) {
	if hash.IsEmpty() {
		f, err := pe.fs.Create(destination)
		if err != nil {
			return PlaceResult{}, wrapErr(ErrUnknown, err, "failed to create empty destination %s", destination)
		}
		f.Close()
		return PlaceResult{Code: PlacedWithCopy, Size: 0}, nil
	}

	if replacementMode != ReplaceExisting {
		if _, err := pe.fs.Stat(destination); err == nil {
			if replacementMode == ReplaceFailIfExists {
				return PlaceResult{}, newErr(ErrDestinationExists, "destination %s already exists", destination)
			}
			return PlaceResult{Code: NotPlacedAlreadyExists}, nil
		}
	}

	guard, err := pe.locks.Acquire(ctx, hash.ShortHash())
	if err != nil {
		return PlaceResult{}, wrapErr(ErrCancelled, err, "place cancelled waiting for hash lock")
	}
	defer guard.Release()

	if pinCtx != nil {
		pe.pins.Pin(hash, pinCtx)
	}

	info, exists := pe.dir.Touch(hash)
	if !exists {
		return PlaceResult{Code: NotPlacedContentNotFound}, nil
	}

	wantHardlink := pe.hardLinkingEnabled && accessMode == AccessReadOnly &&
		(realizationMode == RealizeHardlink || realizationMode == RealizeAny)

	if wantHardlink {
		code, err := pe.tryHardlink(ctx, hash, destination, info)
		if err == errFallThroughToCopy {
			// fall through below
		} else if err != nil {
			return PlaceResult{}, err
		} else {
			return PlaceResult{Code: code, Size: info.Size, LastAccessTime: info.LastAccessed}, nil
		}
		if realizationMode == RealizeHardlink {
			return PlaceResult{}, newErr(ErrNotSupported, "hardlink placement failed for %s and realization mode forbids falling back to copy", hash)
		}
	}

	verify := realizationMode != RealizeCopyNoVerify
	if err := pe.copyOut(ctx, hash, destination, verify); err != nil {
		if e, ok := err.(*Error); ok && e.Code == ErrHashMismatch {
			return PlaceResult{Code: NotPlacedContentNotFound}, nil
		}
		return PlaceResult{}, err
	}
	return PlaceResult{Code: PlacedWithCopy, Size: info.Size, LastAccessTime: info.LastAccessed}, nil
}

var errFallThroughToCopy = newErr(ErrNotSupported, "hardlink placement unavailable, falling back to copy")

// tryHardlink consults the replica cursor, retries against a random
// replica on MaxHardLinkLimit, and expands into a fresh replica if every
// existing one is full.
func (pe *PlacementEngine) tryHardlink(ctx context.Context, hash ContentHash, destination string, info ContentFileInfo) (ResultCode, error) {
	key := hash.ShortHash()

	idx, ok := pe.cursor.get(key)
	if !ok {
		idx = pickReplicaIndex(info.ReplicaCount)
	}

	tried := make(map[int]bool)
	for attempt := 0; attempt < info.ReplicaCount+1; attempt++ {
		if tried[idx] {
			idx = (idx + 1) % info.ReplicaCount
			if tried[idx] {
				break
			}
		}
		tried[idx] = true

		replicaPath := pe.paths.Replica(hash, idx)
		err := pe.fs.Hardlink(replicaPath, destination)
		if err == nil {
			pe.cursor.set(key, idx)
			return PlacedWithHardLink, nil
		}

		e, isErr := err.(*Error)
		switch {
		case isErr && e == ErrFSMaxHardLinkLimit:
			pe.cursor.clear(key)
			idx = pickReplicaIndex(info.ReplicaCount)
			continue
		case isErr && e == ErrFSSourceMissing:
			pe.selfHealReplica(hash, idx)
			if idx == 0 {
				return Unknown, newErr(ErrInvariant, "primary replica for %s missing during placement", hash)
			}
			continue
		case isErr && (e == ErrFSDifferentVolume || e == ErrFSNotSupported):
			return Unknown, errFallThroughToCopy
		default:
			return Unknown, wrapErr(ErrUnknown, err, "hardlink placement failed for %s", hash)
		}
	}

	// Every existing replica is full: expand.
	newIdx, err := pe.ingest.expandReplica(ctx, hash, info)
	if err != nil {
		return Unknown, err
	}
	if err := pe.fs.Hardlink(pe.paths.Replica(hash, newIdx), destination); err != nil {
		return Unknown, wrapErr(ErrUnknown, err, "hardlink against freshly expanded replica failed")
	}
	pe.cursor.set(key, newIdx)
	return PlacedWithHardLink, nil
}

// selfHealReplica repairs a replica discovered missing on disk: if it was
// the primary, the whole entry is gone; otherwise it is recopied from
// the primary.
func (pe *PlacementEngine) selfHealReplica(hash ContentHash, idx int) {
	if idx == 0 {
		pe.dir.Update(hash, false, func(ContentFileInfo, bool) (ContentFileInfo, bool) { return ContentFileInfo{}, false })
		return
	}
	pe.fs.Copy(pe.paths.Primary(hash), pe.paths.Replica(hash, idx))
}

// copyOut streams the primary replica's bytes to destination. When
// verify is true, it hashes as it copies and, on mismatch, destroys every
// replica and the directory entry.
func (pe *PlacementEngine) copyOut(ctx context.Context, hash ContentHash, destination string, verify bool) error {
	src, err := pe.fs.Open(pe.paths.Primary(hash))
	if err != nil {
		return wrapErr(ErrSourceNotFound, err, "primary blob for %s missing", hash)
	}
	defer src.Close()

	dst, err := pe.fs.Create(destination)
	if err != nil {
		return wrapErr(ErrUnknown, err, "failed to create destination %s", destination)
	}

	var hr *HashingReader
	if verify {
		hr, err = NewHashingReader(src, hash.Algo)
		if err != nil {
			dst.Close()
			return wrapErr(ErrUnknown, err, "unsupported hash algorithm %s", hash.Algo)
		}
		_, err = io.Copy(dst, hr)
	} else {
		_, err = io.Copy(dst, src)
	}
	closeErr := dst.Close()
	if err != nil {
		os.Remove(destination)
		return wrapErr(ErrUnknown, err, "failed copying %s to destination", hash)
	}
	if closeErr != nil {
		os.Remove(destination)
		return wrapErr(ErrUnknown, closeErr, "failed closing destination")
	}

	if verify {
		computed, _ := hr.Sum()
		if computed.Hex != hash.Hex {
			os.Remove(destination)
			pe.destroyCorrupted(ctx, hash)
			return newErr(ErrHashMismatch, "content on disk for %s does not match its hash", hash)
		}
	}
	return nil
}

func (pe *PlacementEngine) destroyCorrupted(ctx context.Context, hash ContentHash) {
	info, ok := pe.dir.Get(hash)
	if !ok {
		return
	}
	for i := 0; i < info.ReplicaCount; i++ {
		pe.fs.Remove(pe.paths.Replica(hash, i))
	}
	pe.dir.Update(hash, false, func(ContentFileInfo, bool) (ContentFileInfo, bool) { return ContentFileInfo{}, false })
	pe.ingest.quota.OnContentEvicted(info.TotalSize())
	metricSelfCheckMismatchesTotal.Inc()
}
