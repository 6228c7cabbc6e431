package store

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/djherbis/atime"

	"github.com/buchgr/caslocal/config"
	"github.com/buchgr/caslocal/utils/rlimit"
)

const directorySnapshotName = "directory.snapshot"

// StoreFacade is the externally-visible composition root: it owns every
// component's lifecycle and is the only thing a caller outside this
// package talks to.
type StoreFacade struct {
	cfg    *config.Config
	logger *log.Logger

	fs    FileSystem
	clock Clock
	paths *PathResolver

	dir     *ContentDirectory
	locks   *HashLockSet
	quota   *QuotaKeeper
	pins    *PinRegistry
	ingest  *IngestEngine
	place   *PlacementEngine
	evict   *EvictionEngine
	checker *SelfChecker

	history *PinSizeHistory

	announcer ChangeAnnouncer
	remote    DistributedLocationStore

	selfCheckConcurrency           int64
	backgroundEvictionPeriodMillis int

	wg sync.WaitGroup
}

// New builds and starts a StoreFacade, running the full startup
// sequence: load config, clean the temp dir, load or reconstruct the
// directory, load pin history, and start the background quota loop.
func New(cfg *config.Config, opts ...Option) (*StoreFacade, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &StoreFacade{
		cfg:                            cfg,
		logger:                         log.New(os.Stderr, "", log.LstdFlags),
		fs:                             OSFileSystem{},
		clock:                          SystemClock{},
		announcer:                      NoopAnnouncer{},
		selfCheckConcurrency:           4,
		backgroundEvictionPeriodMillis: 1000,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	s.paths = NewPathResolver(cfg.RootPath)

	rlimit.Raise(s.logger)

	if err := s.fs.MkdirAll(cfg.RootPath); err != nil {
		return nil, wrapErr(ErrUnknown, err, "failed to create root directory %s", cfg.RootPath)
	}
	if err := s.cleanTempDir(); err != nil {
		s.logger.Printf("warning: failed to clean temp dir: %v", err)
	}

	s.dir = NewContentDirectory(s.clock)
	if err := s.loadOrReconstructDirectory(); err != nil {
		return nil, err
	}

	history, err := LoadPinSizeHistory(cfg.PinSizeHistoryPath, cfg.HistoryWindowSize)
	if err != nil {
		history = NewPinSizeHistory(cfg.HistoryWindowSize)
	}
	s.history = history

	s.locks = NewHashLockSet()
	s.pins = NewPinRegistry(s.locks, s.dir, s.history)

	maxQuotaWait := time.Duration(cfg.MaxQuotaWaitMillis) * time.Millisecond
	s.quota = NewQuotaKeeper(s.dir, cfg.HardCapBytes, cfg.SoftCapBytes, maxQuotaWait, nil)

	s.evict = NewEvictionEngine(s.dir, s.locks, s.pins, s.quota, s.fs, s.paths, s.announcer, s.remote)
	s.quota.SetEvictFunc(func(ctx context.Context, hash ContentHash, force bool) int64 {
		res, err := s.evict.Evict(ctx, hash, EvictOptions{Force: force})
		if err != nil {
			s.logger.Printf("warning: background eviction of %s failed: %v", hash, err)
			return 0
		}
		return res.EvictedSize
	})

	hardLinksEnabled := cfg.HardLinkingEnabled && cfg.UseHardLinks
	s.ingest = NewIngestEngine(s.dir, s.locks, s.quota, s.pins, s.fs, s.paths, s.clock, s.announcer, hardLinksEnabled, cfg.HardLinkLimit, cfg.FastPathPinnedPuts)
	s.place = NewPlacementEngine(s.dir, s.locks, s.pins, s.ingest, s.fs, s.paths, s.announcer, hardLinksEnabled)
	s.checker = NewSelfChecker(s.dir, s.locks, s.fs, s.paths, s.clock, s.selfCheckConcurrency)

	s.quota.Calibrate()
	s.quota.StartBackgroundLoop(time.Duration(s.backgroundEvictionPeriodMillis) * time.Millisecond)

	if cfg.SelfCheckOnStartup {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			result, err := s.checker.Run(context.Background())
			if err != nil {
				s.logger.Printf("warning: startup self-check failed: %v", err)
				return
			}
			s.logger.Printf("startup self-check: scanned=%d repaired=%d removed=%d pruned=%d",
				result.Scanned, result.Repaired, result.Removed, result.Pruned)
		}()
	}

	return s, nil
}

func (s *StoreFacade) cleanTempDir() error {
	temp := s.paths.TempDir()
	if err := s.fs.MkdirAll(temp); err != nil {
		return err
	}
	entries, err := s.fs.Enumerate(temp)
	if err != nil {
		return err
	}
	for _, p := range entries {
		if err := s.fs.Remove(p); err != nil {
			s.logger.Printf("warning: failed to remove stale temp file %s: %v", p, err)
		}
	}
	return nil
}

func (s *StoreFacade) loadOrReconstructDirectory() error {
	snapshotPath := filepath.Join(s.cfg.RootPath, directorySnapshotName)

	entries, err := LoadDirectory(snapshotPath)
	if err == nil {
		// The snapshot lists entries most-recent first and Update inserts at
		// the front, so load from the back to keep the saved LRU order.
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			s.dir.Update(e.Hash, false, func(ContentFileInfo, bool) (ContentFileInfo, bool) { return e.Info, true })
		}
		return nil
	}

	s.logger.Printf("no usable directory snapshot (%v), reconstructing from disk", err)
	return s.reconstructFromDisk()
}

func (s *StoreFacade) reconstructFromDisk() error {
	sharedRoot := s.paths.SharedRoot()
	if _, err := s.fs.Stat(sharedRoot); err != nil {
		return nil // nothing on disk yet
	}

	paths, err := s.fs.Enumerate(sharedRoot)
	if err != nil {
		return wrapErr(ErrUnknown, err, "failed to enumerate shared directory for reconstruction")
	}

	var blobs []ReconstructedBlob
	for _, p := range paths {
		hash, ok := s.paths.Parse(p)
		if !ok {
			continue
		}
		info, err := s.fs.Stat(p)
		if err != nil {
			continue
		}
		blobs = append(blobs, ReconstructedBlob{Hash: hash, Size: info.Size(), AccessTime: FileTime(atime.Get(info).UnixNano())})
	}

	s.dir.Reconstruct(blobs)
	return nil
}

// Shutdown drains in-flight background work, persists the directory and
// pin history, and cleans the temp directory.
func (s *StoreFacade) Shutdown(ctx context.Context) error {
	s.quota.Stop()
	s.wg.Wait()

	if err := SaveDirectory(filepath.Join(s.cfg.RootPath, directorySnapshotName), s.dir.EnumerateContentInfo()); err != nil {
		s.logger.Printf("warning: failed to persist directory snapshot: %v", err)
	}
	if err := SavePinSizeHistory(s.cfg.PinSizeHistoryPath, s.history); err != nil {
		s.logger.Printf("warning: failed to persist pin-size history: %v", err)
	}

	if err := s.cleanTempDir(); err != nil {
		s.logger.Printf("warning: failed to clean temp dir on shutdown: %v", err)
	}
	return nil
}

// Contains reports whether hash is present, optionally pinning it.
func (s *StoreFacade) Contains(ctx context.Context, hash ContentHash, pinCtx *PinContext) bool {
	if hash.IsEmpty() {
		return true
	}
	guard, err := s.locks.Acquire(ctx, hash.ShortHash())
	if err != nil {
		return false
	}
	defer guard.Release()

	_, exists := s.dir.Get(hash)
	if exists && pinCtx != nil {
		s.pins.Pin(hash, pinCtx)
	}
	return exists
}

// OpenStream returns a reader over hash's primary blob, or nil if absent.
func (s *StoreFacade) OpenStream(ctx context.Context, hash ContentHash, pinCtx *PinContext) (io.ReadCloser, error) {
	guard, err := s.locks.Acquire(ctx, hash.ShortHash())
	if err != nil {
		return nil, wrapErr(ErrCancelled, err, "openStream cancelled waiting for hash lock")
	}
	defer guard.Release()

	if _, exists := s.dir.Touch(hash); !exists {
		return nil, nil
	}
	if pinCtx != nil {
		s.pins.Pin(hash, pinCtx)
	}
	return s.fs.Open(s.paths.Primary(hash))
}

// GetContentSizeAndCheckPinned reports hash's size and whether it was
// already pinned before this call folds pinCtx's pin in.
func (s *StoreFacade) GetContentSizeAndCheckPinned(ctx context.Context, hash ContentHash, pinCtx *PinContext) (int64, bool, error) {
	guard, err := s.locks.Acquire(ctx, hash.ShortHash())
	if err != nil {
		return 0, false, wrapErr(ErrCancelled, err, "cancelled waiting for hash lock")
	}
	defer guard.Release()

	info, exists := s.dir.Get(hash)
	if !exists {
		return 0, false, newErr(ErrSourceNotFound, "%s is not in the store", hash)
	}
	wasPinned := s.pins.IsPinned(hash)
	if pinCtx != nil {
		s.pins.Pin(hash, pinCtx)
	}
	return info.Size, wasPinned, nil
}

func (s *StoreFacade) CreatePinContext() *PinContext {
	return s.pins.CreateContext()
}

func (s *StoreFacade) DisposePinContext(ctx context.Context, pc *PinContext) error {
	if err := s.pins.Dispose(ctx, pc); err != nil {
		return err
	}
	s.quota.Calibrate()
	return nil
}

func (s *StoreFacade) EnumerateContentHashes() []ContentHash {
	return s.dir.EnumerateHashes()
}

func (s *StoreFacade) EnumerateContentInfo() []DirectoryEntry {
	return s.dir.EnumerateContentInfo()
}

// Sync forces a QuotaKeeper eviction pass when purge is true; see
// QuotaKeeper.Sync.
func (s *StoreFacade) Sync(ctx context.Context, purge bool) {
	s.quota.Sync(ctx, purge)
}

// SyncAsync runs Sync in the background instead of blocking the caller.
func (s *StoreFacade) SyncAsync(purge bool) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.quota.Sync(context.Background(), purge)
	}()
}

func (s *StoreFacade) SelfCheck(ctx context.Context) (SelfCheckResult, error) {
	return s.checker.Run(ctx)
}

func (s *StoreFacade) PutFile(ctx context.Context, sourcePath string, expectHash ContentHash, algo Algorithm, mode RealizationMode, pinCtx *PinContext) (PutResult, error) {
	return s.ingest.PutFile(ctx, sourcePath, expectHash, algo, mode, pinCtx)
}

func (s *StoreFacade) PutTrustedFile(ctx context.Context, sourcePath string, hash ContentHash, size int64, mode RealizationMode, pinCtx *PinContext) (PutResult, error) {
	return s.ingest.PutTrustedFile(ctx, sourcePath, hash, size, mode, pinCtx)
}

func (s *StoreFacade) PutStream(ctx context.Context, r io.Reader, algo Algorithm, expectHash ContentHash, mode RealizationMode, pinCtx *PinContext) (PutResult, error) {
	return s.ingest.PutStream(ctx, r, algo, expectHash, mode, pinCtx)
}

func (s *StoreFacade) PlaceFile(ctx context.Context, hash ContentHash, destination string, accessMode AccessMode, replacementMode ReplacementMode, realizationMode RealizationMode, pinCtx *PinContext) (PlaceResult, error) {
	return s.place.PlaceFile(ctx, hash, destination, accessMode, replacementMode, realizationMode, pinCtx)
}

func (s *StoreFacade) Evict(ctx context.Context, hash ContentHash, opts EvictOptions) (EvictResult, error) {
	return s.evict.Evict(ctx, hash, opts)
}

func (s *StoreFacade) Delete(ctx context.Context, hash ContentHash) (EvictResult, error) {
	return s.evict.Delete(ctx, hash)
}
