package store

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/djherbis/atime"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// SelfCheckResult reports what a SelfChecker.Run pass found.
type SelfCheckResult struct {
	Scanned  int
	Repaired int // missing-from-directory files re-added
	Removed  int // mismatched/unparseable files deleted
	Pruned   int // missing-from-disk directory entries removed
}

// SelfChecker walks the on-disk shared directory, rehashes every blob,
// and reconciles it against the in-memory ContentDirectory.
// It bounds its own concurrency with a semaphore, since rehashing every
// blob in a large store is I/O-heavy and must not starve foreground
// puts/places sharing the same disk.
type SelfChecker struct {
	dir    *ContentDirectory
	locks  *HashLockSet
	fs     FileSystem
	paths  *PathResolver
	clock  Clock
	concurrency int64
}

func NewSelfChecker(dir *ContentDirectory, locks *HashLockSet, fs FileSystem, paths *PathResolver, clock Clock, concurrency int64) *SelfChecker {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &SelfChecker{dir: dir, locks: locks, fs: fs, paths: paths, clock: clock, concurrency: concurrency}
}

type scanFinding struct {
	path     string
	hash     ContentHash
	size     int64
	accessed FileTime
	valid    bool
}

// Run performs one full pass. It is safe to call concurrently with normal
// traffic: every mutation it makes to a hash goes through that hash's
// lock, the same as any other operation.
func (sc *SelfChecker) Run(ctx context.Context) (SelfCheckResult, error) {
	allPaths, err := sc.fs.Enumerate(sc.sharedRoot())
	if err != nil {
		return SelfCheckResult{}, wrapErr(ErrUnknown, err, "failed to enumerate shared directory")
	}

	var (
		mu       sync.Mutex
		findings []scanFinding
		scanned  int64
	)

	sem := semaphore.NewWeighted(sc.concurrency)
	g, gctx := errgroup.WithContext(ctx)

	for _, p := range allPaths {
		p := p
		hash, ok := sc.paths.Parse(p)
		if !ok {
			mu.Lock()
			findings = append(findings, scanFinding{path: p, valid: false})
			mu.Unlock()
			continue
		}

		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			atomic.AddInt64(&scanned, 1)

			info, statErr := sc.fs.Stat(p)
			if statErr != nil {
				mu.Lock()
				findings = append(findings, scanFinding{path: p, hash: hash, valid: false})
				mu.Unlock()
				return nil
			}

			actual, rehashErr := sc.rehash(p, hash.Algo)
			valid := rehashErr == nil && actual == hash.Hex

			mu.Lock()
			findings = append(findings, scanFinding{path: p, hash: hash, size: info.Size(), accessed: FileTime(atime.Get(info).UnixNano()), valid: valid})
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return SelfCheckResult{}, err
	}

	result := SelfCheckResult{Scanned: int(atomic.LoadInt64(&scanned))}

	byHash := make(map[string][]scanFinding)
	for _, f := range findings {
		if !f.valid {
			sc.quarantine(f.path)
			result.Removed++
			metricSelfCheckMismatchesTotal.Inc()
			continue
		}
		byHash[f.hash.ShortHash()] = append(byHash[f.hash.ShortHash()], f)
	}

	for key, group := range byHash {
		hash := group[0].hash
		guard, err := sc.locks.Acquire(ctx, key)
		if err != nil {
			continue
		}

		current, exists := sc.dir.Get(hash)
		onDiskCount := len(group)

		if !exists {
			lastAccessed := group[0].accessed
			for _, f := range group {
				if f.accessed > lastAccessed {
					lastAccessed = f.accessed
				}
			}
			if lastAccessed == 0 {
				lastAccessed = sc.clock.Now()
			}
			sc.dir.Update(hash, false, func(ContentFileInfo, bool) (ContentFileInfo, bool) {
				return ContentFileInfo{Size: group[0].size, LastAccessed: lastAccessed, ReplicaCount: onDiskCount}, true
			})
			result.Repaired++
		} else if current.ReplicaCount != onDiskCount {
			sc.dir.Update(hash, false, func(c ContentFileInfo, ok bool) (ContentFileInfo, bool) {
				c.ReplicaCount = onDiskCount
				return c, true
			})
			result.Repaired++
		}

		guard.Release()
	}

	for _, hash := range sc.dir.EnumerateHashes() {
		if _, ok := byHash[hash.ShortHash()]; !ok {
			guard, err := sc.locks.Acquire(ctx, hash.ShortHash())
			if err != nil {
				continue
			}
			sc.dir.Update(hash, false, func(ContentFileInfo, bool) (ContentFileInfo, bool) { return ContentFileInfo{}, false })
			guard.Release()
			result.Pruned++
		}
	}

	return result, nil
}

func (sc *SelfChecker) sharedRoot() string {
	return sc.paths.SharedRoot()
}

func (sc *SelfChecker) rehash(path string, algo Algorithm) (string, error) {
	f, err := sc.fs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hr, err := NewHashingReader(f, algo)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(io.Discard, hr); err != nil {
		return "", err
	}
	hash, _ := hr.Sum()
	return hash.Hex, nil
}

// quarantine moves a mismatched/unparseable file into temp/ for deletion
// on shutdown, rather than deleting it immediately.
func (sc *SelfChecker) quarantine(path string) {
	sc.fs.MkdirAll(sc.paths.TempDir())
	dest := sc.paths.TempDir() + "/" + sanitizeQuarantineName(path)
	if err := sc.fs.Rename(path, dest); err != nil {
		sc.fs.Remove(path)
	}
}

func sanitizeQuarantineName(path string) string {
	out := make([]byte, 0, len(path))
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c == '/' || c == '\\' {
			out = append(out, '_')
		} else {
			out = append(out, c)
		}
	}
	return string(out)
}
