package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestIngestEngine(t *testing.T, hardLinkingEnabled bool) (*IngestEngine, *ContentDirectory, string) {
	return newTestIngestEngineFastPath(t, hardLinkingEnabled, false)
}

func newTestIngestEngineFastPath(t *testing.T, hardLinkingEnabled, fastPathPinnedPuts bool) (*IngestEngine, *ContentDirectory, string) {
	root := t.TempDir()
	clock := &fakeClock{now: 1}
	dir := NewContentDirectory(clock)
	locks := NewHashLockSet()
	qk := NewQuotaKeeper(dir, 1<<30, 1<<30, time.Second, nil)
	pins := NewPinRegistry(locks, dir, NewPinSizeHistory(4))
	paths := NewPathResolver(root)
	fs := OSFileSystem{}

	ie := NewIngestEngine(dir, locks, qk, pins, fs, paths, clock, NoopAnnouncer{}, hardLinkingEnabled, 0, fastPathPinnedPuts)
	return ie, dir, root
}

func writeSourceFile(t *testing.T, root string, contents string) string {
	path := filepath.Join(root, "source")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIngestEnginePutFileComputesHash(t *testing.T) {
	ie, dir, root := newTestIngestEngine(t, false)
	src := writeSourceFile(t, root, "hello world")

	res, err := ie.PutFile(context.Background(), src, ContentHash{}, SHA256, RealizeAny, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.AlreadyExists {
		t.Fatal("expected a fresh put to report AlreadyExists=false")
	}
	if res.Size != int64(len("hello world")) {
		t.Fatalf("Size = %d, want %d", res.Size, len("hello world"))
	}

	info, ok := dir.Get(res.Hash)
	if !ok {
		t.Fatal("expected the directory to record the new hash")
	}
	if info.ReplicaCount != 1 {
		t.Fatalf("ReplicaCount = %d, want 1", info.ReplicaCount)
	}
}

func TestIngestEnginePutFileDetectsHashMismatch(t *testing.T) {
	ie, _, root := newTestIngestEngine(t, false)
	src := writeSourceFile(t, root, "hello world")

	wrongHash := ContentHash{Algo: SHA256, Hex: strings.Repeat("0", 64)}
	_, err := ie.PutFile(context.Background(), src, wrongHash, SHA256, RealizeAny, nil)
	if err == nil {
		t.Fatal("expected a hash mismatch error")
	}
	e, ok := err.(*Error)
	if !ok || e.Code != ErrHashMismatch {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
}

func TestIngestEnginePutFileIdempotentOnSecondPut(t *testing.T) {
	ie, _, root := newTestIngestEngine(t, false)
	src := writeSourceFile(t, root, "same content")

	first, err := ie.PutFile(context.Background(), src, ContentHash{}, SHA256, RealizeAny, nil)
	if err != nil {
		t.Fatal(err)
	}

	src2 := writeSourceFile(t, root, "same content")
	second, err := ie.PutFile(context.Background(), src2, ContentHash{}, SHA256, RealizeAny, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !second.AlreadyExists {
		t.Fatal("expected the second put of identical content to report AlreadyExists=true")
	}
	if second.Hash != first.Hash {
		t.Fatalf("expected identical content to hash the same: %v != %v", first.Hash, second.Hash)
	}
}

func TestIngestEnginePutFileMoveConsumesSource(t *testing.T) {
	ie, _, root := newTestIngestEngine(t, false)
	src := writeSourceFile(t, root, "move me")

	_, err := ie.PutFile(context.Background(), src, ContentHash{}, SHA256, RealizeMove, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("expected RealizeMove to consume the source file")
	}
}

func TestIngestEnginePutFilePinsWhenRequested(t *testing.T) {
	ie, _, root := newTestIngestEngine(t, false)
	src := writeSourceFile(t, root, "pin me")

	pr := NewPinRegistry(ie.locks, ie.dir, NewPinSizeHistory(4))
	ie.pins = pr
	pc := pr.CreateContext()

	res, err := ie.PutFile(context.Background(), src, ContentHash{}, SHA256, RealizeAny, pc)
	if err != nil {
		t.Fatal(err)
	}
	if !pr.IsPinned(res.Hash) {
		t.Fatal("expected the newly put content to be pinned")
	}
}

func TestIngestEnginePutStreamHashesAndStores(t *testing.T) {
	ie, dir, _ := newTestIngestEngine(t, false)

	res, err := ie.PutStream(context.Background(), bytes.NewReader([]byte("streamed data")), SHA256, ContentHash{}, RealizeAny, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := dir.Get(res.Hash); !ok {
		t.Fatal("expected streamed content to be recorded in the directory")
	}
}

func TestIngestEnginePutTrustedFileRejectsSizeMismatch(t *testing.T) {
	ie, _, root := newTestIngestEngine(t, false)
	src := writeSourceFile(t, root, "twelve bytes")

	_, err := ie.PutTrustedFile(context.Background(), src, hashN(0), 999, RealizeAny, nil)
	if err == nil {
		t.Fatal("expected a size mismatch error")
	}
	if e, ok := err.(*Error); !ok || e.Code != ErrInvariant {
		t.Fatalf("expected ErrInvariant, got %v", err)
	}
}

func TestIngestEngineExpandReplicaBumpsCount(t *testing.T) {
	ie, dir, root := newTestIngestEngine(t, false)
	src := writeSourceFile(t, root, "replica source")

	res, err := ie.PutFile(context.Background(), src, ContentHash{}, SHA256, RealizeAny, nil)
	if err != nil {
		t.Fatal(err)
	}

	info, _ := dir.Get(res.Hash)
	idx, err := ie.expandReplica(context.Background(), res.Hash, info)
	if err != nil {
		t.Fatal(err)
	}
	if idx != 1 {
		t.Fatalf("expandReplica returned index %d, want 1", idx)
	}

	updated, _ := dir.Get(res.Hash)
	if updated.ReplicaCount != 2 {
		t.Fatalf("ReplicaCount after expansion = %d, want 2", updated.ReplicaCount)
	}

	replicaPath := ie.paths.Replica(res.Hash, 1)
	if _, err := os.Stat(replicaPath); err != nil {
		t.Fatalf("expected replica file to exist at %s: %v", replicaPath, err)
	}
}

func TestIngestEnginePutFileNoVerifyRecordsRealSize(t *testing.T) {
	ie, dir, root := newTestIngestEngine(t, false)
	contents := "no verify but not empty"
	src := writeSourceFile(t, root, contents)

	trusted := hashN(3)
	res, err := ie.PutFile(context.Background(), src, trusted, SHA256, RealizeCopyNoVerify, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Size != int64(len(contents)) {
		t.Fatalf("Size = %d, want %d", res.Size, len(contents))
	}

	info, ok := dir.Get(trusted)
	if !ok {
		t.Fatal("expected the directory to record the trusted hash")
	}
	if info.Size != int64(len(contents)) {
		t.Fatalf("directory Size = %d, want %d", info.Size, len(contents))
	}
	if got := ie.quota.State().CurrentBytes; got != int64(len(contents)) {
		t.Fatalf("quota CurrentBytes = %d, want %d", got, len(contents))
	}
}

func TestIngestEnginePutFileMismatchRollbackSkipsAlreadyExistingContent(t *testing.T) {
	ie, dir, root := newTestIngestEngine(t, false)

	// Seed the directory with content that legitimately already exists
	// under the hash the next put will compute (and wrongly claim via
	// expectHash), as if put there by an earlier, unrelated caller.
	existing := "existing legitimate content"
	seedSrc := writeSourceFile(t, root, existing)
	seeded, err := ie.PutFile(context.Background(), seedSrc, ContentHash{}, SHA256, RealizeAny, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Now put the same bytes again, so they hash to the already-seeded
	// hash, but claim (wrongly) a different expected hash.
	src2 := writeSourceFile(t, root, existing)
	wrongHash := ContentHash{Algo: SHA256, Hex: strings.Repeat("0", 64)}
	_, err = ie.PutFile(context.Background(), src2, wrongHash, SHA256, RealizeAny, nil)
	if err == nil {
		t.Fatal("expected a hash mismatch error")
	}
	e, ok := err.(*Error)
	if !ok || e.Code != ErrHashMismatch {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}

	// The pre-existing, legitimately-stored content must survive the
	// mismatch rollback: the failed put never wrote it and must not
	// force-evict it.
	if _, ok := dir.Get(seeded.Hash); !ok {
		t.Fatal("expected pre-existing content to survive a mismatch rollback for an unrelated put")
	}
}

func TestIngestEnginePutFileFastPathSkipsLockWhenPinned(t *testing.T) {
	ie, dir, root := newTestIngestEngineFastPath(t, false, true)
	src := writeSourceFile(t, root, "fast path content")

	pc := ie.pins.CreateContext()
	first, err := ie.PutFile(context.Background(), src, ContentHash{}, SHA256, RealizeAny, pc)
	if err != nil {
		t.Fatal(err)
	}
	if !ie.pins.IsPinned(first.Hash) {
		t.Fatal("expected the first put to be pinned")
	}

	// Hold the hash lock: a put that tried to take it would time out.
	guard, err := ie.locks.Acquire(context.Background(), first.Hash.ShortHash())
	if err != nil {
		t.Fatal(err)
	}
	defer guard.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	src2 := writeSourceFile(t, root, "fast path content")
	second, err := ie.PutFile(ctx, src2, first.Hash, SHA256, RealizeAny, pc)
	if err != nil {
		t.Fatal(err)
	}
	if !second.AlreadyExists {
		t.Fatal("expected the fast-path put to report AlreadyExists=true")
	}
	if second.Size != first.Size {
		t.Fatalf("Size = %d, want %d", second.Size, first.Size)
	}

	info, ok := dir.Get(first.Hash)
	if !ok || info.ReplicaCount != 1 {
		t.Fatal("expected the fast path to leave the directory entry untouched")
	}
}

func TestIngestEnginePutFileFastPathDisabledStillWorks(t *testing.T) {
	ie, _, root := newTestIngestEngine(t, false) // fastPathPinnedPuts defaults to off
	src := writeSourceFile(t, root, "normal path content")

	pc := ie.pins.CreateContext()
	first, err := ie.PutFile(context.Background(), src, ContentHash{}, SHA256, RealizeAny, pc)
	if err != nil {
		t.Fatal(err)
	}

	src2 := writeSourceFile(t, root, "normal path content")
	second, err := ie.PutFile(context.Background(), src2, first.Hash, SHA256, RealizeAny, pc)
	if err != nil {
		t.Fatal(err)
	}
	if !second.AlreadyExists {
		t.Fatal("expected the locked path to also report AlreadyExists=true")
	}
	if second.Hash != first.Hash {
		t.Fatalf("expected identical content to hash the same: %v != %v", first.Hash, second.Hash)
	}
}
