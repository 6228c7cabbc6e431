package store

import (
	"context"
	"os"
	"testing"
)

func TestSelfCheckFindsNothingWrongOnCleanStore(t *testing.T) {
	ie, dir, root := newTestIngestEngine(t, false)
	src := writeSourceFile(t, root, "clean content")

	put, err := ie.PutFile(context.Background(), src, ContentHash{}, SHA256, RealizeAny, nil)
	if err != nil {
		t.Fatal(err)
	}

	sc := NewSelfChecker(dir, ie.locks, ie.fs, ie.paths, ie.clock, 2)
	result, err := sc.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Scanned != 1 {
		t.Fatalf("Scanned = %d, want 1", result.Scanned)
	}
	if result.Removed != 0 || result.Pruned != 0 || result.Repaired != 0 {
		t.Fatalf("expected a clean pass, got %+v", result)
	}
	if _, ok := dir.Get(put.Hash); !ok {
		t.Fatal("expected the entry to remain in the directory")
	}
}

func TestSelfCheckQuarantinesCorruptedBlob(t *testing.T) {
	ie, dir, root := newTestIngestEngine(t, false)
	src := writeSourceFile(t, root, "original content")

	put, err := ie.PutFile(context.Background(), src, ContentHash{}, SHA256, RealizeAny, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(ie.paths.Primary(put.Hash), []byte("corrupted!"), 0644); err != nil {
		t.Fatal(err)
	}

	sc := NewSelfChecker(dir, ie.locks, ie.fs, ie.paths, ie.clock, 2)
	result, err := sc.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Removed != 1 {
		t.Fatalf("Removed = %d, want 1", result.Removed)
	}
	if result.Pruned != 1 {
		t.Fatalf("Pruned = %d, want 1 (directory entry with no valid survivors)", result.Pruned)
	}
	if _, ok := dir.Get(put.Hash); ok {
		t.Fatal("expected the corrupted entry to be pruned from the directory")
	}
	if _, err := os.Stat(ie.paths.Primary(put.Hash)); !os.IsNotExist(err) {
		t.Fatal("expected the corrupted blob to be moved out of the shared tree")
	}
}

func TestSelfCheckRepairsMissingDirectoryEntry(t *testing.T) {
	ie, dir, root := newTestIngestEngine(t, false)
	src := writeSourceFile(t, root, "undocumented content")

	put, err := ie.PutFile(context.Background(), src, ContentHash{}, SHA256, RealizeAny, nil)
	if err != nil {
		t.Fatal(err)
	}

	dir.Update(put.Hash, false, func(ContentFileInfo, bool) (ContentFileInfo, bool) { return ContentFileInfo{}, false })

	sc := NewSelfChecker(dir, ie.locks, ie.fs, ie.paths, ie.clock, 2)
	result, err := sc.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Repaired != 1 {
		t.Fatalf("Repaired = %d, want 1", result.Repaired)
	}
	info, ok := dir.Get(put.Hash)
	if !ok {
		t.Fatal("expected the directory entry to be re-added")
	}
	if info.ReplicaCount != 1 {
		t.Fatalf("ReplicaCount = %d, want 1", info.ReplicaCount)
	}
}

func TestSelfCheckPrunesEntryWithNoBackingBlobs(t *testing.T) {
	ie, dir, root := newTestIngestEngine(t, false)
	src := writeSourceFile(t, root, "will vanish")

	put, err := ie.PutFile(context.Background(), src, ContentHash{}, SHA256, RealizeAny, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(ie.paths.Primary(put.Hash)); err != nil {
		t.Fatal(err)
	}

	sc := NewSelfChecker(dir, ie.locks, ie.fs, ie.paths, ie.clock, 2)
	result, err := sc.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Pruned != 1 {
		t.Fatalf("Pruned = %d, want 1", result.Pruned)
	}
	if _, ok := dir.Get(put.Hash); ok {
		t.Fatal("expected the directory entry to be pruned once its only blob disappeared")
	}
}
