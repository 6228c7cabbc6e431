package store

import (
	"strings"
	"testing"
)

type fakeClock struct{ now FileTime }

func (c *fakeClock) Now() FileTime { return c.now }

func hashN(n byte) ContentHash {
	return ContentHash{Algo: SHA256, Hex: strings.Repeat(string(rune('a'+n%26)), 64)}
}

func TestContentDirectoryUpdateInsertsAndTouches(t *testing.T) {
	clock := &fakeClock{now: 1}
	d := NewContentDirectory(clock)
	h := hashN(0)

	info := d.Update(h, false, func(current ContentFileInfo, exists bool) (ContentFileInfo, bool) {
		if exists {
			t.Fatal("expected no existing entry")
		}
		return ContentFileInfo{Size: 10, LastAccessed: clock.now, ReplicaCount: 1}, true
	})
	if info.Size != 10 || info.ReplicaCount != 1 {
		t.Fatalf("unexpected info after insert: %+v", info)
	}

	clock.now = 2
	got, ok := d.Touch(h)
	if !ok {
		t.Fatal("expected Touch to find the entry")
	}
	if got.LastAccessed != 2 {
		t.Fatalf("LastAccessed after Touch = %d, want 2", got.LastAccessed)
	}
}

func TestContentDirectoryUpdateRemoves(t *testing.T) {
	clock := &fakeClock{now: 1}
	d := NewContentDirectory(clock)
	h := hashN(1)

	d.Update(h, false, func(ContentFileInfo, bool) (ContentFileInfo, bool) {
		return ContentFileInfo{Size: 5, ReplicaCount: 1}, true
	})
	d.Update(h, false, func(ContentFileInfo, bool) (ContentFileInfo, bool) {
		return ContentFileInfo{}, false
	})

	if _, ok := d.Get(h); ok {
		t.Fatal("expected entry to be removed")
	}
	if d.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", d.Count())
	}
}

func TestContentDirectoryTotalSizeIncludesReplicas(t *testing.T) {
	clock := &fakeClock{now: 1}
	d := NewContentDirectory(clock)
	h := hashN(2)

	d.Update(h, false, func(ContentFileInfo, bool) (ContentFileInfo, bool) {
		return ContentFileInfo{Size: 100, ReplicaCount: 3}, true
	})

	if got := d.TotalSize(); got != 300 {
		t.Fatalf("TotalSize() = %d, want 300", got)
	}
}

func TestContentDirectoryLruOrdering(t *testing.T) {
	clock := &fakeClock{now: 0}
	d := NewContentDirectory(clock)

	for i := byte(0); i < 3; i++ {
		clock.now = FileTime(i)
		d.Update(hashN(i), false, func(ContentFileInfo, bool) (ContentFileInfo, bool) {
			return ContentFileInfo{Size: 1, LastAccessed: clock.now, ReplicaCount: 1}, true
		})
	}

	ordered := d.GetLruOrderedContent()
	if len(ordered) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(ordered))
	}
	// Oldest (hashN(0), LastAccessed 0) must come first.
	if ordered[0].Hash != hashN(0) {
		t.Fatalf("expected hashN(0) to be least-recently-used first, got %+v", ordered[0].Hash)
	}
	if ordered[2].Hash != hashN(2) {
		t.Fatalf("expected hashN(2) to be most-recently-used last, got %+v", ordered[2].Hash)
	}
}

func TestContentDirectoryTouchMovesToFront(t *testing.T) {
	clock := &fakeClock{now: 0}
	d := NewContentDirectory(clock)

	for i := byte(0); i < 2; i++ {
		clock.now = FileTime(i)
		d.Update(hashN(i), false, func(ContentFileInfo, bool) (ContentFileInfo, bool) {
			return ContentFileInfo{Size: 1, LastAccessed: clock.now, ReplicaCount: 1}, true
		})
	}

	clock.now = 100
	d.Touch(hashN(0))

	ordered := d.GetLruOrderedContent()
	if ordered[len(ordered)-1].Hash != hashN(0) {
		t.Fatalf("expected hashN(0) to become most-recently-used after Touch, order = %+v", ordered)
	}
}

func TestContentDirectoryStreamLruOrderedRespectsLimit(t *testing.T) {
	clock := &fakeClock{now: 0}
	d := NewContentDirectory(clock)
	for i := byte(0); i < 5; i++ {
		clock.now = FileTime(i)
		d.Update(hashN(i), false, func(ContentFileInfo, bool) (ContentFileInfo, bool) {
			return ContentFileInfo{Size: 1, LastAccessed: clock.now, ReplicaCount: 1}, true
		})
	}

	first2 := d.StreamLruOrdered(2)
	if len(first2) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(first2))
	}
	if first2[0].Hash != hashN(0) || first2[1].Hash != hashN(1) {
		t.Fatalf("unexpected stream order: %+v", first2)
	}
}

func TestContentDirectoryReconstructGroupsReplicasAndPicksMaxAccessTime(t *testing.T) {
	clock := &fakeClock{now: 999}
	d := NewContentDirectory(clock)
	h := hashN(0)

	d.Reconstruct([]ReconstructedBlob{
		{Hash: h, Size: 42, AccessTime: 5},
		{Hash: h, Size: 42, AccessTime: 9},
		{Hash: h, Size: 42, AccessTime: 3},
	})

	info, ok := d.Get(h)
	if !ok {
		t.Fatal("expected reconstructed entry to exist")
	}
	if info.ReplicaCount != 3 {
		t.Fatalf("ReplicaCount = %d, want 3", info.ReplicaCount)
	}
	if info.Size != 42 {
		t.Fatalf("Size = %d, want 42", info.Size)
	}
	if info.LastAccessed != 9 {
		t.Fatalf("LastAccessed = %d, want 9 (max observed)", info.LastAccessed)
	}
}

func TestContentDirectoryReconstructFallsBackToNowWhenAccessTimeUnknown(t *testing.T) {
	clock := &fakeClock{now: 123}
	d := NewContentDirectory(clock)
	h := hashN(0)

	d.Reconstruct([]ReconstructedBlob{{Hash: h, Size: 1}})

	info, _ := d.Get(h)
	if info.LastAccessed != 123 {
		t.Fatalf("LastAccessed = %d, want fallback to clock.Now() = 123", info.LastAccessed)
	}
}

func TestContentDirectoryReconstructOrdersByAccessTime(t *testing.T) {
	clock := &fakeClock{now: 0}
	d := NewContentDirectory(clock)

	d.Reconstruct([]ReconstructedBlob{
		{Hash: hashN(0), Size: 1, AccessTime: 10},
		{Hash: hashN(1), Size: 1, AccessTime: 30},
		{Hash: hashN(2), Size: 1, AccessTime: 20},
	})

	ordered := d.GetLruOrderedContent()
	if len(ordered) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(ordered))
	}
	if ordered[0].Hash != hashN(0) || ordered[1].Hash != hashN(2) || ordered[2].Hash != hashN(1) {
		t.Fatalf("expected ascending-access-time order, got %+v", ordered)
	}
}
