package store

import (
	"container/list"
	"sort"
	"sync"
)

// ContentFileInfo is the per-hash record tracked by ContentDirectory.
// ReplicaCount is always >= 1 while the entry is present; an entry with
// ReplicaCount 0 does not exist in the directory at all.
type ContentFileInfo struct {
	Size         int64
	LastAccessed FileTime
	ReplicaCount int
}

// TotalSize is the derived Size * ReplicaCount field.
func (i ContentFileInfo) TotalSize() int64 {
	return i.Size * int64(i.ReplicaCount)
}

// DirectoryEntry pairs a hash with its directory record, returned by the
// enumeration methods below.
type DirectoryEntry struct {
	Hash ContentHash
	Info ContentFileInfo
}

type dirElem struct {
	hash ContentHash
	info ContentFileInfo
}

// ContentDirectory is the concurrent hash -> ContentFileInfo map.
// Mutating operations on a single hash are expected to be externally
// serialized by HashLockSet; ContentDirectory's own mutex only protects
// the shared map/list bookkeeping from concurrent access across distinct
// hashes.
type ContentDirectory struct {
	clock Clock

	mu sync.Mutex
	// ll orders entries by recency: front is most-recently-touched,
	// back is least-recently-used (the first eviction candidate).
	ll      *list.List
	byShort map[string]*list.Element
}

func NewContentDirectory(clock Clock) *ContentDirectory {
	return &ContentDirectory{
		clock:   clock,
		ll:      list.New(),
		byShort: make(map[string]*list.Element),
	}
}

// Get returns the current info for hash, without mutating recency.
func (d *ContentDirectory) Get(hash ContentHash) (ContentFileInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ele, ok := d.byShort[hash.ShortHash()]
	if !ok {
		return ContentFileInfo{}, false
	}
	return ele.Value.(*dirElem).info, true
}

// UpdateFunc receives the current info (ok=false if the entry does not
// exist) and returns the new info to store, or ok=false to remove the
// entry entirely.
type UpdateFunc func(current ContentFileInfo, exists bool) (next ContentFileInfo, keep bool)

// Update atomically retrieves the current info for hash (or none),
// applies touch (if requested and the entry exists: refreshes
// LastAccessed and moves the entry to the most-recent end), invokes fn,
// and writes back fn's result (removing the entry if fn returns
// keep=false). A new entry is inserted at the most-recent end.
// Callers must hold hash's lock (via HashLockSet) before calling this for
// any mutating update.
func (d *ContentDirectory) Update(hash ContentHash, touch bool, fn UpdateFunc) ContentFileInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := hash.ShortHash()
	ele, exists := d.byShort[key]

	var current ContentFileInfo
	if exists {
		current = ele.Value.(*dirElem).info
		if touch {
			current.LastAccessed = d.clock.Now()
		}
	}

	next, keep := fn(current, exists)

	if !keep {
		if exists {
			d.ll.Remove(ele)
			delete(d.byShort, key)
		}
		return ContentFileInfo{}
	}

	if exists {
		ele.Value.(*dirElem).info = next
		if touch {
			d.ll.MoveToFront(ele)
		}
	} else {
		ele = d.ll.PushFront(&dirElem{hash: hash, info: next})
		d.byShort[key] = ele
	}

	return next
}

// Touch is a convenience wrapper around Update that just refreshes
// LastAccessed without changing any other field, used by placeFile/pin.
func (d *ContentDirectory) Touch(hash ContentHash) (ContentFileInfo, bool) {
	var existed bool
	info := d.Update(hash, true, func(current ContentFileInfo, exists bool) (ContentFileInfo, bool) {
		existed = exists
		return current, exists
	})
	return info, existed
}

func (d *ContentDirectory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byShort)
}

func (d *ContentDirectory) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var total int64
	for _, ele := range d.byShort {
		total += ele.Value.(*dirElem).info.TotalSize()
	}
	return total
}

func (d *ContentDirectory) EnumerateContentInfo() []DirectoryEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DirectoryEntry, 0, len(d.byShort))
	for e := d.ll.Front(); e != nil; e = e.Next() {
		de := e.Value.(*dirElem)
		out = append(out, DirectoryEntry{Hash: de.hash, Info: de.info})
	}
	return out
}

func (d *ContentDirectory) EnumerateHashes() []ContentHash {
	entries := d.EnumerateContentInfo()
	out := make([]ContentHash, len(entries))
	for i, e := range entries {
		out[i] = e.Hash
	}
	return out
}

// GetLruOrderedContent returns every entry ordered ascending by
// LastAccessed (oldest/most-evictable first).
func (d *ContentDirectory) GetLruOrderedContent() []DirectoryEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DirectoryEntry, 0, len(d.byShort))
	for e := d.ll.Back(); e != nil; e = e.Prev() {
		de := e.Value.(*dirElem)
		out = append(out, DirectoryEntry{Hash: de.hash, Info: de.info})
	}
	return out
}

// StreamLruOrdered returns only the first n oldest entries, without
// sorting or touching the rest of the directory -- O(n), not O(total),
// since the linked list is already kept in recency order.
func (d *ContentDirectory) StreamLruOrdered(n int) []DirectoryEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DirectoryEntry, 0, n)
	e := d.ll.Back()
	for len(out) < n && e != nil {
		de := e.Value.(*dirElem)
		out = append(out, DirectoryEntry{Hash: de.hash, Info: de.info})
		e = e.Prev()
	}
	return out
}

// ReconstructedBlob is one on-disk blob file discovered during a
// filesystem scan, as fed into Reconstruct by StoreFacade/SelfChecker.
// AccessTime comes from the filesystem's atime (djherbis/atime) -- it is
// the only record of real access recency once the directory snapshot is
// gone.
type ReconstructedBlob struct {
	Hash       ContentHash
	Size       int64
	AccessTime FileTime
}

// Reconstruct rebuilds the directory from scratch by grouping on-disk
// blobs by hash: ReplicaCount becomes the group's member count, Size is
// taken from any one member of the group (they are expected to all be
// the same size, since replicas are byte-identical copies of one
// another), and LastAccessed becomes the most recent AccessTime observed
// across the group's replicas. An approximation here is tolerable, but
// using real atimes keeps LRU ordering meaningful immediately after a
// crash restart instead of degenerating to insertion order.
func (d *ContentDirectory) Reconstruct(blobs []ReconstructedBlob) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ll = list.New()
	d.byShort = make(map[string]*list.Element)

	counts := make(map[string]int)
	sizes := make(map[string]int64)
	hashes := make(map[string]ContentHash)
	accessed := make(map[string]FileTime)

	for _, b := range blobs {
		key := b.Hash.ShortHash()
		counts[key]++
		sizes[key] = b.Size
		hashes[key] = b.Hash
		if b.AccessTime > accessed[key] {
			accessed[key] = b.AccessTime
		}
	}

	now := d.clock.Now()
	for key, count := range counts {
		lastAccessed := accessed[key]
		if lastAccessed == 0 {
			lastAccessed = now
		}
		info := ContentFileInfo{Size: sizes[key], ReplicaCount: count, LastAccessed: lastAccessed}
		ele := d.ll.PushFront(&dirElem{hash: hashes[key], info: info})
		d.byShort[key] = ele
	}

	// Restore recency order: PushFront above leaves the list in blob-scan
	// order, not LastAccessed order.
	d.resortByLastAccessed()
}

// resortByLastAccessed rebuilds ll in ascending-LastAccessed order
// (oldest at the back) from the current byShort contents. Only used
// right after Reconstruct, where the list was populated out of order.
func (d *ContentDirectory) resortByLastAccessed() {
	entries := make([]*dirElem, 0, len(d.byShort))
	for _, ele := range d.byShort {
		entries = append(entries, ele.Value.(*dirElem))
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].info.LastAccessed > entries[j].info.LastAccessed // descending: MRU first
	})

	d.ll = list.New()
	d.byShort = make(map[string]*list.Element)
	for _, e := range entries {
		ele := d.ll.PushBack(e)
		d.byShort[e.hash.ShortHash()] = ele
	}
}
