package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// PinContext is an owning handle for a multiset of pins. Disposing it
// (via StoreFacade.DisposePinContext/PinRegistry.Dispose) atomically
// decrements every pin it holds. PinContexts are independent: a hash may
// be pinned through many of them simultaneously.
type PinContext struct {
	id string

	mu         sync.Mutex
	increments map[string]int         // shortHash -> local increment held by this context
	hashes     map[string]ContentHash // shortHash -> full ContentHash, for Dispose
}

func (c *PinContext) ID() string { return c.id }

func (c *PinContext) contributed(shortHash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.increments[shortHash] > 0
}

// PinRegistry tracks reference counts per hash, and feeds the pin-size
// history (persisted by StoreFacade; QuotaKeeper does not read it).
type PinRegistry struct {
	locks *HashLockSet
	dir   *ContentDirectory

	mu             sync.Mutex
	counts         map[string]int
	activeContexts int
	runningMax     int64
	history        *PinSizeHistory
}

func NewPinRegistry(locks *HashLockSet, dir *ContentDirectory, history *PinSizeHistory) *PinRegistry {
	return &PinRegistry{
		locks:   locks,
		dir:     dir,
		counts:  make(map[string]int),
		history: history,
	}
}

func (pr *PinRegistry) CreateContext() *PinContext {
	ctx := &PinContext{
		id:         uuid.NewString(),
		increments: make(map[string]int),
		hashes:     make(map[string]ContentHash),
	}
	pr.mu.Lock()
	pr.activeContexts++
	pr.mu.Unlock()
	return ctx
}

// Pin increments the hash's global counter and the context's local
// increment. The caller must already hold hash's HashLockSet lock --
// Pin never acquires it itself, to avoid the transitive-reentrancy
// HashLockSet forbids.
func (pr *PinRegistry) Pin(hash ContentHash, ctx *PinContext) {
	if hash.IsEmpty() {
		return // the empty hash is always reported pinned, no bookkeeping.
	}

	key := hash.ShortHash()

	pr.mu.Lock()
	pr.counts[key]++
	pr.mu.Unlock()

	if ctx != nil {
		ctx.mu.Lock()
		ctx.increments[key]++
		ctx.hashes[key] = hash
		ctx.mu.Unlock()
	}
}

// IsPinned reports whether hash currently has any live pin.
func (pr *PinRegistry) IsPinned(hash ContentHash) bool {
	if hash.IsEmpty() {
		return true
	}
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.counts[hash.ShortHash()] > 0
}

// VerifyPinned asserts that hash is pinned and, if ctx is non-nil, that
// ctx specifically contributed a pin on it. Failure here is a programmer
// error, not a recoverable condition: it panics rather than returning an
// error a caller might silently ignore.
func (pr *PinRegistry) VerifyPinned(hash ContentHash, ctx *PinContext) {
	if !pr.IsPinned(hash) {
		panic(fmt.Sprintf("pin invariant violated: %s is not pinned", hash))
	}
	if ctx != nil && !hash.IsEmpty() && !ctx.contributed(hash.ShortHash()) {
		panic(fmt.Sprintf("pin invariant violated: context %s did not pin %s", ctx.id, hash))
	}
}

// Dispose decrements the global counter for every hash ctx pinned, each
// under that hash's lock, and folds the largest TotalSize among the
// released hashes still in the directory into the running pin-size peak
// (a maximum per hash, not a sum). When the last live context disposes
// (activeContexts drops to 0), the peak is pushed into PinSizeHistory and
// reset.
func (pr *PinRegistry) Dispose(ctx context.Context, pc *PinContext) error {
	pc.mu.Lock()
	increments := make(map[string]int, len(pc.increments))
	hashes := make(map[string]ContentHash, len(pc.hashes))
	for k, v := range pc.increments {
		increments[k] = v
		hashes[k] = pc.hashes[k]
	}
	pc.increments = make(map[string]int)
	pc.mu.Unlock()

	for key, inc := range increments {
		hash := hashes[key]
		guard, err := pr.locks.Acquire(ctx, key)
		if err != nil {
			return err
		}
		pr.mu.Lock()
		pr.counts[key] -= inc
		if pr.counts[key] <= 0 {
			delete(pr.counts, key)
		}
		pr.mu.Unlock()
		guard.Release()

		if info, ok := pr.dir.Get(hash); ok {
			pr.mu.Lock()
			if info.TotalSize() > pr.runningMax {
				pr.runningMax = info.TotalSize()
			}
			pr.mu.Unlock()
		}
	}

	pr.mu.Lock()
	pr.activeContexts--
	lastInBatch := pr.activeContexts <= 0
	var toPush int64
	if lastInBatch {
		toPush = pr.runningMax
		pr.runningMax = 0
		pr.activeContexts = 0
	}
	pr.mu.Unlock()

	if lastInBatch {
		pr.history.Push(toPush)
		metricPinnedBytes.Set(float64(toPush))
	}

	return nil
}
