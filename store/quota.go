package store

import (
	"context"
	"sync"
	"time"
)

// QuotaState reports total committed bytes, the hard/soft caps, and
// bytes reserved but not yet committed.
type QuotaState struct {
	CurrentBytes int64
	HardCap      int64
	SoftCap      int64
	Reservations int64
}

// Reservation is returned by QuotaKeeper.Reserve. Exactly one of Commit or
// Drop must be called; Drop is also safe to call after Commit (a no-op).
type Reservation struct {
	qk        *QuotaKeeper
	bytes     int64
	resolved  bool
	mu        sync.Mutex
}

// Commit transfers the reserved bytes into CurrentBytes, called after a
// successful put.
func (r *Reservation) Commit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return
	}
	r.resolved = true
	r.qk.commit(r.bytes)
}

// Drop releases the reservation without committing it, e.g. on a failed
// or cancelled put.
func (r *Reservation) Drop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return
	}
	r.resolved = true
	r.qk.drop(r.bytes)
}

// EvictFunc is invoked by the background eviction loop and by Reserve's
// inline eviction pass to reclaim space for one LRU candidate. It returns
// the number of bytes actually freed (0 if the candidate was pinned and
// not forced, or could not be locked).
type EvictFunc func(ctx context.Context, hash ContentHash, force bool) (freedBytes int64)

// QuotaKeeper tracks total bytes and drives eviction against a soft/hard
// cap.
type QuotaKeeper struct {
	dir *ContentDirectory

	mu           sync.Mutex
	currentBytes int64
	reservations int64
	hardCap      int64
	softCap      int64

	maxWait time.Duration
	evict   EvictFunc

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewQuotaKeeper(dir *ContentDirectory, hardCap, softCap int64, maxWait time.Duration, evict EvictFunc) *QuotaKeeper {
	return &QuotaKeeper{
		dir:     dir,
		hardCap: hardCap,
		softCap: softCap,
		maxWait: maxWait,
		evict:   evict,
	}
}

// SetEvictFunc wires the eviction callback after construction, for callers
// (StoreFacade) that must build EvictionEngine -- which itself depends on
// QuotaKeeper -- before QuotaKeeper can be handed its evict function.
func (qk *QuotaKeeper) SetEvictFunc(evict EvictFunc) {
	qk.mu.Lock()
	qk.evict = evict
	qk.mu.Unlock()
}

func (qk *QuotaKeeper) State() QuotaState {
	qk.mu.Lock()
	defer qk.mu.Unlock()
	return QuotaState{
		CurrentBytes: qk.currentBytes,
		HardCap:      qk.hardCap,
		SoftCap:      qk.softCap,
		Reservations: qk.reservations,
	}
}

// Reserve increases Reservations by bytes, running inline eviction first
// if needed, and suspends the caller (bounded by maxWait; a maxWait of
// zero or less sets no bound, leaving only ctx to end the wait) while
// background/inline eviction frees space. force, when true, allows
// eviction to remove pinned content -- used for explicit/administrative
// reservations.
func (qk *QuotaKeeper) Reserve(ctx context.Context, bytes int64, force bool) (*Reservation, error) {
	if bytes == 0 {
		return &Reservation{qk: qk}, nil
	}
	if bytes < 0 {
		return nil, newErr(ErrInvariant, "cannot reserve negative bytes: %d", bytes)
	}

	deadline := time.Now().Add(qk.maxWait)
	if qk.maxWait <= 0 {
		deadline = time.Time{}
	}

	for {
		ok, err := qk.tryReserve(bytes)
		if err != nil {
			return nil, err
		}
		if ok {
			metricReservedBytes.Set(float64(qk.reservedSnapshot()))
			return &Reservation{qk: qk, bytes: bytes}, nil
		}

		freed := qk.evictUntil(ctx, force, bytes)
		if freed == 0 {
			if !deadline.IsZero() && time.Now().After(deadline) {
				metricQuotaExceededTotal.Inc()
				return nil, newErr(ErrQuotaExceeded, "could not reserve %d bytes: hard cap %d reached and nothing more to evict", bytes, qk.hardCap)
			}
			select {
			case <-ctx.Done():
				return nil, wrapErr(ErrCancelled, ctx.Err(), "reservation cancelled")
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
}

func (qk *QuotaKeeper) tryReserve(bytes int64) (bool, error) {
	qk.mu.Lock()
	defer qk.mu.Unlock()

	if qk.hardCap > 0 && bytes > qk.hardCap {
		return false, newErr(ErrQuotaExceeded, "blob of %d bytes is larger than the hard cap %d", bytes, qk.hardCap)
	}
	if qk.hardCap > 0 && qk.currentBytes+qk.reservations+bytes > qk.hardCap {
		return false, nil
	}
	qk.reservations += bytes
	return true, nil
}

func (qk *QuotaKeeper) reservedSnapshot() int64 {
	qk.mu.Lock()
	defer qk.mu.Unlock()
	return qk.reservations
}

func (qk *QuotaKeeper) commit(bytes int64) {
	if bytes == 0 {
		return
	}
	qk.mu.Lock()
	qk.reservations -= bytes
	qk.currentBytes += bytes
	qk.mu.Unlock()
	metricCurrentBytes.Set(float64(qk.currentBytesSnapshot()))
	metricReservedBytes.Set(float64(qk.reservedSnapshot()))
}

func (qk *QuotaKeeper) drop(bytes int64) {
	if bytes == 0 {
		return
	}
	qk.mu.Lock()
	qk.reservations -= bytes
	qk.mu.Unlock()
	metricReservedBytes.Set(float64(qk.reservedSnapshot()))
}

func (qk *QuotaKeeper) currentBytesSnapshot() int64 {
	qk.mu.Lock()
	defer qk.mu.Unlock()
	return qk.currentBytes
}

// OnContentEvicted is the EvictionEngine -> QuotaKeeper hook: decreases
// CurrentBytes whenever bytes are actually freed on disk.
func (qk *QuotaKeeper) OnContentEvicted(bytes int64) {
	qk.mu.Lock()
	qk.currentBytes -= bytes
	if qk.currentBytes < 0 {
		qk.currentBytes = 0
	}
	qk.mu.Unlock()
	metricEvictedBytesTotal.Add(float64(bytes))
	metricCurrentBytes.Set(float64(qk.currentBytesSnapshot()))
}

// Calibrate reconciles drift by recomputing CurrentBytes directly from
// the ContentDirectory -- used after pins are released, so an eviction
// plan computed afterwards starts from ground truth.
func (qk *QuotaKeeper) Calibrate() {
	total := qk.dir.TotalSize()
	qk.mu.Lock()
	qk.currentBytes = total
	qk.mu.Unlock()
	metricCurrentBytes.Set(float64(total))
}

// runEvictionPass evicts LRU candidates until CurrentBytes <= SoftCap or
// the LRU list is exhausted. It returns the total bytes freed in this
// pass.
func (qk *QuotaKeeper) runEvictionPass(ctx context.Context, force bool) int64 {
	return qk.evictUntil(ctx, force, 0)
}

// evictUntil is runEvictionPass that, for need > 0, also keeps evicting
// while a reservation of need bytes would not fit under HardCap.
func (qk *QuotaKeeper) evictUntil(ctx context.Context, force bool, need int64) int64 {
	qk.mu.Lock()
	evict := qk.evict
	qk.mu.Unlock()
	if evict == nil {
		return 0
	}

	candidates := qk.dir.GetLruOrderedContent()

	var freedTotal int64
	for _, c := range candidates {
		select {
		case <-ctx.Done():
			return freedTotal
		default:
		}

		qk.mu.Lock()
		overSoft := qk.currentBytes > qk.softCap ||
			(need > 0 && qk.currentBytes+qk.reservations+need > qk.hardCap)
		qk.mu.Unlock()
		if !overSoft {
			break
		}

		freed := evict(ctx, c.Hash, force)
		freedTotal += freed
	}
	return freedTotal
}

// Sync, when purge is true, runs an eviction pass down to SoftCap even if
// nothing is currently reserving space -- used after a pin context
// disposes, to immediately reclaim the content it had been protecting.
// With purge false it does nothing; it never waits for a pass already
// running in the background loop or inside Reserve.
func (qk *QuotaKeeper) Sync(ctx context.Context, purge bool) {
	if purge {
		qk.runEvictionPass(ctx, false)
	}
}

// StartBackgroundLoop launches the self-scheduling eviction loop: every
// period, if CurrentBytes > SoftCap, evict until back under SoftCap.
// Stop() drains it.
func (qk *QuotaKeeper) StartBackgroundLoop(period time.Duration) {
	if qk.stopCh != nil {
		return
	}
	qk.stopCh = make(chan struct{})
	qk.doneCh = make(chan struct{})

	go func() {
		defer close(qk.doneCh)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-qk.stopCh:
				return
			case <-ticker.C:
				qk.runEvictionPass(context.Background(), false)
			}
		}
	}()
}

// Stop signals the background loop to exit and waits for it to drain.
func (qk *QuotaKeeper) Stop() {
	if qk.stopCh == nil {
		return
	}
	close(qk.stopCh)
	<-qk.doneCh
	qk.stopCh = nil
}
