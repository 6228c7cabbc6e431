package store

import "context"

// ChangeAnnouncer is the peer-layer notification hook. Calls are made
// outside any hash lock and are never required to succeed -- the core
// does not retry or block on them.
type ChangeAnnouncer interface {
	ContentAdded(hash ContentHash, size int64)
	ContentEvicted(hash ContentHash, size int64)
}

// NoopAnnouncer discards every notification. It is the default when the
// StoreFacade is built without WithChangeAnnouncer.
type NoopAnnouncer struct{}

func (NoopAnnouncer) ContentAdded(ContentHash, int64)   {}
func (NoopAnnouncer) ContentEvicted(ContentHash, int64) {}

// DistributedLocationStore is the optional peer-location hook: when
// content is evicted locally, peers that were told we hold it need to be
// told we no longer do. The core treats this purely as an outbound
// notification; it never reads from it.
type DistributedLocationStore interface {
	Unregister(ctx context.Context, hashes []ContentHash) error
}
