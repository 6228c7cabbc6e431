package store

import "log"

// Option configures a StoreFacade at construction time.
type Option func(*StoreFacade) error

// WithLogger overrides the default stderr logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *StoreFacade) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithChangeAnnouncer wires the peer-layer hook; the default is
// NoopAnnouncer.
func WithChangeAnnouncer(a ChangeAnnouncer) Option {
	return func(s *StoreFacade) error {
		if a != nil {
			s.announcer = a
		}
		return nil
	}
}

// WithDistributedLocationStore wires the optional unregister-on-evict
// hook.
func WithDistributedLocationStore(d DistributedLocationStore) Option {
	return func(s *StoreFacade) error {
		s.remote = d
		return nil
	}
}

// WithFileSystem overrides the production OSFileSystem, primarily for
// tests that need to force MaxHardLinkLimit/DifferentVolume errors.
func WithFileSystem(fs FileSystem) Option {
	return func(s *StoreFacade) error {
		if fs != nil {
			s.fs = fs
		}
		return nil
	}
}

// WithClock overrides SystemClock, for tests exercising LRU ordering
// deterministically.
func WithClock(c Clock) Option {
	return func(s *StoreFacade) error {
		if c != nil {
			s.clock = c
		}
		return nil
	}
}

// WithSelfCheckConcurrency bounds how many blobs SelfChecker rehashes in
// parallel (default 4).
func WithSelfCheckConcurrency(n int64) Option {
	return func(s *StoreFacade) error {
		if n > 0 {
			s.selfCheckConcurrency = n
		}
		return nil
	}
}

// WithBackgroundEvictionPeriodMillis overrides QuotaKeeper's background
// eviction loop tick (default 1000ms).
func WithBackgroundEvictionPeriodMillis(ms int) Option {
	return func(s *StoreFacade) error {
		if ms > 0 {
			s.backgroundEvictionPeriodMillis = ms
		}
		return nil
	}
}
