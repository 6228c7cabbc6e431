//go:build !windows

package rlimit

import (
	"log"
	"syscall"
)

// Raise attempts to raise RLIMIT_NOFILE to its hard maximum: the store
// opens one file descriptor per in-flight ingest/place/evict and per
// self-check worker, so the default soft limit on many distros is easy to
// exhaust under concurrent load.
func Raise(logger *log.Logger) {
	var limits syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limits); err != nil {
		logger.Printf("failed to read RLIMIT_NOFILE: %v", err)
		return
	}

	logger.Printf("initial RLIMIT_NOFILE cur: %d max: %d", limits.Cur, limits.Max)

	limits.Cur = limits.Max

	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &limits); err != nil {
		logger.Printf("failed to raise RLIMIT_NOFILE: %v", err)
		return
	}

	logger.Printf("raised RLIMIT_NOFILE cur: %d max: %d", limits.Cur, limits.Max)
}
