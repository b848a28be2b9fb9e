//go:build !deadlock

// Package syncutil provides the mutex types used for shared analyzer state.
// Build with -tags=deadlock to swap in github.com/sasha-s/go-deadlock.
package syncutil

import "sync"

// RWMutex wraps sync.RWMutex.
type RWMutex struct {
	sync.RWMutex
}
