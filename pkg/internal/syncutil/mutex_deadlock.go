//go:build deadlock

// Package syncutil provides the mutex types used for shared analyzer state.
// This file is compiled when building with -tags=deadlock.
package syncutil

import deadlock "github.com/sasha-s/go-deadlock"

// RWMutex wraps deadlock.RWMutex for lock-order and hold-time detection.
type RWMutex struct {
	deadlock.RWMutex
}
