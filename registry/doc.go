// Copyright (c) LLMLB Authors.
// Licensed under the MIT License.

// Package registry maintains the authoritative set of upstream inference
// endpoints.
//
// Store serializes every mutation through a single writer path backed by
// gorm, refreshing an in-memory snapshot inside the same critical section
// so readers never observe a write half-applied. Every mutation also
// publishes on a Bus, a small per-subscriber fan-out broadcaster that lets
// the health prober and request dispatcher rebuild their own cached views
// from one authoritative source instead of sharing mutable state directly.
package registry
