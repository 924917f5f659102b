/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package stream

import "time"

// Scheduler abstracts reconnect timer scheduling so tests can simulate
// elapsed time deterministically.
type Scheduler interface {
	// AfterFunc runs fn after d and returns a cancel function. Cancel after
	// firing is a no-op.
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

// RealScheduler schedules on the runtime timer wheel.
type RealScheduler struct{}

// AfterFunc implements Scheduler.
func (RealScheduler) AfterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}
