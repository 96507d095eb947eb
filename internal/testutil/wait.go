// Package testutil provides polling helpers for asynchronous test
// assertions.
package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

// WaitFor polls until condition returns true or the timeout is reached.
// Returns true if the condition was met.
func WaitFor(tb testing.TB, condition func() bool, timeout time.Duration) bool {
	tb.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return condition()
}

// MustWaitFor polls until condition returns true or fails the test.
func MustWaitFor(tb testing.TB, condition func() bool, timeout time.Duration) {
	tb.Helper()
	if !WaitFor(tb, condition, timeout) {
		tb.Fatal("timed out waiting for condition")
	}
}

// MustReachCount polls until counter reaches target or fails the test.
func MustReachCount(tb testing.TB, counter *atomic.Int64, target int64, timeout time.Duration) {
	tb.Helper()
	if !WaitFor(tb, func() bool { return counter.Load() >= target }, timeout) {
		tb.Fatalf("timed out waiting for counter to reach %d (current: %d)", target, counter.Load())
	}
}
