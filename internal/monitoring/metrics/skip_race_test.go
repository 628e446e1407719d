// Licensed under the MIT License. See LICENSE file in the project root for details.

//go:build race

package metrics

import "testing"

// skipRace skips tests that move events through the lfq queue.
// The race detector cannot see the queue's cross-variable ordering
// and reports the event payload as racy.
func skipRace(tb testing.TB) {
	tb.Helper()
	tb.Skip("skip: lfq uses cross-variable memory ordering")
}
