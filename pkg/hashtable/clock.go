package hashtable

import (
	"time"

	"github.com/gavv/monotime"
)

// processStart anchors monotime's relative clock to a wall-clock instant
// once, at package init, the same role monotime.Now() plays in
// pkg/flow/account.go: differences between two monoNow() readings are
// driven entirely by the monotonic clock and are immune to wall-clock
// jumps (NTP step corrections, manual clock changes) that would otherwise
// corrupt timeout arithmetic.
var processStart = time.Now()

// monoNow is the default Config.Now: a wall-clock-shaped time.Time whose
// Sub() deltas come from the monotonic clock.
func monoNow() time.Time {
	return processStart.Add(monotime.Now())
}
