package countdown

import "time"

// Clock supplies the current time. Injected so gate and loop timing are
// deterministic under test.
type Clock func() time.Time

func SystemClock() time.Time { return time.Now() }
