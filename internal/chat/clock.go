package chat

import "github.com/jonboulle/clockwork"

// Clock is the time source of the core. Sessions take it as a dependency so
// tests can drive timers with a clockwork fake clock.
type Clock = clockwork.Clock

// Timer is a pending callback scheduled by a Clock.
type Timer = clockwork.Timer

// SystemClock returns the wall clock.
func SystemClock() Clock { return clockwork.NewRealClock() }
