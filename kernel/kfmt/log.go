package kfmt

// uptimeFn reports the time elapsed since the timer was started in
// nanoseconds. Logf is silent while it is unset.
var uptimeFn func() uint64

// SetUptimeSource registers the clock used for timestamping Logf output.
// Passing nil disables Logf.
func SetUptimeSource(fn func() uint64) {
	uptimeFn = fn
}

// Logf prints a single line prefixed with the current uptime in seconds using
// microsecond precision, e.g.:
//
//	[12.034567] rtc: 2024-01-01 12:00:00
//
// A trailing newline is always appended. Messages logged before an uptime
// source has been registered are dropped.
func Logf(format string, args ...interface{}) {
	if uptimeFn == nil {
		return
	}

	nanos := uptimeFn()
	Printf("[%d.%06d] ", nanos/1000000000, (nanos%1000000000)/1000)
	Printf(format, args...)
	Printf("\n")
}
