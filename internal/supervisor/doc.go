// Package supervisor drives one shell invocation from spawn to its final
// status line.
//
// A Supervisor owns nothing shared except the global rate limiter. Each Run
// call starts the command through the runner, pulls output through the
// chunker and throttler, and hands every deliverable line to a Sink.
//
// Lifecycle:
//   - idle → starting → running → draining → completed
//   - running → timed_out | cancelled | overflowed | failed
//   - starting → spawn_failed | cancelled
//
// Termination (timeout, cancellation, overflow, read error):
//   - SIGTERM to the process group and recorded descendants
//   - wait up to Limits.Grace, then SIGKILL
//   - output produced before termination is still delivered
//
// Every Run ends with exactly one Report and, unless QuietSuccess
// suppresses it, exactly one status line marked Final.
package supervisor
