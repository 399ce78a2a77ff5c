// Package history persists invocations and the output delivered for them.
//
// Store implements supervisor.Recorder on top of the SQLite database opened
// by internal/storage:
//   - invocation_log holds one row per invocation, written when it starts
//     and completed from its final report
//   - invocation_output holds every chunk that reached the chat sink,
//     including the status line
//
// Rows left without an end time by a crash are closed by RecoverOrphans at
// startup. Prune drops finished rows older than the retention window, and
// Janitor calls it periodically while the daemon runs.
package history
