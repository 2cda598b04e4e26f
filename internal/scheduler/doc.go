// Package scheduler drives task execution: a timer loop that reloads the
// store each cycle, finds due tasks per kind, claims them with a checked
// Idle -> Running transition, and hands them to the external runner
// without ever blocking its own cadence.
//
// Concurrency contract:
//   - The store lock is the sole serialization point; two concurrent
//     dispatch attempts against the same task never both win.
//   - Dispatched executions are tracked (not fire-and-forget) so Stop()
//     can cancel and drain them.
//   - One failing task never stops evaluation of the others.
package scheduler
