// Package scheduler is the entry point applications use: it registers task
// definitions, applies per-task configuration, seeds recurring rows in the
// work store and runs the scheduler core.
//
// The facade itself never executes work; it only validates and persists:
//   - Start builds the registry, reconciles recurring rows and starts claiming
//   - Submit and SubmitAt persist jobbing instances and wake the poller
//   - Stop drains the core without interrupting running task logic
package scheduler
