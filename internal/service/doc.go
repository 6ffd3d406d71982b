// Package service wires a conan instance together from model.Config.
//
// Overview
// The Supervisor owns the sqlite store, the pipeline, task and submission
// services and the daemon. Do runs until its context is canceled, RunTask
// executes a single task in the foreground for the command line.
//
// Data flow:
//
//   daemon.Service        task.Service          submission.Service        task.Task
//       |                     |                        |                      |
//   poll -> CreateNewTask --->| SaveTask (store)       |                      |
//       | SubmitTask ------------------------------->  | cooling-off, slot    |
//       |                     |                        | Execute ------------>| processes
//       |                     |                        |                      | listeners:
//       |                     |                        |                      |  store.Writer
//       |                     |                        |                      |  notify
//       |                     |                        |                      |  metrics
//
// Startup recovers tasks left SUBMITTED, RUNNING or interrupted by the
// previous run. On shutdown the daemon stops first, then running tasks are
// interrupted and persisted as PAUSED, to be recovered on the next start.
//
// Invariants:
//   - Pipelines are loaded once, daemonized ones are registered with the
//     daemon at that moment.
//   - Every task state change and process run is written to the store.
//   - An optional daemon.cron triggers extra daemon polls via gocron.
//   - Tasks queued by `conan submit --queue` are claimed from the store
//     every submission.queue_poll and go through the submission service.
package service
