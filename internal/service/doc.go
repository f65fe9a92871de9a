// Package service runs collection jobs as crawler subprocesses.
//
// Overview
// The Orchestrator owns a table of uniquely identified Jobs. Submit
// validates a model.CollectionJob, registers it and starts one goroutine
// per job. The goroutine resolves the crawler configuration, attaches a
// cached credential, starts the crawler through a Runner and waits for it.
//
// Runner is a thin wrapper around os/exec:
//   - starts the process in the crawler directory
//   - reads stdout and stderr line by line in two goroutines
//   - joins both readers before reaping the process
//   - delivers one Result per run through WaitChan
//
// Data flow:
//
//	Orchestrator          Job{id}                 Runner{cmd}
//	    |                    |                       |
//	Submit -> register ----->|                       |
//	    |                    | execute() ----------->| Start()
//	    |                    |<-- stdout lines ------| progress.Apply -> journal
//	    |                    |<-- stderr lines ------| crawler_error events
//	    |                    |<------ Result --------| (process exits)
//	    |<---- JobResult ----|                       |
//
// Invariants:
//   - Each job produces exactly one JobResult (success, failure or stopped).
//   - Cancel stores the stopped result at once; later events are dropped.
//   - Journals are never rolled back after a failure.
//   - Credential harvesting after a successful run never fails the job.
//
// The Janitor trims finished jobs on a cron or ISO 8601 schedule.
package service
