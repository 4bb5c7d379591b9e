// Package scheduler runs named cron and interval jobs.
//
// Jobs are upserted by name, run on the cron goroutine under a per-job
// timeout and are skipped when the previous run of the same job is still in
// flight. The bot uses it for the ping job, history pruning and log rotation.
package scheduler
