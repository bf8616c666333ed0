// Package scheduler fires named jobs on cron or interval schedules.
//
// It is trigger-only: a job runs in its own goroutine with a timeout, and a schedule
// never overlaps itself. The app registers the dispatcher tick here; collector work
// is handed to the task engine by the dispatcher, not by the scheduler.
package scheduler
