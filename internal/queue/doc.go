// Package queue serializes access to the inference backend behind a
// bounded-concurrency priority scheduler.
//
// Entries are ordered by (priority asc, arrival asc): admin work
// (priority 0) is admitted before agent work (priority 1), and ties go
// to the earlier submission. Scheduling decisions happen only when an
// entry is submitted with a free slot or when a running entry releases
// its slot — a running entry is never preempted, whatever arrives.
//
// Each submission returns a Ticket that resolves exactly once. When an
// agent disconnects, CancelFor resolves its queued entries with
// ErrCancelled; entries already running finish normally and their
// results are discarded by the caller.
package queue
