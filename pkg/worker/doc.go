// Package worker provides the dispatch layer that executes the service tasks
// of tokenflow process instances.
//
// The engine hands every task a token reaches to a Dispatcher. The
// dispatcher places it on a bounded task queue and a fixed pool of workers
// executes it with the Executor registered for the task's implementation
// name.
//
// # Backpressure
//
// Offer never blocks. The engine offers tasks after commit from the result
// consumer and the timer actor, and those must keep draining while the
// queue is full. Offered tasks wait in a backlog that a pump goroutine
// moves into the queue. External producers call WaitForRoom before starting
// new work; it blocks while the backlog is at its limit. Submit enqueues
// directly and blocks while the queue is full.
//
// # Deadlines
//
// Every attempt runs under a deadline: the task's own timeout or the
// dispatcher default. A watchdog races the executor against the deadline and
// cancels the executor's context when it passes. A timed out attempt counts
// as a failed attempt.
//
// # Retries
//
// A failed attempt is retried while the task's RetryPolicy allows it. The
// retry is not a sleep inside the worker: the dispatcher schedules a retry
// timer carrying the encoded task, and the fired timer offers it again
// through Resubmit. Retries therefore survive restarts when the timer store is
// durable.
//
// # Results
//
// Final outcomes, a success or the failure after the last attempt, are
// published on Results. The runtime reports them to the engine with
// CompleteTask and FailTask. A task whose implementation is unknown fails
// immediately with a configuration error.
//
// # Cancellation
//
// CancelInstance cancels the running attempts of an instance. Its queued
// tasks and pending retries are dropped when they come up.
package worker
