// Package temporal implements the timer queue that resumes waiting process
// instances.
//
// Entries live in a persistence.TimerStore; the entries due within the
// lookahead window are mirrored in a min-heap owned by the queue's actor
// goroutine. Every tick the actor pops the due entries, claims each one by
// deleting it from the store and hands the claimed entry to the Handler.
//
// Several queues may share one store. Entries are partitioned into shards by
// instance id and a queue only fires entries of the shards it holds a lease
// on.
package temporal
