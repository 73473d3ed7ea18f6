// Package tokenflow provides an embeddable BPMN-style process engine for Go.
//
// A process is a graph of tasks, gateways and events. Running instances move
// tokens through the graph. A token stops at a task until the dispatch layer
// reports the task's outcome. Timer and message events hold it until their
// timer fires or a message is correlated to the instance.
//
// # Core Concepts
//
//  1. ProcessDefinition, usually built with NewProcess
//  2. Runtime, the engine wired to its timers and workers
//  3. Executor, the code behind a task
//  4. LocalRunner, an in-memory Runtime
//
// # Runtime
//
// A Runtime implements Engine:
//   - Register validates and stores a definition
//   - Start creates an instance and runs it until every token waits
//   - Correlate delivers a message to the one waiting instance with a key
//   - Cancel terminates an instance with its timers and running tasks
//   - Status and List read committed instance snapshots
//
// Every state change of an instance is committed with compare-and-swap, so
// several runtimes can share one backend. Runtimes are backed by:
//
//   - In-memory stores (LocalRunner; non-durable, best for tests)
//   - SQLite (NewSQLiteRuntime)
//   - Postgres (NewPostgresRuntime)
//   - Redis (NewRedisRuntime)
//   - MongoDB (NewMongoRuntime)
//
// Timers can be kept in a bbolt file on any backend with
// Options.BoltTimerPath.
//
// # Timers
//
// Timer events, task SLAs and task retries are entries in a durable timer
// store. The temporal queue keeps the upcoming entries in a heap, fires them
// in (fire time, priority) order and defers fires that fall into a blackout
// Calendar. After a restart, Recover rebuilds the heap from the store and
// resubmits tasks that were lost in flight.
//
// # Tasks
//
// A task is executed by the Executor registered for its implementation
// name, on a fixed pool of workers. Each attempt runs under a deadline. A
// failed attempt is retried with backoff through a retry timer, as described
// by the task's RetryPolicy; after the last attempt the instance follows the
// task's error flow or terminates with a task failure.
//
// Example:
//
//	runner, _ := tokenflow.NewLocalRunner(tokenflow.Options{})
//	runner.RegisterExecutor("greet", tokenflow.ExecutorFunc(greet))
//
//	tokenflow.NewProcess("hello").
//	    StartEvent("start").
//	    Task("say-hello", "greet").
//	    EndEvent("end").
//	    Sequence("start", "say-hello", "end").
//	    Register(runner)
//
//	_ = runner.StartBackground(ctx)
//	defer runner.Stop()
//	id, err := runner.Start(ctx, "hello", map[string]any{"name": "world"}, "")
package tokenflow
