// Package operation provides composable, cancellable units of asynchronous work.
//
// An Operation finishes exactly once, optionally with an error. Operations can
// declare dependencies on other operations; a dependent does not start until
// every dependency has finished or been cancelled. Dependencies must form a DAG.
//
// A Group aggregates child operations behind its own internal queue. The group
// finishes once all of its children have finished, with the first unrecovered
// child error as its terminal error. Children may be added while the group is
// running, typically from a child's completion callback, which is how retries
// are expressed: a failed child is not restarted, a fresh child is attached.
//
// Completion callbacks run on a single Dispatcher goroutine when one is
// configured on the Queue. Code that mutates shared state from callbacks
// therefore never races with other callbacks.
//
// Architecture:
//
//	Queue (bounded by a semaphore)
//	  └── Group (internal Queue, suspended until the group starts)
//	        ├── Operation
//	        ├── Delay ──► Operation (retry)
//	        └── Group ...
//
// Progress is tracked in units. A group's total is the sum of the weights of
// its children; fractions are clamped to [0,1] and never decrease.
package operation
