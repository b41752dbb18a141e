// Package worker runs submitted tasks one at a time and exposes interactive
// control over the active task.
//
// A single goroutine owns the run state. Submit and the control methods
// enqueue a command on that goroutine and return once it has been applied;
// none of them waits for a task to end. Task completion and every phase
// change are observed through the progress and data feeds.
package worker
