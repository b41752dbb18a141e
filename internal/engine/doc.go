// Package engine defines the contract between the worker and the component
// that actually executes a bound plan. An Engine accepts at most one plan at
// a time and returns a Handle through which the run is paused, resumed,
// stopped, or aborted, and whose Events channel reports what the run did.
//
// The in-process simulated implementation lives in package sim.
package engine
