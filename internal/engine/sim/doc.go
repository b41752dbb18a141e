// Package sim is an in-process engine.Engine that executes plans against
// simulated motors and detectors. It is used by the labrun server by default
// and by tests that need a real execution goroutine.
package sim
