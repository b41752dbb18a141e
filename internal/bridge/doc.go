// Package bridge carries results and events from the execution goroutine to
// consumers running elsewhere: Future for one-shot completions and Relay for
// event streams.
package bridge
