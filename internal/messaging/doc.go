// Package messaging publishes worker events to an external message bus.
//
// A Bridge subscribes to the worker's progress and data feeds and sends
// each event as a JSON envelope to a single destination. The bus itself is
// pluggable: StompBus talks to a STOMP broker, StreamBus writes
// length-prefixed frames to any byte stream, and MemoryBus keeps messages
// in memory for tests and for running without a broker.
package messaging
