// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that operation monitors use to report lifecycle changes. The hub
// batches events on a background goroutine and fans them out to pluggable sinks
// such as Prometheus metrics, the operation history store, or a notification
// publisher.
package progress
