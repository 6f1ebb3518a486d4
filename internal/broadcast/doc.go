// Package broadcast implements the tenant connection registry using the actor pattern.
//
// A single goroutine owns the tenant-to-connections map and processes commands from a channel
// (no mutexes around the map). Each connection has its own writer goroutine with a bounded queue,
// so a slow or dead peer never blocks fan-out to the rest of its tenant. Dead peers are found by
// a heartbeat sweep driven by an injected clock.
package broadcast
