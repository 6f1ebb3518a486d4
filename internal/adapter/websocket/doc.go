// Package websocket is the transport adapter of the broadcaster. It upgrades requests on
// the fixed path, applies admission limits, and pumps inbound frames and pongs into the
// connection registry. All outbound writes belong to the registry's per-connection writers.
package websocket
