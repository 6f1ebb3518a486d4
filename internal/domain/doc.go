// Package domain defines the core types shared by the broadcaster, its transport and its callers.
//
// Events, wire messages, validation and the publisher contract live here. No transport or
// registry code - just contracts, so adapters can depend on domain without cycles.
package domain
