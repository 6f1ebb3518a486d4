// Package app is the entry point for code that announces entity changes.
//
// Collaborators depend on domain.EventPublisher; Notifier implements it on top of the
// connection registry.
package app
