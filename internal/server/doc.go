// Package server implements the core HTTP and WebSocket relay functionality
// for chatrelay.
//
// The implementation is organized into specialized files for configuration,
// hub management, clients, events, the admin API, and HTTP wiring to keep
// the codebase maintainable and testable as the project grows.
package server
