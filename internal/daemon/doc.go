// Package daemon implements the bus: it accepts connections, drives each
// one through authentication and Hello, keeps the name table, routes
// messages, answers calls to org.freedesktop.DBus and starts services on
// demand.
//
// All routing state lives on a single loop goroutine. Per-connection reader
// and writer goroutines only move bytes between sockets and the loop.
package daemon
