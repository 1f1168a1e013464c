// Package app contains the core application logic. It wires the data
// connection, reporters, run-state store, and runner together from a
// validated Config, decoupled from any specific entrypoint like a CLI or
// task queue.
package app
