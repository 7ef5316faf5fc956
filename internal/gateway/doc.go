// Package gateway wires the relay-gateway components together and runs them.
//
// # Startup
//
// New opens the SQLite store and the account directory, builds the viewer hub,
// the client registry with the Matrix connector and the relay pipeline, then
// registers the pipeline as the registry's inbound handler. The ticket hook
// always runs after the pipeline; the AMQP export hook is added when
// export.enabled is set.
//
// Run starts the HTTP API and then connects every active account. A failed
// account connection is logged and broadcast as an account_status event but
// does not stop the gateway.
//
// # Shutdown
//
// Shutdown runs in a fixed order:
//
//  1. The registry stops accepting inbound events and the HTTP server stops.
//  2. Inbound handlers already running finish, including hook replies.
//  3. The store drains its write queue.
//  4. All account connections close.
//  5. The store closes.
//  6. Viewers, the dedupe cache, the exporter and the directory are released.
//
// Errors from every step are collected and returned together.
package gateway
