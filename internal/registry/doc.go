// Package registry keeps one live chat-network connection per account.
//
// # Inbound
//
// Each Connection delivers events on its own goroutine, one at a time. The
// registry passes every event through the registered handlers in order and
// waits for each, so events from one account are processed in arrival order
// while different accounts proceed in parallel. A handler that returns an
// error or panics is logged and skipped; the remaining handlers still run.
//
// # Outbound
//
// SendMessage resolves the chat to a network peer, refreshing the connection's
// peer list and retrying when resolution fails, then sends. The whole operation
// is bounded by the configured send timeout. Every failure is returned as an
// error that callers record as a failed delivery rather than propagate.
//
// # Lifecycle
//
// AddClient is idempotent per account. StopAccepting drops further inbound
// events, and DisconnectAll closes every connection in parallel.
package registry
