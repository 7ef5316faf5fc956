// Package store provides the durable local store for relay-gateway.
//
// # Overview
//
// SQLiteStore keeps conversations, messages and tickets in a single SQLite
// database (modernc.org/sqlite, WAL mode). Reads query the database directly
// and may run concurrently. Every mutation is submitted to a bounded write
// queue and applied by one writer goroutine in FIFO order, each in its own
// transaction. A failed write is reported only to the caller that submitted
// it; the writer keeps going.
//
// # Deduplication
//
// A message is identified by (account_id, chat_id, message_id). SaveMessage
// does a cheap existence read before queueing, and the insert uses
// ON CONFLICT DO NOTHING against the unique index. Both paths report a
// duplicate as (false, nil).
//
// # Shutdown
//
// Drain stops accepting writes and blocks until the queue is empty. Close
// drains and then releases the database handle. Writes submitted after Drain
// fail with ErrClosed.
//
// # Schema
//
//	conversations  (id, account_id, chat_id, chat_name, last_message_at, created_at, customer_*)
//	               UNIQUE (account_id, chat_id)
//	messages       (id, account_id, chat_id, message_id, direction, text, status, timestamp)
//	               UNIQUE (account_id, chat_id, message_id)
//	tickets        (id, account_id, chat_id, subject, description, priority, status, source, ...)
//	ticket_history (id, ticket_id, field, old_value, new_value, changed_at)
package store
