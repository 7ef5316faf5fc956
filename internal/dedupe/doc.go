// Package dedupe keeps a bounded, time-limited set of recently seen message
// keys so redelivered chat events are dropped before they reach the store.
package dedupe
