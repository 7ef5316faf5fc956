// Package hub broadcasts real-time events to dashboard viewers.
//
// Each event is a JSON object {"type": ..., "data": ...}, marshalled once per
// broadcast and written to every viewer. Delivery is best effort and at most
// once: a viewer whose write fails or times out is removed after the pass and
// never receives a retry. The Hub is also an http.Handler that upgrades
// requests to websockets and replies {"type":"pong"} to every inbound frame.
package hub
