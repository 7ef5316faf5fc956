// Package relay is the message pipeline.
//
// An inbound event goes through these stages, in order:
//
//	dedup check -> persist -> conversation upsert -> broadcast -> hooks
//
// A duplicate stops after the dedup check. A persist failure stops the
// pipeline and releases the dedup claim so a redelivery can try again. A
// failed conversation upsert is logged and the message is still broadcast.
//
// Outbound sends always leave a stored message behind: status sent with the
// network's id, or status failed with a synthesized failed_<ULID> id.
package relay
