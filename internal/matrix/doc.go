// Package matrix connects accounts to a Matrix homeserver.
//
// Each account runs its own sync loop. Room messages from other users are
// normalized into registry.InboundEvent values, with the room id as chat id
// and the event id as message id. Peers are the account's joined rooms.
package matrix
