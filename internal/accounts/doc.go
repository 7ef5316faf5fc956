// Package accounts lists the chat accounts the gateway should connect.
//
// Two directories exist: FileDirectory reads a TOML file, PostgresDirectory
// reads the relay_accounts table. Session tokens may be stored sealed with a
// Sealer; directories return them unsealed.
package accounts
