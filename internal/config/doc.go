// Package config handles configuration loading for relay-gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/relay/gateway.yaml (or ~/.config/relay/gateway.yaml)
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${RELAY_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	registry:
//	  send_timeout: "15s"
//	hub:
//	  write_timeout: "5s"
//
// # Example
//
//	server:
//	  http_addr: "127.0.0.1:8005"
//	  cors_origins: ["http://localhost:5173"]
//	database:
//	  path: "./data/messages.db"
//	  write_queue_size: 256
//	registry:
//	  send_timeout: "15s"
//	  resolve_retries: 1
//	accounts:
//	  source: file
//	  file: "./accounts.toml"
//	  sealing_key: "${RELAY_SEALING_KEY}"
//	auth:
//	  jwt_secret: "${RELAY_JWT_SECRET}"
//	logging:
//	  level: info
//	  format: text
package config
