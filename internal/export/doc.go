// Package export publishes inbound messages to RabbitMQ for downstream consumers.
package export
