// ABOUTME: Event type names sent to dashboard viewers
// ABOUTME: Shared by the relay pipeline, the ticket automation and the HTTP API

package hub

const (
	EventMessageReceived        = "message_received"
	EventMessageSent            = "message_sent"
	EventAccountStatus          = "account_status"
	EventTicketCreated          = "ticket_created"
	EventTicketUpdated          = "ticket_updated"
	EventTicketDeleted          = "ticket_deleted"
	EventAgentAttributesUpdated = "agent_attributes_updated"
	EventPong                   = "pong"
)
