// Package automation holds hooks that act on inbound chat messages.
//
// TicketHook understands three inputs: "/ticket" asks for the form, a message
// containing "subject:" and "problem:" submits it, and "/close" closes the
// chat's active ticket. A chat has at most one active ticket at a time.
package automation
