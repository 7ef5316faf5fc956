// Package auth authenticates dashboard operators.
//
// Operators present an HS256 JWT signed with the configured jwt_secret. The
// token's sub claim names the operator and ends up in the request context.
// Tokens are issued with `relay-gateway token --subject NAME`.
//
// The websocket endpoint also accepts the token as a ?token= query parameter,
// since browsers cannot attach headers to an upgrade request.
package auth
