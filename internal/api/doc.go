// Package api serves the operator dashboard's HTTP interface.
//
// All routes under /api except /api/health require a bearer JWT when a
// verifier is configured. Mutations that viewers care about (account toggles,
// ticket changes) are broadcast through the hub after they succeed.
package api
