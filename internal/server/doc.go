// Package server exposes the upload API from a single HTTP server.
//
// Every route shares one middleware chain: request ids, request logging,
// security headers, CORS, metrics and rate limiting. Chunk writes are
// additionally throttled per owner, optionally backed by Redis so the budget
// is shared across replicas.
package server
