// Package api hosts the HTTP handlers that front the mediahub upload API.
//
// Handlers are thin: they decode the request, identify the owner from the
// X-Owner-Id header set by the upstream gateway, and delegate to the
// upload.Manager, upload.Receiver and artifacts.Registry injected at
// construction time. Domain errors are translated into HTTP status codes in
// one place (errorStatus) so every endpoint reports failures with the same
// JSON shape:
//
//	{"error": {"kind": "conflict", "message": "..."}}
//
// The package does not reach for globals. Authentication, rate limiting,
// request ids, metrics and access logging are provided by the middleware in
// internal/server and are assumed to have run before a handler is invoked.
package api
