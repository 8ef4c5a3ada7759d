// Package api documents the FlowRun runner HTTP API.
//
// The handlers live in api/handlers; this package holds the API overview
// used by swag when generating the OpenAPI document.
//
// # API Overview
//
// A runner serves exactly one controller at a time:
//   - POST /claim takes ownership and returns a bearer token
//   - POST /release gives it back and tears down every worker
//   - GET /status reports the claim and worker pool health
//   - POST /threads registers a flow definition
//   - GET /threads/{id}/session opens a WebSocket session on an isolated worker
//   - /health, /healthz, /ready, /readyz and /version for probes
//
// # Authentication
//
// Every endpoint except /claim and the probes requires the claim token, sent
// from the address that claimed the runner:
//
//	Authorization: Bearer <token>
//
// Browsers cannot set headers on a WebSocket upgrade, so the session endpoint
// also accepts the token as the "token" query parameter.
//
// # Session Protocol
//
// Session frames are JSON. The client sends worker commands
// ({"type":"start","input":{...}}, abort, outputValue, dispatch) and receives
// thread events as {"event":"nodeDone","data":{...}}. Streams inside event
// payloads are replaced by a port id; the client pulls them with
//
//	{"type":"port","port":"<id>","message":{"type":"read"}}
//
// and receives data, end or error messages in the same envelope.
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// # Generating Documentation
//
//	swag init -g cmd/flowrun/main.go -o api --parseDependency --parseInternal
package api
