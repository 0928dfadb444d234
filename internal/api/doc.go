// Package api implements the HTTP REST API and WebSocket gateway for Keyrelay.
//
// This package provides:
//   - REST endpoints for identity, key rotation and task triggering
//   - WebSocket sessions that authenticate with an API key as their first
//     message and then receive task progress for their broadcast group
//   - Middleware stack (request ID, logging, recovery, CORS, API keys)
//   - TLS support for production deployments
//
// # Sessions
//
// Every connection starts Unauthenticated and is sent an auth_required
// notice. The client has websocket.auth_timeout seconds to send
//
//	{"type": "auth", "api_key": "..."}
//
// after which the connection is closed with code 4008. A rejected key
// closes with 4001 and an internal fault with 4000. Once authenticated the
// session joins the default group and receives every event published to
// it wrapped as {"type": "task_update", "data": ...}.
//
// # Graceful Degradation
//
// Audit and metrics are optional. Without them sessions and REST calls
// work unchanged; only the side records are skipped.
package api
