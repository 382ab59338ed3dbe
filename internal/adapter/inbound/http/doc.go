// Package http provides the HTTP surface of the relay gateway.
//
// # Endpoints
//
//	GET /ws       - Upgrade to a WebSocket front-end session
//	GET /health   - JSON component health (503 when unhealthy)
//	GET /metrics  - Prometheus metrics
//
// # Session frames
//
// Every WebSocket frame is a JSON object in both directions:
//
//	{"event": "select-tenant", "data": {"tenantId": "acme"}}
//	{"event": "forward", "data": {"event": "chat", "payload": {...}, "agentId": "a1"}}
//
// The gateway answers with select-success, forward-ack, error and the
// remote-* lifecycle notifications, and relays tenant events under their
// own names.
//
// # Request Headers
//
//	Authorization: Bearer <api-key>   - gateway API key (or ?api_key= for browsers)
//	X-Request-ID: <id>                - optional correlation id, echoed back
//	Origin: <origin>                  - checked against server.allowed_origins on /ws
//
// # Usage
//
//	srv := http.NewServer(sessions, registry,
//	    http.WithAddr(":8080"),
//	    http.WithHealthChecker(health),
//	    http.WithLogger(logger),
//	)
//	err := srv.Start(ctx)
package http
