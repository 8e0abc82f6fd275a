// Package api exposes the service as an HTTP tool catalog. Every
// operation is a named tool invoked with POST /tools/{name} carrying a
// JSON request body; responses are JSON, errors use a stable envelope
// mapping the error taxonomy to HTTP status codes.
//
//	client                         server
//	   |                              |
//	   | POST {base}/tools/spawn      |
//	   |----------------------------->| auth -> drain gate -> dispatch
//	   |                              |   -> container manager
//	   | 200 {container_id, status}   |
//	   |<-----------------------------|
//
// Liveness (GET /healthz), readiness (GET /readyz), and Prometheus
// metrics (GET /metrics) are served outside the base path and bypass
// authentication.
package api
