// Package server runs the HTTP and gRPC listeners and shuts them down
// gracefully.
//
// The gRPC side only serves grpc.health.v1. The empty service name reports
// whether every store is reachable; each resilience dependency is published
// as "concierge.dependency.<name>" and is NOT_SERVING while its circuit is
// open. Statuses are refreshed from the orchestrator's health report on an
// interval so Watch streams see circuit transitions.
package server
