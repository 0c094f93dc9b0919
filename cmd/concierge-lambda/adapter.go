// ABOUTME: Bridges API Gateway HTTP API events onto the service's http.Handler
// ABOUTME: Conversion is delegated to aws-lambda-go-api-proxy; failures are logged with slog

package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
)

// lambdaHandler is the function signature lambda.Start receives.
type lambdaHandler func(context.Context, events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error)

// newLambdaHandler serves h behind an API Gateway HTTP API (payload format 2.0).
// Request cookies arrive as Cookie headers and every Set-Cookie header is
// returned in the response's cookies list.
func newLambdaHandler(h http.Handler, logger *slog.Logger) lambdaHandler {
	adapter := httpadapter.NewV2(h)
	logger = logger.With("component", "lambda")

	return func(ctx context.Context, ev events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
		resp, err := adapter.ProxyWithContext(ctx, ev)
		if err != nil {
			logger.Error("proxying api gateway event",
				"method", ev.RequestContext.HTTP.Method,
				"path", ev.RawPath,
				"request_id", ev.RequestContext.RequestID,
				"error", err)
		}
		return resp, err
	}
}
