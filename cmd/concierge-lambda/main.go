// ABOUTME: AWS Lambda entry point serving the webhook behind API Gateway HTTP APIs
// ABOUTME: Builds the same component graph as serve, without the long-running loops

package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/2389/concierge/internal/app"
	"github.com/2389/concierge/internal/config"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	path := os.Getenv("CONCIERGE_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("failed to load config", "path", path, "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Logging.SlogLevel()}))
	slog.SetDefault(logger)

	// ---- Service ----
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build service", "err", err)
		os.Exit(1)
	}

	lambda.Start(newLambdaHandler(a.Handler, logger))
}
