package main

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			_ = h.Handle(ctx, r)
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// initLogging configures slog to ship logs over OTLP when
// QUERYPROXY_OTLP_ENDPOINT is set. Logs always go to stderr; the OTLP
// export is additive. Returns a shutdown function that flushes the batch
// processor.
func initLogging() func() {
	endpoint := os.Getenv("QUERYPROXY_OTLP_ENDPOINT")
	if endpoint == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
		return func() {}
	}

	ctx := context.Background()

	opts := []otlploghttp.Option{otlploghttp.WithEndpoint(endpoint)}
	if auth := os.Getenv("QUERYPROXY_OTLP_AUTH"); auth != "" {
		opts = append(opts, otlploghttp.WithHeaders(map[string]string{
			"Authorization": "Bearer " + auth,
		}))
	}

	exporter, err := otlploghttp.New(ctx, opts...)
	if err != nil {
		slog.Error("Failed to create OTLP log exporter, continuing with stderr only.", "error", err)
		return func() {}
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	otelHandler := otelslog.NewHandler("queryproxy", otelslog.WithLoggerProvider(provider))
	textHandler := slog.NewTextHandler(os.Stderr, nil)

	slog.SetDefault(slog.New(&multiHandler{
		handlers: []slog.Handler{textHandler, otelHandler},
	}))

	slog.Info("OTLP log export enabled.", "endpoint", endpoint)

	return func() {
		_ = provider.Shutdown(context.Background())
	}
}
