// Package kit is the glue between guardxp operations and the surfaces that
// expose them. An operation is written once as an Endpoint and mounted as an
// MCP tool; middlewares add logging and request metadata.
package kit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Endpoint is a transport-agnostic operation.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares; the first one is outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Logging logs each call of the endpoint named name at debug level, or at
// warn level when it fails.
func Logging(logger *slog.Logger, name string) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := []any{
				"op", name,
				"transport", GetTransport(ctx),
				"duration", time.Since(start),
			}
			if id := GetRequestID(ctx); id != "" {
				attrs = append(attrs, "request_id", id)
			}
			if p := GetPrincipal(ctx); p != "" {
				attrs = append(attrs, "principal", p)
			}
			if addr := GetRemoteAddr(ctx); addr != "" {
				attrs = append(attrs, "remote_addr", addr)
			}
			if err != nil {
				logger.Warn("kit: call failed", append(attrs, "error", err)...)
			} else {
				logger.Debug("kit: call", attrs...)
			}
			return resp, err
		}
	}
}

// Recover turns a panic in the endpoint into an error.
func Recover() Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (resp any, err error) {
			defer func() {
				if r := recover(); r != nil {
					resp, err = nil, fmt.Errorf("kit: panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}
