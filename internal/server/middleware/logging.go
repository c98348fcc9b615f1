// Package middleware provides HTTP middleware for the CostGuard server.
package middleware

import (
	"context"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// slowRequestThreshold flags requests worth investigating.
const slowRequestThreshold = 5 * time.Second

// Logging returns a middleware that records request method, path, and
// duration.
func Logging(logger log.Logger) middleware.Middleware {
	helper := log.NewHelper(log.With(logger, "module", "server/http"))

	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			startTime := time.Now()

			method := ""
			path := ""
			if tr, ok := transport.FromServerContext(ctx); ok {
				path = tr.Operation()
				if ht, ok := tr.(http.Transporter); ok {
					httpReq := ht.Request()
					method = httpReq.Method
					path = httpReq.URL.Path
				}
			}

			reply, err := handler(ctx, req)

			elapsed := time.Since(startTime)
			if elapsed > slowRequestThreshold {
				helper.Warnw("slow request",
					"method", method, "path", path, "duration_ms", elapsed.Milliseconds())
			} else {
				helper.Debugw("request handled",
					"method", method, "path", path, "duration_ms", elapsed.Milliseconds())
			}
			return reply, err
		}
	}
}
