package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/srpc-dev/srpc/pkg/srpc"
)

// Logging creates middleware that logs every handled request with its
// method, connection, duration, and outcome. A nil logger means
// slog.Default().
func Logging(logger *slog.Logger) srpc.Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(method string, next srpc.Handler) srpc.Handler {
		return func(ctx context.Context, c *srpc.Conn, payload []byte) (any, error) {
			start := time.Now()
			result, err := next(ctx, c, payload)
			duration := time.Since(start)

			if err != nil {
				logger.Warn("request failed",
					"method", method,
					"conn_id", c.ID,
					"client_id", c.ClientID,
					"duration", duration,
					"user_error", srpc.IsUserError(err),
					"error", err)
				return result, err
			}
			logger.Debug("request handled",
				"method", method,
				"conn_id", c.ID,
				"client_id", c.ClientID,
				"duration", duration)
			return result, nil
		}
	}
}
