package handler

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"

	"github.com/devrev/scaledb/internal/errors"
	"github.com/devrev/scaledb/internal/metrics"
)

// RateLimiter rejects calls above a node-wide request rate.
type RateLimiter struct {
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRateLimiter creates a limiter allowing requestsPerSecond with the given
// burst. A non-positive rate disables limiting.
func NewRateLimiter(requestsPerSecond float64, burst int, m *metrics.Metrics, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(limit, burst),
		metrics: m,
		logger:  logger,
	}
}

func (rl *RateLimiter) allow(method string) error {
	if rl.limiter.Allow() {
		return nil
	}
	if rl.metrics != nil {
		rl.metrics.RecordRateLimited()
	}
	rl.logger.Warn("Rate limit exceeded", zap.String("method", method))
	return errors.ToGRPC(errors.RateLimited(method))
}

// Unary returns the unary server interceptor.
func (rl *RateLimiter) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := rl.allow(info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// Stream returns the stream server interceptor.
func (rl *RateLimiter) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := rl.allow(info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}
