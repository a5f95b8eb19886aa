package message

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Handler processes one message received from NATS.
type Handler func(ctx context.Context, msg *nats.Msg) error

// Middleware wraps a handler to add behaviour around it.
type Middleware func(Handler) Handler

// Chain composes middlewares. The first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(h Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			h = middlewares[i](h)
		}
		return h
	}
}

// RecoveryMiddleware turns a panic in the handler into an error.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *nats.Msg) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic recovered: %v", r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// LoggingMiddleware logs handling of every message.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *nats.Msg) error {
			if msg == nil {
				return next(ctx, msg)
			}
			start := time.Now()
			err := next(ctx, msg)
			fields := []zap.Field{
				zap.String("subject", msg.Subject),
				zap.Int("size", len(msg.Data)),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Error("Message handling failed", append(fields, zap.Error(err))...)
				return err
			}
			logger.Debug("Message handled", fields...)
			return nil
		}
	}
}

// ValidationMiddleware rejects empty messages.
func ValidationMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *nats.Msg) error {
			if msg == nil {
				return fmt.Errorf("message cannot be nil")
			}
			if len(msg.Data) == 0 {
				return fmt.Errorf("empty message on subject %s", msg.Subject)
			}
			return next(ctx, msg)
		}
	}
}
