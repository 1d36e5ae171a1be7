// Package logging generalizes the teacher's internal/logutil.Values
// helper and its middleware's context-logger pattern into a single
// ctx-keyed accessor usable outside the HTTP layer (the engine's
// backends and app wiring included).
package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

// WithLogger returns a context carrying logger, retrievable via L.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// L returns the logger attached to ctx, or zap.L() if none was attached.
func L(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return zap.L()
}

// Values groups a set of zap.Fields under a single "values" object field.
func Values(fields ...zap.Field) zap.Field {
	return zap.Object("values", zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
		for _, f := range fields {
			f.AddTo(enc)
		}
		return nil
	}))
}

// New builds the process-wide *zap.Logger for the given environment name
// ("production" uses the JSON encoder, anything else the human-readable
// console one).
func New(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
