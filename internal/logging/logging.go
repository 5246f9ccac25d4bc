package logging

import (
	"context"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
)

// ContextKey defines the context key type.
type ContextKey string

// ContextIDKey holds the key of the context ID.
const ContextIDKey ContextKey = "ctx_id"

// NewContext returns a copy of ctx carrying a fresh ContextIDKey value. Every
// registration, update, delete or status request gets its own context ID so
// that the log lines of its (possibly delayed) compensating actions can be
// correlated with the request that scheduled them.
func NewContext(ctx context.Context) (context.Context, error) {
	ctxID, err := uuid.NewV4()
	if err != nil {
		return nil, errors.Wrap(err, "new uuid error")
	}
	return context.WithValue(ctx, ContextIDKey, ctxID), nil
}

// Detach returns a background context which keeps the ContextIDKey value of
// ctx. It is used for work that must outlive the request, e.g. rollbacks.
func Detach(ctx context.Context) context.Context {
	return context.WithValue(context.Background(), ContextIDKey, ctx.Value(ContextIDKey))
}
