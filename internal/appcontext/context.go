// Package appcontext carries the tenant app ID through request contexts.
package appcontext

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type contextKey struct{}

var appIDKey contextKey

// WithAppID returns a context scoped to the given app.
func WithAppID(ctx context.Context, appID snowflake.ID) context.Context {
	return context.WithValue(ctx, appIDKey, appID)
}

// AppIDFromContext extracts the tenant app ID, if present.
func AppIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	id, ok := ctx.Value(appIDKey).(snowflake.ID)
	return id, ok
}
