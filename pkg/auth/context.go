package auth

import (
	"context"

	"github.com/storyloom/storyloom/pkg/contextkeys"
)

// FromContext returns the AuthContext set by the authentication middleware, or nil
func FromContext(ctx context.Context) *AuthContext {
	if ac, ok := ctx.Value(contextkeys.AuthKey).(*AuthContext); ok {
		return ac
	}
	return nil
}
