package common

import (
	"context"
	"net/http"
	"strings"
)

// UserIDHeader carries the buyer identity set by the upstream auth proxy.
const UserIDHeader = "X-User-ID"

type ctxKey string

const userIDKey ctxKey = "auth/user-id"

// WithUserID stores the authenticated user identifier on the provided context.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserID extracts the authenticated user identifier from the context if present.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// UserFromHeader copies the X-User-ID header into the request context.
func UserFromHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := strings.TrimSpace(r.Header.Get(UserIDHeader)); id != "" {
			r = r.WithContext(WithUserID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireUser rejects requests without a user identity.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserID(r.Context()); !ok {
			JSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing "+UserIDHeader+" header", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
