package middleware

import (
	"context"
	"net/http"
	"strings"

	"finova-engine/internal/observability"
)

type contextKey string

const UserIDKey contextKey = "user_id"

// userIDHeader carries the authenticated user's ID, injected by the
// API gateway in front of this service.
const userIDHeader = "X-User-ID"

// Identity extracts the gateway-authenticated user ID from the request
// and puts it on the context. Requests without one are rejected.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(userIDHeader))
		if userID == "" {
			http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserIDKey, userID)
		ctx = observability.WithUserID(ctx, userID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
