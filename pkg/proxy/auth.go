package proxy

import (
	"context"
	"net/http"
	"strings"
)

type clientSecretKey struct{}

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// authAPIMiddleware requires a bearer client secret and makes it available
// to handlers through clientSecret.
func (s *Server) authAPIMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := bearerToken(r.Header)
		if secret == "" {
			writeError(w, http.StatusUnauthorized, errTypeInvalidRequest, codeInvalidAPIKey,
				"missing or malformed Authorization header; expected: Bearer <client secret>")
			return
		}
		ctx := context.WithValue(r.Context(), clientSecretKey{}, secret)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientSecret(ctx context.Context) string {
	s, _ := ctx.Value(clientSecretKey{}).(string)
	return s
}
