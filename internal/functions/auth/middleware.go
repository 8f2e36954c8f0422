package auth

import (
	"net/http"
	"strings"

	"github.com/weldqai/weldqai-functions/internal/logging"
)

// Middleware attaches the verified caller to the request context when a valid
// bearer token is present. Requests without one pass through unauthenticated;
// handlers decide whether a caller is required.
func Middleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			caller, err := verifier.Verify(r.Context(), token)
			if err != nil {
				logging.FromContext(r.Context()).Debug().Err(err).Str("path", r.URL.Path).Msg("Rejected bearer token")
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

func extractBearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 {
		return "", false
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}
