package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// Middleware enforces JWT or API key auth on HTTP requests. Credentials
// are read from "Authorization: Bearer", then X-API-Key, then a "token"
// query parameter for WebSocket clients that cannot set headers. A
// disabled service passes every request through.
func Middleware(service *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !service.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			p, err := authenticate(service, r)
			if err != nil {
				logger.Warn("request rejected", "path", r.URL.Path, "error", err)
				unauthorized(w, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

type errMissingCredentials struct{}

func (errMissingCredentials) Error() string { return "missing credentials" }

func authenticate(service *Service, r *http.Request) (*Principal, error) {
	if token := extractBearer(r.Header.Get("Authorization")); token != "" {
		return service.ValidateJWT(token)
	}
	for _, header := range []string{"X-API-Key", "Api-Key"} {
		if key := strings.TrimSpace(r.Header.Get(header)); key != "" {
			return service.ValidateAPIKey(key)
		}
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		if p, err := service.ValidateJWT(token); err == nil {
			return p, nil
		}
		return service.ValidateAPIKey(token)
	}
	return nil, errMissingCredentials{}
}

func extractBearer(value string) string {
	if len(value) > len("bearer ") && strings.EqualFold(value[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(value[len("bearer "):])
	}
	return ""
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="parley"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
