package auth

import (
	"net/http"
	"strings"

	"github.com/ajitpratap0/mcp-engine/pkg/logging"
)

// MiddlewareOption configures HTTPMiddleware
type MiddlewareOption func(*middleware)

type middleware struct {
	realm  string
	scope  string
	logger logging.Logger
}

// WithRealm sets the realm named in challenges
func WithRealm(realm string) MiddlewareOption {
	return func(m *middleware) { m.realm = realm }
}

// WithRequiredScope rejects tokens without scope with 403
func WithRequiredScope(scope string) MiddlewareOption {
	return func(m *middleware) { m.scope = scope }
}

// WithLogger sets the logger
func WithLogger(l logging.Logger) MiddlewareOption {
	return func(m *middleware) { m.logger = l }
}

// HTTPMiddleware rejects requests without a valid bearer token with 401 and
// a WWW-Authenticate challenge. Accepted requests carry the token holder in
// their context.
func HTTPMiddleware(v Validator, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	m := &middleware{realm: "mcp"}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.ForComponent(m.logger, "Auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				m.challenge(w, NewAuthError(ErrAuthRequired, "bearer token required"), http.StatusUnauthorized)
				return
			}
			user, err := v.Validate(r.Context(), token)
			if err != nil {
				m.logger.Warn("token rejected",
					logging.String("remote", r.RemoteAddr),
					logging.String("path", r.URL.Path),
					logging.ErrorField(err))
				m.challenge(w, err, http.StatusUnauthorized)
				return
			}
			if m.scope != "" && !user.HasScope(m.scope) {
				m.challenge(w, NewAuthError(ErrInsufficientScope, "token lacks scope "+m.scope), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithUserInfo(r.Context(), user)))
		})
	}
}

// BearerToken extracts the token of an "Authorization: Bearer" header
func BearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (m *middleware) challenge(w http.ResponseWriter, err error, status int) {
	code := ErrTokenInvalid
	if ae, ok := err.(*AuthError); ok {
		code = ae.Code
	}
	challenge := `Bearer realm="` + m.realm + `"`
	if code != ErrAuthRequired {
		challenge += `, error="` + code + `"`
	}
	if m.scope != "" {
		challenge += `, scope="` + m.scope + `"`
	}
	w.Header().Set("WWW-Authenticate", challenge)
	http.Error(w, err.Error(), status)
}
