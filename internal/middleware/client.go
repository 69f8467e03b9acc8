package middleware

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/autoconnect/internal/config"
	apperrors "github.com/openclaw/autoconnect/internal/errors"
	"github.com/openclaw/autoconnect/internal/httputil"
	"github.com/openclaw/autoconnect/internal/util"
)

type contextKey string

const (
	OwnerKeyContextKey  contextKey = "ownerKey"
	NewClientContextKey contextKey = "newClient"
)

// GetOwnerKey returns the caller's owner key, or "" outside ClientIdentity.
func GetOwnerKey(ctx context.Context) string {
	if key, ok := ctx.Value(OwnerKeyContextKey).(string); ok {
		return key
	}
	return ""
}

// IsNewClient reports whether the identity was minted on this request, so
// nothing can be stored under it yet.
func IsNewClient(ctx context.Context) bool {
	fresh, _ := ctx.Value(NewClientContextKey).(bool)
	return fresh
}

// ClientIdentityMiddleware gives every browser a stable anonymous identity
// through an HttpOnly cookie. The owner key is the hash of the cookie value,
// so stored records never contain the raw token.
type ClientIdentityMiddleware struct {
	secure bool
}

func NewClientIdentityMiddleware(secure bool) *ClientIdentityMiddleware {
	return &ClientIdentityMiddleware{secure: secure}
}

func (m *ClientIdentityMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		fresh := false
		if cookie, err := r.Cookie(config.ClientCookieName); err == nil && validClientToken(cookie.Value) {
			token = cookie.Value
		}

		if token == "" {
			generated, err := util.GenerateToken()
			if err != nil {
				log.Error().Err(err).Msg("failed to generate client token")
				httputil.WriteError(w, apperrors.Internal("failed to identify client").WithCause(err))
				return
			}
			token = generated
			fresh = true
			SetClientCookie(w, token, m.secure)
		}

		ctx := context.WithValue(r.Context(), OwnerKeyContextKey, util.HashToken(token))
		ctx = context.WithValue(ctx, NewClientContextKey, fresh)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func SetClientCookie(w http.ResponseWriter, token string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     config.ClientCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(config.ClientCookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func validClientToken(token string) bool {
	if len(token) != 64 {
		return false
	}
	for _, c := range token {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
