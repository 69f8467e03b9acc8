package middleware

import (
	"net/http"

	apperrors "github.com/openclaw/autoconnect/internal/errors"
	"github.com/openclaw/autoconnect/internal/httputil"
)

const (
	DefaultMaxBodySize = 16 << 10 // 16KB, start requests carry a small metadata blob
)

// BodyLimitMiddleware rejects declared oversize bodies up front and caps
// the rest while they are read.
type BodyLimitMiddleware struct {
	maxSize int64
}

func NewBodyLimitMiddleware(maxSize int64) *BodyLimitMiddleware {
	if maxSize <= 0 {
		maxSize = DefaultMaxBodySize
	}
	return &BodyLimitMiddleware{maxSize: maxSize}
}

func (m *BodyLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && r.ContentLength > m.maxSize {
			httputil.WriteErrorWithStatus(w, http.StatusRequestEntityTooLarge,
				apperrors.ValidationError("Request body too large"))
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, m.maxSize)
		next.ServeHTTP(w, r)
	})
}
