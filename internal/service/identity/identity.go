// Package identity resolves the opaque guest id that owns a conversation.
package identity

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderName = "X-Guest-ID"
	CookieName = "guest_id"

	guestPrefix  = "guest_"
	cookieMaxAge = 365 * 24 * time.Hour
)

type ctxKey struct{}

// Resolver extracts or mints guest ids.
type Resolver struct {
	// Mint creates a new id. Defaults to guest_<uuid>.
	Mint func() string
	// SecureCookie marks the minted cookie Secure.
	SecureCookie bool
}

// NewResolver returns a resolver with the default minting scheme.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve returns the header id, then the cookie id, else a fresh one.
func (r *Resolver) Resolve(req *http.Request) string {
	id, _ := r.resolve(req)
	return id
}

func (r *Resolver) resolve(req *http.Request) (id string, minted bool) {
	if v := strings.TrimSpace(req.Header.Get(HeaderName)); v != "" {
		return v, false
	}
	if c, err := req.Cookie(CookieName); err == nil {
		if v := strings.TrimSpace(c.Value); v != "" {
			return v, false
		}
	}
	return r.mint(), true
}

func (r *Resolver) mint() string {
	if r.Mint != nil {
		return r.Mint()
	}
	return guestPrefix + uuid.NewString()
}

// Middleware stores the resolved id on the request context and sets the
// cookie when a new id was minted.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id, minted := r.resolve(req)
		if minted {
			http.SetCookie(w, &http.Cookie{
				Name:     CookieName,
				Value:    id,
				Path:     "/",
				MaxAge:   int(cookieMaxAge.Seconds()),
				HttpOnly: true,
				Secure:   r.SecureCookie,
				SameSite: http.SameSiteLaxMode,
			})
		}
		next.ServeHTTP(w, req.WithContext(WithGuestID(req.Context(), id)))
	})
}

// WithGuestID returns a context carrying id.
func WithGuestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the guest id stored by Middleware.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}
