// Package session builds connection identities from the signed session
// cookie the host application sets.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"

	"github.com/epanel3-site/django-clientsignal/internal/domain"
)

// Session keys
const (
	KeyUser    = "user"
	KeySession = "session"
)

// NewStore returns the cookie store shared with the host application.
func NewStore(secret, cookieName string, secure bool) *sessions.CookieStore {
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return store
}

// CookieIdentityBuilder reads the user from the session cookie. Visitors
// without a logged-in user get an anonymous identity keyed by the cookie's
// session value, or a fresh one per connection.
type CookieIdentityBuilder struct {
	store sessions.Store
	name  string
}

var _ domain.IdentityBuilder = (*CookieIdentityBuilder)(nil)

func NewCookieIdentityBuilder(store sessions.Store, cookieName string) *CookieIdentityBuilder {
	return &CookieIdentityBuilder{store: store, name: cookieName}
}

func (b *CookieIdentityBuilder) Build(ctx context.Context, meta domain.Metadata) (domain.Identity, error) {
	r := (&http.Request{Header: meta.Header}).WithContext(ctx)

	sess, err := b.store.Get(r, b.name)
	if err != nil {
		var cookieErr securecookie.Error
		if !errors.As(err, &cookieErr) || !cookieErr.IsDecode() {
			return domain.Identity{}, fmt.Errorf("failed to read session cookie: %w", err)
		}
		slog.DebugContext(ctx, "Ignoring undecodable session cookie", "remote_addr", meta.RemoteAddr)
		return domain.Anonymous(uuid.NewString()), nil
	}

	if user, ok := sess.Values[KeyUser].(string); ok && user != "" {
		return domain.Authenticated(user), nil
	}
	if key, ok := sess.Values[KeySession].(string); ok && key != "" {
		return domain.Anonymous(key), nil
	}
	return domain.Anonymous(uuid.NewString()), nil
}
