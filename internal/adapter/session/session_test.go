package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epanel3-site/django-clientsignal/internal/domain"
)

const cookieName = "clientsignal-session"

// cookieHeader returns request headers carrying a session cookie with values.
func cookieHeader(t *testing.T, secret string, values map[string]string) http.Header {
	t.Helper()
	store := NewStore(secret, cookieName, false)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	sess, err := store.New(req, cookieName)
	require.NoError(t, err)
	for k, v := range values {
		sess.Values[k] = v
	}
	require.NoError(t, sess.Save(req, rec))

	header := http.Header{}
	for _, c := range rec.Result().Cookies() {
		header.Add("Cookie", c.Name+"="+c.Value)
	}
	return header
}

func TestBuild_AuthenticatedUser(t *testing.T) {
	b := NewCookieIdentityBuilder(NewStore("secret", cookieName, false), cookieName)

	id, err := b.Build(context.Background(), domain.Metadata{
		Header: cookieHeader(t, "secret", map[string]string{KeyUser: "alice"}),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Authenticated("alice"), id)
}

func TestBuild_AnonymousSessionKey(t *testing.T) {
	b := NewCookieIdentityBuilder(NewStore("secret", cookieName, false), cookieName)

	id, err := b.Build(context.Background(), domain.Metadata{
		Header: cookieHeader(t, "secret", map[string]string{KeySession: "abc"}),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Anonymous("abc"), id)
}

func TestBuild_NoCookie(t *testing.T) {
	b := NewCookieIdentityBuilder(NewStore("secret", cookieName, false), cookieName)

	first, err := b.Build(context.Background(), domain.Metadata{Header: http.Header{}})
	require.NoError(t, err)
	second, err := b.Build(context.Background(), domain.Metadata{})
	require.NoError(t, err)

	assert.True(t, first.IsAnonymous())
	assert.True(t, second.IsAnonymous())
	assert.False(t, first.Equal(second))
}

func TestBuild_ForgedCookieIsAnonymous(t *testing.T) {
	b := NewCookieIdentityBuilder(NewStore("secret", cookieName, false), cookieName)

	id, err := b.Build(context.Background(), domain.Metadata{
		Header: cookieHeader(t, "other-secret", map[string]string{KeyUser: "mallory"}),
	})
	require.NoError(t, err)
	assert.True(t, id.IsAnonymous())
}
