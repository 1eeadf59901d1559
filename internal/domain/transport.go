package domain

import (
	"context"
	"net/http"
	"net/url"
)

// Metadata is what the transport knows about a connection when it opens.
type Metadata struct {
	Header     http.Header
	Query      url.Values
	RemoteAddr string
	Path       string
}

// Cookies parses the Cookie header.
func (m Metadata) Cookies() []*http.Cookie {
	r := http.Request{Header: m.Header}
	return r.Cookies()
}

// Transport is the raw socket side of a connection.
type Transport interface {
	SendRaw(frame []byte) error
	Close() error
}

// IdentityBuilder derives the identity of a connection from its metadata.
type IdentityBuilder interface {
	Build(ctx context.Context, meta Metadata) (Identity, error)
}

// IdentityBuilderFunc adapts a function to IdentityBuilder.
type IdentityBuilderFunc func(ctx context.Context, meta Metadata) (Identity, error)

func (f IdentityBuilderFunc) Build(ctx context.Context, meta Metadata) (Identity, error) {
	return f(ctx, meta)
}
