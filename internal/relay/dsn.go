package relay

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	cserrors "github.com/epanel3-site/django-clientsignal/internal/platform/errors"
)

const (
	SchemeRedis    = "redis"
	SchemeRedisTLS = "rediss"
	SchemeUnix     = "unix"
	SchemeMemory   = "memory"
)

// DSN is a parsed backend connection string.
type DSN struct {
	Scheme   string
	Host     string
	Port     int
	Username string
	Password string
	DB       int
	Path     string // socket path for unix://
}

// ParseDSN splits a backend URL into its parts. Unsupported schemes and
// malformed ports or database numbers are configuration faults.
func ParseDSN(raw string) (DSN, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return DSN{}, cserrors.Configuration("invalid backend URL", err)
	}

	dsn := DSN{Scheme: strings.ToLower(u.Scheme)}
	if u.User != nil {
		dsn.Username = u.User.Username()
		dsn.Password, _ = u.User.Password()
	}

	switch dsn.Scheme {
	case SchemeMemory:
		return dsn, nil
	case SchemeUnix:
		if u.Path == "" {
			return DSN{}, cserrors.Configuration("unix backend URL needs a socket path", nil)
		}
		dsn.Path = u.Path
		if db := u.Query().Get("db"); db != "" {
			if dsn.DB, err = strconv.Atoi(db); err != nil {
				return DSN{}, cserrors.Configuration(fmt.Sprintf("invalid db %q", db), err)
			}
		}
		return dsn, nil
	case SchemeRedis, SchemeRedisTLS:
	default:
		return DSN{}, cserrors.Configuration(fmt.Sprintf("unsupported backend scheme %q", u.Scheme), nil)
	}

	dsn.Host, dsn.Port = u.Hostname(), 6379
	if dsn.Host == "" {
		dsn.Host = "localhost"
	}
	if p := u.Port(); p != "" {
		if dsn.Port, err = strconv.Atoi(p); err != nil || dsn.Port <= 0 || dsn.Port > 65535 {
			return DSN{}, cserrors.Configuration(fmt.Sprintf("invalid port %q", p), err)
		}
	}
	if path := strings.Trim(u.Path, "/"); path != "" {
		if dsn.DB, err = strconv.Atoi(path); err != nil || dsn.DB < 0 {
			return DSN{}, cserrors.Configuration(fmt.Sprintf("invalid database %q", path), err)
		}
	}

	return dsn, nil
}

// Addr is host:port, or the socket path for unix DSNs.
func (d DSN) Addr() string {
	if d.Scheme == SchemeUnix {
		return d.Path
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Redacted renders the DSN for logs without the password.
func (d DSN) Redacted() string {
	switch d.Scheme {
	case SchemeMemory:
		return "memory://"
	case SchemeUnix:
		return fmt.Sprintf("unix://%s?db=%d", d.Path, d.DB)
	}
	user := ""
	if d.Username != "" || d.Password != "" {
		user = d.Username
		if d.Password != "" {
			user += ":xxxxx"
		}
		user += "@"
	}
	return fmt.Sprintf("%s://%s%s/%d", d.Scheme, user, d.Addr(), d.DB)
}
