package domain

import "encoding/json"

// Identity is the principal behind one connection. The zero value is the
// server itself, used as sender for signals that no client caused.
type Identity struct {
	User    string
	Session string
}

// Anonymous returns an identity for a visitor without a logged-in user.
func Anonymous(session string) Identity {
	return Identity{Session: session}
}

// Authenticated returns an identity for a logged-in user.
func Authenticated(user string) Identity {
	return Identity{User: user}
}

func (i Identity) IsZero() bool {
	return i.User == "" && i.Session == ""
}

func (i Identity) IsAnonymous() bool {
	return i.User == "" && i.Session != ""
}

// Equal reports whether both identities name the same principal. The server
// identity never equals anything, so server-originated events reach everyone.
func (i Identity) Equal(other Identity) bool {
	if i.IsZero() || other.IsZero() {
		return false
	}
	if i.User != "" || other.User != "" {
		return i.User == other.User
	}
	return i.Session == other.Session
}

// Label is a stable human-readable key, used by stats.
func (i Identity) Label() string {
	switch {
	case i.User != "":
		return i.User
	case i.Session != "":
		return "anonymous:" + i.Session
	default:
		return "server"
	}
}

func (i Identity) String() string {
	return i.Label()
}

// Wire reduces the identity to its JSON-compatible form.
func (i Identity) Wire() any {
	switch {
	case i.User != "":
		return map[string]any{"user": i.User}
	case i.Session != "":
		return map[string]any{"session": i.Session}
	default:
		return nil
	}
}

func (i Identity) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.Wire())
}

func (i *Identity) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*i = IdentityFromWire(raw)
	return nil
}

// IdentityFromWire inverts Wire. It accepts the decoded map form, an Identity
// already produced by an object hook, or nil. Anything else is the server.
func IdentityFromWire(v any) Identity {
	switch t := v.(type) {
	case Identity:
		return t
	case *Identity:
		if t == nil {
			return Identity{}
		}
		return *t
	case map[string]any:
		if user, ok := t["user"].(string); ok && user != "" {
			return Authenticated(user)
		}
		if session, ok := t["session"].(string); ok && session != "" {
			return Anonymous(session)
		}
	}
	return Identity{}
}
