// Package codec frames (name, kwargs) events for the wire. Two strategies
// exist: a plain JSON envelope and the legacy socket.io-style event frame.
// Both take their JSON engine and object hook by injection.
package codec

import (
	"fmt"

	"github.com/epanel3-site/django-clientsignal/internal/domain"
	cserrors "github.com/epanel3-site/django-clientsignal/internal/platform/errors"
)

type Codec interface {
	Encode(name string, kwargs map[string]any) ([]byte, error)
	// Decode returns domain.ErrMalformedFrame (wrapped) for anything that is
	// not a well-formed event. It never panics on input.
	Decode(frame []byte) (name string, kwargs map[string]any, err error)
}

const (
	FormatPlain  = "plain"
	FormatLegacy = "legacy"
)

// Options selects the pluggable parts of a codec.
type Options struct {
	JSON JSON
	Hook ObjectHook
}

func (o Options) json() JSON {
	if o.JSON == nil {
		return Std
	}
	return o.JSON
}

// ByName resolves format, engine and hook identifiers from configuration.
// Unknown identifiers are configuration faults.
func ByName(format, engine, hook string) (Codec, error) {
	j, err := Engine(engine)
	if err != nil {
		return nil, err
	}
	h, err := Hook(hook)
	if err != nil {
		return nil, err
	}
	opts := Options{JSON: j, Hook: h}

	switch format {
	case FormatPlain:
		return NewPlain(opts), nil
	case FormatLegacy:
		return NewLegacy(opts), nil
	default:
		return nil, cserrors.Configuration(fmt.Sprintf("unknown wire format %q", format), nil)
	}
}

func malformed(reason string, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrMalformedFrame, reason, cause)
	}
	return fmt.Errorf("%w: %s", domain.ErrMalformedFrame, reason)
}

func nonNil(kwargs map[string]any) map[string]any {
	if kwargs == nil {
		return map[string]any{}
	}
	return kwargs
}
