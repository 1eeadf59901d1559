package codec

import (
	"fmt"

	"github.com/epanel3-site/django-clientsignal/internal/domain"
	cserrors "github.com/epanel3-site/django-clientsignal/internal/platform/errors"
)

// ObjectHook rewrites every decoded JSON object, innermost first.
type ObjectHook func(obj map[string]any) any

var hooks = map[string]ObjectHook{
	"none":     nil,
	"identity": IdentityHook,
}

// Hook looks up an object hook by identifier. "none" yields a nil hook.
func Hook(name string) (ObjectHook, error) {
	hook, ok := hooks[name]
	if !ok {
		return nil, cserrors.Configuration(fmt.Sprintf("unknown object hook %q", name), nil)
	}
	return hook, nil
}

// IdentityHook turns {"user": name} and {"session": id} back into domain.Identity.
func IdentityHook(obj map[string]any) any {
	if len(obj) != 1 {
		return obj
	}
	if id := domain.IdentityFromWire(obj); !id.IsZero() {
		return id
	}
	return obj
}

func applyHook(v any, hook ObjectHook) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = applyHook(child, hook)
		}
		return hook(t)
	case []any:
		for i, child := range t {
			t[i] = applyHook(child, hook)
		}
		return t
	default:
		return v
	}
}

// ApplyHook applies hook to every value of kwargs in place but keeps kwargs
// itself a map. A nil hook is a no-op.
func ApplyHook(kwargs map[string]any, hook ObjectHook) {
	if hook == nil {
		return
	}
	for k, v := range kwargs {
		kwargs[k] = applyHook(v, hook)
	}
}
