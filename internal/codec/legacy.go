package codec

import (
	"bytes"
	"strings"
)

const legacyEventType = "5"

// Legacy encodes "5:<id>:<endpoint>:{"name":name,"args":[kwargs]}".
type Legacy struct {
	opts     Options
	ID       string
	Endpoint string
}

func NewLegacy(opts Options) *Legacy {
	return &Legacy{opts: opts}
}

type legacyBody struct {
	Name string           `json:"name"`
	Args []map[string]any `json:"args"`
}

func (l *Legacy) Encode(name string, kwargs map[string]any) ([]byte, error) {
	body, err := l.opts.json().Marshal(legacyBody{Name: name, Args: []map[string]any{nonNil(kwargs)}})
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(l.ID) + len(l.Endpoint) + 4)
	buf.WriteString(legacyEventType)
	buf.WriteByte(':')
	buf.WriteString(l.ID)
	buf.WriteByte(':')
	buf.WriteString(l.Endpoint)
	buf.WriteByte(':')
	buf.Write(body)
	return buf.Bytes(), nil
}

func (l *Legacy) Decode(frame []byte) (string, map[string]any, error) {
	parts := strings.SplitN(string(frame), ":", 4)
	if len(parts) != 4 {
		return "", nil, malformed("legacy frame needs type:id:endpoint:json", nil)
	}
	if parts[0] != legacyEventType {
		return "", nil, malformed("not an event frame: type "+parts[0], nil)
	}

	var raw map[string]any
	if err := l.opts.json().Unmarshal([]byte(parts[3]), &raw); err != nil {
		return "", nil, malformed("invalid json", err)
	}

	name, ok := raw["name"].(string)
	if !ok || name == "" {
		return "", nil, malformed(`missing "name"`, nil)
	}
	args, ok := raw["args"].([]any)
	if !ok {
		return "", nil, malformed(`missing "args"`, nil)
	}

	kwargs := map[string]any{}
	if len(args) > 0 {
		first, ok := args[0].(map[string]any)
		if !ok {
			return "", nil, malformed("args[0] is not an object", nil)
		}
		kwargs = first
	}

	ApplyHook(kwargs, l.opts.Hook)
	return name, kwargs, nil
}
