package codec

// Plain encodes {"event": name, "data": kwargs} as compact JSON.
type Plain struct {
	opts Options
}

func NewPlain(opts Options) *Plain {
	return &Plain{opts: opts}
}

type plainEnvelope struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

func (p *Plain) Encode(name string, kwargs map[string]any) ([]byte, error) {
	return p.opts.json().Marshal(plainEnvelope{Event: name, Data: nonNil(kwargs)})
}

func (p *Plain) Decode(frame []byte) (string, map[string]any, error) {
	var raw map[string]any
	if err := p.opts.json().Unmarshal(frame, &raw); err != nil {
		return "", nil, malformed("invalid json", err)
	}

	name, ok := raw["event"].(string)
	if !ok || name == "" {
		return "", nil, malformed(`missing "event"`, nil)
	}
	data, ok := raw["data"].(map[string]any)
	if !ok {
		return "", nil, malformed(`missing "data"`, nil)
	}

	ApplyHook(data, p.opts.Hook)
	return name, data, nil
}
