package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	gojson "github.com/goccy/go-json"
	jsoniter "github.com/json-iterator/go"

	cserrors "github.com/epanel3-site/django-clientsignal/internal/platform/errors"
)

// JSON is a pluggable JSON engine. Marshal output must be compact and must
// not escape HTML characters.
type JSON interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type stdJSON struct{}

func (stdJSON) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (stdJSON) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

type goJSON struct{}

func (goJSON) Marshal(v any) ([]byte, error) {
	return gojson.MarshalWithOption(v, gojson.DisableHTMLEscape())
}

func (goJSON) Unmarshal(data []byte, v any) error {
	return gojson.Unmarshal(data, v)
}

type iterJSON struct {
	api jsoniter.API
}

func (j iterJSON) Marshal(v any) ([]byte, error) {
	return j.api.Marshal(v)
}

func (j iterJSON) Unmarshal(data []byte, v any) error {
	return j.api.Unmarshal(data, v)
}

var engines = map[string]JSON{
	"std":     stdJSON{},
	"go-json": goJSON{},
	"jsoniter": iterJSON{api: jsoniter.Config{
		EscapeHTML:             false,
		SortMapKeys:            true,
		ValidateJsonRawMessage: true,
	}.Froze()},
}

// Std is the encoding/json engine.
var Std JSON = stdJSON{}

// Engine looks up a JSON engine by identifier.
func Engine(name string) (JSON, error) {
	if e, ok := engines[name]; ok {
		return e, nil
	}
	return nil, cserrors.Configuration(
		fmt.Sprintf("unknown JSON encoder %q (known: %v)", name, EngineNames()), nil)
}

func EngineNames() []string {
	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
