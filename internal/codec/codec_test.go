package codec

import (
	"testing"

	"github.com/epanel3-site/django-clientsignal/internal/domain"
	cserrors "github.com/epanel3-site/django-clientsignal/internal/platform/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allCodecs(t *testing.T) map[string]Codec {
	t.Helper()
	codecs := make(map[string]Codec)
	for _, format := range []string{FormatPlain, FormatLegacy} {
		for _, engine := range EngineNames() {
			c, err := ByName(format, engine, "none")
			require.NoError(t, err)
			codecs[format+"/"+engine] = c
		}
	}
	return codecs
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		event  string
		kwargs map[string]any
	}{
		{"empty", "ping", map[string]any{}},
		{"strings", "pong", map[string]any{"pong": "Ponged"}},
		{"mixed primitives", "update", map[string]any{
			"count":  float64(3),
			"ratio":  0.25,
			"ok":     true,
			"none":   nil,
			"nested": map[string]any{"list": []any{"a", float64(1), false}},
		}},
		{"colons and html", "chat", map[string]any{"text": "a:b <b>&</b>"}},
		{"unicode", "chat", map[string]any{"text": "grüße 🚀"}},
	}

	for codecName, c := range allCodecs(t) {
		for _, tc := range cases {
			t.Run(codecName+"/"+tc.name, func(t *testing.T) {
				frame, err := c.Encode(tc.event, tc.kwargs)
				require.NoError(t, err)

				name, kwargs, err := c.Decode(frame)
				require.NoError(t, err)
				assert.Equal(t, tc.event, name)
				assert.Equal(t, tc.kwargs, kwargs)
			})
		}
	}
}

func TestPlain_EncodeIsCompactAndExact(t *testing.T) {
	for _, engine := range EngineNames() {
		t.Run(engine, func(t *testing.T) {
			j, err := Engine(engine)
			require.NoError(t, err)
			c := NewPlain(Options{JSON: j})

			frame, err := c.Encode("pong", map[string]any{
				"pong":   "Ponged",
				"sender": domain.Authenticated("alice"),
			})
			require.NoError(t, err)
			assert.Equal(t, `{"event":"pong","data":{"pong":"Ponged","sender":{"user":"alice"}}}`, string(frame))

			frame, err = c.Encode("ping", nil)
			require.NoError(t, err)
			assert.Equal(t, `{"event":"ping","data":{}}`, string(frame))

			frame, err = c.Encode("chat", map[string]any{"text": "<b>"})
			require.NoError(t, err)
			assert.Equal(t, `{"event":"chat","data":{"text":"<b>"}}`, string(frame))
		})
	}
}

func TestPlain_ServerSenderIsNull(t *testing.T) {
	frame, err := NewPlain(Options{}).Encode("stats", map[string]any{"sender": domain.Identity{}})
	require.NoError(t, err)
	assert.Equal(t, `{"event":"stats","data":{"sender":null}}`, string(frame))
}

func TestLegacy_EncodeIsExact(t *testing.T) {
	c := NewLegacy(Options{})

	frame, err := c.Encode("pong", map[string]any{"pong": "Ponged"})
	require.NoError(t, err)
	assert.Equal(t, `5:::{"name":"pong","args":[{"pong":"Ponged"}]}`, string(frame))

	c.ID = "7"
	c.Endpoint = "/signals"
	frame, err = c.Encode("ping", nil)
	require.NoError(t, err)
	assert.Equal(t, `5:7:/signals:{"name":"ping","args":[{}]}`, string(frame))
}

func TestLegacy_DecodeEmptyArgs(t *testing.T) {
	name, kwargs, err := NewLegacy(Options{}).Decode([]byte(`5:1+::{"name":"ping","args":[]}`))
	require.NoError(t, err)
	assert.Equal(t, "ping", name)
	assert.Empty(t, kwargs)
}

func TestPlain_DecodeMalformed(t *testing.T) {
	c := NewPlain(Options{})

	frames := map[string]string{
		"not json":         `ping`,
		"array":            `[1,2]`,
		"missing event":    `{"data":{}}`,
		"missing data":     `{"event":"ping"}`,
		"event not string": `{"event":1,"data":{}}`,
		"empty event":      `{"event":"","data":{}}`,
		"data not object":  `{"event":"ping","data":[1]}`,
		"data null":        `{"event":"ping","data":null}`,
		"truncated":        `{"event":"ping","data":{`,
		"empty frame":      ``,
	}

	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			_, _, err := c.Decode([]byte(frame))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrMalformedFrame)
		})
	}
}

func TestLegacy_DecodeMalformed(t *testing.T) {
	c := NewLegacy(Options{})

	frames := map[string]string{
		"too few parts":     `5::{"name":"ping","args":[]}`,
		"wrong type":        `3:::{"name":"ping","args":[]}`,
		"bad json":          `5:::{"name":`,
		"missing name":      `5:::{"args":[]}`,
		"missing args":      `5:::{"name":"ping"}`,
		"args not list":     `5:::{"name":"ping","args":{}}`,
		"first arg not map": `5:::{"name":"ping","args":["x"]}`,
	}

	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			_, _, err := c.Decode([]byte(frame))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrMalformedFrame)
		})
	}
}

func TestIdentityHook(t *testing.T) {
	c, err := ByName(FormatPlain, "std", "identity")
	require.NoError(t, err)

	_, kwargs, err := c.Decode([]byte(`{"event":"pong","data":{` +
		`"sender":{"user":"alice"},` +
		`"others":[{"session":"s1"},{"user":"bob","extra":1}],` +
		`"user":"plain"}}`))
	require.NoError(t, err)

	assert.Equal(t, domain.Authenticated("alice"), kwargs["sender"])
	others := kwargs["others"].([]any)
	assert.Equal(t, domain.Anonymous("s1"), others[0])
	assert.Equal(t, map[string]any{"user": "bob", "extra": float64(1)}, others[1])
	assert.Equal(t, "plain", kwargs["user"])
}

func TestIdentityHook_KwargsStayAMap(t *testing.T) {
	c, err := ByName(FormatLegacy, "std", "identity")
	require.NoError(t, err)

	_, kwargs, err := c.Decode([]byte(`5:::{"name":"login","args":[{"user":"alice"}]}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"user": "alice"}, kwargs)
}

func TestByName_UnknownIdentifiers(t *testing.T) {
	tests := []struct {
		name                 string
		format, engine, hook string
	}{
		{"format", "xml", "std", "none"},
		{"engine", FormatPlain, "simplejson", "none"},
		{"hook", FormatPlain, "std", "django"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ByName(tt.format, tt.engine, tt.hook)
			require.Error(t, err)
			assert.True(t, cserrors.IsFatal(err))
		})
	}
}

func TestEngineNames(t *testing.T) {
	assert.Equal(t, []string{"go-json", "jsoniter", "std"}, EngineNames())
}
