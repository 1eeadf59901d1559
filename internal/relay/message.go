package relay

import (
	"bytes"
	"fmt"
	"maps"

	"github.com/epanel3-site/django-clientsignal/internal/codec"
	"github.com/epanel3-site/django-clientsignal/internal/domain"
)

// SenderKey is the reserved kwargs key that carries the sender identity.
const SenderKey = "sender"

// Message is one decoded relay frame.
type Message struct {
	Channel string
	Event   string
	Data    map[string]any
	Origin  string
}

// Sender returns the identity stored under SenderKey, or the server identity.
func (m Message) Sender() domain.Identity {
	return domain.IdentityFromWire(m.Data[SenderKey])
}

type payload struct {
	Event  string         `json:"event"`
	Data   map[string]any `json:"data"`
	Origin string         `json:"origin,omitempty"`
}

// EncodeFrame renders msg as "<channel>:<json>".
func EncodeFrame(json codec.JSON, msg Message) ([]byte, error) {
	body, err := json.Marshal(payload{
		Event:  msg.Event,
		Data:   nonNilMap(msg.Data),
		Origin: msg.Origin,
	})
	if err != nil {
		return nil, fmt.Errorf("encode relay frame %s: %w", msg.Channel, err)
	}

	frame := make([]byte, 0, len(msg.Channel)+1+len(body))
	frame = append(frame, msg.Channel...)
	frame = append(frame, ':')
	return append(frame, body...), nil
}

// SplitFrame cuts a frame at the first ':'.
func SplitFrame(frame []byte) (name string, body []byte, ok bool) {
	before, after, found := bytes.Cut(frame, []byte{':'})
	if !found || len(before) == 0 {
		return "", nil, false
	}
	return string(before), after, true
}

// DecodePayload parses the JSON half of a frame. The event defaults to the
// channel name when a publisher left it out.
func DecodePayload(json codec.JSON, hook codec.ObjectHook, name string, body []byte) (Message, error) {
	var p struct {
		Event  string         `json:"event"`
		Data   map[string]any `json:"data"`
		Origin string         `json:"origin"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return Message{}, fmt.Errorf("relay frame %s: %w: %v", name, domain.ErrMalformedFrame, err)
	}

	event := p.Event
	if event == "" {
		event = name
	}
	data := nonNilMap(p.Data)
	codec.ApplyHook(data, hook)

	return Message{Channel: name, Event: event, Data: data, Origin: p.Origin}, nil
}

func withSender(kwargs map[string]any, sender domain.Identity) map[string]any {
	out := make(map[string]any, len(kwargs)+1)
	maps.Copy(out, kwargs)
	out[SenderKey] = sender.Wire()
	return out
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
