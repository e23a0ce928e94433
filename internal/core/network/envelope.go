package network

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the frame every bus payload travels in. Type is the payload's
// type tag, Data the structured record itself.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeEnvelope marshals payload under the given type tag. []byte and
// json.RawMessage payloads are taken as already-encoded JSON.
func EncodeEnvelope(typ string, payload any) ([]byte, error) {
	if typ == "" {
		return nil, errors.New("envelope type required")
	}
	var data json.RawMessage
	switch v := payload.(type) {
	case nil:
		data = json.RawMessage("{}")
	case json.RawMessage:
		data = v
	case []byte:
		data = json.RawMessage(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		data = b
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("encode %s payload: invalid json", typ)
	}
	return json.Marshal(Envelope{Type: typ, Data: data})
}

// DecodeEnvelope parses a bus frame.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("decode envelope: missing type")
	}
	if len(env.Data) == 0 {
		env.Data = json.RawMessage("null")
	}
	return env, nil
}
