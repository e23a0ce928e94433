package msgs

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeResponseKeepsUnknownFields(t *testing.T) {
	raw := json.RawMessage(`{"request":"entity_delete","response":"success","extra":{"k":1}}`)
	rec, err := Decode(TypeResponse, raw)
	require.NoError(t, err)

	resp, ok := rec.Response()
	require.True(t, ok)
	assert.Equal(t, RequestEntityDelete, resp.Request)
	assert.True(t, resp.Succeeded())
	assert.True(t, rec.Has("extra"))
	assert.False(t, rec.Has("data"))
	assert.Equal(t, "entity_delete", rec.String("request"))
	assert.JSONEq(t, string(raw), string(rec.Raw))
}

func TestDecodeUnknownTypeFallsBackToFields(t *testing.T) {
	rec, err := Decode("sim.msgs.WorldStatistics", json.RawMessage(`{"iterations":42}`))
	require.NoError(t, err)
	fields, ok := rec.Value.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 42, fields["iterations"])
	_, isResp := rec.Response()
	assert.False(t, isResp)
}

func TestDecodeErrors(t *testing.T) {
	cases := map[string]json.RawMessage{
		"not json":      json.RawMessage(`{`),
		"not an object": json.RawMessage(`[1,2]`),
		"null":          json.RawMessage(`null`),
		"wrong field":   json.RawMessage(`{"request":7}`),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(TypeResponse, raw)
			var de *DecodeError
			require.True(t, errors.As(err, &de), "got %v", err)
			assert.Equal(t, TypeResponse, de.Type)
		})
	}

	_, err := Decode(TypeModel, json.RawMessage(`"coke_can"`))
	assert.ErrorIs(t, err, ErrNotObject)
}

func TestRegisterAddsPayloadKind(t *testing.T) {
	type contacts struct {
		Count int `json:"count"`
	}
	Register("test.msgs.Contacts", func() any { return new(contacts) })
	assert.Contains(t, Registered(), "test.msgs.Contacts")

	rec, err := Decode("test.msgs.Contacts", json.RawMessage(`{"count":3}`))
	require.NoError(t, err)
	c, ok := rec.Value.(*contacts)
	require.True(t, ok)
	assert.Equal(t, 3, c.Count)
}

func TestFactoryEncodesModelURIAsSDFFilename(t *testing.T) {
	b, err := json.Marshal(Factory{ModelURI: "model://coke_can", Name: "coke_can"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sdf_filename":"model://coke_can","name":"coke_can"}`, string(b))
}
