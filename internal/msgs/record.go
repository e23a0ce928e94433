package msgs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotObject is returned when a payload is not a JSON object.
var ErrNotObject = errors.New("payload is not an object")

// DecodeError reports a payload that could not be decoded as its type tag.
type DecodeError struct {
	Topic string
	Type  string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("decode %s on %s: %v", e.Type, e.Topic, e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Record is a decoded payload. Value holds the typed struct for registered
// tags and the generic field map otherwise. Fields and Raw always carry the
// full payload, unknown fields included.
type Record struct {
	Type   string
	Value  any
	Fields map[string]any
	Raw    json.RawMessage
}

// Response returns the record as a Response when it is one.
func (r Record) Response() (Response, bool) {
	v, ok := r.Value.(*Response)
	if !ok || v == nil {
		return Response{}, false
	}
	return *v, true
}

// Model returns the record as a Model when it is one.
func (r Record) Model() (Model, bool) {
	v, ok := r.Value.(*Model)
	if !ok || v == nil {
		return Model{}, false
	}
	return *v, true
}

// String returns a top-level string field, or "" when absent.
func (r Record) String(field string) string {
	s, _ := r.Fields[field].(string)
	return s
}

// Has reports whether the payload carried field.
func (r Record) Has(field string) bool {
	_, ok := r.Fields[field]
	return ok
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() any{
		TypeResponse:     func() any { return new(Response) },
		TypeRequest:      func() any { return new(Request) },
		TypeFactory:      func() any { return new(Factory) },
		TypeWorldControl: func() any { return new(WorldControl) },
		TypeModel:        func() any { return new(Model) },
	}
)

// Register adds a payload kind. newValue must return a pointer suitable for
// json.Unmarshal. Registering an existing tag replaces it.
func Register(typ string, newValue func() any) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[typ] = newValue
}

// Registered lists the known type tags, sorted.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for typ := range registry {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// Decode parses raw as a payload of type typ.
func Decode(typ string, raw json.RawMessage) (Record, error) {
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || trimmed[0] != '{' {
		if json.Valid(trimmed) {
			return Record{}, &DecodeError{Type: typ, Err: ErrNotObject}
		}
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Record{}, &DecodeError{Type: typ, Err: err}
	}
	if fields == nil {
		return Record{}, &DecodeError{Type: typ, Err: ErrNotObject}
	}
	rec := Record{Type: typ, Fields: fields, Raw: append(json.RawMessage(nil), raw...)}

	registryMu.RLock()
	newValue, ok := registry[typ]
	registryMu.RUnlock()
	if !ok {
		rec.Value = fields
		return rec, nil
	}
	v := newValue()
	if err := json.Unmarshal(raw, v); err != nil {
		return Record{}, &DecodeError{Type: typ, Err: err}
	}
	rec.Value = v
	return rec, nil
}
