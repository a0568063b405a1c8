// Package payload defines the capability shared by every request and response
// item and the tagged encoding that keeps the concrete variant recoverable
// when a value is declared through the Payload interface.
//
// Encoded form:
//
//	{"$type": "count.response", "value": {...}}
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// Payload is implemented by every item sent through a hub.
type Payload interface {
	// PayloadType is the stable wire name of the concrete variant.
	PayloadType() string
	// CorrelationID links the item to the request it belongs to, if any.
	CorrelationID() string
}

// Meta carries the correlation id. Embed it to satisfy half of Payload.
type Meta struct {
	Correlation string `json:"correlationId,omitempty"`
}

func (m Meta) CorrelationID() string { return m.Correlation }

func (m *Meta) SetCorrelationID(id string) { m.Correlation = id }

var (
	ErrUnregistered = errors.New("payload: unregistered type")
	ErrTypeMismatch = errors.New("payload: type mismatch")
)

type tagged struct {
	Type  string          `json:"$type"`
	Value json.RawMessage `json:"value"`
}

// Registry maps wire names to concrete Go types.
type Registry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]reflect.Type)}
}

// Register records the concrete type of prototype under its PayloadType.
// Registering the same name twice for different types fails.
func (r *Registry) Register(prototype Payload) error {
	name := prototype.PayloadType()
	typ := reflect.TypeOf(prototype)
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.types[name]; ok && prev != typ {
		return fmt.Errorf("payload: %q already registered as %s", name, prev)
	}
	r.types[name] = typ
	return nil
}

// Encode writes p in tagged form. A nil p encodes as JSON null.
func (r *Registry) Encode(p Payload) ([]byte, error) {
	if p == nil || isNilPointer(p) {
		return []byte("null"), nil
	}
	name := p.PayloadType()
	if !r.has(name) {
		return nil, fmt.Errorf("%w: %s", ErrUnregistered, name)
	}
	value, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tagged{Type: name, Value: value})
}

// Decode reads a tagged value and returns it as its registered concrete type.
func (r *Registry) Decode(data []byte) (Payload, error) {
	var t tagged
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	if t.Type == "" {
		return nil, fmt.Errorf("payload: missing $type")
	}
	r.mu.RLock()
	typ, ok := r.types[t.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnregistered, t.Type)
	}

	var target reflect.Value
	if typ.Kind() == reflect.Pointer {
		target = reflect.New(typ.Elem())
	} else {
		target = reflect.New(typ)
	}
	if err := json.Unmarshal(t.Value, target.Interface()); err != nil {
		return nil, fmt.Errorf("payload: decoding %s: %w", t.Type, err)
	}
	if typ.Kind() != reflect.Pointer {
		target = target.Elem()
	}
	return target.Interface().(Payload), nil
}

func (r *Registry) has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[name]
	return ok
}

// DecodeAs decodes data into T. Tagged data is resolved through r and must
// produce a value assignable to T; untagged data is decoded directly.
func DecodeAs[T any](r *Registry, data []byte) (T, error) {
	var zero T
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return zero, nil
	}
	if !isTagged(trimmed) {
		var v T
		err := json.Unmarshal(trimmed, &v)
		return v, err
	}
	p, err := r.Decode(trimmed)
	if err != nil {
		return zero, err
	}
	v, ok := p.(T)
	if !ok {
		return zero, fmt.Errorf("%w: got %T, want %T", ErrTypeMismatch, p, zero)
	}
	return v, nil
}

func isTagged(data []byte) bool {
	if len(data) == 0 || data[0] != '{' {
		return false
	}
	var probe struct {
		Type *string `json:"$type"`
	}
	return json.Unmarshal(data, &probe) == nil && probe.Type != nil
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

// Default is the process-wide registry used by the package-level helpers.
var Default = NewRegistry()

func Register(prototype Payload) error { return Default.Register(prototype) }

func Encode(p Payload) ([]byte, error) { return Default.Encode(p) }

func Decode(data []byte) (Payload, error) { return Default.Decode(data) }

// MustRegister is Register for package init blocks.
func MustRegister(prototypes ...Payload) {
	for _, p := range prototypes {
		if err := Register(p); err != nil {
			panic(err)
		}
	}
}
