// Package codec serializes jobbing payloads together with a type tag, so a
// persisted payload can be decoded back into the shape its task expects.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrTypeMismatch = errors.New("payload type mismatch")
	ErrNilTarget    = errors.New("decode target must be a non-nil pointer")
)

// Codec round-trips payload values.
type Codec interface {
	// Tag returns the type tag recorded for values of type t.
	Tag(t reflect.Type) string
	// Encode serializes v and returns its type tag.
	Encode(v any) (data []byte, tag string, err error)
	// Decode deserializes data into out (a pointer). tag must match out's type.
	Decode(data []byte, tag string, out any) error
}

// JSON is the default codec: encoding/json bodies, Go type names as tags.
type JSON struct{}

var _ Codec = JSON{}

func (JSON) Tag(t reflect.Type) string {
	if t == nil {
		return "nil"
	}
	if t.Name() != "" && t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}

func (c JSON) Encode(v any) ([]byte, string, error) {
	tag := c.Tag(reflect.TypeOf(v))
	b, err := json.Marshal(v)
	if err != nil {
		return nil, tag, fmt.Errorf("encode %s: %w", tag, err)
	}
	return b, tag, nil
}

func (c JSON) Decode(data []byte, tag string, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return ErrNilTarget
	}
	want := c.Tag(rv.Elem().Type())
	if tag != "" && tag != want {
		return fmt.Errorf("%w: stored %s, want %s", ErrTypeMismatch, tag, want)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", want, err)
	}
	return nil
}

// TagOf returns the tag c assigns to T.
func TagOf[T any](c Codec) string {
	return c.Tag(reflect.TypeOf((*T)(nil)).Elem())
}
