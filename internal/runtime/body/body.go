// Package body encodes typed payloads into queue message bodies and back.
// JSON bodies go through the sonic codec; protobuf bodies use the binary wire
// format unless protojson is requested.
package body

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/queueflow/internal/runtime/errors"
	"github.com/drblury/queueflow/internal/runtime/jsoncodec"
	"github.com/drblury/queueflow/internal/runtime/metadata"
	"github.com/drblury/queueflow/transport"
)

// NewJSONMessage builds a message whose body is v encoded as JSON.
func NewJSONMessage(label string, v any, props metadata.Metadata) (*transport.Message, error) {
	payload, err := jsoncodec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T body: %w", v, err)
	}
	return &transport.Message{
		Label: label,
		Body:  payload,
		Properties: props.WithAll(metadata.Metadata{
			metadata.KeyContentType:   metadata.ContentTypeJSON,
			metadata.KeyMessageSchema: fmt.Sprintf("%T", v),
		}),
	}, nil
}

// DecodeJSON decodes msg's body into a new T. T must be a pointer type.
func DecodeJSON[T any](msg *transport.Message) (T, error) {
	var zero T
	factory, err := jsonPrototypeFactory[T]()
	if err != nil {
		return zero, err
	}
	if msg == nil {
		return zero, errspkg.ErrMessageRequired
	}
	if ct := msg.Properties.Get(metadata.KeyContentType, metadata.ContentTypeJSON); ct != metadata.ContentTypeJSON {
		return zero, fmt.Errorf("%w: %s", errspkg.ErrContentType, ct)
	}
	out := factory()
	if err := jsoncodec.Unmarshal(msg.Body, out); err != nil {
		return zero, fmt.Errorf("failed to unmarshal %T body: %w", out, err)
	}
	return out, nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrBodyTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrBodyPointerRequired
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}

// ProtoOption customises protobuf encoding.
type ProtoOption func(*protoOptions)

type protoOptions struct {
	json bool
}

// WithProtoJSON encodes the message with protojson instead of the binary format.
func WithProtoJSON() ProtoOption {
	return func(o *protoOptions) { o.json = true }
}

// NewProtoMessage builds a message whose body is m encoded as protobuf.
func NewProtoMessage(label string, m proto.Message, props metadata.Metadata, opts ...ProtoOption) (*transport.Message, error) {
	if isNilProto(m) {
		return nil, errspkg.ErrBodyTypeRequired
	}
	var o protoOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	var (
		payload []byte
		err     error
		ct      = metadata.ContentTypeProtobuf
	)
	if o.json {
		payload, err = protojson.Marshal(m)
		ct = metadata.ContentTypeProtoJSON
	} else {
		payload, err = proto.Marshal(m)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T body: %w", m, err)
	}

	return &transport.Message{
		Label: label,
		Body:  payload,
		Properties: props.WithAll(metadata.Metadata{
			metadata.KeyContentType:   ct,
			metadata.KeyMessageSchema: string(m.ProtoReflect().Descriptor().FullName()),
		}),
	}, nil
}

// DecodeProto decodes msg's body into a new T, picking binary or protojson
// from the content type property.
func DecodeProto[T proto.Message](msg *transport.Message) (T, error) {
	var zero T
	prototype, err := EnsureProtoPrototype(zero)
	if err != nil {
		return zero, err
	}
	if msg == nil {
		return zero, errspkg.ErrMessageRequired
	}
	out, err := clonePrototype(prototype)
	if err != nil {
		return zero, err
	}

	switch ct := msg.Properties.Get(metadata.KeyContentType, metadata.ContentTypeProtobuf); ct {
	case metadata.ContentTypeProtobuf:
		err = proto.Unmarshal(msg.Body, out)
	case metadata.ContentTypeProtoJSON, metadata.ContentTypeJSON:
		err = protojson.Unmarshal(msg.Body, out)
	default:
		return zero, fmt.Errorf("%w: %s", errspkg.ErrContentType, ct)
	}
	if err != nil {
		return zero, fmt.Errorf("failed to unmarshal %T body: %w", prototype, err)
	}
	return out, nil
}

func clonePrototype[T proto.Message](prototype T) (T, error) {
	cloned := proto.Clone(prototype)
	proto.Reset(cloned)

	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", cloned)
	}
	return typed, nil
}

// EnsureProtoPrototype returns candidate, or a fresh instance of its type
// when candidate is a typed nil pointer.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeOf(candidate)
	if typ == nil {
		return zero, errspkg.ErrBodyTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, errspkg.ErrBodyPointerRequired
	}

	typed, ok := reflect.New(typ.Elem()).Interface().(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

func isNilProto[T proto.Message](prototype T) bool {
	msg := proto.Message(prototype)
	if msg == nil {
		return true
	}

	val := reflect.ValueOf(msg)
	switch val.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
