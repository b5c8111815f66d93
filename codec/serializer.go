package codec

import (
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/viant/bintly"
	"github.com/viant/embedkv/storage"
)

// Serializer converts keys and values to bytes. Deserialize reports
// storage.ErrCorrupt on truncated or malformed input instead of panicking.
type Serializer[T any] interface {
	Serialize(value T) ([]byte, error)
	Deserialize(data []byte) (T, error)
}

// For returns the default serializer for T: raw bytes for strings and byte
// slices, fixed-width little endian for integers, EncodeBinary/DecodeBinary
// for bintly coders and bintly reflection for everything else.
func For[T any]() Serializer[T] {
	var zero T
	switch any(&zero).(type) {
	case *string:
		return stringCodec[T]{}
	case *[]byte:
		return bytesCodec[T]{}
	case *int, *int64, *uint64, *int32, *uint32:
		return intCodec[T]{}
	}
	if _, ok := any(&zero).(bintly.Decoder); ok {
		return &binaryCodec[T]{writers: bintly.NewWriters(), readers: bintly.NewReaders()}
	}
	if t := reflect.TypeOf(zero); t != nil && t.Kind() == reflect.Pointer {
		if _, ok := reflect.New(t.Elem()).Interface().(bintly.Decoder); ok {
			return &binaryCodec[T]{writers: bintly.NewWriters(), readers: bintly.NewReaders(), alloc: true}
		}
	}
	return reflectCodec[T]{}
}

func corrupt(err *error, what string) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("codec: decode %s: %v: %w", what, r, storage.ErrCorrupt)
	}
}

type stringCodec[T any] struct{}

func (stringCodec[T]) Serialize(value T) ([]byte, error) {
	return []byte(any(value).(string)), nil
}

func (stringCodec[T]) Deserialize(data []byte) (T, error) {
	return any(string(data)).(T), nil
}

type bytesCodec[T any] struct{}

func (bytesCodec[T]) Serialize(value T) ([]byte, error) {
	return any(value).([]byte), nil
}

func (bytesCodec[T]) Deserialize(data []byte) (T, error) {
	return any(append([]byte(nil), data...)).(T), nil
}

type intCodec[T any] struct{}

func (intCodec[T]) Serialize(value T) ([]byte, error) {
	switch v := any(value).(type) {
	case int32:
		return binary.LittleEndian.AppendUint32(nil, uint32(v)), nil
	case uint32:
		return binary.LittleEndian.AppendUint32(nil, v), nil
	case int:
		return binary.LittleEndian.AppendUint64(nil, uint64(v)), nil
	case int64:
		return binary.LittleEndian.AppendUint64(nil, uint64(v)), nil
	case uint64:
		return binary.LittleEndian.AppendUint64(nil, v), nil
	}
	return nil, fmt.Errorf("codec: unsupported integer %T", value)
}

func (intCodec[T]) Deserialize(data []byte) (value T, err error) {
	var zero T
	width := 8
	switch any(zero).(type) {
	case int32, uint32:
		width = 4
	}
	if len(data) != width {
		return value, fmt.Errorf("codec: integer of %d bytes, want %d: %w", len(data), width, storage.ErrCorrupt)
	}
	var result any
	switch any(zero).(type) {
	case int32:
		result = int32(binary.LittleEndian.Uint32(data))
	case uint32:
		result = binary.LittleEndian.Uint32(data)
	case int:
		result = int(binary.LittleEndian.Uint64(data))
	case int64:
		result = int64(binary.LittleEndian.Uint64(data))
	case uint64:
		result = binary.LittleEndian.Uint64(data)
	}
	return result.(T), nil
}

// binaryCodec drives types implementing bintly.Encoder and bintly.Decoder
// through pooled streams.
type binaryCodec[T any] struct {
	writers *bintly.Writers
	readers *bintly.Readers
	alloc   bool
}

func (c *binaryCodec[T]) Serialize(value T) ([]byte, error) {
	var encoder bintly.Encoder
	switch v := any(value).(type) {
	case bintly.Encoder:
		encoder = v
	default:
		if e, ok := any(&value).(bintly.Encoder); ok {
			encoder = e
		}
	}
	if encoder == nil {
		return nil, fmt.Errorf("codec: %T does not implement EncodeBinary", value)
	}
	writer := c.writers.Get()
	defer c.writers.Put(writer)
	if err := encoder.EncodeBinary(writer); err != nil {
		return nil, err
	}
	return writer.Bytes(), nil
}

func (c *binaryCodec[T]) Deserialize(data []byte) (value T, err error) {
	defer corrupt(&err, fmt.Sprintf("%T", value))
	reader := c.readers.Get()
	defer c.readers.Put(reader)
	if err = reader.FromBytes(data); err != nil {
		return value, fmt.Errorf("codec: %v: %w", err, storage.ErrCorrupt)
	}
	var decoder bintly.Decoder
	if c.alloc {
		value = reflect.New(reflect.TypeOf(value).Elem()).Interface().(T)
		decoder = any(value).(bintly.Decoder)
	} else {
		decoder = any(&value).(bintly.Decoder)
	}
	if err = decoder.DecodeBinary(reader); err != nil {
		return value, fmt.Errorf("codec: %v: %w", err, storage.ErrCorrupt)
	}
	return value, nil
}

type reflectCodec[T any] struct{}

func (reflectCodec[T]) Serialize(value T) ([]byte, error) {
	return bintly.Marshal(&value)
}

func (reflectCodec[T]) Deserialize(data []byte) (value T, err error) {
	defer corrupt(&err, fmt.Sprintf("%T", value))
	if err = bintly.Unmarshal(data, &value); err != nil {
		return value, fmt.Errorf("codec: %v: %w", err, storage.ErrCorrupt)
	}
	return value, nil
}
