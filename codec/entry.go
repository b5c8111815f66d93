package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/viant/embedkv/storage"
)

const (
	// FlagCompressed marks an s2 encoded value.
	FlagCompressed byte = 1 << iota
)

// minCompressSize is the smallest value worth compressing.
const minCompressSize = 64

// Entry is a decoded log payload.
type Entry struct {
	Key   []byte
	Value []byte
	Flags byte
}

// EncodeEntry builds the log payload [flags][keyLen uvarint][key][value],
// s2 compressing the value when asked and when it actually shrinks.
func EncodeEntry(key, value []byte, compress bool) []byte {
	var flags byte
	if compress && len(value) >= minCompressSize {
		if encoded := s2.Encode(nil, value); len(encoded) < len(value) {
			value = encoded
			flags |= FlagCompressed
		}
	}
	buf := make([]byte, 0, 1+binary.MaxVarintLen64+len(key)+len(value))
	buf = append(buf, flags)
	buf = binary.AppendUvarint(buf, uint64(len(key)))
	buf = append(buf, key...)
	return append(buf, value...)
}

// DecodeEntry parses a payload built by EncodeEntry. The returned key aliases
// payload; the value does too unless it was compressed.
func DecodeEntry(payload []byte) (Entry, error) {
	if len(payload) < 2 {
		return Entry{}, fmt.Errorf("codec: entry of %d bytes: %w", len(payload), storage.ErrCorrupt)
	}
	entry := Entry{Flags: payload[0]}
	keyLen, n := binary.Uvarint(payload[1:])
	if n <= 0 || keyLen > uint64(len(payload)-1-n) {
		return Entry{}, fmt.Errorf("codec: entry key length: %w", storage.ErrCorrupt)
	}
	start := 1 + n
	entry.Key = payload[start : start+int(keyLen)]
	entry.Value = payload[start+int(keyLen):]
	if entry.Flags&FlagCompressed != 0 {
		value, err := s2.Decode(nil, entry.Value)
		if err != nil {
			return Entry{}, fmt.Errorf("codec: entry value: %v: %w", err, storage.ErrCorrupt)
		}
		entry.Value = value
	}
	return entry, nil
}

// DecodeKey returns only the key of a payload, skipping value decompression.
func DecodeKey(payload []byte) ([]byte, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("codec: entry of %d bytes: %w", len(payload), storage.ErrCorrupt)
	}
	keyLen, n := binary.Uvarint(payload[1:])
	if n <= 0 || keyLen > uint64(len(payload)-1-n) {
		return nil, fmt.Errorf("codec: entry key length: %w", storage.ErrCorrupt)
	}
	return payload[1+n : 1+n+int(keyLen)], nil
}
