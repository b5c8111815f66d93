package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
	"github.com/viant/bintly"
	"github.com/viant/embedkv/storage"
)

// HeaderSize is the fixed length of the meta page at the start of the log.
const HeaderSize = 256

var magic = []byte("EKV1")

// meta is the persisted log header.
type meta struct {
	LogPosition int64
	Size        int32
	Epoch       uint32
}

// EncodeBinary encodes the header into a bintly stream
func (m *meta) EncodeBinary(stream *bintly.Writer) error {
	stream.Int64(m.LogPosition)
	stream.Int32(m.Size)
	stream.Uint32(m.Epoch)
	return nil
}

// DecodeBinary decodes the header from a bintly stream
func (m *meta) DecodeBinary(stream *bintly.Reader) error {
	stream.Int64(&m.LogPosition)
	stream.Int32(&m.Size)
	stream.Uint32(&m.Epoch)
	return nil
}

func newMeta(previous uint32) meta {
	epoch := uuid.New().ID()
	for epoch == 0 || epoch == previous {
		epoch = uuid.New().ID()
	}
	return meta{LogPosition: HeaderSize, Epoch: epoch}
}

var writers = bintly.NewWriters()
var readers = bintly.NewReaders()

// encodePage lays out [magic][n:4][bintly header:n][crc32:4] in a HeaderSize page.
func (m *meta) encodePage() ([]byte, error) {
	writer := writers.Get()
	defer writers.Put(writer)
	if err := m.EncodeBinary(writer); err != nil {
		return nil, err
	}
	body := writer.Bytes()
	if len(magic)+8+len(body) > HeaderSize {
		return nil, fmt.Errorf("wal: header of %d bytes exceeds page", len(body))
	}
	page := make([]byte, HeaderSize)
	copy(page, magic)
	binary.LittleEndian.PutUint32(page[4:], uint32(len(body)))
	copy(page[8:], body)
	binary.LittleEndian.PutUint32(page[8+len(body):], crc32.ChecksumIEEE(body))
	return page, nil
}

// isBlank reports whether page was never written.
func isBlank(page []byte) bool {
	for _, b := range page {
		if b != 0 {
			return false
		}
	}
	return true
}

func decodePage(page []byte) (m meta, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("wal: header: %v: %w", r, storage.ErrCorrupt)
		}
	}()
	if len(page) < HeaderSize || !bytes.Equal(page[:4], magic) {
		return m, fmt.Errorf("wal: header magic: %w", storage.ErrCorrupt)
	}
	n := int(binary.LittleEndian.Uint32(page[4:]))
	if n <= 0 || 8+n+4 > HeaderSize {
		return m, fmt.Errorf("wal: header length %d: %w", n, storage.ErrCorrupt)
	}
	body := page[8 : 8+n]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(page[8+n:]) {
		return m, fmt.Errorf("wal: header checksum: %w", storage.ErrCorrupt)
	}
	reader := readers.Get()
	defer readers.Put(reader)
	if err = reader.FromBytes(body); err != nil {
		return m, fmt.Errorf("wal: header: %v: %w", err, storage.ErrCorrupt)
	}
	if err = m.DecodeBinary(reader); err != nil {
		return m, fmt.Errorf("wal: header: %v: %w", err, storage.ErrCorrupt)
	}
	if m.LogPosition < HeaderSize || m.Size < 0 {
		return m, fmt.Errorf("wal: header position %d size %d: %w", m.LogPosition, m.Size, storage.ErrCorrupt)
	}
	return m, nil
}
