package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/viant/embedkv/storage"
)

// Record layout: [kind:1][epoch:4][len:uvarint][payload:len][crc32:4][recLen:4]
// The crc covers epoch, len and payload. recLen repeats the full record length
// so the log can be walked backwards.
const (
	kindLive = 0x01
	kindDead = 0xFE

	trailerSize = 8
	prefixSize  = 1 + 4 + binary.MaxVarintLen64
)

// Record is a decoded log record.
type Record struct {
	Offset  int64
	Live    bool
	Epoch   uint32
	Payload []byte
	// Len is the full framed length, so the next record starts at Offset+Len.
	Len int64
}

// Next returns the offset following the record.
func (r *Record) Next() int64 {
	return r.Offset + r.Len
}

func recordSize(payloadLen int) int64 {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(payloadLen))
	return int64(1 + 4 + n + payloadLen + trailerSize)
}

func encodeRecord(epoch uint32, payload []byte) []byte {
	size := recordSize(len(payload))
	buf := make([]byte, 0, size)
	buf = append(buf, kindLive)
	buf = binary.LittleEndian.AppendUint32(buf, epoch)
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf[1:]))
	return binary.LittleEndian.AppendUint32(buf, uint32(size))
}

// frameLength returns the full record length announced by a record prefix.
func frameLength(prefix []byte) (int64, error) {
	if len(prefix) < 6 {
		return 0, fmt.Errorf("wal: short record prefix: %w", storage.ErrCorrupt)
	}
	if kind := prefix[0]; kind != kindLive && kind != kindDead {
		return 0, fmt.Errorf("wal: record kind %#x: %w", kind, storage.ErrCorrupt)
	}
	length, n := binary.Uvarint(prefix[5:])
	if n <= 0 || length > 1<<31 {
		return 0, fmt.Errorf("wal: record length: %w", storage.ErrCorrupt)
	}
	return int64(1+4+n) + int64(length) + trailerSize, nil
}

func decodeRecord(buf []byte, offset int64) (*Record, error) {
	total, err := frameLength(buf)
	if err != nil {
		return nil, err
	}
	if int64(len(buf)) != total {
		return nil, fmt.Errorf("wal: record at %d has %d of %d bytes: %w", offset, len(buf), total, storage.ErrCorrupt)
	}
	crcAt := len(buf) - trailerSize
	if crc32.ChecksumIEEE(buf[1:crcAt]) != binary.LittleEndian.Uint32(buf[crcAt:]) {
		return nil, fmt.Errorf("wal: record at %d checksum: %w", offset, storage.ErrCorrupt)
	}
	if int64(binary.LittleEndian.Uint32(buf[crcAt+4:])) != total {
		return nil, fmt.Errorf("wal: record at %d trailer: %w", offset, storage.ErrCorrupt)
	}
	_, n := binary.Uvarint(buf[5:])
	return &Record{
		Offset:  offset,
		Live:    buf[0] == kindLive,
		Epoch:   binary.LittleEndian.Uint32(buf[1:5]),
		Payload: buf[5+n : crcAt],
		Len:     total,
	}, nil
}
