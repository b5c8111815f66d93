package hash

import (
	"fmt"
	"strings"

	"github.com/minio/highwayhash"
	"github.com/spaolacci/murmur3"
)

// Hasher maps serialized key bytes to a 32-bit hash code.
type Hasher interface {
	Sum32(data []byte) uint32
}

// Func adapts a function to Hasher.
type Func func(data []byte) uint32

// Sum32 implements Hasher.
func (f Func) Sum32(data []byte) uint32 {
	return f(data)
}

const (
	Highway = "highway"
	Murmur3 = "murmur3"
)

var key = []byte("0123456789ABCDEF0123456789ABCDEF")

// Hash64 returns the 64-bit highway hash of data.
func Hash64(data []byte) uint64 {
	return highwayhash.Sum64(data, key)
}

// HighwayHasher folds the 64-bit highway hash into 32 bits.
var HighwayHasher Hasher = Func(func(data []byte) uint32 {
	h := Hash64(data)
	return uint32(h ^ h>>32)
})

// MurmurHasher uses 32-bit murmur3.
var MurmurHasher Hasher = Func(murmur3.Sum32)

// New returns the hasher registered under name; empty selects highway.
func New(name string) (Hasher, error) {
	switch strings.ToLower(name) {
	case "", Highway:
		return HighwayHasher, nil
	case Murmur3, "murmur":
		return MurmurHasher, nil
	}
	return nil, fmt.Errorf("hash: unsupported function %q", name)
}

// Spread mixes the high bits into the low bits and clears the sign bit.
func Spread(h uint32) uint32 {
	return (h ^ h>>16) & 0x7fffffff
}

// Shard selects one of shardCount buckets; shardCount must be a power of two.
func Shard(h uint32, shardCount int) int {
	return int(Spread(h) & uint32(shardCount-1))
}
