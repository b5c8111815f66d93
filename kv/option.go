package kv

import (
	"github.com/viant/afs"
	"github.com/viant/embedkv/codec"
	"github.com/viant/embedkv/hash"
	"github.com/viant/embedkv/queue"
)

// Option configures a Store.
type Option func(o *options)

type options struct {
	keySerializer   any
	valueSerializer any
	hasher          hash.Hasher
	scheduler       queue.Scheduler
	fs              afs.Service
	logf            func(format string, args ...any)
}

// WithKeySerializer replaces the default key serializer; K must match the store key type.
func WithKeySerializer[K any](s codec.Serializer[K]) Option {
	return func(o *options) { o.keySerializer = s }
}

// WithValueSerializer replaces the default value serializer; V must match the store value type.
func WithValueSerializer[V any](s codec.Serializer[V]) Option {
	return func(o *options) { o.valueSerializer = s }
}

// WithHasher overrides the configured hash function.
func WithHasher(h hash.Hasher) Option {
	return func(o *options) { o.hasher = h }
}

// WithScheduler sets the scheduler driving deferred header writes.
func WithScheduler(s queue.Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

// WithFS sets the afs service used by Backup.
func WithFS(fs afs.Service) Option {
	return func(o *options) { o.fs = fs }
}

// WithLogf sets the log function.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(o *options) { o.logf = logf }
}
