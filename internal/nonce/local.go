package nonce

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/VictoriaMetrics/fastcache"
)

const defaultLocalBytes = 32 * 1024 * 1024

// LocalBackend keeps nonce records in process memory. Each value is
// prefixed with its expiry so stale records are dropped on read.
type LocalBackend struct {
	cache *fastcache.Cache
	now   func() time.Time
}

func NewLocalBackend(maxBytes int) *LocalBackend {
	if maxBytes <= 0 {
		maxBytes = defaultLocalBytes
	}
	return &LocalBackend{cache: fastcache.New(maxBytes), now: time.Now}
}

func (b *LocalBackend) Load(_ context.Context, key string) ([]byte, bool, error) {
	raw, ok := b.cache.HasGet(nil, []byte(key))
	if !ok || len(raw) < 8 {
		return nil, false, nil
	}
	expires := int64(binary.BigEndian.Uint64(raw[:8]))
	if b.now().UnixNano() >= expires {
		b.cache.Del([]byte(key))
		return nil, false, nil
	}
	return raw[8:], true, nil
}

func (b *LocalBackend) Store(_ context.Context, key string, value []byte, ttl time.Duration) error {
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf[:8], uint64(b.now().Add(ttl).UnixNano()))
	copy(buf[8:], value)
	b.cache.Set([]byte(key), buf)
	return nil
}

func (b *LocalBackend) Reset() {
	b.cache.Reset()
}
