// Package idempotency derives checkout keys and holds the cross-instance
// lock that keeps two replicas from running the same checkout at once.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	HeaderName = "Idempotency-Key"
	maxKeyLen  = 255
	lockPrefix = "checkout:lock:"
)

// Key returns the client supplied key, or "" when none was sent.
func Key(r *http.Request) (string, error) {
	key := strings.TrimSpace(r.Header.Get(HeaderName))
	if len(key) > maxKeyLen {
		return "", fmt.Errorf("%s longer than %d bytes", HeaderName, maxKeyLen)
	}
	return key, nil
}

// Derive hashes parts into a stable key. Parts are length-prefixed so
// ("ab","c") and ("a","bc") differ.
func Derive(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%d:%s;", len(p), p)
	}
	return "auto-" + hex.EncodeToString(h.Sum(nil))
}

// releaseScript deletes the lock only while it still holds our token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

type RedisLocker struct {
	client redis.Cmdable
}

func NewRedisLocker(client redis.Cmdable) *RedisLocker {
	return &RedisLocker{client: client}
}

// Acquire tries to take the lock for key. ok is false when another holder
// has it. The returned token must be passed to Release.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = l.client.SetNX(ctx, lockPrefix+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	if err := l.client.Eval(ctx, releaseScript, []string{lockPrefix + key}, token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}
