package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/eversaid/wrapper/internal/metrics"
)

// slidingWindow trims the window, admits the request if there is room and
// otherwise returns the oldest score still inside the window. Denied
// requests are not recorded, so a client backing off regains access.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[2])
if redis.call('ZCARD', key) < tonumber(ARGV[3]) then
	redis.call('ZADD', key, ARGV[1], ARGV[4])
	redis.call('PEXPIRE', key, ARGV[5])
	return {1, ''}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {0, oldest[2]}
`)

// IssueLimiter is a per-IP sliding window over Redis sorted sets. It caps
// how many Core API identities one address can mint, whichever route the
// request came through.
type IssueLimiter struct {
	client    redis.Scripter
	prefix    string
	maxReqs   int
	windowSec int
}

// NewIssueLimiter allows maxReqs identities per windowSec seconds for each
// address. prefix namespaces the Redis keys.
func NewIssueLimiter(client redis.Scripter, prefix string, maxReqs, windowSec int) *IssueLimiter {
	return &IssueLimiter{client: client, prefix: prefix, maxReqs: maxReqs, windowSec: windowSec}
}

// AllowIssue returns 0 when ip may mint another identity, otherwise the
// whole seconds until the oldest issue leaves the window.
func (l *IssueLimiter) AllowIssue(ctx context.Context, ip string) (int, error) {
	now := time.Now().UnixMilli()
	window := int64(l.windowSec) * 1000
	key := "ratelimit:" + l.prefix + ":" + ip

	res, err := slidingWindow.Run(ctx, l.client, []string{key},
		now,
		now-window,
		l.maxReqs,
		uuid.NewString(),
		window+1000,
	).Slice()
	if err != nil {
		return 0, fmt.Errorf("issue limiter: %w", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("issue limiter: unexpected script reply %v", res)
	}
	if admitted, _ := res[0].(int64); admitted == 1 {
		return 0, nil
	}

	wait := window
	if raw, ok := res[1].(string); ok {
		if oldest, err := strconv.ParseFloat(raw, 64); err == nil {
			wait = int64(oldest) + window - now
		}
	}
	secs := max(1, int((wait+999)/1000))
	metrics.RateLimitChecksTotal.WithLabelValues(l.prefix, "denied", "session_issue").Inc()
	return secs, nil
}
