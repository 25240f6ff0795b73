package health

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua script for the per-unit daily counter. Checks the limit and increments
// in one round trip so concurrent workers cannot both take the last slot.
const dailyCapacityScript = `
local key = KEYS[1]
local increment = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key) or "0")

if current + increment > limit then
    return {0, current}
end

local newVal = redis.call("INCRBY", key, increment)
if newVal == increment then
    redis.call("EXPIRE", key, ttl)
end

return {1, newVal}
`

// CapacityLimiter enforces each unit's daily send limit and serializes
// in-flight dispatches per unit, both backed by Redis so limits hold across
// scheduler replicas.
type CapacityLimiter struct {
	redis  *redis.Client
	script *redis.Script
	now    func() time.Time

	// LockTTL bounds how long a crashed worker can hold a unit.
	LockTTL time.Duration
}

// NewCapacityLimiter creates a limiter with a pre-compiled counter script.
func NewCapacityLimiter(client *redis.Client) *CapacityLimiter {
	return &CapacityLimiter{
		redis:   client,
		script:  redis.NewScript(dailyCapacityScript),
		now:     time.Now,
		LockTTL: 2 * time.Minute,
	}
}

func (c *CapacityLimiter) dayKey(unitID string) string {
	return fmt.Sprintf("capacity:unit:%s:day:%s", unitID, c.now().UTC().Format("2006-01-02"))
}

// Reserve takes one slot of the unit's daily limit. Returns false with the
// current count when the unit is at capacity for the day.
func (c *CapacityLimiter) Reserve(ctx context.Context, unitID string, dailyLimit int) (bool, int64, error) {
	// 25h TTL so the key outlives the day across timezone math.
	result, err := c.script.Run(ctx, c.redis,
		[]string{c.dayKey(unitID)},
		1, dailyLimit, 90000,
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("capacity check failed for unit %s: %w", unitID, err)
	}

	allowed := result[0].(int64) == 1
	count := result[1].(int64)
	return allowed, count, nil
}

// Refund returns a reserved slot, for dispatches that were reserved but
// never handed to a provider.
func (c *CapacityLimiter) Refund(ctx context.Context, unitID string) error {
	return c.redis.Decr(ctx, c.dayKey(unitID)).Err()
}

// Usage reports the unit's send count for the current day.
func (c *CapacityLimiter) Usage(ctx context.Context, unitID string) (int64, error) {
	n, err := c.redis.Get(ctx, c.dayKey(unitID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// TryLock claims the unit's in-flight slot. At most one dispatch runs per
// unit at a time; callers that fail to lock requeue the attempt.
func (c *CapacityLimiter) TryLock(ctx context.Context, unitID string) (bool, error) {
	ok, err := c.redis.SetNX(ctx, "inflight:unit:"+unitID, 1, c.LockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("in-flight lock failed for unit %s: %w", unitID, err)
	}
	return ok, nil
}

// Unlock releases the unit's in-flight slot.
func (c *CapacityLimiter) Unlock(ctx context.Context, unitID string) error {
	return c.redis.Del(ctx, "inflight:unit:"+unitID).Err()
}
