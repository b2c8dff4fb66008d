package limiter

// This file contains the Lua scripts for atomic Redis operations on the
// sliding-window counters. The scripts are the serialization point of the
// whole system: every node evaluates admission through them, so the counters
// stay consistent without any distributed lock.
//
// Counter layout: one sorted set per dimension, members "<event_id>:<cost>"
// scored by the admission timestamp in fractional seconds. The cost rides in
// the member so a window sum is a single pass over the surviving members.

const (
	// admitScript atomically evicts expired events, checks the three limits
	// in fixed order (input, output, request), and commits the three events
	// only when all checks pass.
	//
	// Keys:
	//   KEYS[1] - input tokens zset  (e.g. "rate_limit:{key}:input_tokens")
	//   KEYS[2] - output tokens zset (e.g. "rate_limit:{key}:output_tokens")
	//   KEYS[3] - requests zset      (e.g. "rate_limit:{key}:requests")
	//
	// Args:
	//   ARGV[1] - now, seconds with fractional precision (float)
	//   ARGV[2] - window size in seconds (integer)
	//   ARGV[3] - input token cost (integer, >= 0)
	//   ARGV[4] - output token cost (integer, >= 0)
	//   ARGV[5] - input TPM limit (integer)
	//   ARGV[6] - output TPM limit (integer)
	//   ARGV[7] - RPM limit (integer)
	//   ARGV[8] - event id (string, unique per admission)
	//   ARGV[9] - key TTL in seconds (integer, >= window)
	//
	// Returns:
	//   {1} on admit
	//   {0, dimension, oldest_score} on deny, where oldest_score is the
	//   timestamp of the oldest surviving event of the violating counter,
	//   or the empty string when the counter holds no events (the request
	//   alone exceeds the limit).
	admitScript = `
local input_key = KEYS[1]
local output_key = KEYS[2]
local request_key = KEYS[3]

local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local cost_in = tonumber(ARGV[3])
local cost_out = tonumber(ARGV[4])
local limit_in = tonumber(ARGV[5])
local limit_out = tonumber(ARGV[6])
local limit_req = tonumber(ARGV[7])
local event_id = ARGV[8]
local ttl = tonumber(ARGV[9])

local window_start = now - window
local cutoff = string.format('(%f', window_start)

-- 1. Evict everything outside the window. Events at exactly window_start
--    still count; only strictly older ones expire.
redis.call('ZREMRANGEBYSCORE', input_key, '-inf', cutoff)
redis.call('ZREMRANGEBYSCORE', output_key, '-inf', cutoff)
redis.call('ZREMRANGEBYSCORE', request_key, '-inf', cutoff)

local function used(key)
    local total = 0
    local members = redis.call('ZRANGE', key, 0, -1)
    for i = 1, #members do
        local cost = tonumber(string.match(members[i], ':(%d+)$'))
        if cost then
            total = total + cost
        end
    end
    return total
end

local function oldest(key)
    local head = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    if head[2] then
        return head[2]
    end
    return ''
end

-- 2. Check in fixed order so denial reasons are deterministic.
if used(input_key) + cost_in > limit_in then
    return {0, 'INPUT_TPM', oldest(input_key)}
end
if used(output_key) + cost_out > limit_out then
    return {0, 'OUTPUT_TPM', oldest(output_key)}
end
if used(request_key) + 1 > limit_req then
    return {0, 'RPM', oldest(request_key)}
end

-- 3. Commit. Zero-cost token events are skipped: they cannot change a sum.
local score = string.format('%f', now)
if cost_in > 0 then
    redis.call('ZADD', input_key, score, event_id .. ':' .. cost_in)
end
if cost_out > 0 then
    redis.call('ZADD', output_key, score, event_id .. ':' .. cost_out)
end
redis.call('ZADD', request_key, score, event_id .. ':1')

redis.call('EXPIRE', input_key, ttl)
redis.call('EXPIRE', output_key, ttl)
redis.call('EXPIRE', request_key, ttl)

return {1}
`

	// reconcileScript replaces a committed output event's cost with the
	// actual completion token count. It never re-checks limits: a transient
	// overshoot expires within the window.
	//
	// Keys:
	//   KEYS[1] - output tokens zset
	//
	// Args:
	//   ARGV[1] - event id
	//   ARGV[2] - old cost (integer)
	//   ARGV[3] - new cost (integer)
	//
	// Returns:
	//   1 if the event was replaced, 0 if it had already expired.
	reconcileScript = `
local output_key = KEYS[1]
local member = ARGV[1] .. ':' .. ARGV[2]

local score = redis.call('ZSCORE', output_key, member)
if not score then
    return 0
end

redis.call('ZREM', output_key, member)
local new_cost = tonumber(ARGV[3])
if new_cost > 0 then
    redis.call('ZADD', output_key, score, ARGV[1] .. ':' .. ARGV[3])
end

return 1
`
)
