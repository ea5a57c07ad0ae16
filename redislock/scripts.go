package redislock

import "github.com/go-redis/redis/v8"

// Every script touches a single key slot so they run unchanged on a cluster.

var acquireScript = redis.NewScript(`
local holder = redis.call('GET', KEYS[1])
if holder ~= false and holder ~= ARGV[1] then
	return 0
end
local ttl = tonumber(ARGV[2])
if ttl > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
else
	redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return 0
end
local ttl = tonumber(ARGV[2])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
else
	redis.call('PERSIST', KEYS[1])
end
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Read/write locks live in a hash: field "mode" and one "o:<owner>" field per holder.
var acquireSharedScript = redis.NewScript(`
local field = 'o:' .. ARGV[1]
local mode = redis.call('HGET', KEYS[1], 'mode')
local created = false
if mode == false then
	redis.call('HSET', KEYS[1], 'mode', ARGV[2])
	redis.call('HSET', KEYS[1], field, 1)
	created = true
elseif mode == ARGV[2] and (mode == 'read' or redis.call('HEXISTS', KEYS[1], field) == 1) then
	redis.call('HINCRBY', KEYS[1], field, 1)
else
	return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	local current = redis.call('PTTL', KEYS[1])
	if created or (current >= 0 and current < ttl) then
		redis.call('PEXPIRE', KEYS[1], ttl)
	end
else
	redis.call('PERSIST', KEYS[1])
end
return 1
`)

var renewSharedScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'mode') ~= ARGV[2] or redis.call('HEXISTS', KEYS[1], 'o:' .. ARGV[1]) == 0 then
	return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	local current = redis.call('PTTL', KEYS[1])
	if current >= 0 and current < ttl then
		redis.call('PEXPIRE', KEYS[1], ttl)
	end
else
	redis.call('PERSIST', KEYS[1])
end
return 1
`)

var releaseSharedScript = redis.NewScript(`
local field = 'o:' .. ARGV[1]
if redis.call('HGET', KEYS[1], 'mode') ~= ARGV[2] or redis.call('HEXISTS', KEYS[1], field) == 0 then
	return 0
end
redis.call('HDEL', KEYS[1], field)
if redis.call('HLEN', KEYS[1]) <= 1 then
	redis.call('DEL', KEYS[1])
end
return 1
`)

// Fair locks: KEYS[1] holder, KEYS[2] queue (zset by ticket), KEYS[3] ticket
// counter, KEYS[4] last poll time per waiter. Waiters at the head that stopped
// polling for longer than ARGV[4] ms lose their place.
var acquireFairScript = redis.NewScript(`
local owner = ARGV[1]
local ttl = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local stale = tonumber(ARGV[4])
local holder = redis.call('GET', KEYS[1])
if holder == owner then
	if ttl > 0 then
		redis.call('PEXPIRE', KEYS[1], ttl)
	else
		redis.call('PERSIST', KEYS[1])
	end
	return 1
end
if redis.call('ZSCORE', KEYS[2], owner) == false then
	redis.call('ZADD', KEYS[2], redis.call('INCR', KEYS[3]), owner)
end
redis.call('HSET', KEYS[4], owner, now)
if stale > 0 then
	while true do
		local head = redis.call('ZRANGE', KEYS[2], 0, 0)
		if #head == 0 or head[1] == owner then
			break
		end
		local seen = tonumber(redis.call('HGET', KEYS[4], head[1]))
		if seen ~= nil and now - seen <= stale then
			break
		end
		redis.call('ZREM', KEYS[2], head[1])
		redis.call('HDEL', KEYS[4], head[1])
	end
end
for i = 2, 4 do
	redis.call('PEXPIRE', KEYS[i], 3600000)
end
if holder ~= false then
	return 0
end
local head = redis.call('ZRANGE', KEYS[2], 0, 0)
if head[1] ~= owner then
	return 0
end
redis.call('ZREM', KEYS[2], owner)
redis.call('HDEL', KEYS[4], owner)
if ttl > 0 then
	redis.call('SET', KEYS[1], owner, 'PX', ttl)
else
	redis.call('SET', KEYS[1], owner)
end
return 1
`)

var cancelFairScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

// Rate-limit scripts return {allowed, remaining, resetMs, retryAfterMs, count}.

var slidingWindowScript = redis.NewScript(`
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local permits = tonumber(ARGV[4])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
local reset = now + window
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #oldest > 0 then
	reset = tonumber(oldest[2]) + window
end
if count + permits > limit then
	return {0, math.max(0, limit - count), reset, math.max(1, reset - now), count}
end
for i = 1, permits do
	redis.call('ZADD', KEYS[1], now, ARGV[5] .. ':' .. i)
end
if permits > 0 then
	redis.call('PEXPIRE', KEYS[1], window)
end
return {1, limit - count - permits, reset, 0, count + permits}
`)

// distributedWindowScript keeps one window for every instance. Members are
// prefixed with their instance so the instance count needs no second key,
// which keeps the script on one cluster slot.
var distributedWindowScript = redis.NewScript(`
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local quota = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local permits = tonumber(ARGV[5])
local prefix = ARGV[6] .. '|'
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local entries = redis.call('ZRANGE', KEYS[1], 0, -1, 'WITHSCORES')
local count = #entries / 2
local own = 0
local ownOldest = nil
for i = 1, #entries, 2 do
	if string.sub(entries[i], 1, #prefix) == prefix then
		own = own + 1
		if ownOldest == nil then
			ownOldest = tonumber(entries[i + 1])
		end
	end
end
local reset = now + window
if count > 0 then
	reset = tonumber(entries[2]) + window
end
local left = math.min(limit - count, quota - own)
if count + permits > limit or own + permits > quota then
	if count + permits <= limit and ownOldest ~= nil then
		reset = ownOldest + window
	end
	return {0, math.max(0, left), reset, math.max(1, reset - now), count}
end
for i = 1, permits do
	redis.call('ZADD', KEYS[1], now, prefix .. ARGV[7] .. ':' .. i)
end
if permits > 0 then
	redis.call('PEXPIRE', KEYS[1], window)
end
return {1, left - permits, reset, 0, count + permits}
`)

var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local permits = tonumber(ARGV[4])
local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
	tokens = capacity
	ts = now
end
local elapsed = now - ts
if elapsed > 0 then
	local added = math.floor(elapsed * rate / 1000)
	if tokens + added >= capacity then
		tokens = capacity
		ts = now
	elseif added > 0 then
		tokens = tokens + added
		ts = ts + math.floor(added * 1000 / rate)
	end
end
if tokens >= capacity then
	ts = now
end
local allowed = 0
local retry = 0
if tokens >= permits then
	tokens = tokens - permits
	allowed = 1
else
	retry = math.max(1, math.ceil((permits - tokens) * 1000 / rate) - (now - ts))
end
redis.call('HMSET', KEYS[1], 'tokens', tokens, 'ts', ts)
redis.call('PEXPIRE', KEYS[1], math.ceil(capacity * 1000 / rate) + 1000)
return {allowed, tokens, now + math.ceil((capacity - tokens) * 1000 / rate), retry, capacity - tokens}
`)

var leakyBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local permits = tonumber(ARGV[4])
local state = redis.call('HMGET', KEYS[1], 'level', 'ts')
local level = tonumber(state[1]) or 0
local ts = tonumber(state[2]) or now
local elapsed = now - ts
if elapsed > 0 then
	local leaked = math.floor(elapsed * rate / 1000)
	if leaked >= level then
		level = 0
		ts = now
	elseif leaked > 0 then
		level = level - leaked
		ts = ts + math.floor(leaked * 1000 / rate)
	end
end
if level == 0 then
	ts = now
end
local allowed = 0
local retry = 0
if level + permits > capacity then
	retry = math.max(1, math.ceil((level + permits - capacity) * 1000 / rate) - (now - ts))
else
	level = level + permits
	allowed = 1
end
redis.call('HMSET', KEYS[1], 'level', level, 'ts', ts)
redis.call('PEXPIRE', KEYS[1], math.ceil(capacity * 1000 / rate) + 1000)
return {allowed, math.max(0, capacity - level), now + math.ceil(level * 1000 / rate), retry, level}
`)

// KEYS[1] is the counter of the current window, computed by the caller.
var fixedWindowScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local permits = tonumber(ARGV[2])
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count + permits > limit then
	return {0, math.max(0, limit - count), count}
end
if permits > 0 then
	count = redis.call('INCRBY', KEYS[1], permits)
	if count == permits then
		redis.call('PEXPIRE', KEYS[1], ARGV[3])
	end
end
return {1, limit - count, count}
`)
