package redisq

// Lua scripts keep every queue mutation atomic. Waiting-set scores encode
// priority then arrival order: score = priority * 1e13 + seq, where seq is a
// monotonically increasing counter. Lua numbers are doubles, so scores stay
// exactly representable well past any realistic seq.

const enqueueScript = `
local seq = redis.call("INCR", KEYS[3])
redis.call("HSET", KEYS[4], "owner", ARGV[2], "priority", ARGV[3], "attempt", 0)
local delay = tonumber(ARGV[4])
if delay > 0 then
  redis.call("ZADD", KEYS[2], tonumber(ARGV[5]) + delay, ARGV[1])
else
  redis.call("ZADD", KEYS[1], tonumber(ARGV[3]) * 1e13 + seq, ARGV[1])
end
return seq
`

const leaseScript = `
-- promote delayed jobs that are due
local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(due) do
  local pr = tonumber(redis.call("HGET", ARGV[4] .. id, "priority") or "10")
  local seq = redis.call("INCR", KEYS[5])
  redis.call("ZREM", KEYS[2], id)
  redis.call("ZADD", KEYS[1], pr * 1e13 + seq, id)
end
-- re-queue leases past their visibility deadline; the worker is presumed dead
local expired = redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(expired) do
  local key = ARGV[4] .. id
  local owner = redis.call("HGET", key, "owner")
  redis.call("ZREM", KEYS[3], id)
  if owner then
    local c = tonumber(redis.call("HGET", KEYS[4], owner) or "0")
    if c > 0 then redis.call("HSET", KEYS[4], owner, c - 1) end
  end
  redis.call("HINCRBY", key, "attempt", 1)
  local pr = tonumber(redis.call("HGET", key, "priority") or "10")
  local seq = redis.call("INCR", KEYS[5])
  redis.call("ZADD", KEYS[1], pr * 1e13 + seq, id)
end
-- pop the first waiting job whose owner is under the concurrency cap
local cands = redis.call("ZRANGE", KEYS[1], 0, tonumber(ARGV[5]) - 1)
for _, id in ipairs(cands) do
  local key = ARGV[4] .. id
  local owner = redis.call("HGET", key, "owner") or ""
  local c = tonumber(redis.call("HGET", KEYS[4], owner) or "0")
  if c < tonumber(ARGV[3]) then
    redis.call("ZREM", KEYS[1], id)
    redis.call("HSET", KEYS[4], owner, c + 1)
    redis.call("ZADD", KEYS[3], ARGV[2], id)
    local attempt = tonumber(redis.call("HGET", key, "attempt") or "0")
    return { id, owner, attempt }
  end
end
return false
`

const releaseScript = `
local removed = redis.call("ZREM", KEYS[1], ARGV[1])
local key = ARGV[2] .. ARGV[1]
local owner = redis.call("HGET", key, "owner")
if owner and removed == 1 then
  local c = tonumber(redis.call("HGET", KEYS[2], owner) or "0")
  if c > 0 then redis.call("HSET", KEYS[2], owner, c - 1) end
end
redis.call("DEL", key)
redis.call("INCR", KEYS[3])
return removed
`

const removeScript = `
local removed = redis.call("ZREM", KEYS[1], ARGV[1])
if removed == 0 then
  removed = redis.call("ZREM", KEYS[2], ARGV[1])
end
if removed == 1 then
  redis.call("DEL", ARGV[2] .. ARGV[1])
end
return removed
`
