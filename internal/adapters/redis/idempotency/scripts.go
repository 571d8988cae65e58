package idempotency

import "github.com/redis/go-redis/v9"

// All scripts take KEYS[1]=entry hash, KEYS[2]=recent sorted set, KEYS[3]=first-seen hash.
// The three keys share the tenant hash tag so the scripts are cluster safe.
// Times are unix milliseconds supplied by the caller's clock.

const ringPrelude = `
local function touch_ring(zkey, hkey, member, now, cap)
  redis.call('ZADD', zkey, now, member)
  redis.call('HSETNX', hkey, member, now)
  local n = redis.call('ZCARD', zkey)
  if n > cap then
    local old = redis.call('ZRANGE', zkey, 0, n - cap - 1)
    for _, m in ipairs(old) do
      redis.call('HDEL', hkey, m)
    end
    redis.call('ZREMRANGEBYRANK', zkey, 0, n - cap - 1)
  end
end
`

// ARGV: token, fingerprint, now, ttl, overwrite, retention, ring cap, member
var acquireScript = redis.NewScript(ringPrelude + `
local cur = redis.call('HGETALL', KEYS[1])
local snap = {}
for i = 1, #cur, 2 do
  snap[cur[i]] = cur[i + 1]
end
local now = tonumber(ARGV[3])
local replaced = {}
if snap.state then
  if tonumber(snap.exp) > now then
    if snap.state == 'in_progress' then
      return {0, cur}
    end
    if snap.state == 'stored' and (ARGV[5] ~= '1' or snap.fp == ARGV[2]) then
      return {0, cur}
    end
    replaced = cur
  end
  redis.call('DEL', KEYS[1])
end
local ttl = tonumber(ARGV[4])
redis.call('HSET', KEYS[1],
  'state', 'in_progress', 'owner', ARGV[1], 'fp', ARGV[2],
  'created', ARGV[3], 'updated', ARGV[3], 'exp', now + ttl, 'ttl', ARGV[4], 'replays', 0)
redis.call('PEXPIRE', KEYS[1], ttl + tonumber(ARGV[6]))
touch_ring(KEYS[2], KEYS[3], ARGV[8], now, tonumber(ARGV[7]))
return {1, replaced}
`)

// ARGV: token, now, ttl, retention, status, content type, headers json, body, ring cap, member
var storeScript = redis.NewScript(ringPrelude + `
local cur = redis.call('HMGET', KEYS[1], 'state', 'owner')
if cur[1] ~= 'in_progress' or cur[2] ~= ARGV[1] then
  return 0
end
local now = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
redis.call('HSET', KEYS[1],
  'state', 'stored', 'status', ARGV[5], 'ctype', ARGV[6], 'headers', ARGV[7], 'body', ARGV[8],
  'updated', ARGV[2], 'exp', now + ttl, 'ttl', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ttl + tonumber(ARGV[4]))
touch_ring(KEYS[2], KEYS[3], ARGV[10], now, tonumber(ARGV[9]))
return 1
`)

// ARGV: token, now, ring cap, member
var releaseScript = redis.NewScript(ringPrelude + `
local cur = redis.call('HMGET', KEYS[1], 'state', 'owner')
if cur[1] ~= 'in_progress' or cur[2] ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'released', 'updated', ARGV[2])
touch_ring(KEYS[2], KEYS[3], ARGV[4], tonumber(ARGV[2]), tonumber(ARGV[3]))
return 1
`)

// ARGV: now, extend ttl (0 keeps expiry), increment (1|0), retention, ring cap, member
// Returns the replay count, or -1 when no live stored entry exists.
var bumpScript = redis.NewScript(ringPrelude + `
local cur = redis.call('HMGET', KEYS[1], 'state', 'exp')
local now = tonumber(ARGV[1])
if cur[1] ~= 'stored' or tonumber(cur[2]) <= now then
  return -1
end
local n
if ARGV[3] == '1' then
  n = redis.call('HINCRBY', KEYS[1], 'replays', 1)
else
  n = tonumber(redis.call('HGET', KEYS[1], 'replays'))
end
redis.call('HSET', KEYS[1], 'updated', ARGV[1])
local extend = tonumber(ARGV[2])
if extend > 0 then
  redis.call('HSET', KEYS[1], 'exp', now + extend, 'ttl', ARGV[2])
  redis.call('PEXPIRE', KEYS[1], extend + tonumber(ARGV[4]))
end
touch_ring(KEYS[2], KEYS[3], ARGV[6], now, tonumber(ARGV[5]))
return n
`)

// ARGV: now, member
var deleteScript = redis.NewScript(`
local cur = redis.call('HGETALL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('HDEL', KEYS[3], ARGV[2])
if #cur == 0 then
  return {0, 0, cur}
end
local snap = {}
for i = 1, #cur, 2 do
  snap[cur[i]] = cur[i + 1]
end
local stuck = 0
if snap.state == 'in_progress' and tonumber(snap.exp) <= tonumber(ARGV[1]) then
  stuck = 1
end
redis.call('DEL', KEYS[1])
return {1, stuck, cur}
`)
