package taskstore

import "github.com/redis/go-redis/v9"

// Every mutation of a task is one script so the status guard and the write
// are applied atomically. Scripts answer "ok" or "!<reason>[:<detail>]".

// KEYS: task, expiry index
// ARGV: to, now, allowed sources (comma separated), remove from index (0|1),
// task id, then field/value pairs
var transitionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then return '!missing' end
local allowed = false
for s in string.gmatch(ARGV[3], '[^,]+') do
  if s == cur then allowed = true end
end
if not allowed then return '!conflict:' .. cur end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[2])
for i = 6, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
if ARGV[4] == '1' then redis.call('ZREM', KEYS[2], ARGV[5]) end
return 'ok'
`)

// KEYS: task, parts, part sizes
// ARGV: part number, part record, part size, now
var recordPartScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then return '!missing' end
if cur ~= 'PENDING' and cur ~= 'IN_PROGRESS' then return '!conflict:' .. cur end
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if expires and tonumber(ARGV[4]) > expires then return '!expired' end
local limit = tonumber(redis.call('HGET', KEYS[1], 'declared_size'))
local total = tonumber(ARGV[3])
local sizes = redis.call('HGETALL', KEYS[3])
for i = 1, #sizes, 2 do
  if sizes[i] ~= ARGV[1] then total = total + tonumber(sizes[i + 1]) end
end
if limit and limit > 0 and total > limit then return '!size:' .. tostring(total) end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
if cur == 'PENDING' then redis.call('HSET', KEYS[1], 'status', 'IN_PROGRESS') end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[4])
return 'ok'
`)

// KEYS: task
// ARGV: expected index, plugin outputs, derived files, now
var checkpointScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then return '!missing' end
if cur ~= 'PROCESSING' then return '!conflict:' .. cur end
local idx = redis.call('HGET', KEYS[1], 'current_callback_index')
if tonumber(idx) ~= tonumber(ARGV[1]) then return '!stale:' .. tostring(idx) end
redis.call('HSET', KEYS[1],
  'current_callback_index', tostring(tonumber(ARGV[1]) + 1),
  'plugin_outputs', ARGV[2],
  'derived_files', ARGV[3],
  'updated_at', ARGV[4])
return 'ok'
`)
