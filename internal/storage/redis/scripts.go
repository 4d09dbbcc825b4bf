package redis

const (
	// putTickScript atomically writes a tick and both of its indexes.
	putTickScript = `
local tick_key = KEYS[1]    -- tw:tick:{host}:{start}
local host_idx = KEYS[2]    -- tw:ticks:host:{host}
local start_idx = KEYS[3]   -- tw:ticks:start

local host = ARGV[1]
local start = ARGV[2]
local duration = ARGV[3]
local url = ARGV[4]

redis.call('HSET', tick_key,
  'host', host,
  'start', start,
  'duration', duration,
  'url', url
)

redis.call('ZADD', host_idx, start, start)
redis.call('ZADD', start_idx, start, host .. '/' .. start)

return 'OK'
`

	// deleteTickScript removes a tick and both of its index entries,
	// returning 0 when the tick did not exist.
	deleteTickScript = `
local tick_key = KEYS[1]
local host_idx = KEYS[2]
local start_idx = KEYS[3]

local host = ARGV[1]
local start = ARGV[2]

local removed = redis.call('DEL', tick_key)
redis.call('ZREM', host_idx, start)
redis.call('ZREM', start_idx, host .. '/' .. start)

return removed
`

	// bumpRecordScript atomically creates-or-increments a daily limit
	// record and maintains the per-rule date index.
	bumpRecordScript = `
local record_key = KEYS[1]  -- tw:record:{ruleID}:{date}
local rule_idx = KEYS[2]    -- tw:records:rule:{ruleID}

local rule_id = ARGV[1]
local date = ARGV[2]
local field = ARGV[3]
local amount = tonumber(ARGV[4])

local exists = redis.call('EXISTS', record_key)
if exists == 0 then
  redis.call('HSET', record_key,
    'rule_id', rule_id,
    'date', date,
    'focus_ms', 0,
    'visits', 0,
    'delay_count', 0
  )
  redis.call('SADD', rule_idx, date)
end

redis.call('HINCRBY', record_key, field, amount)

return 'OK'
`
)
