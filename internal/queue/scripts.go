package queue

import "github.com/redis/go-redis/v9"

// pushScript applies pushes atomically.
// KEYS[1] pending set, KEYS[2] failure counts.
// ARGV[1] is "1" for a failed redelivery, followed by id/score pairs.
// Returns the number of ids whose score changed.
var pushScript = redis.NewScript(`
local pending = KEYS[1]
local failed = KEYS[2]
local keepFailures = ARGV[1] == '1'
local changed = 0

for i = 2, #ARGV, 2 do
	local id = ARGV[i]
	local score = tonumber(ARGV[i + 1])
	local current = redis.call('ZSCORE', pending, id)
	if not current or tonumber(current) < score then
		if not keepFailures then
			redis.call('ZREM', failed, id)
		end
		redis.call('ZADD', pending, ARGV[i + 1], id)
		changed = changed + 1
	end
end

return changed
`)
