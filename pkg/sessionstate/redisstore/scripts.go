// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package redisstore

import "github.com/redis/go-redis/v9"

// Each record is a hash with the fields data, locked, cookie, lockdate,
// flags and timeout. timeout is in milliseconds and also set as the key TTL.
// Every script touches only its record key, so records spread over the slots
// of a cluster. Lock cookies are drawn from one shared counter before the
// script runs, so they never repeat across the lifetimes of a record.

// getScript reads a record, taking the lock when ARGV[1] is "1".
// KEYS: item. ARGV: exclusive, now in unix milliseconds, fresh cookie.
// Returns {0} when absent, {2, cookie, lockdate} when locked by another
// holder and {1, data, locked, cookie, lockdate, initialized} otherwise.
var getScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {0}
end
local f = redis.call('HMGET', KEYS[1], 'data', 'locked', 'cookie', 'lockdate', 'flags', 'timeout')
redis.call('PEXPIRE', KEYS[1], tonumber(f[6]))
local owner = false
if ARGV[1] == '1' and f[2] ~= '1' then
	f[2] = '1'
	f[3] = ARGV[3]
	f[4] = ARGV[2]
	redis.call('HSET', KEYS[1], 'locked', f[2], 'cookie', f[3], 'lockdate', f[4])
	owner = true
end
if f[2] == '1' and not owner then
	return {2, f[3], f[4]}
end
local initialized = 0
local flags = tonumber(f[5])
if flags % 2 == 1 then
	redis.call('HSET', KEYS[1], 'flags', tostring(flags - 1))
	initialized = 1
end
return {1, f[1], f[2], f[3], f[4], initialized}
`)

// releaseScript clears the lock when ARGV[1] is the current cookie.
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'cookie') ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'locked', '0')
redis.call('PEXPIRE', KEYS[1], tonumber(redis.call('HGET', KEYS[1], 'timeout')))
return 1
`)

// setScript stores a record unlocked. Unless ARGV[4] is "1" the current
// cookie must equal ARGV[3]. ARGV: data, timeout, cookie, isNew.
// Returns 1 when applied and 0 on an ownership mismatch.
var setScript = redis.NewScript(`
local cookie = redis.call('HGET', KEYS[1], 'cookie')
if ARGV[4] ~= '1' and cookie ~= ARGV[3] then
	return 0
end
if not cookie then
	cookie = '0'
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'locked', '0', 'cookie', cookie,
	'lockdate', '0', 'flags', '0', 'timeout', ARGV[2])
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
return 1
`)

// removeScript deletes a record when ARGV[1] is the current cookie.
var removeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'cookie') ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// touchScript renews the TTL of a record.
var touchScript = redis.NewScript(`
local timeout = redis.call('HGET', KEYS[1], 'timeout')
if not timeout then
	return 0
end
redis.call('PEXPIRE', KEYS[1], tonumber(timeout))
return 1
`)

// createScript inserts an uninitialized placeholder unless the key exists.
// ARGV: data, timeout.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'locked', '0', 'cookie', '0',
	'lockdate', '0', 'flags', '1', 'timeout', ARGV[2])
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
return 1
`)
