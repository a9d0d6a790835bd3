package redisstore

import "github.com/redis/go-redis/v9"

// Every known URI lives in a hash at <prefix>uri:<uri> with the fields
// type, crawling ("0"/"1"), last and claimed (unix millis, "" when unset).
// Unclaimed URIs are indexed in the idle sorted set scored by last crawl
// (-1 when never crawled); claimed URIs in the claimed set scored by claim
// time. The scripts below keep the hash and both indexes consistent.

// KEYS: hash, idle. ARGV: uri, type.
var classifyScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'type', ARGV[2], 'crawling', '0', 'last', '', 'claimed', '')
redis.call('ZADD', KEYS[2], -1, ARGV[1])
return 1
`)

// KEYS: idle, claimed. ARGV: uri key prefix, now, limit, default ttl,
// min ttl, then type/ttl pairs. Returns uri, type, last triples.
var claimScript = redis.NewScript(`
local idle, claimed = KEYS[1], KEYS[2]
local prefix = ARGV[1]
local now = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local default = tonumber(ARGV[4])
local bound = '(' .. tostring(now - tonumber(ARGV[5]))
local ttl = {}
for i = 6, #ARGV, 2 do
	ttl[ARGV[i]] = tonumber(ARGV[i + 1])
end
local out = {}
local n = 0
local offset = 0
while n < limit do
	local page = redis.call('ZRANGEBYSCORE', idle, '-inf', bound, 'WITHSCORES', 'LIMIT', offset, 100)
	if #page == 0 then
		break
	end
	local taken = 0
	for i = 1, #page, 2 do
		local uri = page[i]
		local last = tonumber(page[i + 1])
		local key = prefix .. uri
		local t = redis.call('HGET', key, 'type') or ''
		if last < 0 or last < now - (ttl[t] or default) then
			redis.call('HSET', key, 'crawling', '1', 'claimed', ARGV[2])
			redis.call('ZREM', idle, uri)
			redis.call('ZADD', claimed, ARGV[2], uri)
			out[#out + 1] = uri
			out[#out + 1] = t
			out[#out + 1] = page[i + 1]
			taken = taken + 1
			n = n + 1
			if n >= limit then
				break
			end
		end
	end
	offset = offset + (#page / 2) - taken
end
return out
`)

// KEYS: hash, idle, claimed. ARGV: uri, crawled at.
var releaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'crawling', '0', 'last', ARGV[2], 'claimed', '')
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// KEYS: idle, claimed. ARGV: uri key prefix, cutoff.
var staleScript = redis.NewScript(`
local uris = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[2])
for _, uri in ipairs(uris) do
	local key = ARGV[1] .. uri
	local last = redis.call('HGET', key, 'last')
	if not last or last == '' then
		last = '-1'
	end
	redis.call('HSET', key, 'crawling', '0', 'claimed', '')
	redis.call('ZREM', KEYS[2], uri)
	redis.call('ZADD', KEYS[1], last, uri)
end
return #uris
`)
