package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Lua script for enqueue with optional dedup.
// Returns {created, id}.
const enqueueScript = `
-- KEYS[1] = queue hash
-- KEYS[2] = id sequence
-- KEYS[3] = dedup key -> id
-- KEYS[4] = id -> dedup key
-- ARGV[1] = entry JSON
-- ARGV[2] = dedup key ('' = none)

if ARGV[2] ~= '' then
    local existing = redis.call("HGET", KEYS[3], ARGV[2])
    if existing then
        return {0, tonumber(existing)}
    end
end

local id = redis.call("INCR", KEYS[2])
redis.call("HSET", KEYS[1], id, ARGV[1])
if ARGV[2] ~= '' then
    redis.call("HSET", KEYS[3], ARGV[2], id)
    redis.call("HSET", KEYS[4], id, ARGV[2])
end
return {1, id}
`

// Lua script removing a queue entry and its bookkeeping.
// With ARGV[2] set the entry is moved to the dead letters instead.
// Returns 1 if the entry existed.
const removeEntryScript = `
-- KEYS[1] = queue hash
-- KEYS[2] = retries hash
-- KEYS[3] = errors hash
-- KEYS[4] = dedup key -> id
-- KEYS[5] = id -> dedup key
-- KEYS[6] = dead letters hash
-- ARGV[1] = id
-- ARGV[2] = dead letter JSON ('' = plain remove)

if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 0 then
    return 0
end

local dk = redis.call("HGET", KEYS[5], ARGV[1])
if dk then
    if redis.call("HGET", KEYS[4], dk) == ARGV[1] then
        redis.call("HDEL", KEYS[4], dk)
    end
    redis.call("HDEL", KEYS[5], ARGV[1])
end

redis.call("HDEL", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("HDEL", KEYS[3], ARGV[1])

if ARGV[2] ~= '' then
    redis.call("HSET", KEYS[6], ARGV[1], ARGV[2])
end
return 1
`

// Lua script renaming a photo from its local key to its server key.
const promotePhotoScript = `
-- KEYS[1] = photos hash
-- KEYS[2] = blobs hash
-- KEYS[3] = old mission photo set
-- KEYS[4] = new mission photo set
-- ARGV[1] = old key
-- ARGV[2] = new key
-- ARGV[3] = photo JSON
-- ARGV[4] = blob ('' = keep existing blob)

if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 0 then
    return 0
end

local blob = ARGV[4]
if blob == '' then
    blob = redis.call("HGET", KEYS[2], ARGV[1])
end

redis.call("HDEL", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("SREM", KEYS[3], ARGV[1])

redis.call("HSET", KEYS[1], ARGV[2], ARGV[3])
if blob then
    redis.call("HSET", KEYS[2], ARGV[2], blob)
end
redis.call("SADD", KEYS[4], ARGV[2])
return 1
`

// Lua script deleting every key under the prefix except the preserved prefixes.
// Runs as a single atomic step.
const clearScript = `
-- ARGV[1] = match pattern
-- ARGV[2..n] = preserved key prefixes

local keys = redis.call("KEYS", ARGV[1])
local deleted = 0
for _, k in ipairs(keys) do
    local keep = false
    for i = 2, #ARGV do
        if string.sub(k, 1, string.len(ARGV[i])) == ARGV[i] then
            keep = true
            break
        end
    end
    if not keep then
        redis.call("DEL", k)
        deleted = deleted + 1
    end
end
return deleted
`

var redisScripts = map[string]string{
	"enqueue": enqueueScript,
	"remove":  removeEntryScript,
	"promote": promotePhotoScript,
	"clear":   clearScript,
}

// loadScripts preloads every Lua script and returns their SHAs by name.
func loadScripts(ctx context.Context, client *redis.Client) (map[string]string, error) {
	shas := make(map[string]string, len(redisScripts))
	for name, src := range redisScripts {
		sha, err := client.ScriptLoad(ctx, src).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to preload %s script: %w", name, err)
		}
		shas[name] = sha
	}
	return shas, nil
}

// evalScript runs a preloaded script, reloading it once if Redis lost it.
func (s *RedisStore) evalScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	s.scriptMu.RLock()
	sha := s.scriptSHAs[name]
	s.scriptMu.RUnlock()

	result, err := s.client.EvalSha(ctx, sha, keys, args...).Result()
	if err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT") {
		// Redis restarted, scripts lost
		sha, err = s.client.ScriptLoad(ctx, redisScripts[name]).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to reload %s script: %w", name, err)
		}
		s.scriptMu.Lock()
		s.scriptSHAs[name] = sha
		s.scriptMu.Unlock()
		result, err = s.client.EvalSha(ctx, sha, keys, args...).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s script: %w", name, err)
	}
	return result, nil
}
