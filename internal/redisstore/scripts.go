package redisstore

import "github.com/redis/go-redis/v9"

// These six scripts are the only way presence data is ever mutated or read
// in bulk; every index update and its notification happen inside one script
// so that concurrent writers never observe a half-applied state. Key and
// channel naming (channel == key) is bit-exact with the wire interface other
// service instances rely on.

// scriptPresenceUpdate upserts a session's presence, migrating it out of any
// stale user/location index first, and publishes on every channel it
// touched. Invoked with modified=0 it tries a refresh-only fast path via
// EXPIRE on the session/user/location keys before falling back to a full
// re-index.
//
// KEYS[1] = presence:sessionId=<sid>
// KEYS[2] = connections
// ARGV[1] = sid, ARGV[2] = uid, ARGV[3] = lid, ARGV[4] = data,
// ARGV[5] = lastModified, ARGV[6] = connectionId, ARGV[7] = ttl seconds,
// ARGV[8] = modified (1 or 0)
var scriptPresenceUpdate = redis.NewScript(`
local sessionKey = KEYS[1]
local connectionsKey = KEYS[2]

local sid = ARGV[1]
local uid = ARGV[2]
local lid = ARGV[3]
local data = ARGV[4]
local lastModified = ARGV[5]
local connectionId = ARGV[6]
local ttl = tonumber(ARGV[7])
local modified = tonumber(ARGV[8]) == 1

local userKey = 'presence:userId=' .. uid
local locationKey = 'presence:locationId=' .. lid
local connectionKey = 'presence:connectionId=' .. connectionId

local old = redis.call('HMGET', sessionKey, 'userId', 'locationId', 'connectionId')
local oldUserId, oldLocationId, oldConnectionId = old[1], old[2], old[3]

if oldConnectionId and oldConnectionId ~= false and oldConnectionId ~= connectionId then
    return redis.error_reply('connectionId mismatch')
end

if not modified then
    if oldUserId == uid and oldLocationId == lid then
        local e1 = redis.call('EXPIRE', sessionKey, ttl)
        local e2 = redis.call('EXPIRE', userKey, ttl)
        local e3 = redis.call('EXPIRE', locationKey, ttl)
        if e1 == 1 and e2 == 1 and e3 == 1 then
            return 1
        end
    end
end

if oldUserId and oldUserId ~= false and oldUserId ~= uid then
    local oldUserKey = 'presence:userId=' .. oldUserId
    redis.call('SREM', oldUserKey, sid)
    redis.call('PUBLISH', oldUserKey, sid)
end
if oldLocationId and oldLocationId ~= false and oldLocationId ~= lid then
    local oldLocationKey = 'presence:locationId=' .. oldLocationId
    redis.call('SREM', oldLocationKey, sid)
    redis.call('PUBLISH', oldLocationKey, sid)
end

redis.call('HSET', sessionKey, 'userId', uid, 'locationId', lid, 'data', data, 'lastModified', lastModified, 'connectionId', connectionId)
redis.call('EXPIRE', sessionKey, ttl)
redis.call('PUBLISH', sessionKey, sid)

redis.call('SADD', userKey, sid)
redis.call('EXPIRE', userKey, ttl)
redis.call('PUBLISH', userKey, sid)

redis.call('SADD', locationKey, sid)
redis.call('EXPIRE', locationKey, ttl)
redis.call('PUBLISH', locationKey, sid)

redis.call('SADD', connectionKey, sid)
redis.call('EXPIRE', connectionKey, ttl)

if redis.call('HEXISTS', connectionsKey, connectionId) == 0 then
    redis.call('HSET', connectionsKey, connectionId, connectionId)
end

return 1
`)

// scriptPresenceDelete removes a session's presence from every index and
// deletes its hash. Idempotent: a session that no longer exists is a no-op
// returning 0.
//
// KEYS[1] = presence:sessionId=<sid>
// ARGV[1] = sid
var scriptPresenceDelete = redis.NewScript(`
local sessionKey = KEYS[1]
local sid = ARGV[1]

local old = redis.call('HMGET', sessionKey, 'userId', 'locationId', 'connectionId')
if old[1] == false then
    return 0
end
local uid, lid, cid = old[1], old[2], old[3]

local userKey = 'presence:userId=' .. uid
local locationKey = 'presence:locationId=' .. lid

redis.call('SREM', userKey, sid)
redis.call('SREM', locationKey, sid)
if cid and cid ~= false then
    redis.call('SREM', 'presence:connectionId=' .. cid, sid)
end

redis.call('DEL', sessionKey)
redis.call('PUBLISH', sessionKey, sid)
redis.call('PUBLISH', userKey, sid)
redis.call('PUBLISH', locationKey, sid)

return 1
`)

// scriptPresenceDeleteByConnectionID is the pruning primitive: it deletes
// every session owned by a connection id, optionally gated by a
// compare-and-delete lock check against the connections hash.
//
// KEYS[1] = presence:connectionId=<cid>
// KEYS[2] = connections
// ARGV[1] = cid, ARGV[2] = lock (empty string skips the lock check)
var scriptPresenceDeleteByConnectionID = redis.NewScript(`
local connectionKey = KEYS[1]
local connectionsKey = KEYS[2]
local cid = ARGV[1]
local lock = ARGV[2]

if lock ~= '' then
    local stored = redis.call('HGET', connectionsKey, cid)
    if stored ~= lock then
        return 0
    end
end

local sids = redis.call('SMEMBERS', connectionKey)
for _, sid in ipairs(sids) do
    local sessionKey = 'presence:sessionId=' .. sid
    local old = redis.call('HMGET', sessionKey, 'userId', 'locationId')
    local uid, lid = old[1], old[2]
    if uid and uid ~= false then
        local userKey = 'presence:userId=' .. uid
        redis.call('SREM', userKey, sid)
        redis.call('PUBLISH', userKey, sid)
    end
    if lid and lid ~= false then
        local locationKey = 'presence:locationId=' .. lid
        redis.call('SREM', locationKey, sid)
        redis.call('PUBLISH', locationKey, sid)
    end
    redis.call('DEL', sessionKey)
    redis.call('PUBLISH', sessionKey, sid)
end

redis.call('DEL', connectionKey)
redis.call('HDEL', connectionsKey, cid)

return 1
`)

// scriptPresenceGetBySessionID returns the five-field tuple for one session,
// or a false sentinel if any required field is missing.
//
// KEYS[1] = presence:sessionId=<sid>
// ARGV[1] = sid
var scriptPresenceGetBySessionID = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'userId', 'locationId', 'data', 'lastModified')
if v[1] == false or v[2] == false or v[3] == false or v[4] == false then
    return false
end
return {ARGV[1], v[1], v[2], v[3], v[4]}
`)

// scriptPresenceGetByUserID returns the five-field tuple for every session in
// a user's index, silently skipping session ids whose hash has gone missing.
//
// KEYS[1] = presence:userId=<uid>
var scriptPresenceGetByUserID = redis.NewScript(`
local sids = redis.call('SMEMBERS', KEYS[1])
local result = {}
for _, sid in ipairs(sids) do
    local v = redis.call('HMGET', 'presence:sessionId=' .. sid, 'userId', 'locationId', 'data', 'lastModified')
    if v[1] ~= false and v[2] ~= false and v[3] ~= false and v[4] ~= false then
        table.insert(result, {sid, v[1], v[2], v[3], v[4]})
    end
end
return result
`)

// scriptPresenceGetByLocationID is scriptPresenceGetByUserID's counterpart
// for the location index.
//
// KEYS[1] = presence:locationId=<lid>
var scriptPresenceGetByLocationID = redis.NewScript(`
local sids = redis.call('SMEMBERS', KEYS[1])
local result = {}
for _, sid in ipairs(sids) do
    local v = redis.call('HMGET', 'presence:sessionId=' .. sid, 'userId', 'locationId', 'data', 'lastModified')
    if v[1] ~= false and v[2] ~= false and v[3] ~= false and v[4] ~= false then
        table.insert(result, {sid, v[1], v[2], v[3], v[4]})
    end
end
return result
`)
