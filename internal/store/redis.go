package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	kindCode     = "code"
	kindDevice   = "device"
	kindUserCode = "usercode"
	kindRefresh  = "refresh"
	kindLineage  = "lineage"
	kindAuthz    = "authz"
	kindAuthzIdx = "authz_idx"
)

// Each script is one atomic server-side step over the hash fields that can change.
// Immutable grant data lives in the "data" field as JSON and is never rewritten.
var (
	consumeCodeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
if redis.call('HGET', KEYS[1], 'consumed') == '1' then return 1 end
redis.call('HSET', KEYS[1], 'consumed', '1', 'lineage', ARGV[1])
return 2
`)

	resolveDeviceScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
if tonumber(ARGV[3]) >= tonumber(redis.call('HGET', KEYS[1], 'expires_at')) then return 1 end
if redis.call('HGET', KEYS[1], 'status') ~= 'pending' then return 2 end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'subject', ARGV[2], 'auth_time', ARGV[3])
return 3
`)

	pollDeviceScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return {0} end
if redis.call('HGET', KEYS[1], 'client_id') ~= ARGV[1] then return {0} end
local now = tonumber(ARGV[2])
if now >= tonumber(redis.call('HGET', KEYS[1], 'expires_at')) then return {1} end
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'denied' then
  redis.call('DEL', KEYS[1], KEYS[2])
  return {2}
end
if status == 'authorized' then
  local data = redis.call('HGET', KEYS[1], 'data')
  local subject = redis.call('HGET', KEYS[1], 'subject')
  local authTime = redis.call('HGET', KEYS[1], 'auth_time')
  redis.call('DEL', KEYS[1], KEYS[2])
  return {3, data, subject, authTime}
end
local interval = tonumber(redis.call('HGET', KEYS[1], 'interval'))
local last = tonumber(redis.call('HGET', KEYS[1], 'last_polled'))
redis.call('HSET', KEYS[1], 'last_polled', ARGV[2])
if last > 0 and now - last < interval * 1000 then
  redis.call('HSET', KEYS[1], 'interval', tostring(interval + tonumber(ARGV[3])))
  return {4}
end
return {5}
`)

	rotateRefreshScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
if redis.call('HGET', KEYS[1], 'revoked') == '1' then return 1 end
if redis.call('HGET', KEYS[1], 'consumed') == '1' then
  for _, h in ipairs(redis.call('SMEMBERS', KEYS[3])) do
    local k = ARGV[3] .. h
    if redis.call('EXISTS', k) == 1 then redis.call('HSET', k, 'revoked', '1') end
  end
  return 2
end
redis.call('HSET', KEYS[1], 'consumed', '1')
redis.call('HSET', KEYS[2], 'data', ARGV[1], 'consumed', '0', 'revoked', '0', 'lineage', ARGV[4])
redis.call('EXPIREAT', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[5])
redis.call('EXPIREAT', KEYS[3], ARGV[2])
return 3
`)

	revokeLineageScript = redis.NewScript(`
for _, h in ipairs(redis.call('SMEMBERS', KEYS[1])) do
  local k = ARGV[1] .. h
  if redis.call('EXISTS', k) == 1 then redis.call('HSET', k, 'revoked', '1') end
end
return 1
`)

	// Merges a permanent consent into the valid permanent record for the same subject and
	// client, or stores it as a new record. Returns the id of the record that holds it.
	saveAuthorizationScript = redis.NewScript(`
if ARGV[3] == 'permanent' then
  local incoming = cjson.decode(ARGV[2]).scopes
  if type(incoming) ~= 'table' then incoming = {} end
  for _, id in ipairs(redis.call('SMEMBERS', KEYS[1])) do
    local raw = redis.call('GET', ARGV[1] .. id)
    if raw then
      local a = cjson.decode(raw)
      if a.type == 'permanent' and a.status == 'valid' then
        local scopes = a.scopes
        if type(scopes) ~= 'table' then scopes = {} end
        local seen = {}
        for _, sc in ipairs(scopes) do seen[sc] = true end
        local changed = false
        for _, sc in ipairs(incoming) do
          if not seen[sc] then
            seen[sc] = true
            table.insert(scopes, sc)
            changed = true
          end
        end
        if changed then
          a.scopes = scopes
          redis.call('SET', ARGV[1] .. id, cjson.encode(a))
        end
        return id
      end
    end
  end
end
redis.call('SET', ARGV[1] .. ARGV[4], ARGV[2])
redis.call('SADD', KEYS[1], ARGV[4])
return ARGV[4]
`)

	revokeRefreshScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], 'revoked', '1')
return 1
`)
)

// RedisStore keeps grants in Redis hashes that expire with the grant.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore wraps an existing client; tests pass one connected to miniredis.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) key(kind, id string) string {
	return s.keyPrefix + kind + ":" + id
}

func msec(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMsec(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}

func (s *RedisStore) CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("marshal authorization code: %w", err)
	}
	key := s.key(kindCode, code.Hash)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "data", data, "consumed", "0", "lineage", "")
		p.ExpireAt(ctx, key, code.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store authorization code: %w", err)
	}
	return nil
}

func (s *RedisStore) GetAuthorizationCode(ctx context.Context, hash string) (*AuthorizationCode, error) {
	fields, err := s.client.HGetAll(ctx, s.key(kindCode, hash)).Result()
	if err != nil {
		return nil, fmt.Errorf("get authorization code: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	var code AuthorizationCode
	if err := json.Unmarshal([]byte(fields["data"]), &code); err != nil {
		return nil, fmt.Errorf("decode authorization code: %w", err)
	}
	code.Consumed = fields["consumed"] == "1"
	code.Lineage = fields["lineage"]
	return &code, nil
}

func (s *RedisStore) ConsumeAuthorizationCode(ctx context.Context, hash, lineage string) error {
	res, err := consumeCodeScript.Run(ctx, s.client, []string{s.key(kindCode, hash)}, lineage).Int()
	if err != nil {
		return fmt.Errorf("consume authorization code: %w", err)
	}
	switch res {
	case 0:
		return ErrNotFound
	case 1:
		return ErrAlreadyConsumed
	}
	return nil
}

func (s *RedisStore) CreateDeviceSession(ctx context.Context, session *DeviceSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal device session: %w", err)
	}
	deviceKey := s.key(kindDevice, session.DeviceCodeHash)
	userKey := s.key(kindUserCode, session.UserCode)

	if time.Until(session.ExpiresAt) <= 0 {
		return ErrExpired
	}
	ttl := time.Until(session.ExpiresAt) + DeviceRetention
	ok, err := s.client.SetNX(ctx, userKey, session.DeviceCodeHash, ttl).Result()
	if err != nil {
		return fmt.Errorf("reserve user code: %w", err)
	}
	if !ok {
		return ErrConflict
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, deviceKey,
			"data", data,
			"client_id", session.ClientID,
			"status", string(DevicePending),
			"subject", "",
			"auth_time", "0",
			"interval", strconv.Itoa(int(session.Interval/time.Second)),
			"last_polled", "0",
			"expires_at", strconv.FormatInt(msec(session.ExpiresAt), 10),
		)
		p.ExpireAt(ctx, deviceKey, session.ExpiresAt.Add(DeviceRetention))
		return nil
	})
	if err != nil {
		s.client.Del(ctx, userKey)
		return fmt.Errorf("store device session: %w", err)
	}
	return nil
}

func (s *RedisStore) deviceKeyForUserCode(ctx context.Context, userCode string) (string, error) {
	hash, err := s.client.Get(ctx, s.key(kindUserCode, userCode)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup user code: %w", err)
	}
	return s.key(kindDevice, hash), nil
}

func (s *RedisStore) GetDeviceSession(ctx context.Context, deviceCodeHash string) (*DeviceSession, error) {
	return s.getDevice(ctx, s.key(kindDevice, deviceCodeHash))
}

func (s *RedisStore) GetDeviceSessionByUserCode(ctx context.Context, userCode string) (*DeviceSession, error) {
	deviceKey, err := s.deviceKeyForUserCode(ctx, userCode)
	if err != nil {
		return nil, err
	}
	return s.getDevice(ctx, deviceKey)
}

func (s *RedisStore) getDevice(ctx context.Context, deviceKey string) (*DeviceSession, error) {
	fields, err := s.client.HGetAll(ctx, deviceKey).Result()
	if err != nil {
		return nil, fmt.Errorf("get device session: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeDevice(fields)
}

func decodeDevice(fields map[string]string) (*DeviceSession, error) {
	var d DeviceSession
	if err := json.Unmarshal([]byte(fields["data"]), &d); err != nil {
		return nil, fmt.Errorf("decode device session: %w", err)
	}
	d.Status = DeviceStatus(fields["status"])
	d.Subject = fields["subject"]
	d.AuthTime = fromMsec(fields["auth_time"])
	d.LastPolledAt = fromMsec(fields["last_polled"])
	if secs, err := strconv.Atoi(fields["interval"]); err == nil {
		d.Interval = time.Duration(secs) * time.Second
	}
	return &d, nil
}

func (s *RedisStore) ResolveDeviceSession(ctx context.Context, userCode string, status DeviceStatus, subject string, now time.Time) error {
	deviceKey, err := s.deviceKeyForUserCode(ctx, userCode)
	if err != nil {
		return err
	}
	res, err := resolveDeviceScript.Run(ctx, s.client, []string{deviceKey}, string(status), subject, msec(now)).Int()
	if err != nil {
		return fmt.Errorf("resolve device session: %w", err)
	}
	switch res {
	case 0:
		return ErrNotFound
	case 1:
		return ErrExpired
	case 2:
		return ErrAlreadyResolved
	}
	return nil
}

func (s *RedisStore) PollDeviceSession(ctx context.Context, deviceCodeHash, clientID string, now time.Time) (PollOutcome, *DeviceSession, error) {
	deviceKey := s.key(kindDevice, deviceCodeHash)
	raw, err := s.client.HGet(ctx, deviceKey, "data").Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil, ErrNotFound
	}
	if err != nil {
		return 0, nil, fmt.Errorf("poll device session: %w", err)
	}
	var meta DeviceSession
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return 0, nil, fmt.Errorf("decode device session: %w", err)
	}

	keys := []string{deviceKey, s.key(kindUserCode, meta.UserCode)}
	res, err := pollDeviceScript.Run(ctx, s.client, keys, clientID, msec(now), int(SlowDownStep/time.Second)).Slice()
	if err != nil {
		return 0, nil, fmt.Errorf("poll device session: %w", err)
	}

	switch res[0].(int64) {
	case 0:
		return 0, nil, ErrNotFound
	case 1:
		return PollExpired, nil, nil
	case 2:
		return PollDenied, nil, nil
	case 3:
		session := meta
		session.Status = DeviceAuthorized
		session.Subject, _ = res[2].(string)
		authTime, _ := res[3].(string)
		session.AuthTime = fromMsec(authTime)
		return PollAuthorized, &session, nil
	case 4:
		return PollSlowDown, nil, nil
	}
	return PollPending, nil, nil
}

func (s *RedisStore) CreateRefreshToken(ctx context.Context, token *RefreshToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal refresh token: %w", err)
	}
	key := s.key(kindRefresh, token.Hash)
	lineageKey := s.key(kindLineage, token.Lineage)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "data", data, "consumed", "0", "revoked", "0", "lineage", token.Lineage)
		p.ExpireAt(ctx, key, token.ExpiresAt)
		p.SAdd(ctx, lineageKey, token.Hash)
		p.ExpireAt(ctx, lineageKey, token.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store refresh token: %w", err)
	}
	return nil
}

func (s *RedisStore) GetRefreshToken(ctx context.Context, hash string) (*RefreshToken, error) {
	fields, err := s.client.HGetAll(ctx, s.key(kindRefresh, hash)).Result()
	if err != nil {
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	var token RefreshToken
	if err := json.Unmarshal([]byte(fields["data"]), &token); err != nil {
		return nil, fmt.Errorf("decode refresh token: %w", err)
	}
	token.Lineage = fields["lineage"]
	token.Consumed = fields["consumed"] == "1"
	token.Revoked = fields["revoked"] == "1"
	return &token, nil
}

func (s *RedisStore) RotateRefreshToken(ctx context.Context, oldHash string, next *RefreshToken) error {
	oldKey := s.key(kindRefresh, oldHash)
	lineage, err := s.client.HGet(ctx, oldKey, "lineage").Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("rotate refresh token: %w", err)
	}

	next.Lineage = lineage
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal refresh token: %w", err)
	}

	keys := []string{oldKey, s.key(kindRefresh, next.Hash), s.key(kindLineage, lineage)}
	res, err := rotateRefreshScript.Run(ctx, s.client, keys,
		data, next.ExpiresAt.Unix(), s.key(kindRefresh, ""), lineage, next.Hash).Int()
	if err != nil {
		return fmt.Errorf("rotate refresh token: %w", err)
	}
	switch res {
	case 0:
		return ErrNotFound
	case 1:
		return ErrRevoked
	case 2:
		return ErrTokenReused
	}
	return nil
}

func (s *RedisStore) RevokeRefreshToken(ctx context.Context, hash string) error {
	res, err := revokeRefreshScript.Run(ctx, s.client, []string{s.key(kindRefresh, hash)}).Int()
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	if res == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) RevokeLineage(ctx context.Context, lineage string) error {
	if lineage == "" {
		return nil
	}
	err := revokeLineageScript.Run(ctx, s.client, []string{s.key(kindLineage, lineage)}, s.key(kindRefresh, "")).Err()
	if err != nil {
		return fmt.Errorf("revoke lineage: %w", err)
	}
	return nil
}

func (s *RedisStore) authzIndex(subject, clientID string) string {
	return s.key(kindAuthzIdx, subject+"|"+clientID)
}

func (s *RedisStore) FindAuthorizations(ctx context.Context, subject, clientID string) ([]*Authorization, error) {
	ids, err := s.client.SMembers(ctx, s.authzIndex(subject, clientID)).Result()
	if err != nil {
		return nil, fmt.Errorf("find authorizations: %w", err)
	}
	var out []*Authorization
	for _, id := range ids {
		a, err := s.getAuthorization(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *RedisStore) getAuthorization(ctx context.Context, id string) (*Authorization, error) {
	raw, err := s.client.Get(ctx, s.key(kindAuthz, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get authorization: %w", err)
	}
	var a Authorization
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode authorization: %w", err)
	}
	return &a, nil
}

func (s *RedisStore) putAuthorization(ctx context.Context, a *Authorization) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal authorization: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.key(kindAuthz, a.ID), data, 0)
		p.SAdd(ctx, s.authzIndex(a.Subject, a.ClientID), a.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store authorization: %w", err)
	}
	return nil
}

func (s *RedisStore) SaveAuthorization(ctx context.Context, auth *Authorization) error {
	record := *auth
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	data, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("marshal authorization: %w", err)
	}
	id, err := saveAuthorizationScript.Run(ctx, s.client, []string{s.authzIndex(auth.Subject, auth.ClientID)},
		s.key(kindAuthz, ""), data, string(auth.Type), record.ID).Text()
	if err != nil {
		return fmt.Errorf("save authorization: %w", err)
	}
	auth.ID = id
	return nil
}

func (s *RedisStore) RevokeAuthorization(ctx context.Context, id string) error {
	a, err := s.getAuthorization(ctx, id)
	if err != nil {
		return err
	}
	a.Status = AuthorizationRevoked
	return s.putAuthorization(ctx, a)
}

// DeleteExpired is a no-op; every grant key carries its own expiry.
func (s *RedisStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
