package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/durable/pkg/api"
)

// RedisStore is a HistoryLog and InstanceIndex backed by Redis.
// It uses a simple key structure:
//
//	<prefix>log:<id>              => LIST of JSON encoded history events
//	<prefix>inst:<id>             => HASH of the instance record
//	<prefix>idem:<key>            => instance id claimed by an idempotency key
//	<prefix>idx:all               => SET of all instance IDs
//	<prefix>idx:name:<name>       => SET of instance IDs for an orchestration
//	<prefix>idx:status:<status>   => SET of instance IDs for a given status
//	<prefix>lease:<id>            => owner of the instance lease, with a TTL
//
// Appends and status updates run as Lua scripts so the length check and the
// write are atomic.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "durable:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "durable:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) keyLog(id string) string { return s.prefix + "log:" + id }
func (s *RedisStore) keyInstance(id string) string { return s.prefix + "inst:" + id }
func (s *RedisStore) keyIdempotency(k string) string { return s.prefix + "idem:" + k }
func (s *RedisStore) keyAll() string { return s.prefix + "idx:all" }
func (s *RedisStore) keyName(name string) string { return s.prefix + "idx:name:" + name }
func (s *RedisStore) keyStatus(st api.Status) string { return s.prefix + "idx:status:" + string(st) }
func (s *RedisStore) keyLease(id string) string { return s.prefix + "lease:" + id }

// appendScript pushes ARGV[2..] onto KEYS[1] when its length equals ARGV[1].
var appendScript = redis.NewScript(`
if redis.call('LLEN', KEYS[1]) ~= tonumber(ARGV[1]) then
	return 0
end
for i = 2, #ARGV do
	redis.call('RPUSH', KEYS[1], ARGV[i])
end
return 1
`)

func (s *RedisStore) Append(ctx context.Context, instanceID string, expected int64, events ...api.HistoryEvent) error {
	encoded, err := encodeEvents(stamp(expected, events))
	if err != nil {
		return err
	}
	args := make([]any, 0, len(encoded)+1)
	args = append(args, expected)
	for _, e := range encoded {
		args = append(args, e)
	}

	ok, err := appendScript.Run(ctx, s.client, []string{s.keyLog(instanceID)}, args...).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return api.ErrAppendConflict
	}
	return nil
}

func (s *RedisStore) Read(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	items, err := s.client.LRange(ctx, s.keyLog(instanceID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]api.HistoryEvent, 0, len(items))
	for _, item := range items {
		ev, err := DecodeEvent([]byte(item))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// createScript stores the instance hash in KEYS[1] and claims the
// idempotency key in KEYS[2] when ARGV[1] is set. It returns 0 when either
// is taken.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
if ARGV[1] ~= '' then
	if redis.call('SETNX', KEYS[2], ARGV[2]) == 0 then
		return 0
	end
end
redis.call('HSET', KEYS[1],
	'id', ARGV[2], 'name', ARGV[3], 'input', ARGV[4], 'status', ARGV[5],
	'rank', ARGV[6], 'key', ARGV[1], 'created', ARGV[7], 'updated', ARGV[8])
redis.call('SADD', KEYS[3], ARGV[2])
redis.call('SADD', KEYS[4], ARGV[2])
redis.call('SADD', KEYS[5], ARGV[2])
return 1
`)

func (s *RedisStore) CreateInstance(ctx context.Context, rec InstanceRecord) error {
	keys := []string{
		s.keyInstance(rec.ID),
		s.keyIdempotency(rec.IdempotencyKey),
		s.keyAll(),
		s.keyName(rec.Name),
		s.keyStatus(rec.Status),
	}
	ok, err := createScript.Run(ctx, s.client, keys,
		rec.IdempotencyKey,
		rec.ID,
		rec.Name,
		[]byte(rec.Input),
		string(rec.Status),
		rec.Status.Rank(),
		rec.CreatedAt.UnixNano(),
		rec.UpdatedAt.UnixNano(),
	).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrDuplicateInstance
	}
	return nil
}

// statusScript moves the instance in KEYS[1] to status ARGV[1] unless its
// current rank is higher than ARGV[2]. KEYS[2] is the status index prefix.
var statusScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local current = redis.call('HMGET', KEYS[1], 'id', 'status', 'rank')
if tonumber(current[3]) > tonumber(ARGV[2]) then
	return 0
end
redis.call('SREM', KEYS[2] .. current[2], current[1])
redis.call('SADD', KEYS[2] .. ARGV[1], current[1])
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'rank', ARGV[2], 'updated', ARGV[3])
return 1
`)

func (s *RedisStore) UpdateStatus(ctx context.Context, id string, status api.Status, at time.Time) error {
	res, err := statusScript.Run(ctx, s.client,
		[]string{s.keyInstance(id), s.prefix + "idx:status:"},
		string(status), status.Rank(), at.UnixNano(),
	).Int()
	if err != nil {
		return err
	}
	if res < 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *RedisStore) GetInstance(ctx context.Context, id string) (InstanceRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.keyInstance(id)).Result()
	if err != nil {
		return InstanceRecord{}, err
	}
	if len(fields) == 0 {
		return InstanceRecord{}, ErrInstanceNotFound
	}
	return decodeRedisInstance(fields)
}

func (s *RedisStore) FindByIdempotencyKey(ctx context.Context, key string) (InstanceRecord, error) {
	id, err := s.client.Get(ctx, s.keyIdempotency(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return InstanceRecord{}, ErrInstanceNotFound
		}
		return InstanceRecord{}, err
	}
	return s.GetInstance(ctx, id)
}

func (s *RedisStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]InstanceRecord, error) {
	var ids []string
	var err error

	switch {
	case filter.Name != "" && filter.Status != "":
		ids, err = s.client.SInter(ctx, s.keyName(filter.Name), s.keyStatus(filter.Status)).Result()
	case filter.Name != "":
		ids, err = s.client.SMembers(ctx, s.keyName(filter.Name)).Result()
	case filter.Status != "":
		ids, err = s.client.SMembers(ctx, s.keyStatus(filter.Status)).Result()
	default:
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.keyInstance(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	var out []InstanceRecord
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeRedisInstance(fields)
		if err != nil {
			return nil, err
		}
		// Index sets are best-effort; the payload is authoritative.
		if filter.matches(rec) {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func decodeRedisInstance(fields map[string]string) (InstanceRecord, error) {
	created, err := strconv.ParseInt(fields["created"], 10, 64)
	if err != nil {
		return InstanceRecord{}, err
	}
	updated, err := strconv.ParseInt(fields["updated"], 10, 64)
	if err != nil {
		return InstanceRecord{}, err
	}
	rec := InstanceRecord{
		ID:             fields["id"],
		Name:           fields["name"],
		Status:         api.Status(fields["status"]),
		IdempotencyKey: fields["key"],
		CreatedAt:      time.Unix(0, created).UTC(),
		UpdatedAt:      time.Unix(0, updated).UTC(),
	}
	if in := fields["input"]; in != "" {
		rec.Input = json.RawMessage(in)
	}
	return rec, nil
}

// leaseAcquireScript sets KEYS[2] to owner ARGV[1] for ARGV[2] ms when it is
// free or already owned by ARGV[1]. It returns -1 when the instance hash in
// KEYS[1] does not exist.
var leaseAcquireScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local cur = redis.call('GET', KEYS[2])
if not cur or cur == ARGV[1] then
	redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

// leaseRenewScript extends KEYS[1] by ARGV[2] ms when ARGV[1] owns it.
var leaseRenewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// leaseReleaseScript deletes KEYS[1] when ARGV[1] owns it.
var leaseReleaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1])
end
return 1
`)

func (s *RedisStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	if err := validTTL(ttl); err != nil {
		return false, err
	}
	res, err := leaseAcquireScript.Run(ctx, s.client,
		[]string{s.keyInstance(instanceID), s.keyLease(instanceID)},
		owner, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	if res < 0 {
		return false, ErrInstanceNotFound
	}
	return res == 1, nil
}

func (s *RedisStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	if err := validTTL(ttl); err != nil {
		return err
	}
	ok, err := leaseRenewScript.Run(ctx, s.client, []string{s.keyLease(instanceID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (s *RedisStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	return leaseReleaseScript.Run(ctx, s.client, []string{s.keyLease(instanceID)}, owner).Err()
}
