package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/itskum47/FieldSync/sync_agent/observability"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements the Store and Coordinator interfaces using Redis.
// Each collection is a hash keyed by record id; photo blobs live in their own hash.
type RedisStore struct {
	client *redis.Client

	// Preloaded Lua script SHAs for atomic operations
	scriptMu   sync.RWMutex
	scriptSHAs map[string]string
}

var (
	missionsKey      = CollectionKey(CollectionMissions)
	photosKey        = CollectionKey(CollectionPhotos)
	photoBlobsKey    = CollectionSubKey(CollectionPhotos, "blobs")
	notificationsKey = CollectionKey(CollectionNotifications)
	queueKey         = CollectionKey(CollectionQueue)
	queueSeqKey      = CollectionSubKey(CollectionQueue, "seq")
	queueRetriesKey  = CollectionSubKey(CollectionQueue, "retries")
	queueErrorsKey   = CollectionSubKey(CollectionQueue, "errors")
	queueDedupKey    = CollectionSubKey(CollectionQueue, "dedup")
	queueDedupIDKey  = CollectionSubKey(CollectionQueue, "dedup_by_id")
	deadLettersKey   = CollectionKey(CollectionDeadLetters)
	settingsKey      = CollectionKey(CollectionSettings)
	schemaVersionKey = keyPrefix + ":schema_version"
	lockPrefix       = keyPrefix + ":lock:"
)

// NewRedisStore connects, preloads scripts and checks the schema version.
func NewRedisStore(ctx context.Context, addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	s, err := newRedisStoreWithClient(ctx, client)
	if err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func newRedisStoreWithClient(ctx context.Context, client *redis.Client) (*RedisStore, error) {
	// Verify connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	shas, err := loadScripts(ctx, client)
	if err != nil {
		return nil, err
	}

	s := &RedisStore{client: client, scriptSHAs: shas}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// ensureSchema destroys and recreates the store when it was written by another schema version.
func (s *RedisStore) ensureSchema(ctx context.Context) error {
	current, err := s.client.Get(ctx, schemaVersionKey).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read schema version: %w", err)
	}
	if err == nil && current == SchemaVersion {
		return nil
	}
	if err == nil {
		log.Printf("[STORE] schema version conflict (found %d, want %d): recreating local store", current, SchemaVersion)
		if _, err := s.evalScript(ctx, "clear", nil, keyPrefix+":*", lockPrefix); err != nil {
			return fmt.Errorf("recreate store: %w", err)
		}
		observability.StoreRecreated.Inc()
	}
	return s.client.Set(ctx, schemaVersionKey, SchemaVersion, 0).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func observeRedis(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

// --- Record helpers ---

func (s *RedisStore) hsetJSON(ctx context.Context, key, field string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", field, err)
	}
	return s.client.HSet(ctx, key, field, data).Err()
}

func (s *RedisStore) hgetJSON(ctx context.Context, key, field string, v interface{}) (bool, error) {
	data, err := s.client.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", field, err)
	}
	return true, nil
}

// --- Mission Operations ---

func (s *RedisStore) PutMission(ctx context.Context, m *Mission) error {
	m.OfflineUpdatedAt = time.Now().UTC()
	return s.hsetJSON(ctx, missionsKey, m.ID, m)
}

func (s *RedisStore) GetMission(ctx context.Context, id string) (*Mission, error) {
	var m Mission
	found, err := s.hgetJSON(ctx, missionsKey, id, &m)
	if err != nil || !found {
		return nil, err
	}
	return &m, nil
}

func (s *RedisStore) ListMissions(ctx context.Context) ([]*Mission, error) {
	all, err := s.client.HGetAll(ctx, missionsKey).Result()
	if err != nil {
		return nil, err
	}
	result := make([]*Mission, 0, len(all))
	for id, data := range all {
		var m Mission
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal mission %s: %w", id, err)
		}
		result = append(result, &m)
	}
	sortMissions(result)
	return result, nil
}

// --- Photo Operations ---

func (s *RedisStore) PutPhoto(ctx context.Context, p *Photo) error {
	p.OfflineUpdatedAt = time.Now().UTC()
	p.Preview = ""
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal photo: %w", err)
	}
	key := p.ID.Key()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, photosKey, key, data)
		if len(p.Blob) > 0 {
			pipe.HSet(ctx, photoBlobsKey, key, p.Blob)
		} else {
			pipe.HDel(ctx, photoBlobsKey, key)
		}
		pipe.SAdd(ctx, MissionPhotosKey(p.MissionID), key)
		return nil
	})
	return err
}

func (s *RedisStore) GetPhoto(ctx context.Context, id EntityID) (*Photo, error) {
	var p Photo
	found, err := s.hgetJSON(ctx, photosKey, id.Key(), &p)
	if err != nil || !found {
		return nil, err
	}
	blob, err := s.client.HGet(ctx, photoBlobsKey, id.Key()).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	p.Blob = blob
	return &p, nil
}

func (s *RedisStore) ListPhotos(ctx context.Context, missionID string) ([]*Photo, error) {
	keys, err := s.client.SMembers(ctx, MissionPhotosKey(missionID)).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	records, err := s.client.HMGet(ctx, photosKey, keys...).Result()
	if err != nil {
		return nil, err
	}
	blobs, err := s.client.HMGet(ctx, photoBlobsKey, keys...).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*Photo, 0, len(keys))
	for i, raw := range records {
		data, ok := raw.(string)
		if !ok {
			continue // stale set member
		}
		var p Photo
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal photo %s: %w", keys[i], err)
		}
		if b, ok := blobs[i].(string); ok {
			p.Blob = []byte(b)
		}
		attachPreview(&p)
		result = append(result, &p)
	}
	sortPhotos(result)
	return result, nil
}

func (s *RedisStore) PromotePhoto(ctx context.Context, from EntityID, confirmed *Photo) error {
	old, err := s.GetPhoto(ctx, from)
	if err != nil {
		return err
	}
	if old == nil {
		return ErrNotFound
	}
	confirmed.OfflineUpdatedAt = time.Now().UTC()
	confirmed.Preview = ""
	data, err := json.Marshal(confirmed)
	if err != nil {
		return fmt.Errorf("failed to marshal photo: %w", err)
	}
	res, err := s.evalScript(ctx, "promote",
		[]string{photosKey, photoBlobsKey, MissionPhotosKey(old.MissionID), MissionPhotosKey(confirmed.MissionID)},
		from.Key(), confirmed.ID.Key(), string(data), string(confirmed.Blob),
	)
	if err != nil {
		return err
	}
	if n, _ := res.(int64); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Notification Operations ---

func (s *RedisStore) PutNotification(ctx context.Context, n *Notification) error {
	n.OfflineUpdatedAt = time.Now().UTC()
	return s.hsetJSON(ctx, notificationsKey, n.ID, n)
}

func (s *RedisStore) GetNotification(ctx context.Context, id string) (*Notification, error) {
	var n Notification
	found, err := s.hgetJSON(ctx, notificationsKey, id, &n)
	if err != nil || !found {
		return nil, err
	}
	return &n, nil
}

func (s *RedisStore) ListNotifications(ctx context.Context) ([]*Notification, error) {
	all, err := s.client.HGetAll(ctx, notificationsKey).Result()
	if err != nil {
		return nil, err
	}
	result := make([]*Notification, 0, len(all))
	for id, data := range all {
		var n Notification
		if err := json.Unmarshal([]byte(data), &n); err != nil {
			return nil, fmt.Errorf("failed to unmarshal notification %s: %w", id, err)
		}
		result = append(result, &n)
	}
	sortNotifications(result)
	return result, nil
}

// --- Queue Operations ---

func queueScriptKeys() []string {
	return []string{queueKey, queueRetriesKey, queueErrorsKey, queueDedupKey, queueDedupIDKey, deadLettersKey}
}

func (s *RedisStore) Enqueue(ctx context.Context, e *QueueEntry) (*QueueEntry, bool, error) {
	defer observeRedis(time.Now())

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	stored := *e
	stored.ID = 0
	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal queue entry: %w", err)
	}
	res, err := s.evalScript(ctx, "enqueue",
		[]string{queueKey, queueSeqKey, queueDedupKey, queueDedupIDKey},
		string(data), e.DedupKey,
	)
	if err != nil {
		return nil, false, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return nil, false, errors.New("unexpected return type from enqueue script")
	}
	created, _ := vals[0].(int64)
	id, _ := vals[1].(int64)
	if created == 0 {
		existing, err := s.GetQueueEntry(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, fmt.Errorf("dedup index points at missing entry %d", id)
		}
		return existing, false, nil
	}
	e.ID = id
	out := *e
	return &out, true, nil
}

func (s *RedisStore) ListQueue(ctx context.Context) ([]*QueueEntry, error) {
	defer observeRedis(time.Now())

	all, err := s.client.HGetAll(ctx, queueKey).Result()
	if err != nil {
		return nil, err
	}
	retries, err := s.client.HGetAll(ctx, queueRetriesKey).Result()
	if err != nil {
		return nil, err
	}
	lastErrors, err := s.client.HGetAll(ctx, queueErrorsKey).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*QueueEntry, 0, len(all))
	for field, data := range all {
		e, err := decodeQueueEntry(field, data, retries[field], lastErrors[field])
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, nil
}

func decodeQueueEntry(field, data, retries, lastError string) (*QueueEntry, error) {
	var e QueueEntry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queue entry %s: %w", field, err)
	}
	id, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid queue entry id %q: %w", field, err)
	}
	e.ID = id
	if retries != "" {
		e.RetryCount, _ = strconv.Atoi(retries)
	}
	if lastError != "" {
		e.LastError = lastError
	}
	return &e, nil
}

func (s *RedisStore) GetQueueEntry(ctx context.Context, id int64) (*QueueEntry, error) {
	field := strconv.FormatInt(id, 10)
	var data, retries, lastError *redis.StringCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		data = pipe.HGet(ctx, queueKey, field)
		retries = pipe.HGet(ctx, queueRetriesKey, field)
		lastError = pipe.HGet(ctx, queueErrorsKey, field)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if errors.Is(data.Err(), redis.Nil) {
		return nil, nil
	}
	return decodeQueueEntry(field, data.Val(), retries.Val(), lastError.Val())
}

func (s *RedisStore) RecordQueueFailure(ctx context.Context, id int64, msg string) (*QueueEntry, error) {
	defer observeRedis(time.Now())

	field := strconv.FormatInt(id, 10)
	exists, err := s.client.HExists(ctx, queueKey, field).Result()
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, queueRetriesKey, field, 1)
		pipe.HSet(ctx, queueErrorsKey, field, msg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetQueueEntry(ctx, id)
}

func (s *RedisStore) RemoveQueueEntry(ctx context.Context, id int64) error {
	defer observeRedis(time.Now())
	_, err := s.evalScript(ctx, "remove", queueScriptKeys(), id, "")
	return err
}

func (s *RedisStore) AbandonQueueEntry(ctx context.Context, id int64, at time.Time) (*DeadLetter, error) {
	defer observeRedis(time.Now())

	e, err := s.GetQueueEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrNotFound
	}
	d := &DeadLetter{QueueEntry: *e, AbandonedAt: at}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	res, err := s.evalScript(ctx, "remove", queueScriptKeys(), id, string(data))
	if err != nil {
		return nil, err
	}
	if n, _ := res.(int64); n == 0 {
		return nil, ErrNotFound
	}
	return d, nil
}

func (s *RedisStore) ListDeadLetters(ctx context.Context) ([]*DeadLetter, error) {
	all, err := s.client.HGetAll(ctx, deadLettersKey).Result()
	if err != nil {
		return nil, err
	}
	result := make([]*DeadLetter, 0, len(all))
	for id, data := range all {
		var d DeadLetter
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter %s: %w", id, err)
		}
		result = append(result, &d)
	}
	sortDeadLetters(result)
	return result, nil
}

func (s *RedisStore) RemoveDeadLetter(ctx context.Context, id int64) error {
	return s.client.HDel(ctx, deadLettersKey, strconv.FormatInt(id, 10)).Err()
}

func (s *RedisStore) PurgeDeadLetters(ctx context.Context, before time.Time) (int, error) {
	letters, err := s.ListDeadLetters(ctx)
	if err != nil {
		return 0, err
	}
	var fields []string
	for _, d := range letters {
		if d.AbandonedAt.Before(before) {
			fields = append(fields, strconv.FormatInt(d.ID, 10))
		}
	}
	if len(fields) == 0 {
		return 0, nil
	}
	n, err := s.client.HDel(ctx, deadLettersKey, fields...).Result()
	return int(n), err
}

// --- Settings ---

func (s *RedisStore) GetSettings(ctx context.Context) (*Settings, error) {
	data, err := s.client.Get(ctx, settingsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return defaultSettings(), nil
	}
	if err != nil {
		return nil, err
	}
	var st Settings
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return &st, nil
}

func (s *RedisStore) PutSettings(ctx context.Context, st *Settings) error {
	st.ID = SettingsID
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	return s.client.Set(ctx, settingsKey, data, 0).Err()
}

// ClearAll deletes every collection in one script call. The schema marker,
// the id sequence and leases are kept.
func (s *RedisStore) ClearAll(ctx context.Context) error {
	_, err := s.evalScript(ctx, "clear", nil, keyPrefix+":*", schemaVersionKey, queueSeqKey, lockPrefix)
	return err
}

// --- Coordinator ---

// AcquireLease uses SET key holder NX PX ttl.
func (s *RedisStore) AcquireLease(ctx context.Context, key string, holder string, ttl time.Duration) (bool, error) {
	defer observeRedis(time.Now())

	ok, err := s.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	// Re-entrant for the current holder
	current, err := s.LeaseHolder(ctx, key)
	if err != nil {
		return false, err
	}
	if current == holder {
		return s.RenewLease(ctx, key, holder, ttl)
	}
	return false, nil
}

// RenewLease extends the TTL if the lease is held by holder.
// Script returns:
// 1: Success (TTL extended)
// -1: Key missing
// -2: Holder mismatch
func (s *RedisStore) RenewLease(ctx context.Context, key string, holder string, ttl time.Duration) (bool, error) {
	defer observeRedis(time.Now())

	script := `
		local val = redis.call("get", KEYS[1])
		if not val then
			return -1
		end
		if val == ARGV[1] then
			return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
		else
			return -2
		end
	`
	res, err := s.client.Eval(ctx, script, []string{key}, holder, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	val, ok := res.(int64)
	if !ok {
		return false, errors.New("unexpected return type from lua script")
	}
	return val == 1, nil
}

// ReleaseLease releases the lease if held by holder.
func (s *RedisStore) ReleaseLease(ctx context.Context, key string, holder string) error {
	defer observeRedis(time.Now())

	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	return s.client.Eval(ctx, script, []string{key}, holder).Err()
}

func (s *RedisStore) LeaseHolder(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}
