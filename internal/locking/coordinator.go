// Package locking implements the distributed lock coordinator over Redis.
// Each (backend, workspace) pair maps to exactly one key holding a JSON lock
// record: the lock id, the holder's info, and the computed expiry. The key
// is written with a single SET NX EX, so acquisition and TTL are one atomic
// operation and there is no second key that can fall out of sync with the
// first. Expiry is passive: Redis drops the key when its TTL elapses, and a
// status check that finds a record persisted without a TTL past its recorded
// expiry removes it lazily with an audited "Lock expired" force-unlock.
//
// Acquisition is a non-blocking try-lock. Callers that find the workspace
// locked receive the holder's info and decide for themselves whether to
// wait, retry, or force.
package locking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tfstate-backend/tfstate-backend/internal/config"
	"github.com/tfstate-backend/tfstate-backend/internal/state"
)

// Recorder receives force-unlock audit events, including the lazy expiry
// path. The db package provides the durable implementation; a nil recorder
// means events are only logged.
type Recorder interface {
	RecordForceUnlock(ctx context.Context, backendID, workspace, reason string, previous *state.LockInfo) error
}

// Coordinator is the Redis-backed lock coordinator.
type Coordinator struct {
	client     *redis.Client
	keyPrefix  string
	defaultTTL time.Duration
	maxTTL     time.Duration
	recorder   Recorder
	logger     *slog.Logger
}

// Options configures a Coordinator. Zero values fall back to the prefix
// "tfstate:lock", a 300s default TTL, and a 3600s ceiling.
type Options struct {
	KeyPrefix  string
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	Recorder   Recorder
	Logger     *slog.Logger
}

// New builds a Coordinator over an existing Redis client. The client is not
// owned; the caller closes it on shutdown.
func New(client *redis.Client, opts Options) *Coordinator {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "tfstate:lock"
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 300 * time.Second
	}
	if opts.MaxTTL <= 0 {
		opts.MaxTTL = 3600 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		client:     client,
		keyPrefix:  opts.KeyPrefix,
		defaultTTL: opts.DefaultTTL,
		maxTTL:     opts.MaxTTL,
		recorder:   opts.Recorder,
		logger:     opts.Logger,
	}
}

// NewClient builds the Redis client from configuration and verifies
// connectivity with a ping.
func NewClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

func (c *Coordinator) key(backendID, workspace string) string {
	return c.keyPrefix + ":" + backendID + ":" + workspace
}

func (c *Coordinator) parseKey(key string) (backendID, workspace string, ok bool) {
	rest, ok := strings.CutPrefix(key, c.keyPrefix+":")
	if !ok {
		return "", "", false
	}
	backendID, workspace, ok = strings.Cut(rest, ":")
	if !ok || backendID == "" || workspace == "" {
		return "", "", false
	}
	return backendID, workspace, true
}

func (c *Coordinator) clampTTL(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return c.defaultTTL
	}
	if timeout > c.maxTTL {
		return c.maxTTL
	}
	return timeout
}

// releaseScript deletes the lock only when the caller's id matches the
// stored record: either the assigned lock id or the id the holder offered
// at acquire time. It returns 1 on release, 0 when no lock exists, and the
// raw record when someone else holds it.
var releaseScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
	return 0
end
local ok, record = pcall(cjson.decode, raw)
if ok and type(record) == "table" and (record.lock_id == ARGV[1] or record.client_id == ARGV[1]) then
	redis.call("DEL", KEYS[1])
	return 1
end
return raw
`)

// extendScript swaps in an updated record with a fresh TTL under the same
// ownership rules as releaseScript.
var extendScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
	return 0
end
local ok, record = pcall(cjson.decode, raw)
if ok and type(record) == "table" and (record.lock_id == ARGV[1] or record.client_id == ARGV[1]) then
	redis.call("SET", KEYS[1], ARGV[2], "EX", ARGV[3])
	return 1
end
return raw
`)

// expireScript removes a stale record only if it has not changed since the
// caller read it, so lazy expiry can never delete a lock that was just
// acquired.
var expireScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Acquire takes the workspace lock for at most timeout (clamped to the
// coordinator's ceiling; zero means the default). The lock id is always
// generated here; an id on the supplied info is overwritten, but kept on
// the record as ClientID so Terraform clients that go on using their own
// id can still release and extend. Acquire never blocks waiting for a
// holder: a held lock fails immediately with StateLockedError carrying the
// holder's info.
func (c *Coordinator) Acquire(ctx context.Context, backendID, workspace string, info state.LockInfo, timeout time.Duration) (*state.Lock, error) {
	ttl := c.clampTTL(timeout)
	now := time.Now().UTC()

	offered := info.ID
	info.ID = uuid.New().String()
	info.Path = backendID + "/" + workspace
	if info.Created.IsZero() {
		info.Created = now
	}

	lock := &state.Lock{
		LockID:    info.ID,
		Info:      info,
		ClientID:  offered,
		ExpiresAt: now.Add(ttl),
	}
	payload, err := json.Marshal(lock)
	if err != nil {
		return nil, &state.CoordinationError{Op: "encode_lock", Err: err}
	}

	key := c.key(backendID, workspace)
	acquired, err := c.client.SetNX(ctx, key, payload, ttl).Result()
	if err != nil {
		return nil, &state.CoordinationError{Op: "acquire_lock", Err: err}
	}
	if !acquired {
		holder, herr := c.Info(ctx, backendID, workspace)
		if herr != nil {
			return nil, &state.StateLockedError{}
		}
		if holder != nil {
			return nil, &state.StateLockedError{Info: holder}
		}
		// The competing lock expired between our SET and the read; one retry.
		acquired, err = c.client.SetNX(ctx, key, payload, ttl).Result()
		if err != nil {
			return nil, &state.CoordinationError{Op: "acquire_lock", Err: err}
		}
		if !acquired {
			return nil, &state.StateLockedError{}
		}
	}

	c.logger.Info("lock acquired",
		"backend_id", backendID,
		"workspace", workspace,
		"lock_id", lock.LockID,
		"who", info.Who,
		"operation", info.Operation,
		"ttl", ttl.String(),
	)
	return lock, nil
}

// Release frees the lock identified by lockID. Only the current owner can
// release: a mismatched id fails with the conflicting holder's info, a
// missing lock with LockNotFoundError.
func (c *Coordinator) Release(ctx context.Context, backendID, workspace, lockID string) error {
	res, err := releaseScript.Run(ctx, c.client, []string{c.key(backendID, workspace)}, lockID).Result()
	if err != nil {
		return &state.CoordinationError{Op: "release_lock", Err: err}
	}
	switch v := res.(type) {
	case int64:
		if v == 1 {
			c.logger.Info("lock released", "backend_id", backendID, "workspace", workspace, "lock_id", lockID)
			return nil
		}
		return &state.LockNotFoundError{BackendID: backendID, Workspace: workspace}
	case string:
		return lockedError([]byte(v))
	default:
		return &state.CoordinationError{Op: "release_lock", Err: fmt.Errorf("unexpected script result %T", res)}
	}
}

// Extend pushes the lock's expiry to now+extendBy (clamped like Acquire),
// under the same ownership rules as Release. It returns the updated record.
func (c *Coordinator) Extend(ctx context.Context, backendID, workspace, lockID string, extendBy time.Duration) (*state.Lock, error) {
	ttl := c.clampTTL(extendBy)
	key := c.key(backendID, workspace)

	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, &state.LockNotFoundError{BackendID: backendID, Workspace: workspace}
	}
	if err != nil {
		return nil, &state.CoordinationError{Op: "extend_lock", Err: err}
	}

	var lock state.Lock
	if jerr := json.Unmarshal(raw, &lock); jerr != nil {
		return nil, &state.CoordinationError{Op: "extend_lock", Err: fmt.Errorf("unreadable lock record: %w", jerr)}
	}
	if !lock.Owns(lockID) {
		return nil, &state.StateLockedError{Info: &lock.Info}
	}

	lock.ExpiresAt = time.Now().UTC().Add(ttl)
	payload, err := json.Marshal(&lock)
	if err != nil {
		return nil, &state.CoordinationError{Op: "encode_lock", Err: err}
	}

	ttlSec := int64(ttl / time.Second)
	if ttlSec < 1 {
		ttlSec = 1
	}

	// The script re-verifies ownership so a release+reacquire between our
	// read and this write cannot be clobbered.
	res, err := extendScript.Run(ctx, c.client, []string{key}, lockID, payload, ttlSec).Result()
	if err != nil {
		return nil, &state.CoordinationError{Op: "extend_lock", Err: err}
	}
	switch v := res.(type) {
	case int64:
		if v == 1 {
			c.logger.Info("lock extended",
				"backend_id", backendID, "workspace", workspace,
				"lock_id", lockID, "expires_at", lock.ExpiresAt)
			return &lock, nil
		}
		return nil, &state.LockNotFoundError{BackendID: backendID, Workspace: workspace}
	case string:
		return nil, lockedError([]byte(v))
	default:
		return nil, &state.CoordinationError{Op: "extend_lock", Err: fmt.Errorf("unexpected script result %T", res)}
	}
}

// Status reports UNLOCKED, LOCKED, or EXPIRED for the workspace. EXPIRED is
// observed exactly once, by the check that finds and removes a stale record;
// afterwards the workspace reads UNLOCKED.
func (c *Coordinator) Status(ctx context.Context, backendID, workspace string) (state.LockStatus, error) {
	lock, expiredNow, err := c.inspect(ctx, backendID, workspace)
	if err != nil {
		return "", err
	}
	switch {
	case lock != nil:
		return state.LockStatusLocked, nil
	case expiredNow:
		return state.LockStatusExpired, nil
	default:
		return state.LockStatusUnlocked, nil
	}
}

// Info returns the current holder's info, or nil when unlocked. The same
// lazy expiry check applies as in Status.
func (c *Coordinator) Info(ctx context.Context, backendID, workspace string) (*state.LockInfo, error) {
	lock, _, err := c.inspect(ctx, backendID, workspace)
	if err != nil || lock == nil {
		return nil, err
	}
	return &lock.Info, nil
}

// Current returns the full live lock record (including expiry), or nil when
// unlocked.
func (c *Coordinator) Current(ctx context.Context, backendID, workspace string) (*state.Lock, error) {
	lock, _, err := c.inspect(ctx, backendID, workspace)
	return lock, err
}

// inspect reads the lock record and its TTL together. Redis normally expires
// lock keys on its own; a record that survives without a TTL (restored
// snapshot, stray PERSIST) is judged by its recorded expiry and removed here
// when stale. The returned bool reports that this call performed such a lazy
// expiry.
func (c *Coordinator) inspect(ctx context.Context, backendID, workspace string) (*state.Lock, bool, error) {
	key := c.key(backendID, workspace)

	pipe := c.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, &state.CoordinationError{Op: "lock_status", Err: err}
	}

	raw, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &state.CoordinationError{Op: "lock_status", Err: err}
	}

	ttl, err := ttlCmd.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, &state.CoordinationError{Op: "lock_status", Err: err}
	}
	// PTTL reports -2 for a missing key and -1 for a key without expiry;
	// go-redis passes those through as raw negative durations.
	if ttl == -2 || errors.Is(err, redis.Nil) {
		// Expired between the two pipelined reads; Redis already removed it.
		return nil, false, nil
	}

	var lock state.Lock
	parseErr := json.Unmarshal(raw, &lock)

	if ttl > 0 {
		if parseErr != nil {
			return nil, false, &state.CoordinationError{Op: "lock_status", Err: fmt.Errorf("unreadable lock record: %w", parseErr)}
		}
		return &lock, false, nil
	}

	// No TTL on the key: fall back to the record's own expiry.
	var previous *state.LockInfo
	stale := true
	if parseErr == nil {
		previous = &lock.Info
		stale = lock.ExpiresAt.Before(time.Now().UTC())
	}
	if !stale {
		return &lock, false, nil
	}

	freed, err := expireScript.Run(ctx, c.client, []string{key}, raw).Int()
	if err != nil {
		return nil, false, &state.CoordinationError{Op: "lock_status", Err: err}
	}
	if freed == 0 {
		// Someone replaced the stale record already; whatever won is live.
		return c.inspectOnce(ctx, backendID, workspace)
	}
	c.recordForceUnlock(ctx, backendID, workspace, "Lock expired", previous)
	return nil, true, nil
}

// inspectOnce is the non-recursing re-read after a lost lazy-expiry race.
func (c *Coordinator) inspectOnce(ctx context.Context, backendID, workspace string) (*state.Lock, bool, error) {
	raw, err := c.client.Get(ctx, c.key(backendID, workspace)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &state.CoordinationError{Op: "lock_status", Err: err}
	}
	var lock state.Lock
	if jerr := json.Unmarshal(raw, &lock); jerr != nil {
		return nil, false, &state.CoordinationError{Op: "lock_status", Err: fmt.Errorf("unreadable lock record: %w", jerr)}
	}
	return &lock, false, nil
}

// ForceUnlock removes whatever lock is present regardless of holder,
// recording the previous holder and the caller's reason. Forcing an
// unlocked workspace succeeds and reports freed=false; the audit event is
// recorded either way.
func (c *Coordinator) ForceUnlock(ctx context.Context, backendID, workspace, reason string) (bool, *state.LockInfo, error) {
	key := c.key(backendID, workspace)

	var previous *state.LockInfo
	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return false, nil, &state.CoordinationError{Op: "force_unlock", Err: err}
	default:
		var lock state.Lock
		if jerr := json.Unmarshal(raw, &lock); jerr == nil {
			previous = &lock.Info
		}
	}

	freed, err := c.client.Del(ctx, key).Result()
	if err != nil {
		return false, nil, &state.CoordinationError{Op: "force_unlock", Err: err}
	}

	c.recordForceUnlock(ctx, backendID, workspace, reason, previous)
	return freed > 0, previous, nil
}

func (c *Coordinator) recordForceUnlock(ctx context.Context, backendID, workspace, reason string, previous *state.LockInfo) {
	attrs := []any{"backend_id", backendID, "workspace", workspace, "reason", reason}
	if previous != nil {
		attrs = append(attrs, "previous_lock_id", previous.ID, "previous_who", previous.Who)
	}
	c.logger.Warn("force unlock", attrs...)

	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordForceUnlock(ctx, backendID, workspace, reason, previous); err != nil {
		c.logger.Error("could not record force unlock",
			"backend_id", backendID, "workspace", workspace, "error", err)
	}
}

// ListAll enumerates every live lock under the coordinator's key prefix,
// sorted by backend and workspace. It exists for observability only: keys
// with unexpected naming or unparseable records are logged and skipped, and
// keys expiring mid-scan are ignored.
func (c *Coordinator) ListAll(ctx context.Context) ([]state.HeldLock, error) {
	var held []state.HeldLock
	iter := c.client.Scan(ctx, 0, c.keyPrefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		backendID, workspace, ok := c.parseKey(key)
		if !ok {
			c.logger.Warn("skipping lock key outside the expected naming", "key", key)
			continue
		}
		raw, err := c.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, &state.CoordinationError{Op: "list_locks", Err: err}
		}
		var lock state.Lock
		if jerr := json.Unmarshal(raw, &lock); jerr != nil {
			c.logger.Warn("skipping unparseable lock record", "key", key, "error", jerr)
			continue
		}
		held = append(held, state.HeldLock{
			BackendID: backendID,
			Workspace: workspace,
			Info:      lock.Info,
			ExpiresAt: lock.ExpiresAt,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, &state.CoordinationError{Op: "list_locks", Err: err}
	}

	sort.Slice(held, func(i, j int) bool {
		if held[i].BackendID != held[j].BackendID {
			return held[i].BackendID < held[j].BackendID
		}
		return held[i].Workspace < held[j].Workspace
	})
	return held, nil
}

func lockedError(raw []byte) error {
	var lock state.Lock
	if err := json.Unmarshal(raw, &lock); err != nil {
		return &state.StateLockedError{}
	}
	return &state.StateLockedError{Info: &lock.Info}
}
