// Package devices tracks the single active device per user account. The
// registry is the arbiter for grant issuance: a grant request from any other
// device is a fatal DeviceMismatch.
package devices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"securereader/pkg/domain"
)

const opTimeout = 3 * time.Second

// ErrDeviceConflict is returned by Claim when another device already holds
// the account. The caller surfaces the confirmation dialog and may follow up
// with Replace.
var ErrDeviceConflict = errors.New("another device is active")

// claimScript sets the session fields only when no device is recorded yet.
// Returns 1 when the claim won, 0 when a device was already present.
var claimScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "hash", ARGV[1], "info", ARGV[2], "claimed_at", ARGV[3])
return 1
`)

// replaceScript overwrites the session in one step and returns the displaced
// device's info JSON (empty string when none was recorded).
var replaceScript = redis.NewScript(`
local old = redis.call("HGET", KEYS[1], "info")
redis.call("HSET", KEYS[1], "hash", ARGV[1], "info", ARGV[2], "claimed_at", ARGV[3])
if old then return old end
return ""
`)

// Registry is the Redis-backed active-device store. Device identifiers are
// stored only as bcrypt hashes: a dump of Redis must not yield identifiers
// that can be replayed against the grant endpoint.
type Registry struct {
	client *redis.Client
	prefix string
	cost   int
}

// Option tweaks registry construction.
type Option func(*Registry)

// WithHashCost overrides the bcrypt cost (tests use bcrypt.MinCost).
func WithHashCost(cost int) Option {
	return func(r *Registry) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			r.cost = cost
		}
	}
}

// NewRegistry builds a registry on the given Redis instance.
func NewRegistry(addr, password, prefix string, options ...Option) *Registry {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "securereader:device"
	}
	r := &Registry{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
		cost:   bcrypt.DefaultCost,
	}
	for _, option := range options {
		if option != nil {
			option(r)
		}
	}
	return r
}

func (r *Registry) key(userID string) string {
	return fmt.Sprintf("%s:%s", r.prefix, userID)
}

// Claim records deviceID as the account's active device. When the same
// device already holds the account the claim is refreshed in place. When a
// different device holds it, ErrDeviceConflict is returned together with
// that device's info so the client can name it in the dialog.
func (r *Registry) Claim(ctx context.Context, userID, deviceID string, info domain.DeviceInfo) (domain.DeviceInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	current, ok, err := r.read(ctx, userID)
	if err != nil {
		return domain.DeviceInfo{}, err
	}
	if ok {
		if r.matches(ctx, userID, deviceID) {
			return domain.DeviceInfo{}, nil
		}
		return current, ErrDeviceConflict
	}

	hash, infoRaw, err := r.encode(deviceID, info)
	if err != nil {
		return domain.DeviceInfo{}, err
	}
	won, err := claimScript.Run(ctx, r.client, []string{r.key(userID)},
		hash, infoRaw, time.Now().UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return domain.DeviceInfo{}, fmt.Errorf("claim device: %w", err)
	}
	if won == 1 {
		return domain.DeviceInfo{}, nil
	}
	// Lost a race with a concurrent claim; report whoever won.
	current, _, err = r.read(ctx, userID)
	if err != nil {
		return domain.DeviceInfo{}, err
	}
	return current, ErrDeviceConflict
}

// Replace atomically supersedes whatever device is active with deviceID and
// returns the displaced device's info. It is only called after the user has
// explicitly confirmed the takeover.
func (r *Registry) Replace(ctx context.Context, userID, deviceID string, info domain.DeviceInfo) (domain.DeviceInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	hash, infoRaw, err := r.encode(deviceID, info)
	if err != nil {
		return domain.DeviceInfo{}, err
	}
	oldRaw, err := replaceScript.Run(ctx, r.client, []string{r.key(userID)},
		hash, infoRaw, time.Now().UTC().Format(time.RFC3339Nano)).Text()
	if err != nil {
		return domain.DeviceInfo{}, fmt.Errorf("replace device: %w", err)
	}
	var old domain.DeviceInfo
	if oldRaw != "" {
		_ = json.Unmarshal([]byte(oldRaw), &old)
	}
	return old, nil
}

// Verify checks that deviceID is the account's active device. No recorded
// device passes: the account has simply never claimed one. A recorded,
// different device is domain.ErrDeviceMismatch.
func (r *Registry) Verify(ctx context.Context, userID, deviceID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	hash, err := r.client.HGet(ctx, r.key(userID), "hash").Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read device session: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(deviceID)) != nil {
		return domain.ErrDeviceMismatch
	}
	return nil
}

// Active returns the recorded device's info and claim time, if any. The
// device identifier itself is not recoverable.
func (r *Registry) Active(ctx context.Context, userID string) (domain.DeviceInfo, time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := r.client.HGetAll(ctx, r.key(userID)).Result()
	if err != nil {
		return domain.DeviceInfo{}, time.Time{}, false, fmt.Errorf("read device session: %w", err)
	}
	if len(data) == 0 {
		return domain.DeviceInfo{}, time.Time{}, false, nil
	}
	var info domain.DeviceInfo
	if raw := data["info"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &info)
	}
	var claimedAt time.Time
	if raw := data["claimed_at"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			claimedAt = t
		}
	}
	return info, claimedAt, true, nil
}

func (r *Registry) matches(ctx context.Context, userID, deviceID string) bool {
	hash, err := r.client.HGet(ctx, r.key(userID), "hash").Result()
	if err != nil {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(deviceID)) == nil
}

func (r *Registry) read(ctx context.Context, userID string) (domain.DeviceInfo, bool, error) {
	info, _, ok, err := r.Active(ctx, userID)
	return info, ok, err
}

func (r *Registry) encode(deviceID string, info domain.DeviceInfo) (string, string, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return "", "", errors.New("device id required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(deviceID), r.cost)
	if err != nil {
		return "", "", fmt.Errorf("hash device id: %w", err)
	}
	infoRaw, err := json.Marshal(info)
	if err != nil {
		return "", "", fmt.Errorf("encode device info: %w", err)
	}
	return string(hash), string(infoRaw), nil
}
