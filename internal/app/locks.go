package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when a milestone lock could not be acquired before the
// context ended.
var ErrLockTimeout = errors.New("timed out waiting for milestone lock")

// MilestoneLocker serializes every state change of one milestone. Different milestones
// never contend.
type MilestoneLocker interface {
	Lock(ctx context.Context, milestoneID string) (unlock func(), err error)
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

// KeyedMutex is the in-process milestone lock. Entries are dropped once nobody holds or
// waits for them.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			k.release(key, e)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

var releaseMilestoneLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisMilestoneLock extends the in-process lock across replicas. The Redis key expires
// after ttl so a crashed holder cannot wedge a milestone.
type RedisMilestoneLock struct {
	local  *KeyedMutex
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

func NewRedisMilestoneLock(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisMilestoneLock {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "transfa:milestone_lock"
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisMilestoneLock{
		local:  NewKeyedMutex(),
		client: client,
		prefix: trimmedPrefix,
		ttl:    ttl,
		poll:   50 * time.Millisecond,
	}
}

func (r *RedisMilestoneLock) Lock(ctx context.Context, milestoneID string) (func(), error) {
	unlockLocal, err := r.local.Lock(ctx, milestoneID)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s:%s", r.prefix, milestoneID)
	token, err := lockToken()
	if err != nil {
		unlockLocal()
		return nil, err
	}

	for {
		acquired, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			unlockLocal()
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s", ErrLockTimeout, milestoneID)
			}
			return nil, fmt.Errorf("acquire milestone lock %s: %w", milestoneID, err)
		}
		if acquired {
			break
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, milestoneID)
		case <-time.After(r.poll):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseMilestoneLockScript.Run(releaseCtx, r.client, []string{key}, token).Err()
			unlockLocal()
		})
	}, nil
}

func lockToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
