/**
 * @description
 * This package caches contractor account eligibility. Reads load an immutable snapshot
 * through an atomic pointer and never block; writers copy the snapshot, change the copy
 * and publish it.
 *
 * @notes
 * - A miss or an entry older than the TTL triggers a synchronous authoritative poll at
 *   the processor before dispatch is allowed. Concurrent refreshes for the same account
 *   are coalesced.
 * - Signals carry an observation time; a signal older than the cached one is ignored.
 * - A failed refresh fails closed: the account is treated as not payable.
 *
 * @dependencies
 * - golang.org/x/sync/singleflight: Refresh coalescing.
 * - internal/store: Persistence of the last known state.
 */

package accounts

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/store"
	"golang.org/x/sync/singleflight"
)

// Fetcher performs an authoritative account poll.
type Fetcher interface {
	FetchAccount(ctx context.Context, accountRef string) (domain.ContractorAccount, error)
}

type entry struct {
	account     domain.ContractorAccount
	invalidated bool
}

type snapshot map[string]entry

// Cache is the account status cache.
type Cache struct {
	entries atomic.Pointer[snapshot]
	writeMu sync.Mutex
	group   singleflight.Group

	repo           store.AccountRepository
	fetcher        Fetcher
	ttl            time.Duration
	refreshTimeout time.Duration
	now            func() time.Time
}

const defaultRefreshTimeout = 10 * time.Second

// NewCache builds a cache whose entries are trusted for ttl.
func NewCache(repo store.AccountRepository, fetcher Fetcher, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := &Cache{repo: repo, fetcher: fetcher, ttl: ttl, refreshTimeout: defaultRefreshTimeout, now: time.Now}
	empty := snapshot{}
	c.entries.Store(&empty)
	return c
}

// SetRefreshTimeout bounds each authoritative refresh, including the store reads and
// writes around it.
func (c *Cache) SetRefreshTimeout(d time.Duration) {
	if d > 0 {
		c.refreshTimeout = d
	}
}

func (c *Cache) load(accountRef string) (entry, bool) {
	e, ok := (*c.entries.Load())[accountRef]
	return e, ok
}

func (c *Cache) fresh(acct domain.ContractorAccount) bool {
	return !acct.LastSyncedAt.IsZero() && c.now().Sub(acct.LastSyncedAt) < c.ttl
}

// IsPayable reports whether dispatch to the account is allowed right now.
func (c *Cache) IsPayable(ctx context.Context, accountRef string) (bool, error) {
	acct, err := c.Get(ctx, accountRef)
	if err != nil {
		return false, err
	}
	return acct.IsPayable(), nil
}

// Get returns the current account state, refreshing it when missing or stale.
func (c *Cache) Get(ctx context.Context, accountRef string) (domain.ContractorAccount, error) {
	accountRef = strings.TrimSpace(accountRef)
	if accountRef == "" {
		return domain.ContractorAccount{}, errors.New("account reference is required")
	}
	cached, known := c.load(accountRef)
	if known && !cached.invalidated && c.fresh(cached.account) {
		return cached.account, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.refreshTimeout)
	defer cancel()
	v, err, _ := c.group.Do(accountRef, func() (interface{}, error) {
		if !known {
			persisted, err := c.repo.GetContractorAccount(ctx, accountRef)
			switch {
			case err == nil && c.fresh(*persisted):
				return c.apply(*persisted), nil
			case err != nil && !errors.Is(err, store.ErrAccountNotFound):
				log.Printf("level=warn component=account_cache msg=\"persisted account read failed\" account_ref=%s err=%v", accountRef, err)
			}
		}
		return c.refresh(ctx, accountRef)
	})
	if err != nil {
		return domain.ContractorAccount{}, err
	}
	return v.(domain.ContractorAccount), nil
}

func (c *Cache) refresh(ctx context.Context, accountRef string) (domain.ContractorAccount, error) {
	acct, err := c.fetcher.FetchAccount(ctx, accountRef)
	if err != nil {
		return domain.ContractorAccount{}, fmt.Errorf("refresh account %s: %w", accountRef, err)
	}
	acct.AccountRef = accountRef
	if acct.LastSyncedAt.IsZero() {
		acct.LastSyncedAt = c.now().UTC()
	}
	applied := c.apply(acct)
	if err := c.repo.UpsertContractorAccount(ctx, applied); err != nil {
		log.Printf("level=warn component=account_cache msg=\"persist refreshed account failed\" account_ref=%s err=%v", accountRef, err)
	}
	log.Printf("level=info component=account_cache msg=\"account refreshed\" account_ref=%s payable_state=%s", accountRef, applied.PayableState)
	return applied, nil
}

// Upgrade applies a verified account signal from a webhook or an authoritative poll.
// Restrictions take effect immediately; signals older than the cached state are ignored.
func (c *Cache) Upgrade(ctx context.Context, acct domain.ContractorAccount) (domain.ContractorAccount, error) {
	if strings.TrimSpace(acct.AccountRef) == "" {
		return domain.ContractorAccount{}, errors.New("account reference is required")
	}
	if acct.LastSyncedAt.IsZero() {
		acct.LastSyncedAt = c.now().UTC()
	}
	applied := c.apply(acct)
	if err := c.repo.UpsertContractorAccount(ctx, applied); err != nil {
		return applied, fmt.Errorf("persist account %s: %w", acct.AccountRef, err)
	}
	return applied, nil
}

// Invalidate forces the next read of the account to poll the processor.
func (c *Cache) Invalidate(accountRef string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	current := *c.entries.Load()
	e, ok := current[accountRef]
	if ok && e.invalidated {
		return
	}
	next := make(snapshot, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	e.account.AccountRef = accountRef
	e.invalidated = true
	next[accountRef] = e
	c.entries.Store(&next)
}

// apply publishes acct unless the cache holds a newer observation, and returns the state
// that is current after the write.
func (c *Cache) apply(acct domain.ContractorAccount) domain.ContractorAccount {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	current := *c.entries.Load()
	if existing, ok := current[acct.AccountRef]; ok && !existing.invalidated && existing.account.LastSyncedAt.After(acct.LastSyncedAt) {
		return existing.account
	}
	acct.RequirementsOutstanding = append([]string(nil), acct.RequirementsOutstanding...)

	next := make(snapshot, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[acct.AccountRef] = entry{account: acct}
	c.entries.Store(&next)
	return acct
}
