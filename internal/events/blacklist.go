package events

import (
	"context"
	"fmt"
	"sync"
)

// BlacklistSource loads persisted opt-outs.
type BlacklistSource interface {
	Blacklists(ctx context.Context) (map[int64][]int64, error)
}

// Blacklist caches, per login, the message ids the login opted out of.
type Blacklist struct {
	mu      sync.RWMutex
	byLogin map[int64]map[int64]struct{}
}

func NewBlacklist() *Blacklist {
	return &Blacklist{byLogin: make(map[int64]map[int64]struct{})}
}

// Load replaces the cache with the persisted state.
func (b *Blacklist) Load(ctx context.Context, src BlacklistSource) error {
	all, err := src.Blacklists(ctx)
	if err != nil {
		return fmt.Errorf("load blacklists: %w", err)
	}
	next := make(map[int64]map[int64]struct{}, len(all))
	for login, ids := range all {
		next[login] = toSet(ids)
	}
	b.mu.Lock()
	b.byLogin = next
	b.mu.Unlock()
	return nil
}

// Set replaces the opt-outs of one login.
func (b *Blacklist) Set(loginID int64, messageIDs []int64) {
	set := toSet(messageIDs)
	b.mu.Lock()
	b.byLogin[loginID] = set
	b.mu.Unlock()
}

func (b *Blacklist) Blocked(loginID, messageID int64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.byLogin[loginID][messageID]
	return ok
}

func (b *Blacklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byLogin)
}

func toSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
