package sync

import (
	"sync"
	"time"
)

// avatarCache memoizes profile picture URLs per chat. Avatar lookups
// are the most expensive enrichment in a sync run and change rarely,
// so entries live for a long TTL (24h by default).
type avatarCache struct {
	mu      sync.Mutex
	entries map[string]avatarEntry
	ttl     time.Duration
}

type avatarEntry struct {
	url     string
	fetched time.Time
}

func newAvatarCache(ttl time.Duration) *avatarCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &avatarCache{
		entries: make(map[string]avatarEntry),
		ttl:     ttl,
	}
}

func (a *avatarCache) get(chatID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[chatID]
	if !ok || time.Since(e.fetched) > a.ttl {
		delete(a.entries, chatID)
		return "", false
	}
	return e.url, true
}

func (a *avatarCache) put(chatID, url string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[chatID] = avatarEntry{url: url, fetched: time.Now()}
}
