// Package caching holds the in-memory caches shared across the bridge.
// Durable state lives in the repository; these only save repeated
// lookups on hot paths.
package caching

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

const profileKeyPrefix = "profile/"

// A Profile is the rendered identity used when impersonating an author
// through a webhook.
type Profile struct {
	Name      string
	AvatarURL string
}

// ProfileCache caches resolved author profiles by DID.
type ProfileCache interface {
	GetProfile(did string) (Profile, bool)
	StoreProfile(did string, profile Profile)
}

// Caches fans out to the typed cache partitions.
type Caches struct {
	cache  *ristretto.Cache
	maxAge time.Duration
}

// NewRistrettoCache creates the shared cache with the given capacity
// in bytes and per-entry TTL.
func NewRistrettoCache(maxCost int64, maxAge time.Duration) (*Caches, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCost / 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Caches{cache: cache, maxAge: maxAge}, nil
}

func (c *Caches) GetProfile(did string) (Profile, bool) {
	value, ok := c.cache.Get(profileKeyPrefix + did)
	if !ok {
		return Profile{}, false
	}
	profile, ok := value.(Profile)
	return profile, ok
}

func (c *Caches) StoreProfile(did string, profile Profile) {
	cost := int64(len(did) + len(profile.Name) + len(profile.AvatarURL))
	c.cache.SetWithTTL(profileKeyPrefix+did, profile, cost, c.maxAge)
}

// Close releases the cache's background resources.
func (c *Caches) Close() {
	c.cache.Close()
}
