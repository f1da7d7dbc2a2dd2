// Package atproto resolves Roomy user profiles (handle and avatar)
// from an AT Protocol PDS, for impersonating non-Discord authors on
// Discord. Resolution is read-only and aggressively cached; identity
// beyond display data is out of scope.
package atproto

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

const (
	defaultPDSBase  = "https://public.api.bsky.app"
	profileEndpoint = "/xrpc/app.bsky.actor.getProfile"

	cacheTTL     = 15 * time.Minute
	cacheCleanup = 30 * time.Minute
)

// Profile is the display subset of an AT-proto actor profile.
type Profile struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
}

// Name returns the best display name available.
func (p Profile) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Handle
}

// Resolver fetches and caches actor profiles by DID. Failed lookups
// are negatively cached for the same TTL so a dead DID does not hammer
// the PDS on every message.
type Resolver struct {
	base  string
	http  *http.Client
	cache *gocache.Cache
}

func NewResolver(base string) *Resolver {
	if base == "" {
		base = defaultPDSBase
	}
	return &Resolver{
		base:  base,
		http:  &http.Client{Timeout: 10 * time.Second},
		cache: gocache.New(cacheTTL, cacheCleanup),
	}
}

// ResolveProfile returns the profile for a DID. The zero Profile with
// ok=false means the DID could not be resolved.
func (r *Resolver) ResolveProfile(ctx context.Context, did string) (Profile, bool) {
	if cached, found := r.cache.Get(did); found {
		profile, ok := cached.(Profile)
		return profile, ok && profile.DID != ""
	}

	profile, err := r.fetch(ctx, did)
	if err != nil {
		log.WithError(err).WithField("did", did).Debug("Profile resolution failed")
		r.cache.Set(did, Profile{}, gocache.DefaultExpiration)
		return Profile{}, false
	}
	r.cache.Set(did, profile, gocache.DefaultExpiration)
	return profile, true
}

func (r *Resolver) fetch(ctx context.Context, did string) (Profile, error) {
	endpoint := r.base + profileEndpoint + "?actor=" + url.QueryEscape(did)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Profile{}, err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("fetch profile %s: %w", did, err)
	}
	defer resp.Body.Close() // nolint: errcheck
	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("fetch profile %s: status %d", did, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Profile{}, err
	}
	var profile Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return Profile{}, fmt.Errorf("decode profile %s: %w", did, err)
	}
	if profile.DID == "" {
		profile.DID = did
	}
	return profile, nil
}
