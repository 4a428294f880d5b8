package collab

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/zjrosen/clusterd/internal/clusterstate"
)

// CachingRequester wraps a Requester, memoizing AddressInfo lookups for a
// short window so a tick storm against a flapping peer doesn't repeat the
// same RPC on every call. AllProcessInfo is never cached: it is only ever
// called once per tick per address and its result feeds load_processes
// directly.
type CachingRequester struct {
	inner Requester
	cache *cache.Cache
}

// NewCachingRequester wraps inner, caching AddressInfo results for ttl.
func NewCachingRequester(inner Requester, ttl time.Duration) *CachingRequester {
	return &CachingRequester{
		inner: inner,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (c *CachingRequester) AddressInfo(ctx context.Context, peer, subject clusterstate.Address) (PeerAddressInfo, error) {
	key := string(peer) + "|" + string(subject)
	if v, ok := c.cache.Get(key); ok {
		return v.(PeerAddressInfo), nil
	}
	info, err := c.inner.AddressInfo(ctx, peer, subject)
	if err != nil {
		return PeerAddressInfo{}, err
	}
	c.cache.SetDefault(key, info)
	return info, nil
}

func (c *CachingRequester) AllProcessInfo(ctx context.Context, peer clusterstate.Address) ([]ProcessInfo, error) {
	return c.inner.AllProcessInfo(ctx, peer)
}

// Invalidate drops any cached AddressInfo for (peer, subject), so the next
// AddressInfo call for that pair reaches inner. Context does not call it;
// a cached verdict otherwise lives until its ttl expires.
func (c *CachingRequester) Invalidate(peer, subject clusterstate.Address) {
	c.cache.Delete(string(peer) + "|" + string(subject))
}
