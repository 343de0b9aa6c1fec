package dispatch

import (
	"context"
	"sync"
)

// AddressCache maps usernames to email addresses for one channel run. It is
// populated at most once, on the first lookup, and never persisted. The
// mutex stays held across the populating fetch so concurrent first lookups
// do not request the contacts list twice.
type AddressCache struct {
	mu        sync.Mutex
	addresses map[string]string
}

// NewAddressCache creates an empty, unpopulated cache.
func NewAddressCache() *AddressCache {
	return &AddressCache{}
}

// Lookup resolves a username to an address, fetching the contacts list on
// the first call. The second return value reports whether the user has an
// address at all.
func (c *AddressCache) Lookup(ctx context.Context, username string, fetch func(context.Context) (map[string]string, error)) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.addresses == nil {
		addresses, err := fetch(ctx)
		if err != nil {
			return "", false, err
		}
		if addresses == nil {
			addresses = map[string]string{}
		}
		c.addresses = addresses
	}

	address, ok := c.addresses[username]
	return address, ok, nil
}

// Populated reports whether the contacts list has been fetched.
func (c *AddressCache) Populated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addresses != nil
}
