package udpsender

import (
	"net"
	"sync"
	"time"
)

// dnsCache is a process-wide, read-mostly hostname -> IPv4 table behind
// a short critical section, per spec.md §5's description of DNS as a
// property of the network I/O layer.
type dnsCache struct {
	mu      sync.RWMutex
	entries map[string]dnsEntry
	ttl     time.Duration
	disable bool
	now     func() time.Time
	lookup  func(host string) ([]net.IP, error)
}

type dnsEntry struct {
	ip      net.IP
	expires time.Time
}

func newDNSCache(ttl time.Duration, disable bool) *dnsCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &dnsCache{
		entries: make(map[string]dnsEntry),
		ttl:     ttl,
		disable: disable,
		now:     time.Now,
		lookup:  net.LookupIP,
	}
}

// resolve returns an IPv4 address for host. If host is already a
// literal IP, or DNS_DISABLE is set, it is returned as-is with no
// lookup performed. On lookup failure, a cached (even if expired)
// entry is used as a fallback; absent any cached entry the hostname
// itself is returned: Send cannot address it and counts an error, and
// the next send looks the host up again rather than blocking playback now.
func (c *dnsCache) resolve(host string) string {
	if c.disable {
		return host
	}
	if ip := net.ParseIP(host); ip != nil {
		return host
	}

	c.mu.RLock()
	e, ok := c.entries[host]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expires) {
		return e.ip.String()
	}

	ips, err := c.lookup(host)
	if err == nil {
		for _, ip := range ips {
			if v4 := ip.To4(); v4 != nil {
				c.mu.Lock()
				c.entries[host] = dnsEntry{ip: v4, expires: c.now().Add(c.ttl)}
				c.mu.Unlock()
				return v4.String()
			}
		}
	}

	// Lookup failed or yielded no IPv4 address: fall back to whatever we
	// last resolved, stale or not, and otherwise to the hostname itself.
	if ok {
		return e.ip.String()
	}
	return host
}
