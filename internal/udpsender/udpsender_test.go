package udpsender

import (
	"net"
	"testing"
	"time"
)

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSendDeliversPayload(t *testing.T) {
	dst := listenLoopback(t)
	port := dst.LocalAddr().(*net.UDPAddr).Port

	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	payload := []byte{1, 2, 3, 4}
	s.Send(payload, Endpoint{Host: "127.0.0.1", Port: port})

	dst.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, _, err := dst.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("received %v, want %v", buf[:n], payload)
	}
	stats := s.Stats()
	if stats.Sent != 1 {
		t.Fatalf("Stats.Sent = %d, want 1", stats.Sent)
	}
}

func TestSendToUnresolvableHostCountsError(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	s.dns.lookup = func(host string) ([]net.IP, error) { return nil, errLookupFailed }

	s.Send([]byte{1}, Endpoint{Host: "nonexistent.invalid", Port: 9999})
	stats := s.Stats()
	if stats.Errors != 1 {
		t.Fatalf("Stats.Errors = %d, want 1", stats.Errors)
	}
}

func TestDNSCacheFallsBackToStaleEntryOnFailure(t *testing.T) {
	c := newDNSCache(time.Hour, false)
	calls := 0
	c.lookup = func(host string) ([]net.IP, error) {
		calls++
		if calls == 1 {
			return []net.IP{net.IPv4(10, 0, 0, 5)}, nil
		}
		return nil, errLookupFailed
	}
	if got := c.resolve("wled.local"); got != "10.0.0.5" {
		t.Fatalf("first resolve = %q, want 10.0.0.5", got)
	}
	// Force re-resolution by expiring the cache entry, then fail lookup.
	c.mu.Lock()
	e := c.entries["wled.local"]
	e.expires = c.now().Add(-time.Second)
	c.entries["wled.local"] = e
	c.mu.Unlock()
	if got := c.resolve("wled.local"); got != "10.0.0.5" {
		t.Fatalf("fallback resolve = %q, want stale 10.0.0.5", got)
	}
}

func TestDNSCacheFallsBackToHostnameWithNoPriorEntry(t *testing.T) {
	c := newDNSCache(time.Hour, false)
	c.lookup = func(host string) ([]net.IP, error) { return nil, errLookupFailed }
	if got := c.resolve("never-resolved.invalid"); got != "never-resolved.invalid" {
		t.Fatalf("resolve = %q, want passthrough hostname", got)
	}
}

func TestDNSCacheDisabledSkipsLookup(t *testing.T) {
	c := newDNSCache(time.Hour, true)
	c.lookup = func(host string) ([]net.IP, error) {
		t.Fatalf("lookup called with DNS disabled")
		return nil, nil
	}
	if got := c.resolve("wled.local"); got != "wled.local" {
		t.Fatalf("resolve = %q, want passthrough hostname", got)
	}
}

var errLookupFailed = &net.DNSError{Err: "synthetic failure", Name: "test", IsNotFound: true}
