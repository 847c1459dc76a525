// Package udpsender implements the UDP sender (C4): a non-blocking,
// best-effort datagram send to a resolved WLED endpoint. See spec.md
// §4.4.
package udpsender

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"

	"github.com/ambisync/ambisync/internal/metrics"
)

// ErrNetwork is the spec.md §7 network_error taxonomy member for UDP
// send failures. It is never returned to the caller of Send: failures
// are skipped and logged per the taxonomy's "UDP skipped silently"
// propagation policy. It exists so tests and callers that inspect
// Stats can classify the counted errors consistently with HTTP's.
var ErrNetwork = errors.New("udpsender: network error")

// Endpoint is a UDP destination; Host may be a literal IPv4 address or
// a hostname resolved through the sender's DNS cache.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string { return net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) }

// Stats is a point-in-time snapshot of send outcomes, exposed for
// metrics.
type Stats struct {
	Sent    uint64
	Skipped uint64
	Errors  uint64
}

// Config controls optional sender behavior.
type Config struct {
	DNSTTL     time.Duration
	DNSDisable bool // skip DNS resolution/caching entirely; endpoints must be IP literals
	TOS        int  // DSCP/TOS byte; 0 disables marking
	SendTO     time.Duration
}

// Sender owns one UDP socket for the process's lifetime, reused across
// every send regardless of destination.
type Sender struct {
	conn    *net.UDPConn
	dns     *dnsCache
	tos     int
	sendTO  time.Duration
	sent    atomic.Uint64
	skipped atomic.Uint64
	errors  atomic.Uint64

	mu        sync.Mutex
	logLimits map[string]*rate.Sometimes
}

// New opens the process-wide UDP socket. It is unconnected: sends
// specify a destination per-call via WriteToUDP.
func New(cfg Config) (*Sender, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("udpsender: open socket: %w", err)
	}
	if cfg.TOS != 0 {
		if err := ipv4.NewConn(conn).SetTOS(cfg.TOS); err != nil {
			log.Printf("udpsender: set TOS=%d failed: %v", cfg.TOS, err)
		}
	}
	sendTO := cfg.SendTO
	if sendTO <= 0 {
		sendTO = 5 * time.Millisecond
	}
	return &Sender{
		conn:      conn,
		dns:       newDNSCache(cfg.DNSTTL, cfg.DNSDisable),
		tos:       cfg.TOS,
		sendTO:    sendTO,
		logLimits: make(map[string]*rate.Sometimes),
	}, nil
}

// Send transmits payload to ep. A would-block condition (EAGAIN,
// surfaced by Go as a write-deadline timeout on a non-blocking socket)
// is counted as a skip, not an error. Any other send error is logged
// at most once per minute per endpoint string and otherwise swallowed: C4
// never returns an error to the caller, matching spec.md §4.4 and §7's
// network_error propagation ("UDP skipped silently").
func (s *Sender) Send(payload []byte, ep Endpoint) {
	ip := s.dns.resolve(ep.Host)
	addr := &net.UDPAddr{IP: net.ParseIP(ip), Port: ep.Port}
	if addr.IP == nil {
		s.logOnce(ep.String(), fmt.Errorf("%w: could not resolve %q", ErrNetwork, ep.Host))
		s.errors.Add(1)
		metrics.UDPErrors.Inc()
		return
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.sendTO))
	_, err := s.conn.WriteToUDP(payload, addr)
	if err == nil {
		s.sent.Add(1)
		metrics.UDPSent.Inc()
		return
	}
	if isWouldBlock(err) {
		s.skipped.Add(1)
		metrics.UDPSkipped.Inc()
		return
	}
	s.errors.Add(1)
	metrics.UDPErrors.Inc()
	s.logOnce(ep.String(), fmt.Errorf("%w: %v", ErrNetwork, err))
}

func isWouldBlock(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// logOnce logs err for key at most once per minute, grounded on the
// "logged once per session" requirement without needing callers to
// thread a session id through every Send.
func (s *Sender) logOnce(key string, err error) {
	s.mu.Lock()
	lim, ok := s.logLimits[key]
	if !ok {
		lim = &rate.Sometimes{Interval: time.Minute}
		s.logLimits[key] = lim
	}
	s.mu.Unlock()
	lim.Do(func() { log.Printf("udpsender: %v", err) })
}

// Stats returns a snapshot of cumulative counters.
func (s *Sender) Stats() Stats {
	return Stats{
		Sent:    s.sent.Load(),
		Skipped: s.skipped.Load(),
		Errors:  s.errors.Load(),
	}
}

// Close releases the socket.
func (s *Sender) Close() error { return s.conn.Close() }

// Sink is satisfied by *Sender; FixedFrameSink wraps one to enforce the
// WLED raw-RGB datagram framing.
type Sink interface {
	Send(payload []byte, ep Endpoint)
}

// FixedFrameSink wraps a Sink so every payload passed through it is
// resized to exactly FrameBytes before it reaches the wire, per
// spec.md §6: "one datagram per frame containing exactly
// physical_led_count × 3 bytes ... if shorter, zero-pad on the right;
// if longer, truncate on the right." FrameBytes is physical_led_count*3
// regardless of LED_FORMAT, since the strip itself is addressed as raw
// RGB triples independent of how frames were sampled and stored.
type FixedFrameSink struct {
	sink       Sink
	frameBytes int
}

// NewFixedFrameSink wraps sink to fit every payload to frameBytes.
func NewFixedFrameSink(sink Sink, frameBytes int) *FixedFrameSink {
	return &FixedFrameSink{sink: sink, frameBytes: frameBytes}
}

// Send fits payload to FrameBytes and forwards it to the wrapped sink.
func (f *FixedFrameSink) Send(payload []byte, ep Endpoint) {
	f.sink.Send(fitFrame(payload, f.frameBytes), ep)
}

func fitFrame(payload []byte, frameBytes int) []byte {
	if len(payload) == frameBytes {
		return payload
	}
	out := make([]byte, frameBytes)
	copy(out, payload)
	return out
}
