// Package authfail tracks failed RCON authentication attempts per remote
// address and decides when an address should be banned.
package authfail

import (
	"net"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/energizer-project/rcond/internal/util"
)

const (
	// MaxTrackedAddresses is the capacity of the failure table.
	MaxTrackedAddresses = 32

	// MaxFailureTimestamps is the size of each record's timestamp ring.
	MaxFailureTimestamps = 20
)

// Config holds the autoban thresholds.
type Config struct {
	// MaxFailures bans an address whose lifetime failure count exceeds it.
	MaxFailures int
	// MinFailures bans an address with more than this many failures inside
	// MinFailureWindow.
	MinFailures      int
	MinFailureWindow time.Duration
	// Whitelist entries are IPs or CIDRs exempt from tracking.
	Whitelist []string
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		MaxFailures:      10,
		MinFailures:      5,
		MinFailureWindow: 30 * time.Second,
	}
}

// Record is a snapshot of one tracked address.
type Record struct {
	Address     string      `json:"address"`
	Failures    int         `json:"failures"`
	LastFailure time.Time   `json:"last_failure"`
	Recent      []time.Time `json:"recent"`
}

type record struct {
	failures int
	ring     [MaxFailureTimestamps]time.Time
	next     int
	filled   int
}

func (r *record) push(now time.Time) {
	r.ring[r.next] = now
	r.next = (r.next + 1) % MaxFailureTimestamps
	if r.filled < MaxFailureTimestamps {
		r.filled++
	}
	r.failures++
}

func (r *record) last() time.Time {
	if r.filled == 0 {
		return time.Time{}
	}
	return r.ring[(r.next+MaxFailureTimestamps-1)%MaxFailureTimestamps]
}

// countSince scans the ring for failures at or after cutoff.
func (r *record) countSince(cutoff time.Time) int {
	n := 0
	for i := 0; i < r.filled; i++ {
		if !r.ring[i].Before(cutoff) {
			n++
		}
	}
	return n
}

// Tracker counts failures per address. Records are evicted least recently
// failed first once MaxTrackedAddresses is exceeded.
type Tracker struct {
	mu        sync.Mutex
	cfg       Config
	records   *lru.Cache[string, *record]
	whiteIPs  []net.IP
	whiteNets []*net.IPNet
	logger    zerolog.Logger
}

// NewTracker creates a tracker with the given thresholds.
func NewTracker(cfg Config) *Tracker {
	// Only fails for a non-positive size.
	records, _ := lru.New[string, *record](MaxTrackedAddresses)

	t := &Tracker{
		records: records,
		logger:  util.ComponentLogger("authfail"),
	}
	t.SetConfig(cfg)
	return t
}

// SetConfig replaces the thresholds and whitelist. Existing records are kept.
func (t *Tracker) SetConfig(cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cfg = cfg
	t.whiteIPs = t.whiteIPs[:0]
	t.whiteNets = t.whiteNets[:0]
	for _, entry := range cfg.Whitelist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if _, cidr, err := net.ParseCIDR(entry); err == nil {
			t.whiteNets = append(t.whiteNets, cidr)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			t.whiteIPs = append(t.whiteIPs, ip)
			continue
		}
		t.logger.Warn().Str("entry", entry).Msg("ignoring invalid whitelist entry")
	}
}

// HostKey strips the port from an address so that all connections from one
// host share a record.
func HostKey(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// IsWhitelisted reports whether addr is exempt from tracking.
func (t *Tracker) IsWhitelisted(addr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isWhitelisted(HostKey(addr))
}

func (t *Tracker) isWhitelisted(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, w := range t.whiteIPs {
		if w.Equal(ip) {
			return true
		}
	}
	for _, n := range t.whiteNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// RecordFailure registers a failed attempt from addr at now and reports
// whether the address should be banned.
func (t *Tracker) RecordFailure(addr string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	host := HostKey(addr)
	if t.isWhitelisted(host) {
		return false
	}

	rec, ok := t.records.Get(host)
	if !ok {
		rec = &record{}
		if evicted := t.records.Add(host, rec); evicted {
			t.logger.Debug().Msg("failure table full, evicted oldest record")
		}
	}
	rec.push(now)

	recent := rec.countSince(now.Add(-t.cfg.MinFailureWindow))

	t.logger.Info().
		Str("address", host).
		Int("failures", rec.failures).
		Int("recent", recent).
		Msg("failed rcon authentication")

	if t.cfg.MaxFailures > 0 && rec.failures > t.cfg.MaxFailures {
		return true
	}
	if t.cfg.MinFailures > 0 && recent > t.cfg.MinFailures {
		return true
	}
	return false
}

// Failures returns the lifetime failure count recorded for addr.
func (t *Tracker) Failures(addr string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records.Peek(HostKey(addr)); ok {
		return rec.failures
	}
	return 0
}

// Forget drops the record for addr, typically after an unban.
func (t *Tracker) Forget(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records.Remove(HostKey(addr))
}

// Len returns the number of tracked addresses.
func (t *Tracker) Len() int {
	return t.records.Len()
}

// Records returns a snapshot of all tracked addresses, least recently failed
// first.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := t.records.Keys()
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		rec, ok := t.records.Peek(k)
		if !ok {
			continue
		}
		r := Record{
			Address:     k,
			Failures:    rec.failures,
			LastFailure: rec.last(),
		}
		for i := 0; i < rec.filled; i++ {
			idx := (rec.next - rec.filled + i + MaxFailureTimestamps) % MaxFailureTimestamps
			r.Recent = append(r.Recent, rec.ring[idx])
		}
		out = append(out, r)
	}
	return out
}
