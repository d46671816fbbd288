package db

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/rcond/internal/util"
)

const banSchema = `
	CREATE TABLE IF NOT EXISTS bans (
		address TEXT PRIMARY KEY,
		reason TEXT NOT NULL DEFAULT '',
		expires_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
`

// Ban is one ban list entry. A zero Expires means the ban is permanent.
type Ban struct {
	Address   string    `json:"address"`
	Reason    string    `json:"reason"`
	Expires   time.Time `json:"expires,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Permanent reports whether the ban never expires.
func (b Ban) Permanent() bool {
	return b.Expires.IsZero()
}

func (b Ban) expired(now time.Time) bool {
	return !b.Expires.IsZero() && !now.Before(b.Expires)
}

// BanList is the persistent ban list. Entries are cached in memory because
// IsBanned runs on every accepted connection.
type BanList struct {
	db     *Database
	mu     sync.RWMutex
	cache  map[string]Ban
	now    func() time.Time
	logger zerolog.Logger
}

// NewBanList opens the ban list stored in database.
func NewBanList(database *Database) (*BanList, error) {
	if err := database.Migrate("bans", banSchema); err != nil {
		return nil, err
	}

	bl := &BanList{
		db:     database,
		cache:  make(map[string]Ban),
		now:    time.Now,
		logger: util.ComponentLogger("banlist"),
	}
	if err := bl.load(); err != nil {
		return nil, err
	}
	return bl, nil
}

func (bl *BanList) load() error {
	rows, err := bl.db.Query("SELECT address, reason, expires_at, created_at FROM bans")
	if err != nil {
		return fmt.Errorf("failed to load bans: %w", err)
	}
	defer rows.Close()

	bl.mu.Lock()
	defer bl.mu.Unlock()
	for rows.Next() {
		var b Ban
		var expires, created int64
		if err := rows.Scan(&b.Address, &b.Reason, &expires, &created); err != nil {
			return fmt.Errorf("failed to scan ban: %w", err)
		}
		if expires > 0 {
			b.Expires = time.Unix(expires, 0)
		}
		b.CreatedAt = time.Unix(created, 0)
		bl.cache[b.Address] = b
	}
	bl.logger.Info().Int("bans", len(bl.cache)).Msg("ban list loaded")
	return rows.Err()
}

// normalizeAddress strips a port and canonicalizes IPs.
func normalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return "", fmt.Errorf("invalid address %q", addr)
	}
	return ip.String(), nil
}

// BanAddress bans addr for penalty; zero means permanent. Banning an
// already banned address replaces the entry.
func (bl *BanList) BanAddress(addr string, penalty time.Duration, reason string) error {
	host, err := normalizeAddress(addr)
	if err != nil {
		return err
	}
	now := bl.now()
	b := Ban{Address: host, Reason: reason, CreatedAt: now}
	var expires int64
	if penalty > 0 {
		b.Expires = now.Add(penalty)
		expires = b.Expires.Unix()
	}

	_, err = bl.db.Exec(`
		INSERT INTO bans (address, reason, expires_at, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET reason = excluded.reason,
			expires_at = excluded.expires_at, created_at = excluded.created_at`,
		host, reason, expires, now.Unix())
	if err != nil {
		return fmt.Errorf("failed to ban %s: %w", host, err)
	}

	bl.mu.Lock()
	bl.cache[host] = b
	bl.mu.Unlock()

	bl.logger.Info().
		Str("address", host).
		Str("reason", reason).
		Bool("permanent", b.Permanent()).
		Time("expires", b.Expires).
		Msg("address banned")
	return nil
}

// Unban removes addr from the ban list and reports whether it was banned.
func (bl *BanList) Unban(addr string) (bool, error) {
	host, err := normalizeAddress(addr)
	if err != nil {
		return false, err
	}
	res, err := bl.db.Exec("DELETE FROM bans WHERE address = ?", host)
	if err != nil {
		return false, fmt.Errorf("failed to unban %s: %w", host, err)
	}

	bl.mu.Lock()
	delete(bl.cache, host)
	bl.mu.Unlock()

	n, _ := res.RowsAffected()
	if n > 0 {
		bl.logger.Info().Str("address", host).Msg("address unbanned")
	}
	return n > 0, nil
}

// IsBanned reports whether addr is currently banned.
func (bl *BanList) IsBanned(addr string) bool {
	host, err := normalizeAddress(addr)
	if err != nil {
		return false
	}
	bl.mu.RLock()
	b, ok := bl.cache[host]
	bl.mu.RUnlock()
	return ok && !b.expired(bl.now())
}

// List returns the active bans, oldest first.
func (bl *BanList) List() []Ban {
	now := bl.now()
	bl.mu.RLock()
	out := make([]Ban, 0, len(bl.cache))
	for _, b := range bl.cache {
		if !b.expired(now) {
			out = append(out, b)
		}
	}
	bl.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Address < out[j].Address
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// PurgeExpired deletes expired bans and returns how many were removed.
func (bl *BanList) PurgeExpired() (int, error) {
	now := bl.now()
	res, err := bl.db.Exec("DELETE FROM bans WHERE expires_at > 0 AND expires_at <= ?", now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge bans: %w", err)
	}

	bl.mu.Lock()
	for addr, b := range bl.cache {
		if b.expired(now) {
			delete(bl.cache, addr)
		}
	}
	bl.mu.Unlock()

	n, _ := res.RowsAffected()
	return int(n), nil
}
