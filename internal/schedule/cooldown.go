package schedule

import (
	"math/rand"
	"strings"
	"time"

	"github.com/eventops/outreach/internal/domain"
)

// Cooldown bounds, in seconds. Stored cooldowns outside [Min,Max] are
// clamped on read; a missing row gets Default.
const (
	MinCooldownSeconds     = 30
	MaxCooldownSeconds     = 300
	DefaultCooldownSeconds = 90

	// Range for the post-send randomised domain cooldown.
	RandomCooldownFloor   = 60
	RandomCooldownCeiling = 180
)

// DomainKey returns the sender-stats key for the sending domain of addr,
// e.g. "domain:example.org". Domain rows dominate per-mailbox rows.
func DomainKey(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return "domain:" + strings.ToLower(addr[at+1:])
}

// ClampCooldown normalises a stored cooldown to the allowed band.
func ClampCooldown(seconds int) int {
	if seconds <= 0 {
		return DefaultCooldownSeconds
	}
	if seconds < MinCooldownSeconds {
		return MinCooldownSeconds
	}
	if seconds > MaxCooldownSeconds {
		return MaxCooldownSeconds
	}
	return seconds
}

// CooldownReady reports whether the sender described by stats may send at
// now. A nil stats row, or one that has never sent, is always ready.
func CooldownReady(stats *domain.SenderStats, now time.Time) bool {
	if stats == nil || !stats.LastSent.Valid {
		return true
	}
	cd := time.Duration(ClampCooldown(stats.Cooldown)) * time.Second
	return now.Sub(stats.LastSent.Time) >= cd
}

// CooldownExpiry returns the instant the cooldown described by stats ends.
// Zero time means no cooldown is active.
func CooldownExpiry(stats *domain.SenderStats) time.Time {
	if stats == nil || !stats.LastSent.Valid {
		return time.Time{}
	}
	return stats.LastSent.Time.Add(time.Duration(ClampCooldown(stats.Cooldown)) * time.Second)
}

// RandomCooldown picks the next domain cooldown, uniform in [60,180]s.
// Applied only after a successful send.
func RandomCooldown() int {
	return RandomCooldownFloor + rand.Intn(RandomCooldownCeiling-RandomCooldownFloor+1)
}
