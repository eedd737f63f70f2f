// Package policy keeps the per-pool IP ban list fed by banIP control messages.
package policy

import (
	"net"
	"sync"
	"time"

	"github.com/tos-network/tos-ledger/internal/util"
)

// DefaultBanTimeout is used when no timeout is configured
const DefaultBanTimeout = 30 * time.Minute

// Banner is implemented by the Protocol Engine side that enforces bans on
// live connections
type Banner interface {
	BanIP(ip string)
}

// BanList tracks banned addresses of one pool unit
type BanList struct {
	timeout time.Duration
	banner  Banner

	mu     sync.RWMutex
	banned map[string]time.Time

	// Ban channel for async forwarding
	banChan chan string

	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewBanList creates a ban list. banner may be nil.
func NewBanList(timeout time.Duration, banner Banner) *BanList {
	if timeout <= 0 {
		timeout = DefaultBanTimeout
	}
	return &BanList{
		timeout: timeout,
		banner:  banner,
		banned:  make(map[string]time.Time),
		banChan: make(chan string, 64),
		quit:    make(chan struct{}),
	}
}

// Start begins expiring bans and forwarding them to the banner
func (b *BanList) Start() {
	b.wg.Add(2)
	go b.resetLoop()
	go b.banWorker()
}

// Stop shuts down the background tasks
func (b *BanList) Stop() {
	b.once.Do(func() {
		close(b.quit)
	})
	b.wg.Wait()
}

// Ban records the address as banned. Invalid addresses are ignored.
func (b *BanList) Ban(ip string) bool {
	if net.ParseIP(ip) == nil {
		util.Warnf("Ignoring ban of invalid address %q", ip)
		return false
	}

	b.mu.Lock()
	b.banned[ip] = time.Now().Add(b.timeout)
	b.mu.Unlock()

	select {
	case b.banChan <- ip:
	default:
		util.Warnf("Ban queue full, %s not forwarded", ip)
	}
	return true
}

// IsBanned checks if an IP is currently banned
func (b *BanList) IsBanned(ip string) bool {
	b.mu.RLock()
	until, ok := b.banned[ip]
	b.mu.RUnlock()
	return ok && time.Now().Before(until)
}

// Len returns the number of recorded bans, expired or not
func (b *BanList) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.banned)
}

// Expire removes bans that ended before now
func (b *BanList) Expire(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for ip, until := range b.banned {
		if !now.Before(until) {
			delete(b.banned, ip)
			removed++
			util.Infof("Ban expired for %s", ip)
		}
	}
	return removed
}

// resetLoop periodically drops expired bans
func (b *BanList) resetLoop() {
	defer b.wg.Done()

	interval := b.timeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.quit:
			return
		case now := <-ticker.C:
			b.Expire(now)
		}
	}
}

// banWorker forwards ban requests to the banner
func (b *BanList) banWorker() {
	defer b.wg.Done()

	for {
		select {
		case <-b.quit:
			return
		case ip := <-b.banChan:
			if b.banner != nil {
				b.banner.BanIP(ip)
			}
		}
	}
}
