package server

import (
	"context"
	"net"
	"sync"
	"time"
)

// =============================================================================
// Rate Limiter for Malformed Ingest Frames
// =============================================================================

// RateLimiter counts FAILED ingest frames per remote IP within a time window.
// A remote that exceeds the limit has its connection closed and new
// connections refused until the window expires. Well-formed frames are not
// counted.
//
// Flow:
//  1. Client connects
//  2. Check IsBlocked() - if true, reject immediately
//  3. Read frames
//  4. If a frame is malformed: call RecordFailure()
type RateLimiter struct {
	mu       sync.RWMutex
	failures map[string]*rateLimitEntry
	limit    int           // max failures before blocking
	window   time.Duration // time window for counting failures
}

type rateLimitEntry struct {
	count     int       // number of failed frames
	resetTime time.Time // when this entry expires
}

// NewRateLimiter creates a new rate limiter. Run must be started to expire
// old entries.
//
// Parameters:
//   - limit: maximum failures before blocking
//   - window: time window for counting failures (e.g., 1 minute)
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		failures: make(map[string]*rateLimitEntry),
		limit:    limit,
		window:   window,
	}
}

// IsBlocked returns true if the IP has exceeded the failure limit.
func (rl *RateLimiter) IsBlocked(ip string) bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	entry, ok := rl.failures[ip]
	if !ok {
		return false
	}

	// Check if window has expired
	if time.Now().After(entry.resetTime) {
		return false
	}

	return entry.count >= rl.limit
}

// RecordFailure records a malformed frame and reports whether the IP is now
// blocked.
func (rl *RateLimiter) RecordFailure(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	entry, ok := rl.failures[ip]

	if !ok || now.After(entry.resetTime) {
		// New entry or window expired - start fresh
		entry = &rateLimitEntry{resetTime: now.Add(rl.window)}
		rl.failures[ip] = entry
	}

	entry.count++
	return entry.count >= rl.limit
}

// GetFailureCount returns the current failure count for an IP.
func (rl *RateLimiter) GetFailureCount(ip string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	entry, ok := rl.failures[ip]
	if !ok {
		return 0
	}

	if time.Now().After(entry.resetTime) {
		return 0
	}

	return entry.count
}

// Run expires old entries until ctx is cancelled.
func (rl *RateLimiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-ctx.Done():
			return nil
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, entry := range rl.failures {
		if now.After(entry.resetTime) {
			delete(rl.failures, ip)
		}
	}
}

// extractIP extracts the IP address from a remote address string.
func extractIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
