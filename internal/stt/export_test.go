package stt

import "time"

// SetClock replaces the cache's clock.
func (c *TokenCache) SetClock(now func() time.Time) {
	c.now = now
}
