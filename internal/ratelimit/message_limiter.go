// Package ratelimit bounds the rate of inbound signaling messages per
// connection.
package ratelimit

import (
	"sync"
	"time"
)

// MessageLimiter is a token bucket sized for "messages per second" limits on
// a single websocket connection. Capacity equals the fill rate, so a client
// may burst one second's worth of messages and then settles at the sustained
// rate.
//
// Fixed-point nano-tokens avoid float drift over long-lived connections: one
// token is 1e9 nano-tokens, so a rate of N tokens/sec refills N nano-tokens
// per elapsed nanosecond.
type MessageLimiter struct {
	mu sync.Mutex

	clock Clock
	rate  int64 // tokens/sec, also the bucket capacity

	available int64 // nano-tokens
	last      time.Time
}

const nanoTokensPerToken = int64(time.Second)

// NewMessageLimiter returns a limiter allowing perSecond messages per second.
// perSecond <= 0 disables limiting (Allow always succeeds).
func NewMessageLimiter(clock Clock, perSecond int) *MessageLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	rate := int64(perSecond)
	l := &MessageLimiter{
		clock: clock,
		rate:  rate,
		last:  clock.Now(),
	}
	if rate > 0 {
		l.available = rate * nanoTokensPerToken
	}
	return l
}

// Allow consumes one message token if available.
func (l *MessageLimiter) Allow() bool {
	if l.rate <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.last) {
		elapsed := now.Sub(l.last).Nanoseconds()
		capacity := l.rate * nanoTokensPerToken

		// elapsed*rate can overflow for very long idle periods; anything that
		// would fill the bucket clamps to capacity.
		if need := capacity - l.available; need > 0 && elapsed >= need/l.rate {
			l.available = capacity
		} else {
			l.available += elapsed * l.rate
			if l.available > capacity {
				l.available = capacity
			}
		}
	}
	l.last = now

	if l.available < nanoTokensPerToken {
		return false
	}
	l.available -= nanoTokensPerToken
	return true
}
