package liveq

import (
	mathrand "math/rand"
	"sync"
	"time"
)

type ReconnectSettings struct {
	MinTimeout time.Duration
	MaxTimeout time.Duration
	// a connection that stays up at least this long resets the backoff
	StabilityTimeout time.Duration
}

func DefaultReconnectSettings() *ReconnectSettings {
	return &ReconnectSettings{
		MinTimeout:       100 * time.Millisecond,
		MaxTimeout:       15 * time.Second,
		StabilityTimeout: 30 * time.Second,
	}
}

// exponential backoff with random jitter, capped at `MaxTimeout`.
// a stable connected period resets the delay to `MinTimeout`, so the
// client recovers quickly from transient blips without contributing to a
// thundering herd when the server is down.
type Reconnect struct {
	settings *ReconnectSettings

	stateLock     sync.Mutex
	failureCount  int
	connectedTime time.Time
}

func NewReconnect(settings *ReconnectSettings) *Reconnect {
	return &Reconnect{
		settings: settings,
	}
}

func (self *Reconnect) Connected() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.connectedTime = time.Now()
}

func (self *Reconnect) Disconnected() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !self.connectedTime.IsZero() && self.settings.StabilityTimeout <= time.Since(self.connectedTime) {
		self.failureCount = 0
	}
	self.connectedTime = time.Time{}
	self.failureCount += 1
}

func (self *Reconnect) After() <-chan time.Time {
	return time.After(self.NextTimeout())
}

func (self *Reconnect) NextTimeout() time.Duration {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	timeout := self.settings.MinTimeout
	for i := 1; i < self.failureCount; i += 1 {
		timeout *= 2
		if self.settings.MaxTimeout <= timeout {
			timeout = self.settings.MaxTimeout
			break
		}
	}
	if timeout <= 0 {
		return 0
	}
	// jitter in [0.5, 1.0) of the full delay
	return timeout/2 + time.Duration(mathrand.Int63n(int64(timeout/2)+1))
}
