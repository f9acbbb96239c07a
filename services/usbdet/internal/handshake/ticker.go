package handshake

import (
	"sync"
	"time"
)

// Ticker runs tick every interval for as long as it returns true.
type Ticker interface {
	Start(interval time.Duration, tick func() bool)
	Cancel()
}

// TimerTicker chains time.AfterFunc. Starting again supersedes the
// previous run.
type TimerTicker struct {
	mu  sync.Mutex
	t   *time.Timer
	gen uint64
}

func NewTimerTicker() *TimerTicker { return &TimerTicker{} }

func (k *TimerTicker) Start(interval time.Duration, tick func() bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.t != nil {
		k.t.Stop()
	}
	k.gen++
	gen := k.gen

	var fire func()
	fire = func() {
		if !k.current(gen) || !tick() {
			return
		}
		k.mu.Lock()
		if k.gen == gen {
			k.t = time.AfterFunc(interval, fire)
		}
		k.mu.Unlock()
	}
	k.t = time.AfterFunc(interval, fire)
}

func (k *TimerTicker) Cancel() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.gen++
	if k.t != nil {
		k.t.Stop()
		k.t = nil
	}
}

func (k *TimerTicker) current(gen uint64) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.gen == gen
}
