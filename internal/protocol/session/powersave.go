package session

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// PowerSave is a counted inhibit on the co-processor entering power save.
type PowerSave interface {
	Inhibit()
	Release()
}

// inhibitPowerSave acquires one inhibit and returns the matching release.
// The release is idempotent so every exit path can defer it.
func inhibitPowerSave(ps PowerSave) func() {
	if ps == nil {
		return func() {}
	}
	ps.Inhibit()
	var once sync.Once
	return func() {
		once.Do(ps.Release)
	}
}

// PowerSaveCounter is a recursive inhibit count. OnChange fires when the
// count crosses zero in either direction.
type PowerSaveCounter struct {
	mu       sync.Mutex
	count    int
	OnChange func(inhibited bool)
}

func (p *PowerSaveCounter) Inhibit() {
	p.mu.Lock()
	p.count++
	first := p.count == 1
	cb := p.OnChange
	p.mu.Unlock()
	if first && cb != nil {
		cb(true)
	}
}

func (p *PowerSaveCounter) Release() {
	p.mu.Lock()
	if p.count == 0 {
		p.mu.Unlock()
		log.Warn().Msg("session.PowerSaveCounter.Release unbalanced release ignored")
		return
	}
	p.count--
	last := p.count == 0
	cb := p.OnChange
	p.mu.Unlock()
	if last && cb != nil {
		cb(false)
	}
}

func (p *PowerSaveCounter) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}
