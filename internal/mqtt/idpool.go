package mqtt

import "sync"

// idPool hands out nonzero 16-bit ids that are not currently in use.
// Each reset starts a new generation; releases from an older
// generation are ignored.
type idPool struct {
	mu   sync.Mutex
	next uint16
	gen  uint64
	used map[uint16]uint64
}

func newIDPool() *idPool {
	return &idPool{used: make(map[uint16]uint64)}
}

// acquire returns a free id and the current generation, or 0 if all
// 65535 ids are in use.
func (p *idPool) acquire() (uint16, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for range 0xFFFF {
		p.next++
		if p.next == 0 {
			p.next = 1
		}
		if _, busy := p.used[p.next]; !busy {
			p.used[p.next] = p.gen
			return p.next, p.gen
		}
	}
	return 0, p.gen
}

func (p *idPool) release(id uint16, gen uint64) {
	p.mu.Lock()
	if g, ok := p.used[id]; ok && g == gen {
		delete(p.used, id)
	}
	p.mu.Unlock()
}

// reset frees every id and starts a new generation.
func (p *idPool) reset() {
	p.mu.Lock()
	p.gen++
	clear(p.used)
	p.mu.Unlock()
}

func (p *idPool) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}
