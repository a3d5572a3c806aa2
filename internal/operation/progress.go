package operation

import (
	"sync"
)

type weightedChild struct {
	p     *Progress
	units int64
}

// Progress tracks completed work in units. A Progress may aggregate child
// progresses, each contributing its fraction times its weight. Observed
// fractions are clamped to [0,1] and never decrease.
type Progress struct {
	mu        sync.Mutex
	total     int64
	completed int64
	children  []weightedChild
	finished  bool
	last      float64
	parent    *Progress
	subs      map[int]func(float64)
	nextSub   int
}

// NewProgress returns a progress with the given number of own units.
func NewProgress(total int64) *Progress {
	return &Progress{total: total, subs: make(map[int]func(float64))}
}

// SetTotal replaces the number of own units.
func (p *Progress) SetTotal(total int64) {
	p.mu.Lock()
	p.total = total
	p.mu.Unlock()
	p.changed()
}

// Add marks n more own units completed.
func (p *Progress) Add(n int64) {
	p.mu.Lock()
	p.completed += n
	if p.completed > p.total {
		p.completed = p.total
	}
	p.mu.Unlock()
	p.changed()
}

// SetCompleted sets the number of completed own units.
func (p *Progress) SetCompleted(n int64) {
	p.mu.Lock()
	if n > p.total {
		n = p.total
	}
	p.completed = n
	p.mu.Unlock()
	p.changed()
}

// AddChild attaches c with the given weight in units.
func (p *Progress) AddChild(c *Progress, units int64) {
	c.mu.Lock()
	c.parent = p
	c.mu.Unlock()

	p.mu.Lock()
	p.children = append(p.children, weightedChild{p: c, units: units})
	p.mu.Unlock()
	p.changed()
}

// Total returns own units plus the weights of all children.
func (p *Progress) Total() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.total
	for _, c := range p.children {
		t += c.units
	}
	return t
}

// Completed returns the completed units, counting children by weighted
// fraction.
func (p *Progress) Completed() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completedLocked()
}

func (p *Progress) completedLocked() float64 {
	if p.finished {
		t := p.total
		for _, c := range p.children {
			t += c.units
		}
		return float64(t)
	}
	done := float64(p.completed)
	for _, c := range p.children {
		done += c.p.Fraction() * float64(c.units)
	}
	return done
}

// Fraction returns the completed share in [0,1]. The value never decreases.
func (p *Progress) Fraction() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fractionLocked()
}

func (p *Progress) fractionLocked() float64 {
	if p.finished {
		return 1
	}
	total := p.total
	for _, c := range p.children {
		total += c.units
	}
	if total <= 0 {
		return p.last
	}
	f := p.completedLocked() / float64(total)
	if f > 1 {
		f = 1
	}
	if f < p.last {
		f = p.last
	}
	return f
}

// Finish marks all units completed.
func (p *Progress) Finish() {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	p.finished = true
	p.completed = p.total
	p.mu.Unlock()
	p.changed()
}

// Subscribe registers fn to receive every increase of the fraction. The
// returned function unregisters it.
func (p *Progress) Subscribe(fn func(float64)) (cancel func()) {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// changed recomputes the fraction, notifies subscribers of an increase and
// propagates to the parent.
func (p *Progress) changed() {
	p.mu.Lock()
	f := p.fractionLocked()
	increased := f > p.last
	if increased {
		p.last = f
	}
	var subs []func(float64)
	if increased {
		for _, fn := range p.subs {
			subs = append(subs, fn)
		}
	}
	parent := p.parent
	p.mu.Unlock()

	for _, fn := range subs {
		fn(f)
	}
	if parent != nil {
		parent.changed()
	}
}
