package domain

import (
	"math/rand/v2"
	"slices"
)

// ColorPool hands out participant colours for a single room.
// Invariant: the keys of the assignment are exactly the participants the
// pool was asked to colour, and an assigned colour is never in the pool.
type ColorPool struct {
	available  []Color
	assignment map[string]Color
	// overflow holds the participants bound while the pool was empty.
	overflow map[string]struct{}
	rnd      *rand.Rand
}

// NewColorPool clones the palette so rooms never share mutable state.
func NewColorPool(palette []Color, rnd *rand.Rand) *ColorPool {
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &ColorPool{
		available:  slices.Clone(palette),
		assignment: make(map[string]Color),
		overflow:   make(map[string]struct{}),
		rnd:        rnd,
	}
}

// Assign binds a colour drawn at a uniformly random index. Assigning a
// participant twice returns the existing colour. When the pool is empty the
// overflow colour is bound instead.
func (p *ColorPool) Assign(participant string) Color {
	if c, ok := p.assignment[participant]; ok {
		return c
	}
	if len(p.available) == 0 {
		p.assignment[participant] = OverflowColor
		p.overflow[participant] = struct{}{}
		return OverflowColor
	}
	i := p.rnd.IntN(len(p.available))
	c := p.available[i]
	p.available = slices.Delete(p.available, i, i+1)
	p.assignment[participant] = c
	return c
}

// Release unbinds the participant colour and appends it back to the pool,
// unless it was an overflow binding.
func (p *ColorPool) Release(participant string) (Color, bool) {
	c, ok := p.assignment[participant]
	if !ok {
		return Color{}, false
	}
	delete(p.assignment, participant)
	if _, overflowed := p.overflow[participant]; overflowed {
		delete(p.overflow, participant)
		return c, true
	}
	p.available = append(p.available, c)
	return c, true
}

func (p *ColorPool) ColorOf(participant string) (Color, bool) {
	c, ok := p.assignment[participant]
	return c, ok
}

func (p *ColorPool) Available() []Color {
	return slices.Clone(p.available)
}

func (p *ColorPool) Assignment() map[string]Color {
	out := make(map[string]Color, len(p.assignment))
	for k, v := range p.assignment {
		out[k] = v
	}
	return out
}

// Reset returns every bound colour to the pool.
func (p *ColorPool) Reset() {
	for participant := range p.assignment {
		p.Release(participant)
	}
}
