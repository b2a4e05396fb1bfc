package cache

import "math/rand/v2"

// samplingPolicy picks a few random residents and evicts the one with the lowest frequency estimate, breaking
// ties by the oldest access. It keeps no ordering at all, only a dense member slice to sample from.
type samplingPolicy struct {
	arena      *arena
	sketch     *FrequencySketch
	members    []Handle
	sampleSize int
	rng        *rand.Rand
}

func newSamplingPolicy(a *arena, sketch *FrequencySketch, sampleSize int, seed uint64) *samplingPolicy {
	return &samplingPolicy{
		arena:      a,
		sketch:     sketch,
		sampleSize: sampleSize,
		rng:        rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (p *samplingPolicy) onInsert(h Handle) {
	e := p.arena.at(h)
	e.slot = int32(len(p.members))
	e.list = listMain
	p.members = append(p.members, h)
}

// Access ticks are maintained by the engine.
func (p *samplingPolicy) onAccess(Handle) {}

func (p *samplingPolicy) onRemove(h Handle) {
	e := p.arena.at(h)
	last := len(p.members) - 1
	moved := p.members[last]
	p.members[e.slot] = moved
	p.arena.at(moved).slot = e.slot
	p.members = p.members[:last]
	e.slot, e.list = -1, listNone
}

func (p *samplingPolicy) selectVictim() Handle {
	if len(p.members) == 0 {
		return nilHandle
	}
	victim := nilHandle
	var victimFreq uint8
	var victimTick uint64
	for range min(p.sampleSize, len(p.members)) {
		h := p.members[p.rng.IntN(len(p.members))]
		e := p.arena.at(h)
		freq := p.sketch.Estimate(e.hash)
		if victim == nilHandle || freq < victimFreq || (freq == victimFreq && e.accessed < victimTick) {
			victim, victimFreq, victimTick = h, freq, e.accessed
		}
	}
	return victim
}
