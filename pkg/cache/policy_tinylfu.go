// This module implements the frequency-admission policy (W-TinyLFU). A small recency window absorbs new entries
// so that bursts get a chance to build frequency; entries overflowing the window move into a segmented main area.
// When a victim is needed, the oldest window entry and the probation tail duel on their sketch estimates and the
// less popular one loses. Admission of new entries against that victim is applied by the engine.

package cache

type windowedPolicy struct {
	arena        *arena
	sketch       *FrequencySketch
	window       *handleList
	windowBudget int64
	main         *segmentedLRU
}

func newWindowedPolicy(a *arena, sketch *FrequencySketch, budget int64, windowRatio, protectedRatio float64,
) *windowedPolicy {
	windowBudget := max(int64(float64(budget)*windowRatio), 1)
	return &windowedPolicy{
		arena:        a,
		sketch:       sketch,
		window:       newHandleList(listWindow),
		windowBudget: windowBudget,
		main:         newSegmentedLRU(a, budget-windowBudget, protectedRatio),
	}
}

func (p *windowedPolicy) onInsert(h Handle) {
	p.window.PushFront(p.arena, h)
	for p.window.bytes > p.windowBudget && p.window.Len() > 1 {
		overflow := p.window.Back()
		p.window.Remove(p.arena, overflow)
		p.main.admit(overflow)
	}
}

func (p *windowedPolicy) onAccess(h Handle) {
	if p.arena.at(h).list == listWindow {
		p.window.MoveToFront(p.arena, h)
		return
	}
	p.main.access(h)
}

func (p *windowedPolicy) onRemove(h Handle) {
	if p.arena.at(h).list == listWindow {
		p.window.Remove(p.arena, h)
		return
	}
	p.main.remove(h)
}

func (p *windowedPolicy) selectVictim() Handle {
	windowTail, probationTail := p.window.Back(), p.main.probation.Back()
	switch {
	case probationTail == nilHandle && windowTail == nilHandle:
		return p.main.protected.Back()
	case probationTail == nilHandle:
		return windowTail
	case windowTail == nilHandle:
		return probationTail
	}
	windowFreq := p.sketch.Estimate(p.arena.at(windowTail).hash)
	probationFreq := p.sketch.Estimate(p.arena.at(probationTail).hash)
	if windowFreq < probationFreq {
		return windowTail
	}
	return probationTail
}
