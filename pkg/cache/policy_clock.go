// This module implements the CLOCK (Second-Chance) policy.
// The policy keeps entries on a circular list and a "hand" that sweeps over them. When a victim is needed, the hand
// checks the entry it's pointing to:
//   - If the entry's reference bit is 'true', it sets it to 'false' and moves to the next entry.
//     This gives the entry a "second chance".
//   - If the entry's reference bit is 'false', that entry is the victim.

package cache

type clockPolicy struct {
	arena *arena
	// circularBuffer allows the hand to sweep over entries.
	circularBuffer *handleList
	// hand is the "clock hand" that points to the next candidate for eviction in the circular list.
	hand Handle
}

func newClockPolicy(a *arena) *clockPolicy {
	return &clockPolicy{arena: a, circularBuffer: newHandleList(listMain)}
}

func (p *clockPolicy) onInsert(h Handle) {
	p.circularBuffer.PushBack(p.arena, h)
	p.arena.at(h).ref = false
	// Initialize clock hand if it's the first element.
	if p.hand == nilHandle {
		p.hand = h
	}
}

// onAccess marks the entry as referenced (gives it a second chance).
func (p *clockPolicy) onAccess(h Handle) {
	p.arena.at(h).ref = true
}

func (p *clockPolicy) onRemove(h Handle) {
	if p.hand == h {
		p.hand = p.circularBuffer.Next(p.arena, h)
	}
	p.circularBuffer.Remove(p.arena, h)
	if p.circularBuffer.Len() == 0 {
		p.hand = nilHandle
	}
}

func (p *clockPolicy) selectVictim() Handle {
	if p.hand == nilHandle {
		return nilHandle
	}
	// Two sweeps always find an unreferenced entry since the first sweep clears every bit it passes.
	for range 2*p.circularBuffer.Len() + 1 {
		e := p.arena.at(p.hand)
		if !e.ref {
			return p.hand
		}
		e.ref = false
		// Advance the clock hand, wrapping around to the front at the end of the list.
		p.hand = p.circularBuffer.Next(p.arena, p.hand)
	}
	return p.hand
}

// peekVictim returns the entry selectVictim would return, leaving reference bits and the hand untouched: the first
// unreferenced entry from the hand on, or the hand itself when every entry is referenced.
func (p *clockPolicy) peekVictim() Handle {
	if p.hand == nilHandle {
		return nilHandle
	}
	h := p.hand
	for range p.circularBuffer.Len() {
		if !p.arena.at(h).ref {
			return h
		}
		h = p.circularBuffer.Next(p.arena, h)
	}
	return p.hand
}
