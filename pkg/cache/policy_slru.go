// This module implements a segmented LRU. New entries enter the probation segment; a second access promotes them
// into the protected segment, which is capped at a fraction of the shard budget. Entries pushed out of protected
// fall back to the head of probation, and victims always come from the tail of probation first.

package cache

// segmentedLRU is shared by the segmented policy and the main area of the frequency-admission policy.
type segmentedLRU struct {
	arena           *arena
	probation       *handleList
	protected       *handleList
	protectedBudget int64
}

func newSegmentedLRU(a *arena, budget int64, protectedRatio float64) *segmentedLRU {
	return &segmentedLRU{
		arena:           a,
		probation:       newHandleList(listProbation),
		protected:       newHandleList(listProtected),
		protectedBudget: int64(float64(budget) * protectedRatio),
	}
}

func (s *segmentedLRU) admit(h Handle) {
	s.probation.PushFront(s.arena, h)
}

func (s *segmentedLRU) access(h Handle) {
	switch s.arena.at(h).list {
	case listProbation:
		s.probation.Remove(s.arena, h)
		s.protected.PushFront(s.arena, h)
		// Demote from protected until it fits its budget again, always keeping the freshly promoted entry.
		for s.protected.bytes > s.protectedBudget && s.protected.Len() > 1 {
			demoted := s.protected.Back()
			s.protected.Remove(s.arena, demoted)
			s.probation.PushFront(s.arena, demoted)
		}
	case listProtected:
		s.protected.MoveToFront(s.arena, h)
	}
}

func (s *segmentedLRU) remove(h Handle) {
	switch s.arena.at(h).list {
	case listProbation:
		s.probation.Remove(s.arena, h)
	case listProtected:
		s.protected.Remove(s.arena, h)
	}
}

func (s *segmentedLRU) victim() Handle {
	if h := s.probation.Back(); h != nilHandle {
		return h
	}
	return s.protected.Back()
}

// segmentedPolicy implements the `segmented` policy.
type segmentedPolicy struct {
	*segmentedLRU
}

func newSegmentedPolicy(a *arena, budget int64, protectedRatio float64) *segmentedPolicy {
	return &segmentedPolicy{segmentedLRU: newSegmentedLRU(a, budget, protectedRatio)}
}

func (p *segmentedPolicy) onInsert(h Handle)    { p.admit(h) }
func (p *segmentedPolicy) onAccess(h Handle)    { p.access(h) }
func (p *segmentedPolicy) onRemove(h Handle)    { p.remove(h) }
func (p *segmentedPolicy) selectVictim() Handle { return p.victim() }
