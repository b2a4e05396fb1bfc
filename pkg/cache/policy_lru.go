package cache

// recencyPolicy evicts the least recently used entry.
type recencyPolicy struct {
	arena *arena
	list  *handleList
}

func newRecencyPolicy(a *arena) *recencyPolicy {
	return &recencyPolicy{arena: a, list: newHandleList(listMain)}
}

func (p *recencyPolicy) onInsert(h Handle) { p.list.PushFront(p.arena, h) }
func (p *recencyPolicy) onAccess(h Handle) { p.list.MoveToFront(p.arena, h) }
func (p *recencyPolicy) onRemove(h Handle) { p.list.Remove(p.arena, h) }
func (p *recencyPolicy) selectVictim() Handle {
	return p.list.Back()
}
