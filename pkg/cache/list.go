package cache

// handleList is a doubly linked list threaded through arena entries. It never allocates: the links live in the
// entries themselves, and an entry can be a member of at most one list at a time.
type handleList struct {
	id    listID
	head  Handle
	tail  Handle
	size  int
	bytes int64 // Sum of member entry sizes; segmented policies budget their lists by bytes.
}

func newHandleList(id listID) *handleList {
	return &handleList{id: id}
}

// Len returns the number of entries in the list.
func (l *handleList) Len() int {
	return l.size
}

// Front returns the first handle of the list or nilHandle if the list is empty.
func (l *handleList) Front() Handle {
	return l.head
}

// Back returns the last handle of the list or nilHandle if the list is empty.
func (l *handleList) Back() Handle {
	return l.tail
}

// Remove unlinks `h` from the list.
func (l *handleList) Remove(a *arena, h Handle) {
	e := a.at(h)
	if e.prev != nilHandle {
		a.at(e.prev).next = e.next
	} else {
		// Entry is the head.
		l.head = e.next
	}

	if e.next != nilHandle {
		a.at(e.next).prev = e.prev
	} else {
		// Entry is the tail.
		l.tail = e.prev
	}

	// Clean up the removed entry's links.
	e.next, e.prev = nilHandle, nilHandle
	e.list = listNone
	l.size--
	l.bytes -= e.size
}

// PushFront links `h` at the front of the list.
func (l *handleList) PushFront(a *arena, h Handle) {
	e := a.at(h)
	e.prev, e.next, e.list = nilHandle, l.head, l.id
	if l.head != nilHandle {
		a.at(l.head).prev = h
	} else { // List was empty.
		l.tail = h
	}
	l.head = h
	l.size++
	l.bytes += e.size
}

// PushBack links `h` at the back of the list.
func (l *handleList) PushBack(a *arena, h Handle) {
	e := a.at(h)
	e.prev, e.next, e.list = l.tail, nilHandle, l.id
	if l.tail != nilHandle {
		a.at(l.tail).next = h
	} else {
		// List was empty.
		l.head = h
	}
	l.tail = h
	l.size++
	l.bytes += e.size
}

// MoveToFront moves a member of the list to its front.
func (l *handleList) MoveToFront(a *arena, h Handle) {
	if l.head == h {
		return
	}
	l.Remove(a, h)
	l.PushFront(a, h)
}

// Next returns the handle after `h`, wrapping around to the front at the end of the list.
func (l *handleList) Next(a *arena, h Handle) Handle {
	if next := a.at(h).next; next != nilHandle {
		return next
	}
	return l.head
}
