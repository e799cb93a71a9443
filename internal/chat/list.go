package chat

// MessageList is the session-owned history: ascending by CreatedAt and
// unique by ID. It is not goroutine-safe; the session loop owns it.
type MessageList struct {
	items []entry
	ids   map[string]struct{}
	seq   uint64
}

type entry struct {
	msg Message
	seq uint64
}

// NewMessageList creates an empty list.
func NewMessageList() *MessageList {
	return &MessageList{ids: make(map[string]struct{})}
}

// Append inserts m unless its ID is already present or empty. New messages
// land at the tail; a message older than the tail is placed at the last
// position that keeps the order. It returns the index m was stored at and
// whether it was inserted.
func (l *MessageList) Append(m Message) (int, bool) {
	if m.ID == "" {
		return -1, false
	}
	if _, ok := l.ids[m.ID]; ok {
		return -1, false
	}

	i := len(l.items)
	for i > 0 && l.items[i-1].msg.CreatedAt.After(m.CreatedAt) {
		i--
	}

	l.seq++
	l.items = append(l.items, entry{})
	copy(l.items[i+1:], l.items[i:])
	l.items[i] = entry{msg: m, seq: l.seq}
	l.ids[m.ID] = struct{}{}
	return i, true
}

// Remove deletes the message with the given ID.
func (l *MessageList) Remove(id string) bool {
	if _, ok := l.ids[id]; !ok {
		return false
	}
	for i, e := range l.items {
		if e.msg.ID == id {
			l.items = append(l.items[:i], l.items[i+1:]...)
			break
		}
	}
	delete(l.ids, id)
	return true
}

// Contains reports whether a message with the given ID is present.
func (l *MessageList) Contains(id string) bool {
	_, ok := l.ids[id]
	return ok
}

// Len returns the number of messages.
func (l *MessageList) Len() int { return len(l.items) }

// Mark returns a position in the append history. Messages appended after
// the mark survive a Reconcile that uses it.
func (l *MessageList) Mark() uint64 { return l.seq }

// Reconcile replaces the list with history, keeping messages appended after
// mark that history does not contain. A reload therefore drops rows deleted
// elsewhere without losing live inserts that raced the fetch.
func (l *MessageList) Reconcile(history []Message, mark uint64) {
	var racing []Message
	for _, e := range l.items {
		if e.seq > mark {
			racing = append(racing, e.msg)
		}
	}

	l.items = l.items[:0]
	l.ids = make(map[string]struct{}, len(history)+len(racing))
	for _, m := range history {
		l.Append(m)
	}
	for _, m := range racing {
		l.Append(m)
	}
}

// Snapshot returns a copy of the messages in order. It never returns nil.
func (l *MessageList) Snapshot() []Message {
	out := make([]Message, len(l.items))
	for i, e := range l.items {
		out[i] = e.msg
	}
	return out
}
