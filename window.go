package convsync

import "sort"

// Window is the ordered, deduplicated message list of one conversation.
//
// A Window is immutable: every mutation returns a new Window and leaves the
// receiver untouched, so a snapshot handed to a renderer never changes under it.
type Window struct {
	ConversationID string
	NextCursor     string
	HasMore        bool

	messages []Message
	index    map[string]int
}

// NewWindow returns an empty window that still has history to load.
func NewWindow(conversationID string) Window {
	return Window{ConversationID: conversationID, HasMore: true}
}

// Len returns the number of messages in the window.
func (w Window) Len() int { return len(w.messages) }

// Has reports whether a message with id is present.
func (w Window) Has(id string) bool {
	_, ok := w.index[id]
	return ok
}

// Get returns a copy of the message with id.
func (w Window) Get(id string) (Message, bool) {
	i, ok := w.index[id]
	if !ok {
		return Message{}, false
	}
	return w.messages[i].clone(), true
}

// Snapshot returns a copy of the ordered messages.
func (w Window) Snapshot() []Message {
	out := make([]Message, len(w.messages))
	for i, m := range w.messages {
		out[i] = m.clone()
	}
	return out
}

// IDs returns the message ids in window order.
func (w Window) IDs() []string {
	ids := make([]string, len(w.messages))
	for i, m := range w.messages {
		ids[i] = m.ID
	}
	return ids
}

// Insert adds m at its ordered position. Inserting an id that is already
// present returns the window unchanged.
func (w Window) Insert(m Message) Window {
	if w.Has(m.ID) {
		return w
	}
	msgs := make([]Message, 0, len(w.messages)+1)
	pos := w.position(m)
	msgs = append(msgs, w.messages[:pos]...)
	msgs = append(msgs, m.clone())
	msgs = append(msgs, w.messages[pos:]...)
	return w.with(msgs)
}

// Replace swaps the message with id for m, re-sorting m by its own
// timestamp. It is a no-op when id is absent, which makes a second
// confirmation of the same placeholder harmless.
func (w Window) Replace(id string, m Message) Window {
	if !w.Has(id) {
		return w
	}
	next := w.Remove(id)
	if next.Has(m.ID) {
		next = next.Remove(m.ID)
	}
	return next.Insert(m)
}

// Remove drops the message with id.
func (w Window) Remove(id string) Window {
	i, ok := w.index[id]
	if !ok {
		return w
	}
	msgs := make([]Message, 0, len(w.messages)-1)
	msgs = append(msgs, w.messages[:i]...)
	msgs = append(msgs, w.messages[i+1:]...)
	return w.with(msgs)
}

// Prepend merges an older page into the window as a set union on id. Entries
// already in the window win over the page's copy.
func (w Window) Prepend(page Page) Window {
	fresh := make([]Message, 0, len(page.Messages))
	seen := make(map[string]struct{}, len(page.Messages))
	for _, m := range page.Messages {
		if w.Has(m.ID) {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		fresh = append(fresh, m.clone())
	}
	next := w
	if len(fresh) > 0 {
		sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].before(fresh[j]) })
		next = w.with(mergeSorted(w.messages, fresh))
	}
	return next.WithCursor(page.NextCursor)
}

// WithCursor records the cursor for the next older page. An empty cursor
// means history is exhausted.
func (w Window) WithCursor(next string) Window {
	w.NextCursor = next
	w.HasMore = next != ""
	return w
}

// update applies fn to a copy of the message with id and re-sorts it.
func (w Window) update(id string, fn func(*Message)) Window {
	m, ok := w.Get(id)
	if !ok {
		return w
	}
	fn(&m)
	return w.Replace(id, m)
}

// sameAs reports whether o is w unmodified. Every mutation allocates a new
// backing slice, so sharing one means nothing changed.
func (w Window) sameAs(o Window) bool {
	if len(w.messages) != len(o.messages) || w.NextCursor != o.NextCursor || w.HasMore != o.HasMore {
		return false
	}
	return len(w.messages) == 0 || &w.messages[0] == &o.messages[0]
}

func (w Window) position(m Message) int {
	return sort.Search(len(w.messages), func(i int) bool {
		return m.before(w.messages[i])
	})
}

func (w Window) with(msgs []Message) Window {
	idx := make(map[string]int, len(msgs))
	for i, m := range msgs {
		idx[m.ID] = i
	}
	w.messages = msgs
	w.index = idx
	return w
}

func mergeSorted(a, b []Message) []Message {
	out := make([]Message, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if b[j].before(a[i]) {
			out = append(out, b[j])
			j++
		} else {
			out = append(out, a[i])
			i++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
