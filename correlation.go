package convsync

import (
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// CorrelationEntry describes an outgoing placeholder well enough to recognise
// its confirmed twin when it comes back over the realtime channel.
type CorrelationEntry struct {
	TempID          string
	ClientID        string
	AuthorID        string
	BodySignature   string
	AttachmentCount int
	EnqueuedAt      time.Time

	seq uint64
}

// BodySignature returns the equality key of a message body. Leading and
// trailing whitespace is ignored and inner runs of whitespace collapse to one
// space, so sanitizer round trips do not break correlation.
func BodySignature(body string) string {
	normalized := strings.Join(strings.Fields(body), " ")
	return strconv.FormatUint(xxhash.Sum64String(normalized), 16)
}

func (e CorrelationEntry) matches(m Message) bool {
	return e.AuthorID == m.AuthorID &&
		e.AttachmentCount == len(m.Attachments) &&
		e.BodySignature == BodySignature(m.Body)
}

// correlationTable is copied on write so it can live next to the Window in a
// session state value.
type correlationTable struct {
	entries map[string]CorrelationEntry
	seq     uint64
}

func (t correlationTable) Len() int { return len(t.entries) }

func (t correlationTable) get(tempID string) (CorrelationEntry, bool) {
	e, ok := t.entries[tempID]
	return e, ok
}

// register adds or refreshes the entry for e.TempID. A re-registered entry
// keeps its original queue position.
func (t correlationTable) register(e CorrelationEntry) correlationTable {
	next := t.copy()
	if old, ok := t.entries[e.TempID]; ok {
		e.seq = old.seq
		e.EnqueuedAt = old.EnqueuedAt
	} else {
		next.seq++
		e.seq = next.seq
	}
	next.entries[e.TempID] = e
	return next
}

func (t correlationTable) remove(tempID string) correlationTable {
	if _, ok := t.entries[tempID]; !ok {
		return t
	}
	next := t.copy()
	delete(next.entries, tempID)
	return next
}

// match finds the placeholder a confirmed message resolves. A client id echoed
// by the server is authoritative: a token we never issued belongs to another
// device of the same user. Without one, the oldest entry with the same author,
// body signature and attachment count wins, FIFO on ties.
func (t correlationTable) match(m Message) (CorrelationEntry, bool) {
	if m.ClientID != "" {
		for _, e := range t.entries {
			if e.ClientID == m.ClientID {
				return e, true
			}
		}
		return CorrelationEntry{}, false
	}
	var (
		best  CorrelationEntry
		found bool
	)
	for _, e := range t.entries {
		if !e.matches(m) {
			continue
		}
		if !found || e.EnqueuedAt.Before(best.EnqueuedAt) ||
			(e.EnqueuedAt.Equal(best.EnqueuedAt) && e.seq < best.seq) {
			best, found = e, true
		}
	}
	return best, found
}

func (t correlationTable) copy() correlationTable {
	entries := make(map[string]CorrelationEntry, len(t.entries)+1)
	for k, v := range t.entries {
		entries[k] = v
	}
	return correlationTable{entries: entries, seq: t.seq}
}
