package convsync

import (
	"context"
	"time"
)

// Send inserts a Pending placeholder for body and attachments and submits it
// in the background. It returns the placeholder's temporary id; the outcome
// is observed through the window.
func (s *Session) Send(ctx context.Context, body string, attachments []Attachment) (string, error) {
	m := Message{
		ID:             s.cfg.newTempID(),
		ClientID:       s.cfg.newClientID(),
		ConversationID: s.conversationID,
		AuthorID:       s.cfg.selfID,
		Body:           body,
		Attachments:    append([]Attachment(nil), attachments...),
		CreatedAt:      s.cfg.clock(),
		DeliveryState:  Pending,
	}
	ok := s.apply(func(st *state) {
		st.window = st.window.Insert(m)
		st.pending = st.pending.register(s.correlationEntry(m))
	})
	if !ok {
		return "", ErrSessionClosed
	}
	s.log.Debug("placeholder inserted", "temp_id", m.ID)
	s.submit(ctx, m)
	return m.ID, nil
}

// Retry resubmits a Failed placeholder under the same temporary id and with
// exactly the same content. The placeholder takes the current time, so it
// moves to the bottom of the window.
func (s *Session) Retry(ctx context.Context, id string) error {
	var (
		m   Message
		err error
	)
	ok := s.apply(func(st *state) {
		cur, found := st.window.Get(id)
		switch {
		case !found:
			err = ErrNotFound
			return
		case cur.DeliveryState != Failed:
			err = ErrNotRetryable
			return
		}
		cur.DeliveryState = Pending
		cur.CreatedAt = s.cfg.clock()
		st.window = st.window.Replace(id, cur)
		st.pending = st.pending.register(s.correlationEntry(cur))
		m = cur
	})
	if !ok {
		return ErrSessionClosed
	}
	if err != nil {
		return err
	}
	s.log.Debug("retrying send", "temp_id", id)
	s.submit(ctx, m)
	return nil
}

func (s *Session) correlationEntry(m Message) CorrelationEntry {
	return CorrelationEntry{
		TempID:          m.ID,
		ClientID:        m.ClientID,
		AuthorID:        m.AuthorID,
		BodySignature:   BodySignature(m.Body),
		AttachmentCount: len(m.Attachments),
		EnqueuedAt:      s.cfg.clock(),
	}
}

// submit performs the write. The server side effect cannot be undone, so the
// request outlives ctx cancellation and session teardown.
func (s *Session) submit(ctx context.Context, m Message) {
	ctx = context.WithoutCancel(ctx)
	req := SendRequest{Body: m.Body, Attachments: m.Attachments, ClientID: m.ClientID}
	s.goBackground(func() {
		confirmed, err := s.backend.SendMessage(ctx, s.conversationID, req)
		if err != nil {
			s.sendFailed(m.ID, err)
			return
		}
		s.sendConfirmed(m.ID, confirmed)
	})
}

func (s *Session) sendConfirmed(tempID string, confirmed Message) {
	confirmed = s.normalize(confirmed)
	s.metrics.Sends.WithLabelValues("confirmed").Inc()

	replaced := false
	ok := s.apply(func(st *state) {
		st.pending = st.pending.remove(tempID)
		if !st.window.Has(tempID) {
			return
		}
		st.window = st.window.Replace(tempID, keepReadAt(st.window, confirmed))
		replaced = true
		s.armEcho(confirmed.ID)
	})
	switch {
	case !ok:
		s.log.Debug("send confirmed after session closed", "temp_id", tempID, "id", confirmed.ID)
		return
	case !replaced:
		s.log.Debug("echo resolved placeholder first", "temp_id", tempID, "id", confirmed.ID)
		return
	}
	s.metrics.Correlations.WithLabelValues("http").Inc()
}

func (s *Session) sendFailed(tempID string, err error) {
	s.metrics.Sends.WithLabelValues("failed").Inc()
	failed := false
	s.apply(func(st *state) {
		st.window = st.window.update(tempID, func(m *Message) {
			if m.DeliveryState.CanTransition(Failed) {
				m.DeliveryState = Failed
				failed = true
			}
		})
	})
	if !failed {
		// Closed, or a late echo already resolved the placeholder.
		s.log.Debug("send failure discarded", "temp_id", tempID, "error", err)
		return
	}
	failure := &SendFailure{TempID: tempID, Err: err}
	s.log.Warn("send failed", "temp_id", tempID, "error", err)
	s.emit(EventSendFailed, failure)
}

// armEcho logs a CorrelationTimeout if the realtime copy of id does not
// arrive in time. The window is already correct, so nothing else happens.
// Must hold s.mu, in the same step that installs the confirmed message.
func (s *Session) armEcho(id string) {
	d := s.cfg.echoTimeout
	if d <= 0 {
		return
	}
	if _, ok := s.echoes[id]; ok {
		return
	}
	s.echoes[id] = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, waiting := s.echoes[id]
		delete(s.echoes, id)
		s.mu.Unlock()
		if waiting {
			s.log.Debug("no realtime echo", "error", CorrelationTimeout{MessageID: id, Waited: d})
		}
	})
}

// echoArrived stops the echo timer for id. Must hold s.mu.
func (s *Session) echoArrived(id string) {
	if t, ok := s.echoes[id]; ok {
		t.Stop()
		delete(s.echoes, id)
	}
}

// Edit replaces the body of a confirmed message with the server's updated copy.
func (s *Session) Edit(ctx context.Context, id, body string) error {
	cur, ok := s.Snapshot().Get(id)
	switch {
	case s.Closed():
		return ErrSessionClosed
	case !ok:
		return ErrNotFound
	case cur.DeliveryState != Confirmed || IsTempID(id):
		return ErrNotEditable
	}
	updated, err := s.backend.EditMessage(ctx, s.conversationID, id, body)
	if err != nil {
		return err
	}
	updated = s.normalize(updated)
	if updated.ID == "" {
		updated.ID = id
	}
	if !s.apply(func(st *state) {
		st.window = st.window.Replace(id, keepReadAt(st.window, updated))
	}) {
		return ErrSessionClosed
	}
	return nil
}

// Delete removes a message. Confirmed messages are removed optimistically and
// restored if the server refuses; Failed placeholders are discarded locally.
// Pending placeholders cannot be deleted.
func (s *Session) Delete(ctx context.Context, id string) error {
	var (
		removed Message
		err     error
		local   bool
	)
	ok := s.apply(func(st *state) {
		cur, found := st.window.Get(id)
		switch {
		case !found:
			err = ErrNotFound
			return
		case cur.DeliveryState == Pending:
			err = ErrNotEditable
			return
		case cur.DeliveryState == Failed:
			local = true
			st.pending = st.pending.remove(id)
		default:
			st.setDeleted(id, true)
		}
		st.window = st.window.Remove(id)
		removed = cur
	})
	if !ok {
		return ErrSessionClosed
	}
	if err != nil || local {
		return err
	}

	if err := s.backend.DeleteMessage(ctx, s.conversationID, id); err != nil {
		s.log.Warn("delete failed", "id", id, "error", err)
		s.apply(func(st *state) {
			st.setDeleted(id, false)
			st.window = st.window.Insert(removed)
		})
		return err
	}
	return nil
}

// normalize fills in what the server may leave out of a confirmed message.
func (s *Session) normalize(m Message) Message {
	if m.ConversationID == "" {
		m.ConversationID = s.conversationID
	}
	m.DeliveryState = Confirmed
	return m
}

// keepReadAt carries a local read timestamp over to a server copy that lacks
// one; readAt is never cleared once set.
func keepReadAt(w Window, m Message) Message {
	if m.ReadAt != nil {
		return m
	}
	if cur, ok := w.Get(m.ID); ok && cur.ReadAt != nil {
		m.ReadAt = cur.ReadAt
	}
	return m
}

