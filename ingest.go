package convsync

// OnEvent merges a realtime creation event into the window. It is the
// Subscriber handler of the session and must be called in delivery order.
func (s *Session) OnEvent(m Message) {
	if m.ConversationID != "" && m.ConversationID != s.conversationID {
		s.metrics.Events.WithLabelValues("foreign").Inc()
		s.log.Debug("event for another conversation dropped", "id", m.ID, "target", m.ConversationID)
		return
	}
	m = s.normalize(m)

	var (
		kind     string
		tempID   string
		markRead bool
	)
	ok := s.apply(func(st *state) {
		s.echoArrived(m.ID)
		if st.window.Has(m.ID) || st.deleted(m.ID) {
			kind = "duplicate"
			return
		}
		if m.AuthorID == s.cfg.selfID {
			if e, found := st.pending.match(m); found {
				st.pending = st.pending.remove(e.TempID)
				if st.window.Has(e.TempID) {
					st.window = st.window.Replace(e.TempID, m)
					kind, tempID = "correlated", e.TempID
					return
				}
			}
		}
		st.window = st.window.Insert(m)
		kind = "inserted"
		if s.unread(m) {
			if st.nearBottom {
				markRead = true
			} else {
				st.newBelow++
			}
		}
	})
	if !ok {
		s.log.Debug("event after session closed", "id", m.ID)
		return
	}
	s.metrics.Events.WithLabelValues(kind).Inc()
	switch kind {
	case "duplicate":
		s.log.Debug("duplicate delivery dropped", "id", m.ID)
	case "correlated":
		s.metrics.Correlations.WithLabelValues("echo").Inc()
		s.log.Debug("placeholder resolved by echo", "temp_id", tempID, "id", m.ID)
	}
	if markRead {
		s.markRead([]string{m.ID})
	}
}
