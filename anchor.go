package convsync

import "context"

// ScrollContainer is the scrollable list a window is rendered into. All
// values are pixels; ItemBounds reports an item's top relative to the start
// of the content.
type ScrollContainer interface {
	ScrollTop() float64
	SetScrollTop(top float64)
	ViewportHeight() float64
	ContentHeight() float64
	ItemBounds(id string) (top, height float64, ok bool)
}

// View is a ScrollContainer that can re-render itself from a message list.
type View interface {
	ScrollContainer
	Render(messages []Message)
}

// Anchor pins a message to a pixel offset from the container's top edge.
type Anchor struct {
	ID     string
	Offset float64
}

// CaptureAnchor records the topmost message of order that is at least
// partially visible, and its offset from the top of the viewport.
func CaptureAnchor(c ScrollContainer, order []string) (Anchor, bool) {
	top := c.ScrollTop()
	bottom := top + c.ViewportHeight()
	for _, id := range order {
		t, h, ok := c.ItemBounds(id)
		if !ok {
			continue
		}
		if t+h > top && t < bottom {
			return Anchor{ID: id, Offset: t - top}, true
		}
	}
	return Anchor{}, false
}

// RestoreAnchor scrolls c so the anchored message is back at its recorded
// offset. When the message is not rendered the scroll position is left as is.
func RestoreAnchor(c ScrollContainer, a Anchor) bool {
	t, _, ok := c.ItemBounds(a.ID)
	if !ok {
		return false
	}
	top := t - a.Offset
	if limit := c.ContentHeight() - c.ViewportHeight(); top > limit {
		top = limit
	}
	if top < 0 {
		top = 0
	}
	c.SetScrollTop(top)
	return true
}

// distanceToBottom is how far the viewport's bottom edge is from the end of
// the content.
func distanceToBottom(c ScrollContainer) float64 {
	return c.ContentHeight() - (c.ScrollTop() + c.ViewportHeight())
}

func visible(c ScrollContainer, id string) bool {
	t, h, ok := c.ItemBounds(id)
	if !ok {
		return false
	}
	top := c.ScrollTop()
	return t+h > top && t < top+c.ViewportHeight()
}

// LoadOlderAnchored loads the previous page while keeping the message the
// user is reading at the same place on screen.
func (s *Session) LoadOlderAnchored(ctx context.Context, view View) error {
	a, anchored := CaptureAnchor(view, s.Snapshot().IDs())
	before := s.Snapshot()
	if err := s.LoadOlder(ctx); err != nil {
		return err
	}
	after := s.Snapshot()
	if after.sameAs(before) {
		return nil
	}
	view.Render(after.Snapshot())
	if anchored && !RestoreAnchor(view, a) {
		s.log.Debug("scroll anchor lost", "id", a.ID)
	}
	return nil
}
