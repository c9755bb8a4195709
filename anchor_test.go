package convsync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rowHeight = 50.0

// fakeView lays rendered messages out as fixed-height rows.
type fakeView struct {
	top      float64
	viewport float64
	ids      []string
	renders  int
}

func newFakeView(viewport float64, ids ...string) *fakeView {
	return &fakeView{viewport: viewport, ids: ids}
}

func (v *fakeView) ScrollTop() float64 { return v.top }
func (v *fakeView) SetScrollTop(top float64) { v.top = top }
func (v *fakeView) ViewportHeight() float64 { return v.viewport }
func (v *fakeView) ContentHeight() float64 { return float64(len(v.ids)) * rowHeight }
func (v *fakeView) scrollToBottom() { v.top = v.ContentHeight() - v.viewport }

func (v *fakeView) ItemBounds(id string) (float64, float64, bool) {
	for i, x := range v.ids {
		if x == id {
			return float64(i) * rowHeight, rowHeight, true
		}
	}
	return 0, 0, false
}

func (v *fakeView) Render(messages []Message) {
	v.renders++
	v.ids = v.ids[:0]
	for _, m := range messages {
		v.ids = append(v.ids, m.ID)
	}
}

func TestCaptureAnchor(t *testing.T) {
	v := newFakeView(100, "a", "b", "c", "d", "e")

	t.Run("partially visible row", func(t *testing.T) {
		v.top = 75
		a, ok := CaptureAnchor(v, v.ids)
		require.True(t, ok)
		assert.Equal(t, Anchor{ID: "b", Offset: -25}, a)
	})

	t.Run("row flush with the top", func(t *testing.T) {
		v.top = 100
		a, ok := CaptureAnchor(v, v.ids)
		require.True(t, ok)
		assert.Equal(t, Anchor{ID: "c", Offset: 0}, a)
	})

	t.Run("nothing rendered", func(t *testing.T) {
		_, ok := CaptureAnchor(newFakeView(100), nil)
		assert.False(t, ok)
	})
}

func TestRestoreAnchor(t *testing.T) {
	v := newFakeView(100, "c", "d", "e")
	v.top = 25
	a, _ := CaptureAnchor(v, v.ids)

	v.ids = []string{"x", "y", "a", "b", "c", "d", "e"}
	require.True(t, RestoreAnchor(v, a))
	assert.Equal(t, 225.0, v.top)

	t.Run("clamped to content", func(t *testing.T) {
		v.ids = []string{"d", "e"}
		require.True(t, RestoreAnchor(v, Anchor{ID: "e", Offset: -40}))
		assert.Equal(t, 0.0, v.top)
	})

	t.Run("anchor gone", func(t *testing.T) {
		v.top = 10
		assert.False(t, RestoreAnchor(v, Anchor{ID: "zz"}))
		assert.Equal(t, 10.0, v.top)
	})
}

func TestLoadOlderAnchoredKeepsReadingPosition(t *testing.T) {
	h := newHarness(t, nil)
	seedHistory(h.api, "c1", 25)
	require.NoError(t, h.session.LoadOlder(context.Background()))

	v := newFakeView(200)
	v.Render(h.session.Messages())
	v.top = 110
	anchored := v.ids[2]

	require.NoError(t, h.session.LoadOlderAnchored(context.Background(), v))
	assert.Equal(t, 2, v.renders)
	assert.Len(t, v.ids, 25)

	top, _, ok := v.ItemBounds(anchored)
	require.True(t, ok)
	assert.Equal(t, -10.0, top-v.top, "anchored row stays where it was on screen")

	// Exhausted history changes nothing and does not re-render.
	require.NoError(t, h.session.LoadOlderAnchored(context.Background(), v))
	assert.Equal(t, 2, v.renders)
}
