package grid

import "sync/atomic"

// Model holds the authoritative snapshot. Replace is a single pointer swap so
// readers observe either the previous grid or the next one in full.
type Model struct {
	current atomic.Pointer[Grid]
}

// Replace publishes g. A nil grid clears the model.
func (m *Model) Replace(g *Grid) {
	m.current.Store(g)
}

// Reset clears the model.
func (m *Model) Reset() {
	m.current.Store(nil)
}

// Current returns the published grid or nil.
func (m *Model) Current() *Grid {
	return m.current.Load()
}

// CurrentDimensions reports the dimensions of the published grid; ok is false
// when no snapshot has been applied.
func (m *Model) CurrentDimensions() (Dimensions, bool) {
	g := m.current.Load()
	if g == nil {
		return Dimensions{}, false
	}
	return g.Dimensions(), true
}
