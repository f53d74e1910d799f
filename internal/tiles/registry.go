// Package tiles keeps the identity → video tile mapping and lays the tiles
// out as a grid inside the viewport.
package tiles

import (
	"math"
	"sync"
)

// Rect is a tile's on-screen rectangle in viewport coordinates.
type Rect struct {
	X, Y, W, H float64
}

// Registry maps participant identities to surfaces. At most one surface
// exists per identity. It is safe for concurrent use.
type Registry struct {
	width, height float64

	mu    sync.RWMutex
	tiles map[string]*Surface
	order []string
}

// New returns an empty registry laying tiles out in a width×height viewport.
func New(width, height float64) *Registry {
	return &Registry{
		width:  width,
		height: height,
		tiles:  make(map[string]*Surface),
	}
}

// Ensure returns the surface for identity, creating it on first use. Calling
// it again for a known identity returns the existing surface unchanged.
func (r *Registry) Ensure(identity, label string) *Surface {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.tiles[identity]; ok {
		return s
	}
	if label == "" {
		label = identity
	}
	s := newSurface(identity, label)
	r.tiles[identity] = s
	r.order = append(r.order, identity)
	return s
}

// Remove detaches and discards the surface for identity. Unknown identities
// are ignored.
func (r *Registry) Remove(identity string) {
	r.mu.Lock()
	s, ok := r.tiles[identity]
	if ok {
		delete(r.tiles, identity)
		for i, id := range r.order {
			if id == identity {
				r.order = append(r.order[:i:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if ok {
		s.detach()
	}
}

// Get returns the surface for identity, if any.
func (r *Registry) Get(identity string) (*Surface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.tiles[identity]
	return s, ok
}

// Len returns the number of tiles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tiles)
}

// Identities returns tile identities in layout order.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Bounds returns the current rectangle of identity's tile. Rectangles move
// whenever tiles are added or removed.
func (r *Registry) Bounds(identity string) (Rect, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i, id := range r.order {
		if id == identity {
			return cell(i, len(r.order), r.width, r.height), true
		}
	}
	return Rect{}, false
}

// Viewport returns the layout area.
func (r *Registry) Viewport() Rect {
	return Rect{W: r.width, H: r.height}
}

// Close detaches every surface and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	tiles := r.tiles
	r.tiles = make(map[string]*Surface)
	r.order = nil
	r.mu.Unlock()

	for _, s := range tiles {
		s.detach()
	}
}

// cell computes the i-th of n cells in a near-square grid.
func cell(i, n int, width, height float64) Rect {
	cols := int(math.Ceil(math.Sqrt(float64(n))))
	rows := (n + cols - 1) / cols
	w := width / float64(cols)
	h := height / float64(rows)
	return Rect{
		X: float64(i%cols) * w,
		Y: float64(i/cols) * h,
		W: w,
		H: h,
	}
}
