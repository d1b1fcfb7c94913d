package readback

import (
	"fmt"
	"image"
)

// CanvasCache hands out scratch images keyed by exact dimensions. The
// returned image is reused by the next Get of the same size, so callers copy
// out of it before handing pixels on.
type CanvasCache struct {
	images map[string]*image.RGBA
}

func NewCanvasCache() *CanvasCache {
	return &CanvasCache{images: make(map[string]*image.RGBA)}
}

func (c *CanvasCache) Get(w, h int) *image.RGBA {
	key := fmt.Sprintf("%dx%d", w, h)
	img, ok := c.images[key]
	if !ok {
		img = image.NewRGBA(image.Rect(0, 0, w, h))
		c.images[key] = img
	}
	return img
}

// Len reports how many sizes are cached.
func (c *CanvasCache) Len() int { return len(c.images) }

func (c *CanvasCache) Clear() {
	c.images = make(map[string]*image.RGBA)
}

// NewImage copies pixels into a fresh image owned by the caller.
func NewImage(w, h int, pixels []byte) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	copy(img.Pix, pixels)
	return img
}
