package store

import (
	"fmt"
	"image"

	"github.com/anthonynsimon/bild/transform"

	"github.com/patchies/gopatchies/gpu"
)

type bitmap struct {
	tex  gpu.Texture
	w, h int
}

// TextureStore keeps one GPU texture per node for bitmaps pushed from the
// main thread (img nodes, canvas snapshots).
type TextureStore struct {
	device   gpu.Device
	textures map[string]*bitmap
}

func NewTextureStore(device gpu.Device) *TextureStore {
	return &TextureStore{device: device, textures: make(map[string]*bitmap)}
}

// Set uploads img for nodeID. The existing texture is updated in place when
// the size matches, otherwise it is reallocated. Images arrive top row first
// and are flipped so texture row 0 is the bottom, as GL samples it.
func (s *TextureStore) Set(nodeID string, img *image.RGBA) error {
	if img == nil {
		return fmt.Errorf("nil bitmap for node %s", nodeID)
	}
	flipped := transform.FlipV(img)
	w, h := flipped.Rect.Dx(), flipped.Rect.Dy()

	if b, ok := s.textures[nodeID]; ok {
		s.device.UpdateTexture(b.tex, w, h, flipped.Pix)
		b.w, b.h = w, h
		return nil
	}

	tex, err := s.device.CreateTexture(gpu.TextureOptions{Width: w, Height: h}, flipped.Pix)
	if err != nil {
		return fmt.Errorf("failed to create bitmap texture for %s: %w", nodeID, err)
	}
	s.textures[nodeID] = &bitmap{tex: tex, w: w, h: h}
	return nil
}

func (s *TextureStore) Get(nodeID string) (gpu.Texture, bool) {
	b, ok := s.textures[nodeID]
	if !ok {
		return 0, false
	}
	return b.tex, true
}

// Size returns the dimensions of the stored bitmap.
func (s *TextureStore) Size(nodeID string) (w, h int, ok bool) {
	b, ok := s.textures[nodeID]
	if !ok {
		return 0, 0, false
	}
	return b.w, b.h, true
}

func (s *TextureStore) Remove(nodeID string) {
	if b, ok := s.textures[nodeID]; ok {
		s.device.DeleteTexture(b.tex)
		delete(s.textures, nodeID)
	}
}

func (s *TextureStore) Destroy() {
	for id := range s.textures {
		s.Remove(id)
	}
}
