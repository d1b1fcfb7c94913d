package vfs

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	// decoders registered for image.Decode
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/anthonynsimon/bild/clone"
	"github.com/anthonynsimon/bild/transform"
	"github.com/h2non/filetype"
)

var ErrNotImage = errors.New("not an image")

// DecodeImage sniffs data and decodes it into RGBA, top row first.
func DecodeImage(data []byte) (*image.RGBA, error) {
	kind, err := filetype.Match(data)
	if err != nil {
		return nil, fmt.Errorf("failed to sniff file type: %w", err)
	}
	if !filetype.IsImage(data) {
		return nil, fmt.Errorf("%w: detected %q", ErrNotImage, kind.MIME.Value)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", kind.Extension, err)
	}
	return clone.AsRGBA(img), nil
}

// Fit scales img down so it fits in w x h, keeping its aspect ratio. Smaller
// images are returned as is.
func Fit(img *image.RGBA, w, h int) *image.RGBA {
	iw, ih := img.Rect.Dx(), img.Rect.Dy()
	if w <= 0 || h <= 0 || (iw <= w && ih <= h) {
		return img
	}
	scale := min(float64(w)/float64(iw), float64(h)/float64(ih))
	nw, nh := max(1, int(float64(iw)*scale)), max(1, int(float64(ih)*scale))
	return transform.Resize(img, nw, nh, transform.Linear)
}
