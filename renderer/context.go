// Package renderer orchestrates a patch on the GPU. VideoWorkerService owns
// the node instances of the current graph and renders them in topological
// order every frame, either through a registered node type or the fixed
// dispatch FBORenderer for everything else.
package renderer

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/patchies/gopatchies/gpu"
	"github.com/patchies/gopatchies/nodes"
	"github.com/patchies/gopatchies/translator"
)

type VideoContext = nodes.VideoContext

// Options sizes the render targets of a VideoContext.
type Options struct {
	OutputW, OutputH   int
	PreviewW, PreviewH int
}

// NewVideoContext allocates the shared fallback texture, a single
// transparent texel sampled wherever an input is missing.
func NewVideoContext(device gpu.Device, interop gpu.Interop, opts Options, validator translator.Validator, log *zap.Logger) (*VideoContext, error) {
	if opts.OutputW <= 0 || opts.OutputH <= 0 {
		return nil, fmt.Errorf("invalid output size %dx%d", opts.OutputW, opts.OutputH)
	}
	fallback, err := device.CreateTexture(gpu.TextureOptions{Width: 1, Height: 1}, []byte{0, 0, 0, 0})
	if err != nil {
		return nil, fmt.Errorf("failed to create fallback texture: %w", err)
	}
	return &VideoContext{
		Device:    device,
		Interop:   interop,
		OutputW:   opts.OutputW,
		OutputH:   opts.OutputH,
		PreviewW:  opts.PreviewW,
		PreviewH:  opts.PreviewH,
		Fallback:  fallback,
		Validator: validator,
		Log:       log,
	}, nil
}
