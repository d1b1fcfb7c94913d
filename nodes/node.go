// Package nodes holds the per-type video node renderers and the registry the
// orchestrator creates them from.
//
// A node owns one framebuffer and texture at output resolution. Everything
// beyond identity is optional: the orchestrator type-asserts for Creator,
// Renderer, MessageHandler, FFTReceiver and Destroyer and skips hooks a node
// does not implement.
package nodes

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/patchies/gopatchies/audio"
	"github.com/patchies/gopatchies/gpu"
	"github.com/patchies/gopatchies/store"
	"github.com/patchies/gopatchies/translator"
)

// ErrNotCreated is returned by nodes asked to render before Create succeeded.
var ErrNotCreated = errors.New("node has not been created")

// VideoContext carries the shared GPU handles every node renders with.
type VideoContext struct {
	Device  gpu.Device
	Interop gpu.Interop

	OutputW, OutputH   int
	PreviewW, PreviewH int

	// Fallback is sampled wherever an input is missing.
	Fallback gpu.Texture

	Validator translator.Validator
	Log       *zap.Logger
}

// RenderParams is the time basis shared by every node in one frame.
type RenderParams struct {
	Time      float64
	TimeDelta float64
	Frame     int
	Mouse     [4]float32
	Date      [4]float32
	Width     int
	Height    int
}

// MessageMeta describes where a message entered the node.
type MessageMeta struct {
	Source string `json:"source,omitempty"`
	Inlet  int    `json:"inlet"`
}

type VideoNode interface {
	NodeID() string
	Framebuffer() gpu.Framebuffer
	Texture() gpu.Texture
}

// Creator compiles code and applies defaults. It runs again in place when a
// node's data changes. ctx is cancelled once the node is destroyed.
type Creator interface {
	Create(ctx context.Context, data map[string]any, stores *store.Stores) error
}

// Renderer draws one frame into the node framebuffer. inputs is keyed by
// inlet index.
type Renderer interface {
	Render(p RenderParams, inputs map[int]gpu.Texture) error
}

type MessageHandler interface {
	OnMessage(data any, meta MessageMeta)
}

type FFTReceiver interface {
	SetFFTData(payload audio.FFTPayload)
}

type Destroyer interface {
	Destroy()
}

// Factory builds an uncreated node.
type Factory func(id string, vc *VideoContext, host Host) (VideoNode, error)

// FBO is the framebuffer and texture pair a node renders into.
type FBO struct {
	device gpu.Device
	fb     gpu.Framebuffer
	tex    gpu.Texture
	w, h   int
}

// NewFBO allocates a w x h render target.
func NewFBO(device gpu.Device, w, h int, depth bool) (*FBO, error) {
	tex, err := device.CreateTexture(gpu.TextureOptions{Width: w, Height: h}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create node texture: %w", err)
	}
	fb, err := device.CreateFramebuffer(tex, depth)
	if err != nil {
		device.DeleteTexture(tex)
		return nil, fmt.Errorf("failed to create node framebuffer: %w", err)
	}
	return &FBO{device: device, fb: fb, tex: tex, w: w, h: h}, nil
}

func (f *FBO) Framebuffer() gpu.Framebuffer { return f.fb }
func (f *FBO) Texture() gpu.Texture         { return f.tex }
func (f *FBO) Size() (int, int)             { return f.w, f.h }

// Bind makes the FBO the draw target covering its full size.
func (f *FBO) Bind() {
	f.device.BindFramebuffer(f.fb)
	f.device.Viewport(gpu.FullRect(f.w, f.h))
}

// CopyFrom scales src (w x h) into the FBO.
func (f *FBO) CopyFrom(src gpu.Framebuffer, w, h int) {
	f.device.BlitFramebuffer(src, f.fb, gpu.FullRect(w, h), gpu.FullRect(f.w, f.h), false, gpu.FilterLinear)
}

func (f *FBO) Destroy() {
	if f.fb != 0 {
		f.device.DeleteFramebuffer(f.fb)
		f.device.DeleteTexture(f.tex)
		f.fb, f.tex = 0, 0
	}
}

// base is embedded by every node type.
type base struct {
	*FBO
	id   string
	vc   *VideoContext
	host Host
	log  *zap.Logger
}

func newBase(id, kind string, vc *VideoContext, host Host, depth bool) (base, error) {
	fbo, err := NewFBO(vc.Device, vc.OutputW, vc.OutputH, depth)
	if err != nil {
		return base{}, err
	}
	return base{
		FBO:  fbo,
		id:   id,
		vc:   vc,
		host: host,
		log:  vc.Log.With(zap.String("node", id), zap.String("type", kind)),
	}, nil
}

func (b *base) NodeID() string { return b.id }
