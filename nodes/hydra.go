package nodes

import (
	"context"
	"errors"
	"fmt"

	"github.com/patchies/gopatchies/gpu"
	"github.com/patchies/gopatchies/hydra"
	"github.com/patchies/gopatchies/store"
)

type hydraData struct {
	Code string `mapstructure:"code"`
}

// HydraNode runs a hydra.Synth and shows its selected output.
type HydraNode struct {
	base
	synth   *hydra.Synth
	created bool
}

func NewHydraNode(id string, vc *VideoContext, host Host) (VideoNode, error) {
	b, err := newBase(id, "hydra", vc, host, false)
	if err != nil {
		return nil, err
	}
	synth, err := hydra.New(vc.Device, vc.OutputW, vc.OutputH, b.log)
	if err != nil {
		b.FBO.Destroy()
		return nil, err
	}
	return &HydraNode{base: b, synth: synth}, nil
}

// Create evaluates the new code. Code that fails to evaluate is reported
// and the previous program keeps rendering.
func (n *HydraNode) Create(ctx context.Context, data map[string]any, _ *store.Stores) error {
	var d hydraData
	if err := decodeData(data, &d); err != nil {
		return fmt.Errorf("invalid hydra node data: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.synth.Eval(d.Code); err != nil {
		var ee *hydra.EvalError
		if errors.As(err, &ee) {
			n.host.Emit(Event{
				Kind:       EventConsole,
				NodeID:     n.id,
				Level:      LevelError,
				Args:       []any{ee.Err.Error()},
				LineErrors: map[int][]string{ee.Line: {ee.Err.Error()}},
			})
		} else {
			console(n.host, n.id, LevelError, err.Error())
		}
		return err
	}
	n.created = true
	n.host.Emit(Event{Kind: EventSetPortCount, NodeID: n.id, Inlets: 4, Outlets: 1})
	return nil
}

func (n *HydraNode) Render(p RenderParams, inputs map[int]gpu.Texture) error {
	if !n.created {
		return ErrNotCreated
	}
	for i := 0; i < 4; i++ {
		n.synth.SetSource(i, inputs[i])
	}
	if err := n.synth.Tick(p.Time); err != nil {
		return err
	}

	w, h := n.Size()
	sel := n.synth.Selected()
	if sel != hydra.AllOutputs {
		out := n.synth.Output(sel)
		ow, oh := out.Size()
		n.CopyFrom(out.Framebuffer(), ow, oh)
		return nil
	}
	// o0 top-left, o1 top-right, o2 bottom-left, o3 bottom-right.
	hw, hh := w/2, h/2
	quadrants := []gpu.Rect{
		{X: 0, Y: hh, W: hw, H: h - hh},
		{X: hw, Y: hh, W: w - hw, H: h - hh},
		{X: 0, Y: 0, W: hw, H: hh},
		{X: hw, Y: 0, W: w - hw, H: hh},
	}
	for i, dst := range quadrants {
		out := n.synth.Output(i)
		ow, oh := out.Size()
		n.vc.Device.BlitFramebuffer(out.Framebuffer(), n.Framebuffer(), gpu.FullRect(ow, oh), dst, false, gpu.FilterLinear)
	}
	return nil
}

// Synth exposes the running synth.
func (n *HydraNode) Synth() *hydra.Synth { return n.synth }

func (n *HydraNode) Destroy() {
	if n.synth != nil {
		n.synth.Destroy()
		n.synth = nil
	}
	n.FBO.Destroy()
}
