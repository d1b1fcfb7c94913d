package nodes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthonynsimon/bild/transform"
	"github.com/gogpu/gg"
	"github.com/traefik/yaegi/interp"

	"github.com/patchies/gopatchies/gpu"
	"github.com/patchies/gopatchies/script"
	"github.com/patchies/gopatchies/store"
)

type scriptData struct {
	Code string `mapstructure:"code"`
}

// CanvasNode draws with a user script on a software 2D context and uploads
// the result into its texture every frame. Scripts look like
//
//	import "github.com/gogpu/gg"
//
//	func Draw(dc *gg.Context, t float64) {
//		dc.Clear()
//		dc.DrawCircle(100, 100, 50+20*math.Sin(t))
//		dc.Fill()
//	}
type CanvasNode struct {
	base
	throttle *script.Throttle

	dc   *gg.Context
	draw func(*gg.Context, float64)
}

func NewCanvasNode(id string, vc *VideoContext, host Host) (VideoNode, error) {
	b, err := newBase(id, "canvas", vc, host, false)
	if err != nil {
		return nil, err
	}
	return &CanvasNode{base: b, throttle: script.NewThrottle(time.Second)}, nil
}

func (n *CanvasNode) Create(ctx context.Context, data map[string]any, _ *store.Stores) error {
	var d scriptData
	if err := decodeData(data, &d); err != nil {
		return fmt.Errorf("invalid canvas node data: %w", err)
	}
	var (
		draw  func(*gg.Context, float64)
		setup func(*gg.Context)
	)
	err := loadScript(d.Code, func(r *script.Runner) error {
		v, ok := r.Func("Draw")
		if !ok {
			return errors.New("script must declare func Draw(dc *gg.Context, t float64)")
		}
		if draw, ok = v.Interface().(func(*gg.Context, float64)); !ok {
			return fmt.Errorf("draw has the wrong signature %s", v.Type())
		}
		if sv, ok := r.Func("Setup"); ok {
			if setup, ok = sv.Interface().(func(*gg.Context)); !ok {
				return fmt.Errorf("setup has the wrong signature %s", sv.Type())
			}
		}
		return nil
	}, ggSymbols)
	if err != nil {
		n.reportScriptError(err)
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	w, h := n.Size()
	n.draw = draw
	n.dc = gg.NewContext(w, h)
	if setup != nil {
		if err := script.Call(func() { setup(n.dc) }); err != nil {
			n.reportScriptError(err)
		}
	}
	n.throttle.Forget(n.id)
	return nil
}

func (n *CanvasNode) Render(p RenderParams, _ map[int]gpu.Texture) error {
	if n.draw == nil || n.dc == nil {
		return ErrNotCreated
	}
	if err := script.Call(func() { n.draw(n.dc, p.Time) }); err != nil {
		n.reportScriptError(err)
		return nil
	}
	// gg rows run top-down; textures are uploaded bottom row first
	img := transform.FlipV(n.dc.Image())
	w, h := n.Size()
	n.vc.Device.UpdateTexture(n.Texture(), w, h, img.Pix)
	return nil
}

func (n *CanvasNode) reportScriptError(err error) {
	scriptError(n.host, n.throttle, n.id, err)
}

func (n *CanvasNode) Destroy() {
	n.draw = nil
	n.dc = nil
	n.FBO.Destroy()
}

// scriptError reports a script failure as a console error, once per second
// per distinct message.
func scriptError(h Host, t *script.Throttle, nodeID string, err error) {
	if !t.Allow(nodeID, err.Error(), time.Now()) {
		return
	}
	ev := Event{Kind: EventConsole, NodeID: nodeID, Level: LevelError, Args: []any{err.Error()}}
	var re *script.RuntimeError
	if errors.As(err, &re) {
		ev.LineErrors = re.LineErrors()
	}
	h.Emit(ev)
}

// loadScript builds a runner with exports, loads code and lets bind pick
// the entry points.
func loadScript(code string, bind func(r *script.Runner) error, exports ...interp.Exports) error {
	r, err := script.New(exports...)
	if err != nil {
		return err
	}
	if err := r.Load(code); err != nil {
		return err
	}
	return bind(r)
}
