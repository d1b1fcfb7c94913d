package nodes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patchies/gopatchies/gpu"
	"github.com/patchies/gopatchies/scene3d"
	"github.com/patchies/gopatchies/script"
	"github.com/patchies/gopatchies/store"
)

// sceneRenderer is the part of scene3d.Renderer a three node drives.
type sceneRenderer interface {
	RenderTarget(w, h int) error
	Render(scene *scene3d.Scene, cam *scene3d.PerspectiveCamera) error
	TargetFramebuffer() uint32
	ResetState()
	Dispose()
}

var newSceneRenderer = func() (sceneRenderer, error) { return scene3d.NewRenderer() }

// ThreeNode renders a scene3d scene built by a user script:
//
//	import "github.com/patchies/gopatchies/scene3d"
//
//	var cube = scene3d.NewMesh(scene3d.BoxGeometry(1, 1, 1), nil)
//
//	func Setup(s *scene3d.Scene) { s.Add(cube) }
//	func Draw(s *scene3d.Scene, t float64) { cube.Rotation.Y = float32(t) }
type ThreeNode struct {
	base
	throttle *script.Throttle

	renderer sceneRenderer
	scene    *scene3d.Scene
	draw     func(*scene3d.Scene, float64)
}

func NewThreeNode(id string, vc *VideoContext, host Host) (VideoNode, error) {
	b, err := newBase(id, "three", vc, host, true)
	if err != nil {
		return nil, err
	}
	return &ThreeNode{base: b, throttle: script.NewThrottle(time.Second)}, nil
}

func (n *ThreeNode) Create(ctx context.Context, data map[string]any, _ *store.Stores) error {
	var d scriptData
	if err := decodeData(data, &d); err != nil {
		return fmt.Errorf("invalid three node data: %w", err)
	}
	var (
		draw  func(*scene3d.Scene, float64)
		setup func(*scene3d.Scene)
	)
	err := loadScript(d.Code, func(r *script.Runner) error {
		v, ok := r.Func("Draw")
		if !ok {
			return errors.New("script must declare func Draw(s *scene3d.Scene, t float64)")
		}
		if draw, ok = v.Interface().(func(*scene3d.Scene, float64)); !ok {
			return fmt.Errorf("draw has the wrong signature %s", v.Type())
		}
		if sv, ok := r.Func("Setup"); ok {
			if setup, ok = sv.Interface().(func(*scene3d.Scene)); !ok {
				return fmt.Errorf("setup has the wrong signature %s", sv.Type())
			}
		}
		return nil
	}, scene3dSymbols)
	if err != nil {
		n.reportScriptError(err)
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if n.renderer == nil {
		r, err := newSceneRenderer()
		if err != nil {
			return fmt.Errorf("failed to create scene renderer: %w", err)
		}
		n.renderer = r
	}
	w, h := n.Size()
	if err := n.renderer.RenderTarget(w, h); err != nil {
		return err
	}
	n.scene = scene3d.NewScene(float32(w) / float32(h))
	n.draw = draw
	if setup != nil {
		if err := script.Call(func() { setup(n.scene) }); err != nil {
			n.reportScriptError(err)
		}
	}
	n.throttle.Forget(n.id)
	return nil
}

func (n *ThreeNode) Render(p RenderParams, inputs map[int]gpu.Texture) error {
	if n.draw == nil || n.renderer == nil {
		return ErrNotCreated
	}
	for i := 0; i < scene3d.MaxInputs; i++ {
		n.scene.Input(i).SetNativeHandle(n.native(inputs[i]))
	}
	if err := script.Call(func() { n.draw(n.scene, p.Time) }); err != nil {
		n.reportScriptError(err)
		return nil
	}

	n.renderer.ResetState()
	err := n.renderer.Render(n.scene, n.scene.Camera)
	// the scene library moved bindings behind the device's back
	n.vc.Device.Refresh()
	if err != nil {
		return err
	}
	w, h := n.Size()
	n.CopyFrom(n.foreign(n.renderer.TargetFramebuffer()), w, h)
	return nil
}

func (n *ThreeNode) foreign(fb uint32) gpu.Framebuffer {
	if n.vc.Interop == nil {
		return gpu.Framebuffer(fb)
	}
	return n.vc.Interop.WrapFramebuffer(fb)
}

func (n *ThreeNode) native(tex gpu.Texture) uint32 {
	if tex == 0 {
		return 0
	}
	if n.vc.Interop == nil {
		return uint32(tex)
	}
	return n.vc.Interop.NativeTexture(tex)
}

// Scene returns the live scene, nil before Create.
func (n *ThreeNode) Scene() *scene3d.Scene { return n.scene }

func (n *ThreeNode) reportScriptError(err error) {
	scriptError(n.host, n.throttle, n.id, err)
}

func (n *ThreeNode) Destroy() {
	if n.renderer != nil {
		n.renderer.Dispose()
		n.renderer = nil
	}
	n.vc.Device.Refresh()
	n.draw = nil
	n.FBO.Destroy()
}
