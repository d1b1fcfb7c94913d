package nodes

import (
	"context"
	"fmt"
	"image"

	"go.uber.org/zap"

	"github.com/patchies/gopatchies/gpu"
	"github.com/patchies/gopatchies/shader"
	"github.com/patchies/gopatchies/store"
	"github.com/patchies/gopatchies/vfs"
)

type imgData struct {
	Src string `mapstructure:"src"`
}

type loadedImage struct {
	src string
	img *image.RGBA
}

// ImgNode shows the bitmap stored for its id. A src path is resolved off the
// render thread and lands in the TextureStore on a later frame.
type ImgNode struct {
	base
	stores  *store.Stores
	program gpu.Program
	texLoc  int32

	src    string
	loaded chan loadedImage
	// owned is set once the stored bitmap came from src rather than the
	// main thread.
	owned bool
}

func NewImgNode(id string, vc *VideoContext, host Host) (VideoNode, error) {
	b, err := newBase(id, "img", vc, host, false)
	if err != nil {
		return nil, err
	}
	program, err := vc.Device.CompileProgram(shader.VertexSource, shader.BlitFragment(false))
	if err != nil {
		b.FBO.Destroy()
		return nil, fmt.Errorf("failed to compile image program: %w", err)
	}
	return &ImgNode{
		base:    b,
		program: program,
		texLoc:  vc.Device.UniformLocation(program, "u_texture"),
		loaded:  make(chan loadedImage, 1),
	}, nil
}

func (n *ImgNode) Create(ctx context.Context, data map[string]any, stores *store.Stores) error {
	var d imgData
	if err := decodeData(data, &d); err != nil {
		return fmt.Errorf("invalid img node data: %w", err)
	}
	n.stores = stores
	n.src = d.Src
	if d.Src == "" {
		return nil
	}
	go n.load(ctx, d.Src)
	return nil
}

func (n *ImgNode) load(ctx context.Context, src string) {
	raw, err := n.host.ResolveVFS(ctx, n.id, src)
	if err == nil {
		var img *image.RGBA
		if img, err = vfs.DecodeImage(raw); err == nil {
			w, h := n.Size()
			img = vfs.Fit(img, w*2, h*2)
			select {
			case <-n.loaded:
			default:
			}
			select {
			case n.loaded <- loadedImage{src: src, img: img}:
			case <-ctx.Done():
			}
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	n.log.Warn("image load failed", zap.String("src", src), zap.Error(err))
	console(n.host, n.id, LevelError, fmt.Sprintf("failed to load %s: %v", src, err))
}

func (n *ImgNode) Render(_ RenderParams, _ map[int]gpu.Texture) error {
	if n.stores == nil {
		return ErrNotCreated
	}
	select {
	case l := <-n.loaded:
		// a stale load for a replaced src is dropped
		if l.src == n.src {
			if err := n.stores.Textures.Set(n.id, l.img); err != nil {
				return err
			}
			n.owned = true
		}
	default:
	}

	d := n.vc.Device
	tex, ok := n.stores.Textures.Get(n.id)
	if !ok {
		tex = n.vc.Fallback
	}
	n.Bind()
	if tex == 0 {
		d.Clear(0, 0, 0, 0)
		return nil
	}
	d.UseProgram(n.program)
	d.BindTexture(0, tex)
	d.Uniform1i(n.texLoc, 0)
	d.DrawQuad()
	return nil
}

func (n *ImgNode) Destroy() {
	if n.program != 0 {
		n.vc.Device.DeleteProgram(n.program)
		n.program = 0
	}
	if n.owned {
		n.stores.Textures.Remove(n.id)
	}
	n.FBO.Destroy()
}
