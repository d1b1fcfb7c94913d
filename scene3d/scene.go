// Package scene3d is a small retained-mode 3D library for three nodes. It
// renders with its own GL calls into its own render target and keeps its own
// state cache, so it can share a context with the rest of the engine as long
// as both sides reset their caches after each other's work.
package scene3d

// Color is linear RGB in [0,1].
type Color struct{ R, G, B float32 }

// Texture wraps a GL texture owned elsewhere.
type Texture struct {
	handle uint32
}

// SetNativeHandle points the texture at a GL texture name. Zero clears it.
func (t *Texture) SetNativeHandle(h uint32) { t.handle = h }

func (t *Texture) NativeHandle() uint32 { return t.handle }

// Material is an unlit-plus-diffuse surface. Map, when set with a non-zero
// handle, is multiplied with Color.
type Material struct {
	Color Color
	Map   *Texture
}

type Mesh struct {
	Geometry *Geometry
	Material *Material
	Position Vec3
	Rotation Vec3
	Scale    Vec3
	Visible  bool
}

func NewMesh(g *Geometry, m *Material) *Mesh {
	if m == nil {
		m = &Material{Color: Color{1, 1, 1}}
	}
	return &Mesh{Geometry: g, Material: m, Scale: Vec3{1, 1, 1}, Visible: true}
}

// ModelMatrix is translate * rotate * scale.
func (m *Mesh) ModelMatrix() Mat4 {
	return Translate(m.Position).Mul(RotateXYZ(m.Rotation)).Mul(Scale(m.Scale))
}

type PerspectiveCamera struct {
	Fov, Aspect, Near, Far float32
	Position, Target, Up   Vec3
}

func NewPerspectiveCamera(fov, aspect, near, far float32) *PerspectiveCamera {
	return &PerspectiveCamera{
		Fov: fov, Aspect: aspect, Near: near, Far: far,
		Position: Vec3{0, 0, 5},
		Up:       Vec3{0, 1, 0},
	}
}

func (c *PerspectiveCamera) ViewMatrix() Mat4 { return LookAt(c.Position, c.Target, c.Up) }

func (c *PerspectiveCamera) ProjectionMatrix() Mat4 {
	return Perspective(c.Fov, c.Aspect, c.Near, c.Far)
}

// MaxInputs is the number of upstream textures a scene can sample.
const MaxInputs = 4

// Scene holds everything drawn in one frame.
type Scene struct {
	// Background clears the target; nil leaves it transparent.
	Background *Color
	Objects    []*Mesh
	Camera     *PerspectiveCamera

	inputs [MaxInputs]*Texture
}

func NewScene(aspect float32) *Scene {
	s := &Scene{Camera: NewPerspectiveCamera(75, aspect, 0.1, 1000)}
	for i := range s.inputs {
		s.inputs[i] = &Texture{}
	}
	return s
}

func (s *Scene) Add(meshes ...*Mesh) { s.Objects = append(s.Objects, meshes...) }

func (s *Scene) Remove(m *Mesh) {
	for i, o := range s.Objects {
		if o == m {
			s.Objects = append(s.Objects[:i], s.Objects[i+1:]...)
			return
		}
	}
}

// Clear removes every object.
func (s *Scene) Clear() { s.Objects = nil }

// Input returns the texture bound to inlet i. Its handle follows the
// upstream node every frame; a zero handle means nothing is connected.
func (s *Scene) Input(i int) *Texture {
	if i < 0 || i >= MaxInputs {
		return &Texture{}
	}
	return s.inputs[i]
}
