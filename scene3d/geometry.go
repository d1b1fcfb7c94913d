package scene3d

import "github.com/chewxy/math32"

// Geometry is an indexed triangle mesh. Vertices interleave position,
// normal and uv: 8 floats each.
type Geometry struct {
	Vertices []float32
	Indices  []uint32
}

const vertexStride = 8

func (g *Geometry) VertexCount() int { return len(g.Vertices) / vertexStride }

func (g *Geometry) add(p, n Vec3, u, v float32) {
	g.Vertices = append(g.Vertices, p.X, p.Y, p.Z, n.X, n.Y, n.Z, u, v)
}

// PlaneGeometry is a w x h quad in the XY plane facing +Z.
func PlaneGeometry(w, h float32) *Geometry {
	g := &Geometry{}
	n := Vec3{0, 0, 1}
	g.add(Vec3{-w / 2, -h / 2, 0}, n, 0, 0)
	g.add(Vec3{w / 2, -h / 2, 0}, n, 1, 0)
	g.add(Vec3{w / 2, h / 2, 0}, n, 1, 1)
	g.add(Vec3{-w / 2, h / 2, 0}, n, 0, 1)
	g.Indices = []uint32{0, 1, 2, 0, 2, 3}
	return g
}

// BoxGeometry is an axis aligned box centred on the origin with one quad
// per face so normals stay flat.
func BoxGeometry(w, h, d float32) *Geometry {
	g := &Geometry{}
	x, y, z := w/2, h/2, d/2
	faces := []struct {
		n       Vec3
		corners [4]Vec3
	}{
		{Vec3{0, 0, 1}, [4]Vec3{{-x, -y, z}, {x, -y, z}, {x, y, z}, {-x, y, z}}},
		{Vec3{0, 0, -1}, [4]Vec3{{x, -y, -z}, {-x, -y, -z}, {-x, y, -z}, {x, y, -z}}},
		{Vec3{1, 0, 0}, [4]Vec3{{x, -y, z}, {x, -y, -z}, {x, y, -z}, {x, y, z}}},
		{Vec3{-1, 0, 0}, [4]Vec3{{-x, -y, -z}, {-x, -y, z}, {-x, y, z}, {-x, y, -z}}},
		{Vec3{0, 1, 0}, [4]Vec3{{-x, y, z}, {x, y, z}, {x, y, -z}, {-x, y, -z}}},
		{Vec3{0, -1, 0}, [4]Vec3{{-x, -y, -z}, {x, -y, -z}, {x, -y, z}, {-x, -y, z}}},
	}
	uvs := [4][2]float32{{0, 0}, {1, 0}, {1, 1}, {0, 1}}
	for i, f := range faces {
		for j, c := range f.corners {
			g.add(c, f.n, uvs[j][0], uvs[j][1])
		}
		b := uint32(i * 4)
		g.Indices = append(g.Indices, b, b+1, b+2, b, b+2, b+3)
	}
	return g
}

// SphereGeometry is a UV sphere.
func SphereGeometry(radius float32, widthSegments, heightSegments int) *Geometry {
	if widthSegments < 3 {
		widthSegments = 3
	}
	if heightSegments < 2 {
		heightSegments = 2
	}
	g := &Geometry{}
	for iy := 0; iy <= heightSegments; iy++ {
		v := float32(iy) / float32(heightSegments)
		for ix := 0; ix <= widthSegments; ix++ {
			u := float32(ix) / float32(widthSegments)
			sinT, cosT := math32.Sincos(v * math32.Pi)
			sinP, cosP := math32.Sincos(u * 2 * math32.Pi)
			n := Vec3{-cosP * sinT, cosT, sinP * sinT}
			p := Vec3{n.X * radius, n.Y * radius, n.Z * radius}
			g.add(p, n, u, 1-v)
		}
	}
	row := uint32(widthSegments + 1)
	for iy := 0; iy < heightSegments; iy++ {
		for ix := 0; ix < widthSegments; ix++ {
			a := uint32(iy)*row + uint32(ix)
			b := a + row
			if iy != 0 {
				g.Indices = append(g.Indices, a, b, a+1)
			}
			if iy != heightSegments-1 {
				g.Indices = append(g.Indices, a+1, b, b+1)
			}
		}
	}
	return g
}
