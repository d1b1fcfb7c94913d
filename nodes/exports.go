package nodes

import (
	"reflect"

	"github.com/gogpu/gg"
	"github.com/traefik/yaegi/interp"

	"github.com/patchies/gopatchies/scene3d"
)

// ggSymbols lets canvas scripts import "github.com/gogpu/gg".
var ggSymbols = interp.Exports{
	"github.com/gogpu/gg/gg": {
		"Context":       reflect.ValueOf((*gg.Context)(nil)),
		"ContextOption": reflect.ValueOf((*gg.ContextOption)(nil)),
		"RGBA":          reflect.ValueOf((*gg.RGBA)(nil)),
		"NewContext":    reflect.ValueOf(gg.NewContext),
		"RGB":           reflect.ValueOf(gg.RGB),
		"RGBA2":         reflect.ValueOf(gg.RGBA2),
		"Hex":           reflect.ValueOf(gg.Hex),
	},
}

// scene3dSymbols lets three scripts import "github.com/patchies/gopatchies/scene3d".
var scene3dSymbols = interp.Exports{
	"github.com/patchies/gopatchies/scene3d/scene3d": {
		"Scene":             reflect.ValueOf((*scene3d.Scene)(nil)),
		"Mesh":              reflect.ValueOf((*scene3d.Mesh)(nil)),
		"Geometry":          reflect.ValueOf((*scene3d.Geometry)(nil)),
		"Material":          reflect.ValueOf((*scene3d.Material)(nil)),
		"Texture":           reflect.ValueOf((*scene3d.Texture)(nil)),
		"Color":             reflect.ValueOf((*scene3d.Color)(nil)),
		"Vec3":              reflect.ValueOf((*scene3d.Vec3)(nil)),
		"PerspectiveCamera": reflect.ValueOf((*scene3d.PerspectiveCamera)(nil)),
		"NewMesh":           reflect.ValueOf(scene3d.NewMesh),
		"BoxGeometry":       reflect.ValueOf(scene3d.BoxGeometry),
		"PlaneGeometry":     reflect.ValueOf(scene3d.PlaneGeometry),
		"SphereGeometry":    reflect.ValueOf(scene3d.SphereGeometry),
	},
}
