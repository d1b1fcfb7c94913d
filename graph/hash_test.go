package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashIgnoresSliceOrder(t *testing.T) {
	a := []RenderNode{
		{ID: "x", Type: "glsl", Data: map[string]any{"code": "a", "n": 1.0}},
		{ID: "y", Type: "hydra", Data: map[string]any{"code": "osc()"}},
	}
	b := []RenderNode{a[1], a[0]}
	ea := []RenderEdge{videoEdge("1", "x", "y", 0), videoEdge("2", "y", "z", 1)}
	eb := []RenderEdge{ea[1], ea[0]}

	assert.Equal(t, Hash(a, ea), Hash(b, eb))
	assert.Equal(t, EdgesHash(ea), EdgesHash(eb))
}

func TestHashDetectsChanges(t *testing.T) {
	nodes := []RenderNode{{ID: "x", Type: "glsl", Data: map[string]any{"code": "a"}}}
	edges := []RenderEdge{videoEdge("1", "x", "out", 0)}
	base := Hash(nodes, edges)

	changedCode := []RenderNode{{ID: "x", Type: "glsl", Data: map[string]any{"code": "b"}}}
	assert.NotEqual(t, base, Hash(changedCode, edges))

	rewired := []RenderEdge{videoEdge("1", "x", "out", 1)}
	assert.NotEqual(t, base, Hash(nodes, rewired))
	assert.NotEqual(t, EdgesHash(edges), EdgesHash(rewired))
}
