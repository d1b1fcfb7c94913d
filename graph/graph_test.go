package graph

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func videoEdge(id, src, dst string, inlet int) RenderEdge {
	return RenderEdge{
		ID:           id,
		Source:       src,
		Target:       dst,
		SourceHandle: "video-out",
		TargetHandle: fmt.Sprintf("video-in-%d", inlet),
	}
}

func indexOf(list []string, id string) int {
	for i, v := range list {
		if v == id {
			return i
		}
	}
	return -1
}

func TestTwoNodeChain(t *testing.T) {
	nodes := []RenderNode{
		{ID: "osc1", Type: "glsl", Data: map[string]any{
			"code":          "void mainImage(out vec4 fragColor, in vec2 fragCoord){fragColor=vec4(1,0,0,1);}",
			"glUniformDefs": []any{},
		}},
		{ID: "out1", Type: OutputNodeType, Data: map[string]any{}},
	}
	edges := []RenderEdge{videoEdge("e1", "osc1", "out1", 0)}

	g, err := BuildRenderGraph(nodes, edges)
	require.NoError(t, err)
	assert.Equal(t, []string{"osc1", "out1"}, g.SortedNodes)
	assert.Equal(t, "osc1", g.OutputNodeID)

	out, ok := g.Node("out1")
	require.True(t, ok)
	assert.Equal(t, map[int]string{0: "osc1"}, out.InletMap)
	assert.Equal(t, []string{"osc1"}, out.Inputs)
}

func TestDisconnectedNode(t *testing.T) {
	nodes := []RenderNode{
		{ID: "a", Type: "glsl"},
		{ID: "lonely", Type: "glsl"},
		{ID: "out", Type: OutputNodeType},
	}
	edges := []RenderEdge{videoEdge("e1", "a", "out", 0)}

	g, err := BuildRenderGraph(nodes, edges)
	require.NoError(t, err)

	count := 0
	for _, id := range g.SortedNodes {
		if id == "lonely" {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, "a", g.OutputNodeID)
}

func TestNoSinkMeansNoOutput(t *testing.T) {
	nodes := []RenderNode{{ID: "a", Type: "glsl"}, {ID: "b", Type: "glsl"}}
	edges := []RenderEdge{videoEdge("e1", "a", "b", 0)}

	g, err := BuildRenderGraph(nodes, edges)
	require.NoError(t, err)
	assert.Empty(t, g.OutputNodeID)
}

func TestDanglingEdgesDropped(t *testing.T) {
	nodes := []RenderNode{{ID: "a", Type: "glsl"}, {ID: "out", Type: OutputNodeType}}
	edges := []RenderEdge{
		videoEdge("e1", "ghost", "out", 0),
		videoEdge("e2", "a", "nowhere", 0),
	}

	g, err := BuildRenderGraph(nodes, edges)
	require.NoError(t, err)
	assert.Empty(t, g.Edges)
	assert.Empty(t, g.OutputNodeID)
	assert.Len(t, g.SortedNodes, 2)
}

func TestCycleFailsLoudly(t *testing.T) {
	nodes := []RenderNode{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	edges := []RenderEdge{
		videoEdge("e1", "a", "b", 0),
		videoEdge("e2", "b", "c", 0),
		videoEdge("e3", "c", "b", 1),
	}

	_, err := BuildRenderGraph(nodes, edges)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycle))
	assert.Contains(t, err.Error(), "b")
	assert.Contains(t, err.Error(), "c")
}

func TestAudioAndMessageEdgesDoNotOrder(t *testing.T) {
	nodes := []RenderNode{{ID: "a"}, {ID: "b"}}
	edges := []RenderEdge{
		{ID: "e1", Source: "a", Target: "b", SourceHandle: "audio-out-0", TargetHandle: "audio-in-0"},
		{ID: "e2", Source: "b", Target: "a", SourceHandle: "message-out-0", TargetHandle: "message-in-1"},
	}

	g, err := BuildRenderGraph(nodes, edges)
	require.NoError(t, err)
	assert.Len(t, g.SortedNodes, 2)
	assert.Empty(t, g.Nodes[0].InletMap)
	assert.Empty(t, g.Nodes[1].InletMap)
}

func TestInletMapIsSlotIndexed(t *testing.T) {
	nodes := []RenderNode{{ID: "a"}, {ID: "b"}, {ID: "mix"}}
	edges := []RenderEdge{
		videoEdge("e1", "b", "mix", 1),
		videoEdge("e2", "a", "mix", 0),
	}

	g, err := BuildRenderGraph(nodes, edges)
	require.NoError(t, err)
	mix, _ := g.Node("mix")
	assert.Equal(t, map[int]string{0: "a", 1: "b"}, mix.InletMap)
}

func TestNamedSamplerSlot(t *testing.T) {
	nodes := []RenderNode{
		{ID: "src"},
		{ID: "fx", Type: "glsl", Data: map[string]any{
			"glUniformDefs": []any{
				map[string]any{"name": "amount", "type": "float"},
				map[string]any{"name": "tex0", "type": "sampler2D"},
				map[string]any{"name": "tex1", "type": "sampler2D"},
			},
		}},
	}
	edges := []RenderEdge{{ID: "e", Source: "src", Target: "fx", SourceHandle: "video-out", TargetHandle: "tex1"}}

	g, err := BuildRenderGraph(nodes, edges)
	require.NoError(t, err)
	fx, _ := g.Node("fx")
	assert.Equal(t, map[int]string{1: "src"}, fx.InletMap)
}

func TestNamedSamplerSlotFromCode(t *testing.T) {
	nodes := []RenderNode{
		{ID: "a"},
		{ID: "b"},
		{ID: "fx", Type: "glsl", Data: map[string]any{
			"code": "uniform sampler2D tex0;\nuniform sampler2D tex1;\nvoid mainImage(out vec4 c, in vec2 p) {}\n",
		}},
	}
	edges := []RenderEdge{
		{ID: "e1", Source: "a", Target: "fx", SourceHandle: "video-out", TargetHandle: "tex0"},
		{ID: "e2", Source: "b", Target: "fx", SourceHandle: "video-out", TargetHandle: "tex1"},
	}

	g, err := BuildRenderGraph(nodes, edges)
	require.NoError(t, err)
	fx, _ := g.Node("fx")
	assert.Equal(t, map[int]string{0: "a", 1: "b"}, fx.InletMap)
}

func TestAnalyzerSamplersTakeNoSlot(t *testing.T) {
	nodes := []RenderNode{
		{ID: "src"},
		{ID: "fx", Type: "glsl", Data: map[string]any{
			"code": "uniform sampler2D first;\nuniform sampler2D second;\n",
			"fftInlets": []any{
				map[string]any{"uniform": "first", "analyzerId": "mic", "kind": "waveform"},
			},
		}},
	}
	edges := []RenderEdge{{ID: "e", Source: "src", Target: "fx", SourceHandle: "video-out", TargetHandle: "second"}}

	g, err := BuildRenderGraph(nodes, edges)
	require.NoError(t, err)
	fx, _ := g.Node("fx")
	assert.Equal(t, map[int]string{0: "src"}, fx.InletMap)
}

func TestParseHandle(t *testing.T) {
	tests := []struct {
		in   string
		want Handle
	}{
		{"", Handle{Kind: HandleVideo}},
		{"video-out", Handle{Kind: HandleVideo, Out: true}},
		{"video-in-2", Handle{Kind: HandleVideo, Index: 2}},
		{"audio-in-0", Handle{Kind: HandleAudio}},
		{"message-in-1", Handle{Kind: HandleMessage, Index: 1}},
		{"sampler2D-3", Handle{Kind: HandleSampler, Index: 3}},
		{"iChannel0", Handle{Kind: HandleSampler, Name: "iChannel0"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseHandle(tt.in))
		})
	}
}

// randomDAG builds a random acyclic patch by only connecting lower to
// higher indices, then shuffles both slices.
func randomDAG(r *rand.Rand, n int) ([]RenderNode, []RenderEdge) {
	nodes := make([]RenderNode, n)
	for i := range nodes {
		nodes[i] = RenderNode{ID: fmt.Sprintf("n%d", i), Type: "glsl"}
	}
	var edges []RenderEdge
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if r.Intn(4) == 0 {
				edges = append(edges, videoEdge(fmt.Sprintf("e%d_%d", i, j), nodes[i].ID, nodes[j].ID, r.Intn(4)))
			}
		}
	}
	r.Shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })
	r.Shuffle(len(edges), func(i, j int) { edges[i], edges[j] = edges[j], edges[i] })
	return nodes, edges
}

func TestTopologicalOrderProperty(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for iter := 0; iter < 200; iter++ {
		nodes, edges := randomDAG(r, 1+r.Intn(20))

		g, err := BuildRenderGraph(nodes, edges)
		require.NoError(t, err)
		require.Len(t, g.SortedNodes, len(nodes))

		seen := make(map[string]bool)
		for _, id := range g.SortedNodes {
			require.False(t, seen[id], "node %s listed twice", id)
			seen[id] = true
		}
		for _, e := range edges {
			assert.Less(t, indexOf(g.SortedNodes, e.Source), indexOf(g.SortedNodes, e.Target))
		}
	}
}

func TestBuildDoesNotMutateInput(t *testing.T) {
	nodes := []RenderNode{{ID: "a"}, {ID: "out", Type: OutputNodeType}}
	edges := []RenderEdge{videoEdge("e1", "a", "out", 0)}

	_, err := BuildRenderGraph(nodes, edges)
	require.NoError(t, err)
	assert.Nil(t, nodes[1].InletMap)
	assert.Nil(t, nodes[0].Outputs)
}
