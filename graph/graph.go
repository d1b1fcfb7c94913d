package graph

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/patchies/gopatchies/shader"
)

// OutputNodeType is the terminal "background output" sink.
const OutputNodeType = "bg.out"

// ErrCycle is returned when the video connections of a patch form a cycle.
var ErrCycle = errors.New("render graph contains a cycle")

// RenderNode is one node of the patch as seen by the render engine.
type RenderNode struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Data     map[string]any `json:"data"`
	Inputs   []string       `json:"inputs,omitempty"`
	Outputs  []string       `json:"outputs,omitempty"`
	InletMap map[int]string `json:"inletMap,omitempty"`
}

// RenderEdge connects an outlet of Source to an inlet of Target.
type RenderEdge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// RenderGraph is an immutable, topologically ordered snapshot of a patch.
type RenderGraph struct {
	Nodes        []RenderNode `json:"nodes"`
	Edges        []RenderEdge `json:"edges"`
	SortedNodes  []string     `json:"sortedNodes"`
	OutputNodeID string       `json:"outputNodeId,omitempty"`
}

// Node returns the node with the given id.
func (g *RenderGraph) Node(id string) (*RenderNode, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// HandleKind classifies a port handle string.
type HandleKind int

const (
	HandleVideo HandleKind = iota
	HandleAudio
	HandleMessage
	HandleSampler
)

func (k HandleKind) String() string {
	switch k {
	case HandleVideo:
		return "video"
	case HandleAudio:
		return "audio"
	case HandleMessage:
		return "message"
	case HandleSampler:
		return "sampler2D"
	default:
		return "unknown"
	}
}

// Handle is a parsed port handle such as "video-in-0" or "audio-in-1".
type Handle struct {
	Kind  HandleKind
	Out   bool
	Index int
	Name  string
}

// ParseHandle decodes the semantics encoded in a handle string. An empty
// handle is treated as the first video port.
func ParseHandle(handle string) Handle {
	h := Handle{Kind: HandleVideo}
	if handle == "" {
		return h
	}

	parts := strings.Split(handle, "-")
	switch parts[0] {
	case "video":
	case "audio":
		h.Kind = HandleAudio
	case "message":
		h.Kind = HandleMessage
	case "sampler2D":
		h.Kind = HandleSampler
		h.Name = strings.TrimPrefix(handle, "sampler2D-")
		if n, err := strconv.Atoi(h.Name); err == nil {
			h.Index = n
			h.Name = ""
		}
		return h
	default:
		// bare uniform names are sampler inlets of glsl nodes
		h.Kind = HandleSampler
		h.Name = handle
		return h
	}

	if len(parts) > 1 {
		h.Out = parts[1] == "out"
	}
	if len(parts) > 2 {
		if n, err := strconv.Atoi(parts[len(parts)-1]); err == nil {
			h.Index = n
		}
	}
	return h
}

// isVideoEdge reports whether an edge carries video (and so participates in
// render ordering).
func isVideoEdge(e RenderEdge) bool {
	k := ParseHandle(e.TargetHandle).Kind
	return k == HandleVideo || k == HandleSampler
}

// BuildRenderGraph turns the UI's nodes and edges into a RenderGraph. Edges
// that reference missing nodes are dropped. The function is pure: the
// passed slices are not modified.
func BuildRenderGraph(nodes []RenderNode, edges []RenderEdge) (*RenderGraph, error) {
	index := make(map[string]int, len(nodes))
	out := make([]RenderNode, len(nodes))
	for i, n := range nodes {
		out[i] = RenderNode{
			ID:       n.ID,
			Type:     n.Type,
			Data:     n.Data,
			InletMap: make(map[int]string),
		}
		index[n.ID] = i
	}

	valid := make([]RenderEdge, 0, len(edges))
	for _, e := range edges {
		_, okSrc := index[e.Source]
		_, okDst := index[e.Target]
		if !okSrc || !okDst {
			continue
		}
		valid = append(valid, e)
	}

	// adjacency is only built from video edges; audio and message edges do
	// not constrain render order.
	indegree := make([]int, len(out))
	adjacent := make([][]int, len(out))
	seen := make(map[[2]int]bool)
	outputNodeID := ""

	for _, e := range valid {
		src, dst := index[e.Source], index[e.Target]
		if !isVideoEdge(e) {
			continue
		}
		h := ParseHandle(e.TargetHandle)
		slot := h.Index
		if h.Kind == HandleSampler && h.Name != "" {
			slot = samplerSlot(&out[dst], h.Name)
		}
		out[dst].InletMap[slot] = e.Source

		if out[dst].Type == OutputNodeType {
			outputNodeID = e.Source
		}

		pair := [2]int{src, dst}
		if seen[pair] {
			continue
		}
		seen[pair] = true
		adjacent[src] = append(adjacent[src], dst)
		indegree[dst]++
		out[dst].Inputs = append(out[dst].Inputs, e.Source)
		out[src].Outputs = append(out[src].Outputs, e.Target)
	}

	sorted := make([]string, 0, len(out))
	queue := make([]int, 0, len(out))
	for i := range out {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		sorted = append(sorted, out[i].ID)
		for _, j := range adjacent[i] {
			indegree[j]--
			if indegree[j] == 0 {
				queue = append(queue, j)
			}
		}
	}

	if len(sorted) != len(out) {
		var stuck []string
		for i := range out {
			if indegree[i] > 0 {
				stuck = append(stuck, out[i].ID)
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(stuck, ", "))
	}

	return &RenderGraph{
		Nodes:        out,
		Edges:        valid,
		SortedNodes:  sorted,
		OutputNodeID: outputNodeID,
	}, nil
}

// samplerSlot maps a named sampler inlet onto its positional slot: the
// order in which the name appears among the node's sampler2D uniforms,
// skipping samplers bound to an analyzer. Definitions come from
// glUniformDefs, or from the code when none are given. Unknown names go to
// the slot after the last sampler.
func samplerSlot(n *RenderNode, name string) int {
	defs := uniformDefs(n.Data)
	fft := make(map[string]bool)
	for _, m := range dataMaps(n.Data["fftInlets"]) {
		if u, ok := m["uniform"].(string); ok {
			fft[u] = true
		}
	}
	slots := shader.SamplerSlots(defs, func(name string) bool { return fft[name] })
	if slot, ok := slots[name]; ok {
		return slot
	}
	return len(slots)
}

func uniformDefs(data map[string]any) []shader.UniformDef {
	switch v := data["glUniformDefs"].(type) {
	case []shader.UniformDef:
		if len(v) > 0 {
			return v
		}
	default:
		var defs []shader.UniformDef
		for _, m := range dataMaps(v) {
			name, _ := m["name"].(string)
			typ, _ := m["type"].(string)
			defs = append(defs, shader.UniformDef{Name: name, Type: typ})
		}
		if len(defs) > 0 {
			return defs
		}
	}
	code, _ := data["code"].(string)
	return shader.ParseUniformDefs(code)
}

// dataMaps returns the object elements of a decoded JSON array.
func dataMaps(v any) []map[string]any {
	switch v := v.(type) {
	case []map[string]any:
		return v
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, d := range v {
			if m, ok := d.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}
