package graph

import (
	"hash/fnv"
	"sort"

	jsoniter "github.com/json-iterator/go"
)

// canonical sorts map keys so equal graphs always encode to equal bytes.
var canonical = jsoniter.Config{
	SortMapKeys:            true,
	EscapeHTML:             false,
	ValidateJsonRawMessage: true,
}.Froze()

// Hash returns an order-insensitive structural hash of a patch. Two patches
// that differ only in the order of their node or edge slices hash equally.
func Hash(nodes []RenderNode, edges []RenderEdge) uint64 {
	h := fnv.New64a()

	ns := make([]RenderNode, len(nodes))
	copy(ns, nodes)
	sort.Slice(ns, func(i, j int) bool { return ns[i].ID < ns[j].ID })
	for _, n := range ns {
		b, err := canonical.Marshal(struct {
			ID   string         `json:"id"`
			Type string         `json:"type"`
			Data map[string]any `json:"data"`
		}{n.ID, n.Type, n.Data})
		if err != nil {
			// unencodable data still contributes its identity
			b = []byte(n.ID + "\x00" + n.Type)
		}
		h.Write(b)
		h.Write([]byte{0})
	}

	h.Write([]byte{0xff})
	h.Write(edgeBytes(edges))
	return h.Sum64()
}

// EdgesHash hashes only the connections of a patch.
func EdgesHash(edges []RenderEdge) uint64 {
	h := fnv.New64a()
	h.Write(edgeBytes(edges))
	return h.Sum64()
}

func edgeBytes(edges []RenderEdge) []byte {
	es := make([]RenderEdge, len(edges))
	copy(es, edges)
	sort.Slice(es, func(i, j int) bool {
		if es[i].Source != es[j].Source {
			return es[i].Source < es[j].Source
		}
		if es[i].Target != es[j].Target {
			return es[i].Target < es[j].Target
		}
		if es[i].TargetHandle != es[j].TargetHandle {
			return es[i].TargetHandle < es[j].TargetHandle
		}
		return es[i].SourceHandle < es[j].SourceHandle
	})
	var out []byte
	for _, e := range es {
		out = append(out, e.Source...)
		out = append(out, 0)
		out = append(out, e.SourceHandle...)
		out = append(out, 0)
		out = append(out, e.Target...)
		out = append(out, 0)
		out = append(out, e.TargetHandle...)
		out = append(out, 1)
	}
	return out
}
