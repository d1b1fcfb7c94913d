package vfs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/patchies/gopatchies/graph"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Shadertoy endpoints. Tests point them at a local server.
var (
	ShadertoyAPIURL   = "https://www.shadertoy.com/api/v1"
	ShadertoyMediaURL = "https://www.shadertoy.com"
)

var ErrShaderNotFound = errors.New("shader not found")

type stResponse struct {
	Shader *stShader `json:"Shader"`
	Error  string    `json:"Error,omitempty"`
}

type stShader struct {
	Info       stInfo   `json:"info"`
	RenderPass []stPass `json:"renderpass"`
}

type stInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

type stPass struct {
	Inputs []stInput `json:"inputs"`
	Code   string    `json:"code"`
	Name   string    `json:"name"`
	Type   string    `json:"type"`
}

type stInput struct {
	Channel int    `json:"channel"`
	CType   string `json:"ctype"`
	Src     string `json:"src"`
	// the unauthenticated endpoint names these differently
	Type     string `json:"type"`
	Filepath string `json:"filepath"`
}

func (in stInput) kind() string {
	if in.CType != "" {
		return in.CType
	}
	return in.Type
}

func (in stInput) source() string {
	if in.Src != "" {
		return in.Src
	}
	return in.Filepath
}

// ShadertoyImport fetches shader id and turns its passes into a patch: one
// glsl node per image or buffer pass, img nodes for texture inputs, and a
// bg.out fed by the image pass. Without an API key the public site endpoint
// is used. Inputs the engine cannot provide (keyboard, sound, cubemaps,
// buffer feedback) are skipped and logged.
func (r *Resolver) ShadertoyImport(ctx context.Context, apiKey, id string) (*graph.Patch, error) {
	sh, err := r.fetchShader(ctx, apiKey, id)
	if err != nil {
		return nil, err
	}
	return r.shaderToPatch(sh), nil
}

func (r *Resolver) fetchShader(ctx context.Context, apiKey, id string) (*stShader, error) {
	if apiKey != "" {
		u := fmt.Sprintf("%s/shaders/%s?key=%s", ShadertoyAPIURL, url.PathEscape(id), url.QueryEscape(apiKey))
		body, err := r.fetch(ctx, u)
		if err != nil {
			return nil, err
		}
		var resp stResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode shader %s: %w", id, err)
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("%w: %s: %s", ErrShaderNotFound, id, resp.Error)
		}
		if resp.Shader == nil {
			return nil, fmt.Errorf("%w: %s", ErrShaderNotFound, id)
		}
		return resp.Shader, nil
	}

	form := url.Values{}
	form.Set("s", fmt.Sprintf(`{"shaders":[%q]}`, id))
	endpoint := ShadertoyMediaURL + "/shadertoy"
	body, err := r.do(ctx, endpoint, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Origin", ShadertoyMediaURL)
		req.Header.Set("Referer", ShadertoyMediaURL+"/browse")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	var shaders []stShader
	if err := json.Unmarshal(body, &shaders); err != nil {
		return nil, fmt.Errorf("failed to decode shader %s: %w", id, err)
	}
	if len(shaders) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrShaderNotFound, id)
	}
	return &shaders[0], nil
}

// passID names the node of an image or buffer pass.
func passID(p stPass) string {
	if p.Type == "image" {
		return "image"
	}
	return strings.ToLower(strings.ReplaceAll(p.Name, " ", "-"))
}

// bufferID maps a buffer input like /media/previz/buffer01.png to the node
// of the pass writing it.
func bufferID(src string) (string, bool) {
	name := strings.TrimSuffix(path.Base(src), path.Ext(src))
	if len(name) != len("buffer00") || !strings.HasPrefix(name, "buffer0") {
		return "", false
	}
	i := name[len(name)-1] - '0'
	if i > 3 {
		return "", false
	}
	return "buffer-" + string(rune('a'+i)), true
}

func (r *Resolver) shaderToPatch(sh *stShader) *graph.Patch {
	log := r.log.With(zap.String("shader", sh.Info.ID))
	p := &graph.Patch{Title: sh.Info.Name}

	var common string
	for _, pass := range sh.RenderPass {
		if pass.Type == "common" {
			common = pass.Code + "\n"
		}
	}

	for _, pass := range sh.RenderPass {
		if pass.Type != "image" && pass.Type != "buffer" {
			if pass.Type != "common" {
				log.Warn("skipping unsupported pass", zap.String("pass", pass.Name), zap.String("type", pass.Type))
			}
			continue
		}
		id := passID(pass)

		inputs := slices.Clone(pass.Inputs)
		slices.SortFunc(inputs, func(a, b stInput) int { return a.Channel - b.Channel })

		var decls strings.Builder
		slot := 0
		for _, in := range inputs {
			var src string
			switch in.kind() {
			case "texture":
				src = fmt.Sprintf("%s-ch%d", id, in.Channel)
				p.Nodes = append(p.Nodes, graph.RenderNode{
					ID:   src,
					Type: "img",
					Data: map[string]any{"src": ShadertoyMediaURL + in.source()},
				})
			case "buffer":
				b, ok := bufferID(in.source())
				if !ok || b == id {
					log.Warn("skipping buffer feedback", zap.String("pass", pass.Name), zap.Int("channel", in.Channel))
					continue
				}
				src = b
			default:
				log.Warn("skipping unsupported input", zap.String("pass", pass.Name), zap.String("type", in.kind()))
				continue
			}
			fmt.Fprintf(&decls, "uniform sampler2D iChannel%d;\n", in.Channel)
			p.Edges = append(p.Edges, graph.RenderEdge{
				ID:           fmt.Sprintf("%s-%s", src, id),
				Source:       src,
				Target:       id,
				SourceHandle: "video-out",
				TargetHandle: fmt.Sprintf("sampler2D-%d", slot),
			})
			slot++
		}

		p.Nodes = append(p.Nodes, graph.RenderNode{
			ID:   id,
			Type: "glsl",
			Data: map[string]any{"code": decls.String() + common + pass.Code, "title": pass.Name},
		})
		if pass.Type == "image" {
			p.Nodes = append(p.Nodes, graph.RenderNode{ID: "out", Type: graph.OutputNodeType, Data: map[string]any{}})
			p.Edges = append(p.Edges, graph.RenderEdge{
				ID:           "image-out",
				Source:       id,
				Target:       "out",
				SourceHandle: "video-out",
				TargetHandle: "video-in-0",
			})
		}
	}
	return p
}
