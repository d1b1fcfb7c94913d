package vfs

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patchies/gopatchies/graph"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r := NewResolver(t.TempDir(), t.TempDir(), zap.NewNop())
	r.MaxElapsed = time.Second
	return r
}

func TestResolveSchemes(t *testing.T) {
	r := newTestResolver(t)
	require.NoError(t, os.WriteFile(filepath.Join(r.UserDir, "a.txt"), []byte("user"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(r.ObjectDir, "obj"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(r.ObjectDir, "obj", "b.txt"), []byte("object"), 0o644))
	plain := filepath.Join(t.TempDir(), "c.txt")
	require.NoError(t, os.WriteFile(plain, []byte("plain"), 0o644))

	tests := []struct {
		path string
		want string
	}{
		{"user://a.txt", "user"},
		{"obj://obj/b.txt", "object"},
		{plain, "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			data, err := r.Resolve(context.Background(), tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}
}

func TestResolveRejectsEscapes(t *testing.T) {
	r := newTestResolver(t)
	for _, p := range []string{"user://../secret", "obj://a/../../secret"} {
		_, err := r.Resolve(context.Background(), p)
		assert.ErrorIs(t, err, ErrOutsideRoot, p)
	}
}

func TestResolveWithoutDirectory(t *testing.T) {
	r := NewResolver("", "", zap.NewNop())
	_, err := r.Resolve(context.Background(), "user://a.png")
	assert.EqualError(t, err, `no directory configured for "a.png"`)
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	data, err := newTestResolver(t).Resolve(context.Background(), srv.URL+"/x")
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	_, err := newTestResolver(t).Resolve(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int32(1), calls.Load())
}

func encodePNG(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < w*h; i++ {
		img.SetRGBA(i%w, i/w, c)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecodeImage(t *testing.T) {
	img, err := DecodeImage(encodePNG(t, 3, 2, color.RGBA{0, 255, 0, 255}))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 3, 2), img.Rect)
	assert.Equal(t, []uint8{0, 255, 0, 255}, img.Pix[:4])

	_, err = DecodeImage([]byte("void mainImage() {}"))
	assert.ErrorIs(t, err, ErrNotImage)
}

func TestFitKeepsAspect(t *testing.T) {
	big := image.NewRGBA(image.Rect(0, 0, 400, 200))
	assert.Equal(t, image.Rect(0, 0, 100, 50), Fit(big, 100, 100).Rect)

	small := image.NewRGBA(image.Rect(0, 0, 10, 10))
	assert.Same(t, small, Fit(small, 100, 100))
}

const apiShader = `{"Shader":{"info":{"id":"abc","name":"Tunnel"},"renderpass":[
 {"type":"common","name":"Common","code":"float k = 1.0;","inputs":[]},
 {"type":"buffer","name":"Buffer A","code":"void mainImage(out vec4 c, in vec2 p){c=vec4(k);}","inputs":[
   {"channel":0,"ctype":"buffer","src":"/media/previz/buffer00.png"}]},
 {"type":"image","name":"Image","code":"void mainImage(out vec4 c, in vec2 p){c=texture(iChannel1,p);}","inputs":[
   {"channel":1,"ctype":"buffer","src":"/media/previz/buffer00.png"},
   {"channel":0,"ctype":"texture","src":"/media/a/rock.png"},
   {"channel":2,"ctype":"keyboard","src":""}]}
]}}`

func TestShadertoyImport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/shaders/abc" || r.URL.Query().Get("key") != "k3y" {
			fmt.Fprint(w, `{"Error":"Shader not found"}`)
			return
		}
		fmt.Fprint(w, apiShader)
	}))
	defer srv.Close()
	ShadertoyAPIURL, ShadertoyMediaURL = srv.URL+"/api/v1", srv.URL
	t.Cleanup(func() {
		ShadertoyAPIURL, ShadertoyMediaURL = "https://www.shadertoy.com/api/v1", "https://www.shadertoy.com"
	})

	r := newTestResolver(t)
	p, err := r.ShadertoyImport(context.Background(), "k3y", "abc")
	require.NoError(t, err)
	assert.Equal(t, "Tunnel", p.Title)

	g, err := graph.BuildRenderGraph(p.Nodes, p.Edges)
	require.NoError(t, err)
	assert.Equal(t, "image", g.OutputNodeID)

	pass, ok := g.Node("image")
	require.True(t, ok)
	assert.Equal(t, map[int]string{0: "image-ch0", 1: "buffer-a"}, pass.InletMap)
	code := pass.Data["code"].(string)
	assert.Contains(t, code, "uniform sampler2D iChannel0;\nuniform sampler2D iChannel1;\nfloat k = 1.0;")
	assert.NotContains(t, code, "iChannel2;")

	tex, ok := g.Node("image-ch0")
	require.True(t, ok)
	assert.Equal(t, srv.URL+"/media/a/rock.png", tex.Data["src"])

	buf, ok := g.Node("buffer-a")
	require.True(t, ok)
	assert.Empty(t, buf.InletMap, "self feedback is dropped")

	_, err = r.ShadertoyImport(context.Background(), "k3y", "nope")
	assert.ErrorIs(t, err, ErrShaderNotFound)
}

func TestShadertoyImportWithoutKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.ParseForm() != nil || r.PostForm.Get("s") != `{"shaders":["xyz"]}` {
			fmt.Fprint(w, `[]`)
			return
		}
		fmt.Fprint(w, `[{"info":{"id":"xyz","name":"Raw"},"renderpass":[
		  {"type":"image","name":"Image","code":"void mainImage(out vec4 c, in vec2 p){c=texture(iChannel0,p);}",
		   "inputs":[{"channel":0,"type":"texture","filepath":"/media/a/wood.jpg"}]}]}]`)
	}))
	defer srv.Close()
	ShadertoyMediaURL = srv.URL
	t.Cleanup(func() { ShadertoyMediaURL = "https://www.shadertoy.com" })

	r := newTestResolver(t)
	p, err := r.ShadertoyImport(context.Background(), "", "xyz")
	require.NoError(t, err)
	assert.Equal(t, "Raw", p.Title)
	require.Len(t, p.Nodes, 3)
	assert.Equal(t, srv.URL+"/media/a/wood.jpg", p.Nodes[0].Data["src"])

	_, err = r.ShadertoyImport(context.Background(), "", "other")
	assert.ErrorIs(t, err, ErrShaderNotFound)
}

func TestBufferID(t *testing.T) {
	tests := map[string]string{
		"/media/previz/buffer00.png": "buffer-a",
		"/media/previz/buffer03.png": "buffer-d",
		"/media/previz/buffer07.png": "",
		"/media/a/rock.png":          "",
	}
	for src, want := range tests {
		got, _ := bufferID(src)
		assert.Equal(t, want, got, src)
	}
}
