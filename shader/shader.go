package shader

import (
	"strings"
)

// ────────────────────────────────── Desktop GL ──────────────────────────────────

// VertexSource drives the shared full-screen quad. frag_uv runs 0..1 with the
// origin at the bottom-left.
const VertexSource = `#version 410 core
layout (location = 0) in vec2 in_vert;
out vec2 frag_uv;
void main() {
    frag_uv = in_vert * 0.5 + 0.5;
    gl_Position = vec4(in_vert, 0.0, 1.0);
}
`

const blitFragmentShaderSourceFlipGL = `#version 410 core
in vec2 frag_uv;
out vec4 fragColor;
uniform sampler2D u_texture;
void main() { fragColor = texture(u_texture, vec2(frag_uv.x, 1.0 - frag_uv.y)); }
`

const blitFragmentShaderSourceGL = `#version 410 core
in vec2 frag_uv;
out vec4 fragColor;
uniform sampler2D u_texture;
void main() { fragColor = texture(u_texture, frag_uv); }
`

// TransparentFragment clears whatever it is drawn over.
const TransparentFragment = `#version 410 core
out vec4 fragColor;
void main() { fragColor = vec4(0.0); }
`

// BlitFragment samples u_texture across the quad, optionally flipped.
func BlitFragment(flip bool) string {
	if flip {
		return blitFragmentShaderSourceFlipGL
	}
	return blitFragmentShaderSourceGL
}

// ────────────────────── Dynamic preamble / user code glue ──────────────────────

const preamble = `#version 300 es
precision highp float;
precision highp int;

#define HW_PERFORMANCE 1

uniform vec3  iResolution;
uniform float iTime;
uniform float iTimeDelta;
uniform int   iFrame;
uniform vec4  iMouse;
uniform vec4  iDate;

out vec4 fragColor;

#define FAST_TANH_BODY(x) ((x) * (27.0 + (x)*(x)) / (27.0 + 9.0*(x)*(x)))
float fast_tanh(float x) { return FAST_TANH_BODY(x); }
vec2  fast_tanh(vec2  x) { return FAST_TANH_BODY(x); }
vec3  fast_tanh(vec3  x) { return FAST_TANH_BODY(x); }
vec4  fast_tanh(vec4  x) { return FAST_TANH_BODY(x); }
#define tanh fast_tanh
`

const mainWrapper = `
void main(void)
{
    mainImage(fragColor, gl_FragCoord.xy);
}
`

// Builtins are the uniforms the wrapper declares and feeds every frame.
var Builtins = []string{"iResolution", "iTime", "iTimeDelta", "iFrame", "iMouse", "iDate"}

// WrapFragment embeds a ShaderToy style mainImage into a complete WebGL2
// fragment shader. lineOffset is the number of lines that precede the first
// user line, so driver line L maps to user line L-lineOffset.
func WrapFragment(user string) (source string, lineOffset int) {
	return preamble + user + "\n" + mainWrapper, strings.Count(preamble, "\n")
}
