package hydra

type opKind int

const (
	kindSource opKind = iota
	kindCoord
	kindColor
	kindCombine
	kindCombineCoord
)

type param struct {
	name string
	def  float64
}

type opDef struct {
	kind   opKind
	params []param
	body   string
	// texture is set for ops taking a sampler as first argument.
	texture bool
}

// helpers are emitted ahead of any op that references them.
var helpers = map[string]string{
	"_luminance": `float _luminance(vec3 rgb) {
    const vec3 W = vec3(0.2125, 0.7154, 0.0721);
    return dot(rgb, W);
}`,
	"_noise": `vec4 _permute(vec4 x) { return mod(((x * 34.0) + 1.0) * x, 289.0); }
vec4 _taylorInvSqrt(vec4 r) { return 1.79284291400159 - 0.85373472095314 * r; }
float _noise(vec3 v) {
    const vec2 C = vec2(1.0 / 6.0, 1.0 / 3.0);
    const vec4 D = vec4(0.0, 0.5, 1.0, 2.0);
    vec3 i = floor(v + dot(v, C.yyy));
    vec3 x0 = v - i + dot(i, C.xxx);
    vec3 g = step(x0.yzx, x0.xyz);
    vec3 l = 1.0 - g;
    vec3 i1 = min(g.xyz, l.zxy);
    vec3 i2 = max(g.xyz, l.zxy);
    vec3 x1 = x0 - i1 + 1.0 * C.xxx;
    vec3 x2 = x0 - i2 + 2.0 * C.xxx;
    vec3 x3 = x0 - 1.0 + 3.0 * C.xxx;
    i = mod(i, 289.0);
    vec4 p = _permute(_permute(_permute(
        i.z + vec4(0.0, i1.z, i2.z, 1.0))
        + i.y + vec4(0.0, i1.y, i2.y, 1.0))
        + i.x + vec4(0.0, i1.x, i2.x, 1.0));
    float n_ = 1.0 / 7.0;
    vec3 ns = n_ * D.wyz - D.xzx;
    vec4 j = p - 49.0 * floor(p * ns.z * ns.z);
    vec4 x_ = floor(j * ns.z);
    vec4 y_ = floor(j - 7.0 * x_);
    vec4 x = x_ * ns.x + ns.yyyy;
    vec4 y = y_ * ns.x + ns.yyyy;
    vec4 h = 1.0 - abs(x) - abs(y);
    vec4 b0 = vec4(x.xy, y.xy);
    vec4 b1 = vec4(x.zw, y.zw);
    vec4 s0 = floor(b0) * 2.0 + 1.0;
    vec4 s1 = floor(b1) * 2.0 + 1.0;
    vec4 sh = -step(h, vec4(0.0));
    vec4 a0 = b0.xzyw + s0.xzyw * sh.xxyy;
    vec4 a1 = b1.xzyw + s1.xzyw * sh.zzww;
    vec3 p0 = vec3(a0.xy, h.x);
    vec3 p1 = vec3(a0.zw, h.y);
    vec3 p2 = vec3(a1.xy, h.z);
    vec3 p3 = vec3(a1.zw, h.w);
    vec4 norm = _taylorInvSqrt(vec4(dot(p0, p0), dot(p1, p1), dot(p2, p2), dot(p3, p3)));
    p0 *= norm.x;
    p1 *= norm.y;
    p2 *= norm.z;
    p3 *= norm.w;
    vec4 m = max(0.6 - vec4(dot(x0, x0), dot(x1, x1), dot(x2, x2), dot(x3, x3)), 0.0);
    m = m * m;
    return 42.0 * dot(m * m, vec4(dot(p0, x0), dot(p1, x1), dot(p2, x2), dot(p3, x3)));
}`,
	"_hsv": `vec3 _rgbToHsv(vec3 c) {
    vec4 K = vec4(0.0, -1.0 / 3.0, 2.0 / 3.0, -1.0);
    vec4 p = mix(vec4(c.bg, K.wz), vec4(c.gb, K.xy), step(c.b, c.g));
    vec4 q = mix(vec4(p.xyw, c.r), vec4(c.r, p.yzx), step(p.x, c.r));
    float d = q.x - min(q.w, q.y);
    float e = 1.0e-10;
    return vec3(abs(q.z + (q.w - q.y) / (6.0 * d + e)), d / (q.x + e), q.x);
}
vec3 _hsvToRgb(vec3 c) {
    vec4 K = vec4(1.0, 2.0 / 3.0, 1.0 / 3.0, 3.0);
    vec3 p = abs(fract(c.xxx + K.xyz) * 6.0 - K.www);
    return c.z * mix(K.xxx, clamp(p - K.xxx, 0.0, 1.0), c.y);
}`,
}

// needs lists the helpers each op depends on.
var needs = map[string][]string{
	"noise":    {"_noise"},
	"luma":     {"_luminance"},
	"thresh":   {"_luminance"},
	"mask":     {"_luminance"},
	"colorama": {"_hsv"},
}

var ops = map[string]opDef{
	// sources
	"osc": {kind: kindSource, params: []param{{"frequency", 60}, {"sync", 0.1}, {"offset", 0}}, body: `
    vec2 st = _st;
    float r = sin((st.x - offset / frequency + time * sync) * frequency) * 0.5 + 0.5;
    float g = sin((st.x + time * sync) * frequency) * 0.5 + 0.5;
    float b = sin((st.x + offset / frequency + time * sync) * frequency) * 0.5 + 0.5;
    return vec4(r, g, b, 1.0);`},
	"noise": {kind: kindSource, params: []param{{"scale", 10}, {"offset", 0.1}}, body: `
    return vec4(vec3(_noise(vec3(_st * scale, offset * time))), 1.0);`},
	"voronoi": {kind: kindSource, params: []param{{"scale", 5}, {"speed", 0.3}, {"blending", 0.3}}, body: `
    vec3 color = vec3(0.0);
    _st *= scale;
    vec2 i_st = floor(_st);
    vec2 f_st = fract(_st);
    float m_dist = 10.0;
    vec2 m_point;
    for (int j = -1; j <= 1; j++) {
        for (int i = -1; i <= 1; i++) {
            vec2 neighbor = vec2(float(i), float(j));
            vec2 p = i_st + neighbor;
            vec2 point = fract(sin(vec2(dot(p, vec2(127.1, 311.7)), dot(p, vec2(269.5, 183.3)))) * 43758.5453);
            point = 0.5 + 0.5 * sin(time * speed + 6.2831 * point);
            vec2 diff = neighbor + point - f_st;
            float dist = length(diff);
            if (dist < m_dist) {
                m_dist = dist;
                m_point = point;
            }
        }
    }
    color += dot(m_point, vec2(0.3, 0.6));
    color *= 1.0 - blending * m_dist;
    return vec4(color, 1.0);`},
	"shape": {kind: kindSource, params: []param{{"sides", 3}, {"radius", 0.3}, {"smoothing", 0.01}}, body: `
    vec2 st = _st * 2.0 - 1.0;
    float a = atan(st.x, st.y) + 3.1416;
    float r = (2.0 * 3.1416) / sides;
    float d = cos(floor(0.5 + a / r) * r - a) * length(st);
    return vec4(vec3(1.0 - smoothstep(radius, radius + smoothing + 0.0000001, d)), 1.0);`},
	"gradient": {kind: kindSource, params: []param{{"speed", 0}}, body: `
    return vec4(_st, sin(time * speed), 1.0);`},
	"solid": {kind: kindSource, params: []param{{"r", 0}, {"g", 0}, {"b", 0}, {"a", 1}}, body: `
    return vec4(r, g, b, a);`},
	"src": {kind: kindSource, texture: true, body: `
    return texture(tex, fract(_st));`},

	// coordinates
	"rotate": {kind: kindCoord, params: []param{{"angle", 10}, {"speed", 0}}, body: `
    vec2 xy = _st - vec2(0.5);
    float ang = angle + speed * time;
    xy = mat2(cos(ang), -sin(ang), sin(ang), cos(ang)) * xy;
    xy += 0.5;
    return xy;`},
	"scale": {kind: kindCoord, params: []param{{"amount", 1.5}, {"xMult", 1}, {"yMult", 1}, {"offsetX", 0.5}, {"offsetY", 0.5}}, body: `
    vec2 xy = _st - vec2(offsetX, offsetY);
    xy *= (1.0 / vec2(amount * xMult, amount * yMult));
    xy += vec2(offsetX, offsetY);
    return xy;`},
	"pixelate": {kind: kindCoord, params: []param{{"pixelX", 20}, {"pixelY", 20}}, body: `
    vec2 xy = vec2(pixelX, pixelY);
    return (floor(_st * xy) + 0.5) / xy;`},
	"repeat": {kind: kindCoord, params: []param{{"repeatX", 3}, {"repeatY", 3}, {"offsetX", 0}, {"offsetY", 0}}, body: `
    vec2 st = _st * vec2(repeatX, repeatY);
    st.x += step(1.0, mod(st.y, 2.0)) * offsetX;
    st.y += step(1.0, mod(st.x, 2.0)) * offsetY;
    return fract(st);`},
	"kaleid": {kind: kindCoord, params: []param{{"nSides", 4}}, body: `
    vec2 st = _st;
    st -= 0.5;
    float r = length(st);
    float a = atan(st.y, st.x);
    float pi = 2.0 * 3.1416;
    a = mod(a, pi / nSides);
    a = abs(a - pi / nSides / 2.0);
    return r * vec2(cos(a), sin(a));`},
	"scroll": {kind: kindCoord, params: []param{{"scrollX", 0.5}, {"scrollY", 0.5}, {"speedX", 0}, {"speedY", 0}}, body: `
    _st.x += scrollX + time * speedX;
    _st.y += scrollY + time * speedY;
    return fract(_st);`},
	"scrollX": {kind: kindCoord, params: []param{{"scrollX", 0.5}, {"speed", 0}}, body: `
    _st.x += scrollX + time * speed;
    return fract(_st);`},
	"scrollY": {kind: kindCoord, params: []param{{"scrollY", 0.5}, {"speed", 0}}, body: `
    _st.y += scrollY + time * speed;
    return fract(_st);`},

	// colour
	"invert": {kind: kindColor, params: []param{{"amount", 1}}, body: `
    return vec4((1.0 - _c0.rgb) * amount + _c0.rgb * (1.0 - amount), _c0.a);`},
	"brightness": {kind: kindColor, params: []param{{"amount", 0.4}}, body: `
    return vec4(_c0.rgb + vec3(amount), _c0.a);`},
	"contrast": {kind: kindColor, params: []param{{"amount", 1.6}}, body: `
    vec4 c = (_c0 - vec4(0.5)) * vec4(amount) + vec4(0.5);
    return vec4(c.rgb, _c0.a);`},
	"color": {kind: kindColor, params: []param{{"r", 1}, {"g", 1}, {"b", 1}, {"a", 1}}, body: `
    vec4 c = vec4(r, g, b, a);
    vec4 pos = step(0.0, c);
    return vec4(mix((1.0 - _c0) * abs(c), c * _c0, pos));`},
	"saturate": {kind: kindColor, params: []param{{"amount", 2}}, body: `
    const vec3 W = vec3(0.2125, 0.7154, 0.0721);
    vec3 intensity = vec3(dot(_c0.rgb, W));
    return vec4(mix(intensity, _c0.rgb, amount), _c0.a);`},
	"luma": {kind: kindColor, params: []param{{"threshold", 0.5}, {"tolerance", 0.1}}, body: `
    float a = smoothstep(threshold - (tolerance + 0.0000001), threshold + (tolerance + 0.0000001), _luminance(_c0.rgb));
    return vec4(_c0.rgb * a, a);`},
	"thresh": {kind: kindColor, params: []param{{"threshold", 0.5}, {"tolerance", 0.04}}, body: `
    return vec4(vec3(smoothstep(threshold - (tolerance + 0.0000001), threshold + (tolerance + 0.0000001), _luminance(_c0.rgb))), _c0.a);`},
	"posterize": {kind: kindColor, params: []param{{"bins", 3}, {"gamma", 0.6}}, body: `
    vec4 c2 = pow(_c0, vec4(gamma));
    c2 *= vec4(bins);
    c2 = floor(c2);
    c2 /= vec4(bins);
    c2 = pow(c2, vec4(1.0 / gamma));
    return vec4(c2.xyz, _c0.a);`},
	"colorama": {kind: kindColor, params: []param{{"amount", 0.005}}, body: `
    vec3 c = _rgbToHsv(_c0.rgb);
    c += vec3(amount);
    c = _hsvToRgb(c);
    c = fract(c);
    return vec4(c, _c0.a);`},

	// combine
	"add": {kind: kindCombine, params: []param{{"amount", 1}}, body: `
    return (_c0 + _c1) * amount + _c0 * (1.0 - amount);`},
	"sub": {kind: kindCombine, params: []param{{"amount", 1}}, body: `
    return (_c0 - _c1) * amount + _c0 * (1.0 - amount);`},
	"mult": {kind: kindCombine, params: []param{{"amount", 1}}, body: `
    return _c0 * (1.0 - amount) + (_c0 * _c1) * amount;`},
	"blend": {kind: kindCombine, params: []param{{"amount", 0.5}}, body: `
    return _c0 * (1.0 - amount) + _c1 * amount;`},
	"diff": {kind: kindCombine, body: `
    return vec4(abs(_c0.rgb - _c1.rgb), max(_c0.a, _c1.a));`},
	"layer": {kind: kindCombine, body: `
    return vec4(mix(_c0.rgb, _c1.rgb, _c1.a), clamp(_c0.a + _c1.a, 0.0, 1.0));`},
	"mask": {kind: kindCombine, body: `
    float a = _luminance(_c1.rgb);
    return vec4(_c0.rgb * a, a * _c0.a);`},

	// modulate
	"modulate": {kind: kindCombineCoord, params: []param{{"amount", 0.1}}, body: `
    return _st + _c0.xy * amount;`},
	"modulateScale": {kind: kindCombineCoord, params: []param{{"multiple", 1}, {"offset", 1}}, body: `
    vec2 xy = _st - vec2(0.5);
    xy *= (1.0 / vec2(offset + multiple * _c0.r, offset + multiple * _c0.g));
    xy += vec2(0.5);
    return xy;`},
	"modulateRotate": {kind: kindCombineCoord, params: []param{{"multiple", 1}, {"offset", 0}}, body: `
    vec2 xy = _st - vec2(0.5);
    float angle = offset + _c0.x * multiple;
    xy = mat2(cos(angle), -sin(angle), sin(angle), cos(angle)) * xy;
    xy += 0.5;
    return xy;`},
}
