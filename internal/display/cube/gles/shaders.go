//go:build linux && cgo && gles

package gles

const vertexShader = `
uniform mat4 modelviewMatrix;
uniform mat4 modelviewprojectionMatrix;
uniform mat3 normalMatrix;

attribute vec4 in_position;
attribute vec3 in_normal;
attribute vec4 in_color;
attribute vec2 in_texuv;

vec4 lightSource = vec4(2.0, 2.0, 20.0, 0.0);

varying float VaryingLight;
varying vec2 vVaryingTexUV;

void main()
{
    gl_Position = modelviewprojectionMatrix * in_position;
    vec3 vEyeNormal = normalMatrix * in_normal;
    vec4 vPosition4 = modelviewMatrix * in_position;
    vec3 vPosition3 = vPosition4.xyz / vPosition4.w;
    vec3 vLightDir = normalize(lightSource.xyz - vPosition3);
    VaryingLight = max(0.0, dot(vEyeNormal, vLightDir));
    vVaryingTexUV = in_texuv;
}
`

const fragmentShader = `
#extension GL_OES_EGL_image_external : require

precision mediump float;

uniform samplerExternalOES texture;

varying float VaryingLight;
varying vec2 vVaryingTexUV;

void main()
{
    vec4 t = texture2D(texture, vVaryingTexUV);
    gl_FragColor = vec4(VaryingLight * t.rgb, 1.0);
}
`

// Four vertices per face, drawn as one triangle strip each, in the order
// front, back, right, left, top, bottom.
var vertices = [...]float32{
	-1, -1, +1, +1, -1, +1, -1, +1, +1, +1, +1, +1,
	+1, -1, -1, -1, -1, -1, +1, +1, -1, -1, +1, -1,
	+1, -1, +1, +1, -1, -1, +1, +1, +1, +1, +1, -1,
	-1, -1, -1, -1, -1, +1, -1, +1, -1, -1, +1, +1,
	-1, +1, +1, +1, +1, +1, -1, +1, -1, +1, +1, -1,
	-1, -1, -1, +1, -1, -1, -1, -1, +1, +1, -1, +1,
}

var normals = [...]float32{
	0, 0, +1, 0, 0, +1, 0, 0, +1, 0, 0, +1,
	0, 0, -1, 0, 0, -1, 0, 0, -1, 0, 0, -1,
	+1, 0, 0, +1, 0, 0, +1, 0, 0, +1, 0, 0,
	-1, 0, 0, -1, 0, 0, -1, 0, 0, -1, 0, 0,
	0, +1, 0, 0, +1, 0, 0, +1, 0, 0, +1, 0,
	0, -1, 0, 0, -1, 0, 0, -1, 0, 0, -1, 0,
}

// Vertex colours are bound but unused by the fragment shader.
var colors = [...]float32{
	0, 0, 1, 1, 0, 1, 0, 1, 1, 1, 1, 1,
	1, 0, 0, 0, 0, 0, 1, 1, 0, 0, 1, 0,
	1, 0, 1, 1, 0, 0, 1, 1, 1, 1, 1, 0,
	0, 0, 0, 0, 0, 1, 0, 1, 0, 0, 1, 1,
	0, 1, 1, 1, 1, 1, 0, 1, 0, 1, 1, 0,
	0, 0, 0, 1, 0, 0, 0, 0, 1, 1, 0, 1,
}

var texUVs = [...]float32{
	0, 1, 1, 1, 0, 0, 1, 0,
	0, 1, 1, 1, 0, 0, 1, 0,
	0, 1, 1, 1, 0, 0, 1, 0,
	0, 1, 1, 1, 0, 0, 1, 0,
	0, 1, 1, 1, 0, 0, 1, 0,
	0, 1, 1, 1, 0, 0, 1, 0,
}
