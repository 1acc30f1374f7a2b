//go:build linux && cgo && gles

// Package gles renders the cube with EGL and GLES2 on a GBM surface of the
// card. Video buffers become external textures through dma-buf EGL images.
package gles

/*
#cgo pkg-config: gbm egl glesv2
#include <stdlib.h>
#include <gbm.h>
#include <EGL/egl.h>
#include <EGL/eglext.h>
#include <GLES2/gl2.h>
#include <GLES2/gl2ext.h>

static PFNEGLCREATEIMAGEKHRPROC create_image;
static PFNEGLDESTROYIMAGEKHRPROC destroy_image;
static PFNGLEGLIMAGETARGETTEXTURE2DOESPROC image_target_texture;

static EGLDisplay gbm_display(struct gbm_device *gbm) {
	return eglGetDisplay((EGLNativeDisplayType)gbm);
}

static EGLSurface gbm_window_surface(EGLDisplay dpy, EGLConfig cfg, struct gbm_surface *s) {
	return eglCreateWindowSurface(dpy, cfg, (EGLNativeWindowType)s, NULL);
}

static uint32_t bo_handle(struct gbm_bo *bo) {
	return gbm_bo_get_handle(bo).u32;
}

static int load_image_procs(void) {
	create_image = (PFNEGLCREATEIMAGEKHRPROC)eglGetProcAddress("eglCreateImageKHR");
	destroy_image = (PFNEGLDESTROYIMAGEKHRPROC)eglGetProcAddress("eglDestroyImageKHR");
	image_target_texture = (PFNGLEGLIMAGETARGETTEXTURE2DOESPROC)eglGetProcAddress("glEGLImageTargetTexture2DOES");
	return create_image && destroy_image && image_target_texture;
}

static EGLImageKHR create_dmabuf_image(EGLDisplay dpy, const EGLint *attrs) {
	return create_image(dpy, EGL_NO_CONTEXT, EGL_LINUX_DMA_BUF_EXT, NULL, attrs);
}

static void destroy_dmabuf_image(EGLDisplay dpy, EGLImageKHR img) {
	destroy_image(dpy, img);
}

static void target_texture(EGLImageKHR img) {
	image_target_texture(GL_TEXTURE_EXTERNAL_OES, (GLeglImageOES)img);
}

static GLuint compile(GLenum kind, const char *src, char *log, int loglen) {
	GLuint s = glCreateShader(kind);
	GLint ok = 0;
	glShaderSource(s, 1, &src, NULL);
	glCompileShader(s);
	glGetShaderiv(s, GL_COMPILE_STATUS, &ok);
	if (!ok) {
		glGetShaderInfoLog(s, loglen, NULL, log);
		glDeleteShader(s);
		return 0;
	}
	return s;
}

static int link_program(GLuint p, char *log, int loglen) {
	GLint ok = 0;
	glLinkProgram(p);
	glGetProgramiv(p, GL_LINK_STATUS, &ok);
	if (!ok) {
		glGetProgramInfoLog(p, loglen, NULL, log);
	}
	return ok;
}

static void attrib(GLuint index, GLint size, const GLfloat *data) {
	glVertexAttribPointer(index, size, GL_FLOAT, GL_FALSE, 0, data);
	glEnableVertexAttribArray(index);
}
*/
import "C"

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/e7canasta/orion-capture-display/internal/buffer"
	"github.com/e7canasta/orion-capture-display/internal/display/cube"
	"github.com/e7canasta/orion-capture-display/internal/drm"
	"github.com/e7canasta/orion-capture-display/internal/fourcc"
)

const logSize = 1024

// Renderer is the EGL/GLES cube renderer.
type Renderer struct {
	card   drm.Device
	width  uint32
	height uint32

	gbm     *C.struct_gbm_device
	surface *C.struct_gbm_surface

	display C.EGLDisplay
	config  C.EGLConfig
	context C.EGLContext
	egl     C.EGLSurface

	program                C.GLuint
	modelView, mvp, normal C.GLint
	sampler                C.GLint

	// Framebuffer ids by locked bo, and the bo currently scanned out.
	fbs     map[*C.struct_gbm_bo]uint32
	front   *C.struct_gbm_bo
	pending *C.struct_gbm_bo

	images map[uint32]C.EGLImageKHR

	// Pinned vertex data handed to GL.
	attribs [4]*C.GLfloat
}

var _ cube.Renderer = (*Renderer)(nil)

// New returns an uninitialized renderer.
func New() cube.Renderer {
	return &Renderer{
		fbs:    make(map[*C.struct_gbm_bo]uint32),
		images: make(map[uint32]C.EGLImageKHR),
	}
}

func (r *Renderer) Init(card drm.Device, width, height uint32) error {
	r.card, r.width, r.height = card, width, height

	r.gbm = C.gbm_create_device(C.int(card.FD()))
	if r.gbm == nil {
		return errors.New("gbm_create_device failed")
	}
	r.surface = C.gbm_surface_create(r.gbm, C.uint32_t(width), C.uint32_t(height),
		C.GBM_FORMAT_XRGB8888, C.GBM_BO_USE_SCANOUT|C.GBM_BO_USE_RENDERING)
	if r.surface == nil {
		return errors.New("failed to create gbm surface")
	}

	if err := r.initEGL(); err != nil {
		return err
	}
	if err := r.initProgram(); err != nil {
		return err
	}
	r.initAttribs()
	C.glViewport(0, 0, C.GLsizei(width), C.GLsizei(height))
	return nil
}

func (r *Renderer) initEGL() error {
	r.display = C.gbm_display(r.gbm)
	if r.display == nil {
		return errors.New("eglGetDisplay failed")
	}
	var major, minor C.EGLint
	if C.eglInitialize(r.display, &major, &minor) == C.EGL_FALSE {
		return errors.New("eglInitialize failed")
	}
	exts := C.GoString(C.eglQueryString(r.display, C.EGL_EXTENSIONS))
	if !strings.Contains(exts, "EGL_EXT_image_dma_buf_import") {
		return errors.New("EGL_EXT_image_dma_buf_import not available")
	}
	if C.eglBindAPI(C.EGL_OPENGL_ES_API) == C.EGL_FALSE {
		return errors.New("failed to bind api EGL_OPENGL_ES_API")
	}

	configAttribs := []C.EGLint{
		C.EGL_SURFACE_TYPE, C.EGL_WINDOW_BIT,
		C.EGL_RED_SIZE, 1,
		C.EGL_GREEN_SIZE, 1,
		C.EGL_BLUE_SIZE, 1,
		C.EGL_ALPHA_SIZE, 0,
		C.EGL_RENDERABLE_TYPE, C.EGL_OPENGL_ES2_BIT,
		C.EGL_NONE,
	}
	var n C.EGLint
	if C.eglChooseConfig(r.display, &configAttribs[0], &r.config, 1, &n) == C.EGL_FALSE || n != 1 {
		return errors.Errorf("failed to choose config: %d", n)
	}

	contextAttribs := []C.EGLint{C.EGL_CONTEXT_CLIENT_VERSION, 2, C.EGL_NONE}
	r.context = C.eglCreateContext(r.display, r.config, nil, &contextAttribs[0])
	if r.context == nil {
		return errors.New("failed to create context")
	}
	r.egl = C.gbm_window_surface(r.display, r.config, r.surface)
	if r.egl == nil {
		return errors.New("failed to create egl surface")
	}
	if C.eglMakeCurrent(r.display, r.egl, r.egl, r.context) == C.EGL_FALSE {
		return errors.New("eglMakeCurrent failed")
	}
	if C.load_image_procs() == 0 {
		return errors.New("EGL image entry points missing")
	}
	return nil
}

func (r *Renderer) initProgram() error {
	log := (*C.char)(C.calloc(logSize, 1))
	defer C.free(unsafe.Pointer(log))

	compile := func(kind C.GLenum, name, src string) (C.GLuint, error) {
		csrc := C.CString(src)
		defer C.free(unsafe.Pointer(csrc))
		s := C.compile(kind, csrc, log, logSize)
		if s == 0 {
			return 0, errors.Errorf("%s shader compilation failed: %s", name, C.GoString(log))
		}
		return s, nil
	}
	vs, err := compile(C.GL_VERTEX_SHADER, "vertex", vertexShader)
	if err != nil {
		return err
	}
	fs, err := compile(C.GL_FRAGMENT_SHADER, "fragment", fragmentShader)
	if err != nil {
		return err
	}

	r.program = C.glCreateProgram()
	C.glAttachShader(r.program, vs)
	C.glAttachShader(r.program, fs)
	for i, name := range []string{"in_position", "in_normal", "in_color", "in_texuv"} {
		cname := C.CString(name)
		C.glBindAttribLocation(r.program, C.GLuint(i), cname)
		C.free(unsafe.Pointer(cname))
	}
	if C.link_program(r.program, log, logSize) == 0 {
		return errors.Errorf("program linking failed: %s", C.GoString(log))
	}
	C.glUseProgram(r.program)

	uniform := func(name string) C.GLint {
		cname := C.CString(name)
		defer C.free(unsafe.Pointer(cname))
		return C.glGetUniformLocation(r.program, cname)
	}
	r.modelView = uniform("modelviewMatrix")
	r.mvp = uniform("modelviewprojectionMatrix")
	r.normal = uniform("normalMatrix")
	r.sampler = uniform("texture")
	return nil
}

// initAttribs copies the vertex data into C memory, since GL reads client
// arrays at draw time.
func (r *Renderer) initAttribs() {
	for i, data := range [][]float32{vertices[:], normals[:], colors[:], texUVs[:]} {
		size := C.size_t(len(data)) * C.size_t(unsafe.Sizeof(C.GLfloat(0)))
		p := (*C.GLfloat)(C.malloc(size))
		copy(unsafe.Slice((*float32)(unsafe.Pointer(p)), len(data)), data)
		r.attribs[i] = p
	}
	sizes := [4]C.GLint{3, 3, 3, 2}
	for i, p := range r.attribs {
		C.attrib(C.GLuint(i), sizes[i], p)
	}
	C.glEnable(C.GL_CULL_FACE)
}

func (r *Renderer) Clear() (uint32, error) {
	C.glClearColor(0.5, 0.5, 0.5, 1.0)
	C.glClear(C.GL_COLOR_BUFFER_BIT)
	fb, err := r.swap()
	if err != nil {
		return 0, err
	}
	r.Flipped()
	return fb, nil
}

func (r *Renderer) Draw(f cube.Frame) (uint32, error) {
	C.glClearColor(0.5, 0.5, 0.5, 1.0)
	C.glClear(C.GL_COLOR_BUFFER_BIT)

	C.glUniformMatrix4fv(r.modelView, 1, C.GL_FALSE, (*C.GLfloat)(unsafe.Pointer(&f.ModelView[0][0])))
	C.glUniformMatrix4fv(r.mvp, 1, C.GL_FALSE, (*C.GLfloat)(unsafe.Pointer(&f.ModelViewProjection[0][0])))
	C.glUniformMatrix3fv(r.normal, 1, C.GL_FALSE, (*C.GLfloat)(unsafe.Pointer(&f.Normal[0])))

	for face, tex := range f.Textures {
		C.glActiveTexture(C.GL_TEXTURE0)
		C.glBindTexture(C.GL_TEXTURE_EXTERNAL_OES, C.GLuint(tex))
		C.glUniform1i(r.sampler, 0)
		C.glDrawArrays(C.GL_TRIANGLE_STRIP, C.GLint(face*4), 4)
	}
	if e := C.glGetError(); e != C.GL_NO_ERROR {
		return 0, errors.Errorf("draw failed: gl error 0x%x", uint32(e))
	}
	return r.swap()
}

// swap presents the GL back buffer and returns a framebuffer for it.
func (r *Renderer) swap() (uint32, error) {
	if C.eglSwapBuffers(r.display, r.egl) == C.EGL_FALSE {
		return 0, errors.New("eglSwapBuffers failed")
	}
	bo := C.gbm_surface_lock_front_buffer(r.surface)
	if bo == nil {
		return 0, errors.New("failed to lock front buffer")
	}
	r.pending = bo
	if fb, ok := r.fbs[bo]; ok {
		return fb, nil
	}

	fb, err := r.card.AddFB2(drm.Framebuffer{
		Width:   uint32(C.gbm_bo_get_width(bo)),
		Height:  uint32(C.gbm_bo_get_height(bo)),
		Format:  uint32(fourcc.XR24),
		Handles: [4]uint32{uint32(C.bo_handle(bo))},
		Pitches: [4]uint32{uint32(C.gbm_bo_get_stride(bo))},
	})
	if err != nil {
		C.gbm_surface_release_buffer(r.surface, bo)
		r.pending = nil
		return 0, fmt.Errorf("failed to create fb: %w", err)
	}
	r.fbs[bo] = fb
	return fb, nil
}

func (r *Renderer) Flipped() {
	if r.pending == nil {
		return
	}
	if r.front != nil {
		C.gbm_surface_release_buffer(r.surface, r.front)
	}
	r.front, r.pending = r.pending, nil
}

// Import wraps buf in an EGL image bound to a new external texture.
func (r *Renderer) Import(buf *buffer.Buffer) (uint32, error) {
	attrs, err := imageAttribs(buf)
	if err != nil {
		return 0, err
	}
	img := C.create_dmabuf_image(r.display, &attrs[0])
	if img == nil {
		return 0, errors.Errorf("eglCreateImageKHR failed for %s buffer %d", buf.Format, buf.Index)
	}

	var tex C.GLuint
	C.glGenTextures(1, &tex)
	C.glBindTexture(C.GL_TEXTURE_EXTERNAL_OES, tex)
	C.glTexParameteri(C.GL_TEXTURE_EXTERNAL_OES, C.GL_TEXTURE_MIN_FILTER, C.GL_LINEAR)
	C.glTexParameteri(C.GL_TEXTURE_EXTERNAL_OES, C.GL_TEXTURE_MAG_FILTER, C.GL_LINEAR)
	C.target_texture(img)
	if e := C.glGetError(); e != C.GL_NO_ERROR {
		C.glDeleteTextures(1, &tex)
		C.destroy_dmabuf_image(r.display, img)
		return 0, errors.Errorf("glEGLImageTargetTexture2DOES failed: gl error 0x%x", uint32(e))
	}
	r.images[uint32(tex)] = img
	return uint32(tex), nil
}

func imageAttribs(buf *buffer.Buffer) ([]C.EGLint, error) {
	format := buf.Format
	planes := 1
	switch format {
	case fourcc.AR24, fourcc.YUYV, fourcc.UYVY:
	case fourcc.NV12:
		planes = 2
	default:
		return nil, errors.Errorf("no EGL import for %s", format)
	}
	if len(buf.Planes) < planes {
		return nil, errors.Errorf("%s buffer %d has %d planes", format, buf.Index, len(buf.Planes))
	}

	keys := [2][3]C.EGLint{
		{C.EGL_DMA_BUF_PLANE0_FD_EXT, C.EGL_DMA_BUF_PLANE0_OFFSET_EXT, C.EGL_DMA_BUF_PLANE0_PITCH_EXT},
		{C.EGL_DMA_BUF_PLANE1_FD_EXT, C.EGL_DMA_BUF_PLANE1_OFFSET_EXT, C.EGL_DMA_BUF_PLANE1_PITCH_EXT},
	}
	attrs := []C.EGLint{
		C.EGL_WIDTH, C.EGLint(buf.Width),
		C.EGL_HEIGHT, C.EGLint(buf.Height),
		C.EGL_LINUX_DRM_FOURCC_EXT, C.EGLint(format),
	}
	for i := 0; i < planes; i++ {
		p := buf.Planes[i]
		attrs = append(attrs,
			keys[i][0], C.EGLint(p.FD),
			keys[i][1], C.EGLint(p.Offset),
			keys[i][2], C.EGLint(p.Pitch),
		)
	}
	return append(attrs, C.EGL_NONE), nil
}

func (r *Renderer) Close() error {
	for tex, img := range r.images {
		t := C.GLuint(tex)
		C.glDeleteTextures(1, &t)
		C.destroy_dmabuf_image(r.display, img)
	}
	r.images = nil

	var errs []error
	for _, fb := range r.fbs {
		if err := r.card.RemoveFB(fb); err != nil {
			errs = append(errs, err)
		}
	}
	r.fbs = nil
	if r.surface != nil {
		if r.front != nil {
			C.gbm_surface_release_buffer(r.surface, r.front)
		}
		if r.pending != nil {
			C.gbm_surface_release_buffer(r.surface, r.pending)
		}
	}

	if r.display != nil {
		C.eglMakeCurrent(r.display, nil, nil, nil)
		if r.egl != nil {
			C.eglDestroySurface(r.display, r.egl)
		}
		if r.context != nil {
			C.eglDestroyContext(r.display, r.context)
		}
		C.eglTerminate(r.display)
	}
	if r.surface != nil {
		C.gbm_surface_destroy(r.surface)
	}
	if r.gbm != nil {
		C.gbm_device_destroy(r.gbm)
	}
	for i, p := range r.attribs {
		if p != nil {
			C.free(unsafe.Pointer(p))
			r.attribs[i] = nil
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("release framebuffers: %w", errs[0])
	}
	return nil
}
