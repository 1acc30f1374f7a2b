package wayland

// Interface names and request/event opcodes of the protocol subset in use.
// Opcodes are the declaration order in the protocol XML.

const (
	ifaceCompositor    = "wl_compositor"
	ifaceXdgWmBase     = "xdg_wm_base"
	ifaceViewporter    = "wp_viewporter"
	ifaceLinuxDmabuf   = "zwp_linux_dmabuf_v1"
	displayObject      = 1
	firstClientObject  = 2
	lastClientObject   = 0xfeffffff
	dmabufImmedVersion = 2
)

// wl_display
const (
	displaySync        = 0
	displayGetRegistry = 1

	displayEventError    = 0
	displayEventDeleteID = 1
)

// wl_registry
const (
	registryBind = 0

	registryEventGlobal       = 0
	registryEventGlobalRemove = 1
)

// wl_callback
const callbackEventDone = 0

// wl_compositor
const compositorCreateSurface = 0

// wl_surface
const (
	surfaceDestroy = 0
	surfaceAttach  = 1
	surfaceDamage  = 2
	surfaceFrame   = 3
	surfaceCommit  = 6
)

// wl_buffer
const (
	bufferDestroy      = 0
	bufferEventRelease = 0
)

// xdg_wm_base
const (
	wmBaseDestroy       = 0
	wmBaseGetXdgSurface = 2
	wmBasePong          = 3

	wmBaseEventPing = 0
)

// xdg_surface
const (
	xdgSurfaceDestroy      = 0
	xdgSurfaceGetToplevel  = 1
	xdgSurfaceAckConfigure = 4

	xdgSurfaceEventConfigure = 0
)

// xdg_toplevel
const (
	toplevelDestroy  = 0
	toplevelSetTitle = 2
	toplevelSetAppID = 3

	toplevelEventConfigure = 0
	toplevelEventClose     = 1
)

// wp_viewporter, wp_viewport
const (
	viewporterDestroy     = 0
	viewporterGetViewport = 1

	viewportDestroy        = 0
	viewportSetSource      = 1
	viewportSetDestination = 2
)

// zwp_linux_dmabuf_v1, zwp_linux_buffer_params_v1
const (
	dmabufDestroy      = 0
	dmabufCreateParams = 1

	paramsDestroy     = 0
	paramsAdd         = 1
	paramsCreateImmed = 3

	paramsEventFailed = 1
)
