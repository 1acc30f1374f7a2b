// Package drmtest provides an in-memory DRM card for tests.
package drmtest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/e7canasta/orion-capture-display/internal/drm"
)

// Flip is a recorded page flip.
type Flip struct {
	CRTC, FB uint32
	UserData uint64
}

// Crtc is a recorded mode-set.
type Crtc struct {
	CRTC, FB, X, Y uint32
	Connectors     []uint32
	Mode           string
}

// PropertySet is a recorded property write.
type PropertySet struct {
	Obj, Type, Prop uint32
	Value           uint64
}

// Card is a scripted drm.Device. Build it with the Add* helpers before use.
type Card struct {
	// Driver is reported by DriverName.
	Driver string
	// SwallowFlips drops flip events so waits time out.
	SwallowFlips bool
	// Fail makes the named method fail.
	Fail map[string]error
	// ExportFD, when set, supplies real descriptors for exported handles.
	// They are closed by CloseFD.
	ExportFD func(handle uint32) (int, error)

	mu         sync.Mutex
	res        drm.Resources
	connectors map[uint32]*drm.Connector
	encoders   map[uint32]*drm.Encoder
	planes     map[uint32]*drm.Plane
	planeIDs   []uint32
	props      map[uint32]map[string]uint32
	nextID     uint32

	fbs        map[uint32]drm.Framebuffer
	removedFBs []uint32
	crtcs      []Crtc
	flips      []Flip
	planeSets  []drm.PlaneUpdate
	propSets   []PropertySet
	pending    []drm.Event
	dropMaster int
	handles    map[uint32]string
	omapFlags  []uint32
	closedFDs  []int
	closed     bool
}

var _ drm.Device = (*Card)(nil)

// NewCard returns an empty card reporting driver.
func NewCard(driver string) *Card {
	return &Card{
		Driver:     driver,
		connectors: make(map[uint32]*drm.Connector),
		encoders:   make(map[uint32]*drm.Encoder),
		planes:     make(map[uint32]*drm.Plane),
		props:      make(map[uint32]map[string]uint32),
		fbs:        make(map[uint32]drm.Framebuffer),
		handles:    make(map[uint32]string),
		nextID:     100,
	}
}

// Mode builds a named mode of the given size.
func Mode(name string, w, h uint16) drm.ModeInfo {
	return drm.ModeInfo{Name: name, HDisplay: w, VDisplay: h, VRefresh: 60}
}

// SetSwallowFlips changes SwallowFlips while the card is in use.
func (c *Card) SetSwallowFlips(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SwallowFlips = on
}

// AddCRTC appends a crtc; its index is its pipe.
func (c *Card) AddCRTC(id uint32) *Card {
	c.res.CRTCs = append(c.res.CRTCs, id)
	return c
}

// AddEncoder registers an encoder bound to crtc (0 for none).
func (c *Card) AddEncoder(id, crtc, possible uint32) *Card {
	c.res.Encoders = append(c.res.Encoders, id)
	c.encoders[id] = &drm.Encoder{ID: id, CRTCID: crtc, PossibleCRTCs: possible}
	return c
}

// AddConnector registers a connected connector.
func (c *Card) AddConnector(id, encoder uint32, encoders []uint32, modes ...drm.ModeInfo) *Card {
	c.res.Connectors = append(c.res.Connectors, id)
	c.connectors[id] = &drm.Connector{
		ID:         id,
		EncoderID:  encoder,
		Connection: drm.Connected,
		Encoders:   encoders,
		Modes:      modes,
	}
	return c
}

// AddPlane registers an overlay plane usable on the pipes in possible.
func (c *Card) AddPlane(id, possible uint32) *Card {
	c.planeIDs = append(c.planeIDs, id)
	c.planes[id] = &drm.Plane{ID: id, PossibleCRTCs: possible}
	return c
}

// AddProperty gives obj a property called name and returns its id.
func (c *Card) AddProperty(obj uint32, name string) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.props[obj] == nil {
		c.props[obj] = make(map[string]uint32)
	}
	c.nextID++
	c.props[obj][name] = c.nextID
	return c.nextID
}

func (c *Card) fail(op string) error {
	if c.Fail == nil {
		return nil
	}
	return c.Fail[op]
}

func (c *Card) FD() int { return -1 }

func (c *Card) Resources() (*drm.Resources, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("Resources"); err != nil {
		return nil, err
	}
	res := c.res
	return &res, nil
}

func (c *Card) PlaneResources() ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("PlaneResources"); err != nil {
		return nil, err
	}
	return append([]uint32(nil), c.planeIDs...), nil
}

func (c *Card) Connector(id uint32) (*drm.Connector, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.connectors[id]
	if !ok {
		return nil, fmt.Errorf("no connector %d", id)
	}
	cp := *conn
	return &cp, nil
}

func (c *Card) Encoder(id uint32) (*drm.Encoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	enc, ok := c.encoders[id]
	if !ok {
		return nil, fmt.Errorf("no encoder %d", id)
	}
	cp := *enc
	return &cp, nil
}

func (c *Card) Plane(id uint32) (*drm.Plane, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.planes[id]
	if !ok {
		return nil, fmt.Errorf("no plane %d", id)
	}
	cp := *p
	return &cp, nil
}

func (c *Card) PropertyID(objID, _ uint32, name string) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.props[objID][name]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("%w: %q", drm.ErrNoProperty, name)
}

func (c *Card) SetProperty(objID, objType, propID uint32, value uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.propSets = append(c.propSets, PropertySet{Obj: objID, Type: objType, Prop: propID, Value: value})
	return nil
}

func (c *Card) AddFB2(fb drm.Framebuffer) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("AddFB2"); err != nil {
		return 0, err
	}
	c.nextID++
	c.fbs[c.nextID] = fb
	return c.nextID, nil
}

func (c *Card) RemoveFB(id uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.fbs[id]; !ok {
		return fmt.Errorf("no framebuffer %d", id)
	}
	delete(c.fbs, id)
	c.removedFBs = append(c.removedFBs, id)
	return nil
}

func (c *Card) SetCrtc(crtc, fb, x, y uint32, connectors []uint32, mode *drm.ModeInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("SetCrtc"); err != nil {
		return err
	}
	rec := Crtc{CRTC: crtc, FB: fb, X: x, Y: y, Connectors: append([]uint32(nil), connectors...)}
	if mode != nil {
		rec.Mode = mode.Name
	}
	c.crtcs = append(c.crtcs, rec)
	return nil
}

func (c *Card) PageFlip(crtc, fb, flags uint32, userData uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("PageFlip"); err != nil {
		return err
	}
	if _, ok := c.fbs[fb]; !ok {
		return fmt.Errorf("flip to unknown framebuffer %d", fb)
	}
	c.flips = append(c.flips, Flip{CRTC: crtc, FB: fb, UserData: userData})
	if flags&drm.FlipFlagEvent != 0 && !c.SwallowFlips {
		b := drm.AppendFlipEvent(nil, userData, crtc, uint32(len(c.flips)))
		evs, _ := drm.ParseEvents(b)
		c.pending = append(c.pending, evs...)
	}
	return nil
}

func (c *Card) SetPlane(u drm.PlaneUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("SetPlane"); err != nil {
		return err
	}
	c.planeSets = append(c.planeSets, u)
	return nil
}

func (c *Card) DropMaster() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropMaster++
	return nil
}

// WaitEvents returns queued events at once, or sleeps for timeout when none
// are queued.
func (c *Card) WaitEvents(timeout time.Duration) ([]drm.Event, error) {
	c.mu.Lock()
	evs := c.pending
	c.pending = nil
	c.mu.Unlock()
	if len(evs) == 0 {
		time.Sleep(timeout)
	}
	return evs, nil
}

func (c *Card) DriverName() (string, error) { return c.Driver, nil }

func (c *Card) newHandle(kind string) uint32 {
	c.nextID++
	c.handles[c.nextID] = kind
	return c.nextID
}

func (c *Card) CreateDumb(width, height, bpp uint32) (uint32, uint32, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("CreateDumb"); err != nil {
		return 0, 0, 0, err
	}
	pitch := (width*bpp/8 + 63) &^ 63
	return c.newHandle("dumb"), pitch, uint64(pitch) * uint64(height), nil
}

func (c *Card) DestroyDumb(handle uint32) error {
	return c.release(handle, "dumb")
}

func (c *Card) MapDumb(handle uint32, size uint64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handles[handle] != "dumb" {
		return nil, fmt.Errorf("map of non-dumb handle %d", handle)
	}
	return make([]byte, size), nil
}

func (c *Card) OmapGemNew(size uint32, width, height uint16, flags uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("OmapGemNew"); err != nil {
		return 0, err
	}
	if size == 0 && (width == 0 || height == 0) {
		return 0, errors.New("omap gem: empty allocation")
	}
	c.omapFlags = append(c.omapFlags, flags)
	return c.newHandle("omap"), nil
}

func (c *Card) GemClose(handle uint32) error {
	return c.release(handle, "omap")
}

func (c *Card) release(handle uint32, kind string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handles[handle] != kind {
		return fmt.Errorf("release of unknown %s handle %d", kind, handle)
	}
	delete(c.handles, handle)
	return nil
}

func (c *Card) PrimeHandleToFD(handle uint32) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("PrimeHandleToFD"); err != nil {
		return -1, err
	}
	if _, ok := c.handles[handle]; !ok {
		return -1, fmt.Errorf("export of unknown handle %d", handle)
	}
	if c.ExportFD != nil {
		return c.ExportFD(handle)
	}
	return 1000 + int(handle), nil
}

func (c *Card) MapPrime(_ int, size uint64) ([]byte, error) { return make([]byte, size), nil }

func (c *Card) Unmap([]byte) error { return nil }

func (c *Card) CloseFD(fd int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closedFDs = append(c.closedFDs, fd)
	if c.ExportFD != nil {
		return unix.Close(fd)
	}
	return nil
}

func (c *Card) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Inspection helpers.

func (c *Card) Crtcs() []Crtc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Crtc(nil), c.crtcs...)
}

func (c *Card) Flips() []Flip {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Flip(nil), c.flips...)
}

func (c *Card) PlaneSets() []drm.PlaneUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]drm.PlaneUpdate(nil), c.planeSets...)
}

func (c *Card) PropertySets() []PropertySet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PropertySet(nil), c.propSets...)
}

func (c *Card) Framebuffers() map[uint32]drm.Framebuffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint32]drm.Framebuffer, len(c.fbs))
	for k, v := range c.fbs {
		out[k] = v
	}
	return out
}

func (c *Card) DropMasterCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropMaster
}

// LiveHandles counts GEM handles not yet released.
func (c *Card) LiveHandles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

func (c *Card) OmapFlags() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.omapFlags...)
}

func (c *Card) ClosedFDs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.closedFDs...)
}

func (c *Card) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Card) RemovedFBs() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.removedFBs...)
}
